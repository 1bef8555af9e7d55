// Package domain contains core business types and interfaces.
//
// This file defines the User domain type and subscription state. These types
// are separate from the repository rows so business logic never depends on
// database column shapes.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus represents the possible states of a user's subscription.
// The states mirror the payment gateway's subscription lifecycle.
type SubscriptionStatus string

const (
	SubscriptionStatusCreated   SubscriptionStatus = "created"
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusHalted    SubscriptionStatus = "halted"
	SubscriptionStatusPaused    SubscriptionStatus = "paused"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
)

// SubscriptionTier represents the pricing tier of a subscription.
type SubscriptionTier string

const (
	TierFree       SubscriptionTier = "free"
	TierBasic      SubscriptionTier = "basic"
	TierPro        SubscriptionTier = "pro"
	TierEnterprise SubscriptionTier = "enterprise"
)

// SubscriptionTiers lists every defined tier.
var SubscriptionTiers = []SubscriptionTier{TierFree, TierBasic, TierPro, TierEnterprise}

// Valid checks if the tier is a member of the closed set.
func (t SubscriptionTier) Valid() bool {
	switch t {
	case TierFree, TierBasic, TierPro, TierEnterprise:
		return true
	default:
		return false
	}
}

// User represents a registered user of the Aiflo platform.
type User struct {
	ID                 uuid.UUID
	Email              string
	PasswordHash       string // Never expose this in API responses
	Name               string
	SubscriptionTier   SubscriptionTier
	SubscriptionStatus SubscriptionStatus
	SubscriptionID     string // Payment gateway subscription ID, if any
	CustomerID         string // Payment gateway customer ID, if any
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Tier returns the user's effective tier, defaulting to free when unset.
func (u *User) Tier() SubscriptionTier {
	if u.SubscriptionTier.Valid() {
		return u.SubscriptionTier
	}
	return TierFree
}

// IsActive returns true if the user's subscription grants paid access.
func (u *User) IsActive() bool {
	return u.SubscriptionStatus == SubscriptionStatusActive
}

// DisplayName returns the user's name or email if name is empty.
func (u *User) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	return u.Email
}

// Session represents an authenticated session. Sessions are stored with a
// SHA-256 hashed token; the raw token is only given to the client at login.
type Session struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Expired reports whether the session has passed its expiry.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// RegisterParams contains input for user registration.
type RegisterParams struct {
	Email    string
	Password string
	Name     string
}

// LoginResult contains the outcome of a successful login.
type LoginResult struct {
	User  *User
	Token string // Raw session token, shown once
}
