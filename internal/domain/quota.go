// Package domain contains core business types and interfaces.
//
// This file defines the usage quota types: the billable resource keys, the
// per-tier policy table, and the persisted per-user counter record.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// QuotaKey identifies a billable resource class. The set is closed; adding a
// key requires a policy table update for every tier.
type QuotaKey string

const (
	QuotaKeySmallMessages   QuotaKey = "small_messages"
	QuotaKeyLargeMessages   QuotaKey = "large_messages"
	QuotaKeyImageGeneration QuotaKey = "image_generation"
)

// QuotaKeys lists every defined quota key.
var QuotaKeys = []QuotaKey{
	QuotaKeySmallMessages,
	QuotaKeyLargeMessages,
	QuotaKeyImageGeneration,
}

// Valid checks if the quota key is a member of the closed set.
func (k QuotaKey) Valid() bool {
	switch k {
	case QuotaKeySmallMessages, QuotaKeyLargeMessages, QuotaKeyImageGeneration:
		return true
	default:
		return false
	}
}

// DisplayName returns a human-readable name for error messages.
func (k QuotaKey) DisplayName() string {
	switch k {
	case QuotaKeySmallMessages:
		return "standard messages"
	case QuotaKeyLargeMessages:
		return "advanced messages"
	case QuotaKeyImageGeneration:
		return "image generations"
	default:
		return string(k)
	}
}

// ResetFrequency is the cadence at which a quota period rolls over.
type ResetFrequency string

const (
	ResetFrequency3Hour   ResetFrequency = "3hour"
	ResetFrequencyDaily   ResetFrequency = "daily"
	ResetFrequencyMonthly ResetFrequency = "monthly"
)

// Valid checks if the reset frequency is a member of the closed set.
func (f ResetFrequency) Valid() bool {
	switch f {
	case ResetFrequency3Hour, ResetFrequencyDaily, ResetFrequencyMonthly:
		return true
	default:
		return false
	}
}

// ComputeNextReset derives the end of the quota period that starts at from.
//
//   - 3hour: from + 3 hours, no wall-clock alignment
//   - daily: 00:00:00 UTC of the calendar day after from
//   - monthly: 00:00:00 UTC of day 1 of the calendar month after from
//
// An unknown frequency is a configuration defect, not user input, and fails
// with an ECONFIG error.
func ComputeNextReset(frequency ResetFrequency, from time.Time) (time.Time, error) {
	const op = "quota.compute_next_reset"

	from = from.UTC()
	switch frequency {
	case ResetFrequency3Hour:
		return from.Add(3 * time.Hour), nil
	case ResetFrequencyDaily:
		return time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1), nil
	case ResetFrequencyMonthly:
		return time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0), nil
	default:
		return time.Time{}, Config(op, "unknown reset frequency: "+string(frequency))
	}
}

// QuotaPolicy is the compiled-in limit configuration for one (tier, key) pair.
type QuotaPolicy struct {
	Limit          int64
	ResetFrequency ResetFrequency
}

// quotaPolicies maps every subscription tier to a policy for every quota key.
// The mapping must be total; ValidateQuotaPolicies enforces this at startup so
// a missing combination can never surface as a per-request error.
var quotaPolicies = map[SubscriptionTier]map[QuotaKey]QuotaPolicy{
	TierFree: {
		QuotaKeySmallMessages:   {Limit: 10, ResetFrequency: ResetFrequencyMonthly},
		QuotaKeyLargeMessages:   {Limit: 0, ResetFrequency: ResetFrequencyMonthly},
		QuotaKeyImageGeneration: {Limit: 2, ResetFrequency: ResetFrequencyMonthly},
	},
	TierBasic: {
		QuotaKeySmallMessages:   {Limit: 200, ResetFrequency: ResetFrequencyMonthly},
		QuotaKeyLargeMessages:   {Limit: 20, ResetFrequency: ResetFrequencyDaily},
		QuotaKeyImageGeneration: {Limit: 50, ResetFrequency: ResetFrequencyMonthly},
	},
	TierPro: {
		QuotaKeySmallMessages:   {Limit: 2000, ResetFrequency: ResetFrequencyMonthly},
		QuotaKeyLargeMessages:   {Limit: 40, ResetFrequency: ResetFrequency3Hour},
		QuotaKeyImageGeneration: {Limit: 300, ResetFrequency: ResetFrequencyMonthly},
	},
	TierEnterprise: {
		QuotaKeySmallMessages:   {Limit: 20000, ResetFrequency: ResetFrequencyMonthly},
		QuotaKeyLargeMessages:   {Limit: 200, ResetFrequency: ResetFrequency3Hour},
		QuotaKeyImageGeneration: {Limit: 2000, ResetFrequency: ResetFrequencyMonthly},
	},
}

// PolicyFor returns the quota policy for a (tier, key) pair. Lookups are
// deterministic and side-effect-free. Under a validated policy table the only
// failure mode is an unknown tier or key, which is reported as ECONFIG.
func PolicyFor(tier SubscriptionTier, key QuotaKey) (QuotaPolicy, error) {
	const op = "quota.policy_for"

	byKey, ok := quotaPolicies[tier]
	if !ok {
		return QuotaPolicy{}, Config(op, "no quota policies defined for tier "+string(tier))
	}
	policy, ok := byKey[key]
	if !ok {
		return QuotaPolicy{}, Config(op, "no quota policy for tier "+string(tier)+" key "+string(key))
	}
	return policy, nil
}

// ValidateQuotaPolicies verifies the policy table is a total function over
// tier x key with well-formed entries. Called once at startup; a failure here
// aborts boot.
func ValidateQuotaPolicies() error {
	const op = "quota.validate_policies"

	for _, tier := range SubscriptionTiers {
		byKey, ok := quotaPolicies[tier]
		if !ok {
			return Config(op, "tier "+string(tier)+" has no quota policies")
		}
		for _, key := range QuotaKeys {
			policy, ok := byKey[key]
			if !ok {
				return Config(op, "tier "+string(tier)+" missing policy for key "+string(key))
			}
			if policy.Limit < 0 {
				return Config(op, "tier "+string(tier)+" key "+string(key)+" has negative limit")
			}
			if !policy.ResetFrequency.Valid() {
				return Config(op, "tier "+string(tier)+" key "+string(key)+" has unknown reset frequency "+string(policy.ResetFrequency))
			}
		}
	}
	return nil
}

// QuotaRecord is the persisted counter for one (user, quota key) pair.
//
// QuotaLimit is a snapshot of the policy limit taken at creation or reset
// time, deliberately decoupled from the live policy so a plan change does not
// retroactively alter an in-progress period. The snapshot is refreshed from
// the user's current tier on each lazy reset and on subscription changes.
type QuotaRecord struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	QuotaKey       QuotaKey
	UsedCount      int64
	QuotaLimit     int64
	ResetFrequency ResetFrequency
	LastResetAt    time.Time
	NextResetAt    time.Time
	LastUsedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Expired reports whether the record's period has lapsed at the given time.
// The reset boundary is inclusive: now == NextResetAt counts as expired.
func (r *QuotaRecord) Expired(now time.Time) bool {
	return !now.Before(r.NextResetAt)
}

// QuotaStatus is a display-ready projection of one QuotaRecord.
type QuotaStatus struct {
	Used           int64     `json:"used"`
	Limit          int64     `json:"limit"`
	Remaining      int64     `json:"remaining"`
	PercentageUsed float64   `json:"percentageUsed"`
	ResetsAt       time.Time `json:"resetsAt"`
}
