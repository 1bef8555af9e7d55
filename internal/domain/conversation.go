// Package domain contains core business types and interfaces.
//
// This file defines chat conversations, messages, and uploaded attachments.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// MessageRole tags who authored a chat message.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Valid checks if the role is one of the accepted values.
func (r MessageRole) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	default:
		return false
	}
}

// Conversation is a titled thread of messages owned by one user.
type Conversation struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	Title      string
	Model      string // Last model used in this conversation
	ShareToken string // Non-empty once the conversation has been shared
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Shared reports whether the conversation has a public share link.
func (c *Conversation) Shared() bool {
	return c.ShareToken != ""
}

// Message is one turn in a conversation.
type Message struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	Role           MessageRole
	Content        string
	Model          string // Model that produced an assistant message
	InputTokens    int
	OutputTokens   int
	AttachmentIDs  []uuid.UUID
	CreatedAt      time.Time
}

// Attachment is an uploaded file stored in object storage.
type Attachment struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	FileName     string
	ContentType  string
	SizeBytes    int64
	StorageKey   string
	ThumbnailKey string // Set for image uploads
	CreatedAt    time.Time
}
