// Package models defines the core data types for Firefly Desk.
package models

import (
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Conversation is a chat thread owned by a single user.
type Conversation struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Title        string     `json:"title,omitempty"`
	ModelID      string     `json:"model_id,omitempty"`
	Channel      string     `json:"channel,omitempty"` // "chat", "email"
	MessageCount int        `json:"message_count"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

// Message is one entry in a conversation's append-only log.
// Messages are immutable after write.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Role           Role           `json:"role"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	TokenCount     int            `json:"token_count,omitempty"`
	TurnID         string         `json:"turn_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}
