package models

import (
	"time"
)

// MemoryCategory classifies what kind of fact a memory holds.
type MemoryCategory string

const (
	MemoryGeneral    MemoryCategory = "general"
	MemoryPreference MemoryCategory = "preference"
	MemoryFact       MemoryCategory = "fact"
	MemoryWorkflow   MemoryCategory = "workflow"
)

// MemorySource records who created a memory.
type MemorySource string

const (
	MemoryFromAgent MemorySource = "agent"
	MemoryFromUser  MemorySource = "user"
)

// UserMemory is a remembered fact scoped strictly to one user.
type UserMemory struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Content   string         `json:"content"`
	Category  MemoryCategory `json:"category"`
	Source    MemorySource   `json:"source"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
