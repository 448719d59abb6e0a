package models

import (
	"time"
)

// JobStatus is the lifecycle state of a background job.
// Terminal statuses are sticky: once set they never change.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further updates.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Job is one background unit of work executed by a registered handler.
type Job struct {
	ID              string         `json:"id"`
	Type            string         `json:"type"`
	Status          JobStatus      `json:"status"`
	ProgressPct     int            `json:"progress_pct"`
	ProgressMessage string         `json:"progress_message,omitempty"`
	Payload         map[string]any `json:"payload,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
	Error           string         `json:"error,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}
