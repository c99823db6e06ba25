// Package topic defines the Topic aggregate: a conversation thread bound to
// one sandbox execution context.
package topic

import (
	"fmt"
	"time"

	"github.com/Strob0t/agentrelay/internal/domain"
)

// Status represents the execution state of a topic.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is one of the known topic statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

// Topic binds a conversation thread to its current task and sandbox.
// UpdatedAt doubles as the optimistic lock token.
type Topic struct {
	ID               string     `json:"id"`
	OrganizationCode string     `json:"organization_code"`
	UserID           string     `json:"user_id"`
	ProjectID        string     `json:"project_id"`
	Title            string     `json:"title,omitempty"`
	CurrentTaskID    string     `json:"current_task_id,omitempty"`
	SandboxID        string     `json:"sandbox_id,omitempty"`
	Status           Status     `json:"status"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// IsDeleted reports whether the topic has been logically removed.
func (t *Topic) IsDeleted() bool {
	return t.DeletedAt != nil
}

// CreateRequest holds the fields needed to open a new topic.
type CreateRequest struct {
	UserID    string `json:"user_id"`
	ProjectID string `json:"project_id"`
	Title     string `json:"title"`
}

// Validate checks the required fields.
func (r *CreateRequest) Validate() error {
	if r.UserID == "" {
		return fmt.Errorf("%w: user_id is required", domain.ErrValidation)
	}
	if r.ProjectID == "" {
		return fmt.Errorf("%w: project_id is required", domain.ErrValidation)
	}
	if len(r.Title) > 255 {
		return fmt.Errorf("%w: title too long (max 255 chars)", domain.ErrValidation)
	}
	return nil
}
