// Package queue defines the outbound work unit scoped to a topic.
package queue

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle of a queue message.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is one of the known queue statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether s is completed or failed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether from -> to is allowed. No transition skips
// processing; processing -> pending is reserved for compensation requeue.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed || to == StatusPending
	}
	return false
}

// Message is one unit of pending outbound work for a topic.
type Message struct {
	ID               string          `json:"id"`
	OrganizationCode string          `json:"organization_code"`
	TopicID          string          `json:"topic_id"`
	UserID           string          `json:"user_id"`
	Payload          json.RawMessage `json:"payload"`
	Status           Status          `json:"status"`
	ErrMessage       string          `json:"err_message,omitempty"`
	RetryCount       int             `json:"retry_count"`
	ExecuteAfter     time.Time       `json:"execute_after"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Eligible reports whether the message may be claimed at now.
func (m *Message) Eligible(now time.Time) bool {
	return m.Status == StatusPending && !m.ExecuteAfter.After(now)
}

// Payload is the decoded work description carried by a queue message.
type Payload struct {
	Prompt      string            `json:"prompt"`
	Attachments []string          `json:"attachments,omitempty"`
	Options     map[string]string `json:"options,omitempty"`
}

// Backoff returns the requeue delay for the given retry attempt (1-based):
// base * 2^(retry-1), capped at maxDelay.
func Backoff(retry int, base, maxDelay time.Duration) time.Duration {
	if retry < 1 {
		retry = 1
	}
	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}
