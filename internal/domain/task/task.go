// Package task defines the Task domain entity: one sandboxed unit of agent
// execution belonging to a topic.
package task

import (
	"fmt"
	"time"
)

// Status represents the current state of a task.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// StaleErrMessage is written to tasks the stale sweep forces to error.
const StaleErrMessage = "task marked as error: no sandbox status update within %s"

var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusError},
	StatusRunning: {StatusSuccess, StatusError},
}

// Valid reports whether s is one of the known task statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSuccess, StatusError:
		return true
	}
	return false
}

// IsTerminal reports whether s is final. Terminal tasks are never transitioned again.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusError
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SourcesFor returns every status that may legally transition into to.
// Stores use it as the predicate of the conditional update.
func SourcesFor(to Status) []Status {
	var from []Status
	for _, s := range []Status{StatusPending, StatusRunning} {
		if CanTransition(s, to) {
			from = append(from, s)
		}
	}
	return from
}

// Task is a sandboxed execution tied to exactly one topic.
type Task struct {
	ID               string    `json:"id"`
	OrganizationCode string    `json:"organization_code"`
	TopicID          string    `json:"topic_id"`
	ProjectID        string    `json:"project_id"`
	UserID           string    `json:"user_id"`
	QueueMessageID   string    `json:"queue_message_id,omitempty"`
	SandboxID        string    `json:"sandbox_id,omitempty"`
	SandboxTaskID    string    `json:"sandbox_task_id,omitempty"`
	Prompt           string    `json:"prompt"`
	Status           Status    `json:"status"`
	ErrMessage       string    `json:"err_message,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// IsStale reports whether a running task has gone without an update for longer than threshold.
func (t *Task) IsStale(now time.Time, threshold time.Duration) bool {
	return t.Status == StatusRunning && t.UpdatedAt.Before(now.Add(-threshold))
}

// StaleMessage renders the synthetic error for a stale sweep with the given threshold.
func StaleMessage(threshold time.Duration) string {
	return fmt.Sprintf(StaleErrMessage, threshold)
}
