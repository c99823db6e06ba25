// Package sandbox defines the port to the external sandbox execution service.
package sandbox

import "context"

// StartRequest asks the sandbox service to run a task.
type StartRequest struct {
	OrganizationCode string            `json:"organization_code"`
	TopicID          string            `json:"topic_id"`
	TaskID           string            `json:"task_id"`
	UserID           string            `json:"user_id"`
	ProjectID        string            `json:"project_id"`
	SandboxID        string            `json:"sandbox_id,omitempty"`
	Prompt           string            `json:"prompt"`
	Attachments      []string          `json:"attachments,omitempty"`
	Options          map[string]string `json:"options,omitempty"`
}

// StartResult identifies the sandbox that accepted the task.
type StartResult struct {
	SandboxID     string `json:"sandbox_id"`
	SandboxTaskID string `json:"sandbox_task_id"`
}

// Runner starts tasks in a sandbox. Status is reported back asynchronously.
type Runner interface {
	Start(ctx context.Context, req StartRequest) (*StartResult, error)
}

// RetryableError marks a failure the caller may retry later.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return "sandbox: retryable: " + e.Err.Error() }

func (e *RetryableError) Unwrap() error { return e.Err }
