// Package message defines TaskMessage, the ordered unit of conversational
// output produced by a task.
package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Strob0t/agentrelay/internal/domain"
)

// SenderType identifies who authored a message.
type SenderType string

const (
	SenderAssistant SenderType = "assistant"
	SenderUser      SenderType = "user"
	SenderSystem    SenderType = "system"
)

// Valid reports whether s is a known sender type.
func (s SenderType) Valid() bool {
	return s == SenderAssistant || s == SenderUser || s == SenderSystem
}

// ProcessingStatus tracks delivery of a message to the IM layer.
type ProcessingStatus string

const (
	ProcessingPending    ProcessingStatus = "pending"
	ProcessingProcessing ProcessingStatus = "processing"
	ProcessingDone       ProcessingStatus = "done"
	ProcessingFailed     ProcessingStatus = "failed"
)

// CanTransition reports whether from -> to is allowed:
// pending -> processing -> (done | failed -> processing), and processing -> pending on timeout reclaim.
func CanTransition(from, to ProcessingStatus) bool {
	switch from {
	case ProcessingPending, ProcessingFailed:
		return to == ProcessingProcessing
	case ProcessingProcessing:
		return to == ProcessingDone || to == ProcessingFailed || to == ProcessingPending
	}
	return false
}

// TaskMessage is one sequenced message of a (topic, task).
// SeqID is the sole ordering key for replay and copy.
type TaskMessage struct {
	ID                  string           `json:"id"`
	OrganizationCode    string           `json:"organization_code"`
	TopicID             string           `json:"topic_id"`
	TaskID              string           `json:"task_id"`
	SeqID               int64            `json:"seq_id"`
	SenderType          SenderType       `json:"sender_type"`
	ProcessingStatus    ProcessingStatus `json:"processing_status"`
	RetryCount          int              `json:"retry_count"`
	Payload             json.RawMessage  `json:"payload"`
	IMSeqID             string           `json:"im_seq_id,omitempty"`
	ErrMessage          string           `json:"err_message,omitempty"`
	ProcessingStartedAt *time.Time       `json:"processing_started_at,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// AppendRequest holds the fields a producer supplies; the seq id is assigned by the store.
type AppendRequest struct {
	TopicID    string          `json:"topic_id"`
	TaskID     string          `json:"task_id"`
	SenderType SenderType      `json:"sender_type"`
	Payload    json.RawMessage `json:"payload"`
	IMSeqID    string          `json:"im_seq_id,omitempty"`
}

// Validate checks the required fields.
func (r *AppendRequest) Validate() error {
	if r.TopicID == "" || r.TaskID == "" {
		return fmt.Errorf("%w: topic_id and task_id are required", domain.ErrValidation)
	}
	if !r.SenderType.Valid() {
		return fmt.Errorf("%w: unknown sender type %q", domain.ErrValidation, r.SenderType)
	}
	if len(r.Payload) == 0 {
		return fmt.Errorf("%w: payload is required", domain.ErrValidation)
	}
	if !json.Valid(r.Payload) {
		return fmt.Errorf("%w: payload must be valid JSON", domain.ErrValidation)
	}
	return nil
}

// RetryPolicy bounds redelivery of failed or abandoned messages.
type RetryPolicy struct {
	MaxRetries        int
	ProcessingTimeout time.Duration
}

// CanRetry reports whether a message with retryCount attempts may be delivered again.
func (p RetryPolicy) CanRetry(retryCount int) bool {
	return retryCount < p.MaxRetries
}

// Abandoned reports whether a processing message has exceeded the timeout at now.
func (p RetryPolicy) Abandoned(m *TaskMessage, now time.Time) bool {
	if m.ProcessingStatus != ProcessingProcessing || m.ProcessingStartedAt == nil {
		return false
	}
	return m.ProcessingStartedAt.Before(now.Add(-p.ProcessingTimeout))
}
