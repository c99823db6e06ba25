package messagequeue

import "encoding/json"

// EnqueuePayload is the schema for relay.queue.enqueue messages.
type EnqueuePayload struct {
	OrganizationCode string          `json:"organization_code"`
	TopicID          string          `json:"topic_id"`
	UserID           string          `json:"user_id"`
	Payload          json.RawMessage `json:"payload"`
	DelaySeconds     int             `json:"delay_seconds,omitempty"`
}

// QueueReadyPayload is the schema for relay.queue.ready messages.
type QueueReadyPayload struct {
	OrganizationCode string `json:"organization_code"`
	TopicID          string `json:"topic_id"`
}

// SandboxStatusPayload is the schema for relay.sandbox.status messages.
// A non-empty SandboxIDs makes it a bulk update for a sandbox fleet.
type SandboxStatusPayload struct {
	OrganizationCode string   `json:"organization_code"`
	SandboxID        string   `json:"sandbox_id,omitempty"`
	SandboxIDs       []string `json:"sandbox_ids,omitempty"`
	Status           string   `json:"status"`
	Error            string   `json:"error,omitempty"`
}

// IMDeliverPayload is the schema for relay.im.deliver messages.
type IMDeliverPayload struct {
	OrganizationCode string          `json:"organization_code"`
	MessageID        string          `json:"message_id"`
	TopicID          string          `json:"topic_id"`
	TaskID           string          `json:"task_id"`
	SeqID            int64           `json:"seq_id"`
	SenderType       string          `json:"sender_type"`
	IMSeqID          string          `json:"im_seq_id,omitempty"`
	Payload          json.RawMessage `json:"payload"`
}
