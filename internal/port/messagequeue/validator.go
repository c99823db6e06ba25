package messagequeue

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject. Unknown subjects only need valid JSON.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	switch subject {
	case SubjectQueueEnqueue:
		var p EnqueuePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if p.OrganizationCode == "" || p.TopicID == "" {
			return fmt.Errorf("schema validation failed for %s: %w", subject, errors.New("organization_code and topic_id are required"))
		}
	case SubjectQueueReady:
		var p QueueReadyPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
	case SubjectSandboxStatus:
		var p SandboxStatusPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if p.SandboxID == "" && len(p.SandboxIDs) == 0 {
			return fmt.Errorf("schema validation failed for %s: %w", subject, errors.New("sandbox_id or sandbox_ids is required"))
		}
	case SubjectIMDeliver:
		var p IMDeliverPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
	}
	return nil
}
