package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	relayotel "github.com/Strob0t/agentrelay/internal/adapter/otel"
	"github.com/Strob0t/agentrelay/internal/config"
	"github.com/Strob0t/agentrelay/internal/domain"
	"github.com/Strob0t/agentrelay/internal/domain/message"
	"github.com/Strob0t/agentrelay/internal/port/database"
	"github.com/Strob0t/agentrelay/internal/port/messagequeue"
	"github.com/Strob0t/agentrelay/internal/tenant"
)

var errNoBroker = errors.New("no message broker configured")

// MessageService sequences task messages and delivers them to the IM layer.
type MessageService struct {
	store   database.Store
	topics  *TopicService
	queue   messagequeue.Queue
	cfg     config.Delivery
	policy  message.RetryPolicy
	metrics *relayotel.Metrics
	now     func() time.Time
}

// NewMessageService creates a MessageService. processingTimeout bounds how
// long a delivery may stay in flight before Reclaim retries it.
func NewMessageService(store database.Store, topics *TopicService, queue messagequeue.Queue, cfg config.Delivery, processingTimeout time.Duration) *MessageService {
	return &MessageService{
		store:  store,
		topics: topics,
		queue:  queue,
		cfg:    cfg,
		policy: message.RetryPolicy{MaxRetries: cfg.MaxRetries, ProcessingTimeout: processingTimeout},
		now:    time.Now,
	}
}

// SetMetrics attaches metric instruments.
func (s *MessageService) SetMetrics(m *relayotel.Metrics) { s.metrics = m }

// Append stores a message under the next seq id of its (topic, task).
// A storage error leaves no gap; the caller retries the whole append.
func (s *MessageService) Append(ctx context.Context, req message.AppendRequest) (*message.TaskMessage, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	m := &message.TaskMessage{
		TopicID:    req.TopicID,
		TaskID:     req.TaskID,
		SenderType: req.SenderType,
		Payload:    req.Payload,
		IMSeqID:    req.IMSeqID,
	}
	if err := s.store.AppendTaskMessage(ctx, m); err != nil {
		return nil, fmt.Errorf("append message to %s/%s: %w", req.TopicID, req.TaskID, err)
	}
	return m, nil
}

// List returns the messages of one task after afterSeq, in seq order.
func (s *MessageService) List(ctx context.Context, topicID, taskID string, afterSeq int64, limit int) ([]message.TaskMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListTaskMessages(ctx, topicID, taskID, afterSeq, limit)
}

// ListByTopic returns every message of the topic, task by task in seq order.
func (s *MessageService) ListByTopic(ctx context.Context, topicID string) ([]message.TaskMessage, error) {
	return s.store.ListTopicMessages(ctx, topicID)
}

// CopyTopicMessages replays the messages of fromTopicID into (toTopicID,
// toTaskID) in their original order. The copies get fresh seq ids.
func (s *MessageService) CopyTopicMessages(ctx context.Context, fromTopicID, toTopicID, toTaskID string) (int, error) {
	if fromTopicID == toTopicID {
		return 0, fmt.Errorf("%w: cannot copy a topic onto itself", domain.ErrValidation)
	}
	if err := s.topics.Exists(ctx, toTopicID); err != nil {
		return 0, err
	}
	src, err := s.store.ListTopicMessages(ctx, fromTopicID)
	if err != nil {
		return 0, err
	}
	for i := range src {
		m := &message.TaskMessage{
			TopicID:    toTopicID,
			TaskID:     toTaskID,
			SenderType: src[i].SenderType,
			Payload:    src[i].Payload,
		}
		if err := s.store.AppendTaskMessage(ctx, m); err != nil {
			return i, fmt.Errorf("copy message %s: %w", src[i].ID, err)
		}
	}
	return len(src), nil
}

// DeliverOnce claims a batch of undelivered messages and publishes them on
// the IM subject. It returns how many were delivered.
func (s *MessageService) DeliverOnce(ctx context.Context, scope database.Scope) (int, error) {
	batch, err := s.store.ClaimTaskMessagesForDelivery(ctx, scope, s.cfg.MaxRetries, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim messages for delivery: %w", err)
	}

	delivered := 0
	for i := range batch {
		m := &batch[i]
		mctx := tenant.WithOrganization(ctx, m.OrganizationCode)
		if err := s.publish(mctx, m); err != nil {
			slog.WarnContext(mctx, "task message delivery failed", "message_id", m.ID, "seq_id", m.SeqID, "error", err)
			if _, ferr := s.store.MarkTaskMessageFailed(mctx, m.ID, err.Error()); ferr != nil {
				slog.ErrorContext(mctx, "mark message failed", "message_id", m.ID, "error", ferr)
			}
			continue
		}
		if _, err := s.store.MarkTaskMessageDone(mctx, m.ID); err != nil {
			slog.ErrorContext(mctx, "mark message done", "message_id", m.ID, "error", err)
			continue
		}
		delivered++
		s.metrics.RecordDelivered(mctx, m.OrganizationCode)
	}
	return delivered, nil
}

func (s *MessageService) publish(ctx context.Context, m *message.TaskMessage) error {
	if s.queue == nil {
		return errNoBroker
	}
	data, err := json.Marshal(messagequeue.IMDeliverPayload{
		OrganizationCode: m.OrganizationCode,
		MessageID:        m.ID,
		TopicID:          m.TopicID,
		TaskID:           m.TaskID,
		SeqID:            m.SeqID,
		SenderType:       string(m.SenderType),
		IMSeqID:          m.IMSeqID,
		Payload:          m.Payload,
	})
	if err != nil {
		return fmt.Errorf("marshal im payload: %w", err)
	}
	return s.queue.Publish(ctx, messagequeue.SubjectIMDeliver, data)
}

// Reclaim returns deliveries stuck in processing past the timeout to
// pending, or fails them once out of retries.
func (s *MessageService) Reclaim(ctx context.Context, scope database.Scope) (int64, error) {
	n, err := s.store.ReclaimStuckTaskMessages(ctx, scope, s.now().Add(-s.policy.ProcessingTimeout), s.policy.MaxRetries)
	if err != nil {
		return 0, fmt.Errorf("reclaim stuck task messages: %w", err)
	}
	if n > 0 {
		slog.InfoContext(ctx, "reclaimed stuck task messages", "count", n)
	}
	return n, nil
}

// RunDelivery calls DeliverOnce every interval until ctx is cancelled. A
// full batch is followed immediately by the next one.
func (s *MessageService) RunDelivery(ctx context.Context, scope database.Scope) error {
	timer := time.NewTimer(s.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		n, err := s.DeliverOnce(ctx, scope)
		if err != nil && ctx.Err() == nil {
			slog.Error("delivery batch failed", "error", err)
		}
		next := s.cfg.Interval
		if n >= s.cfg.BatchSize {
			next = 0
		}
		timer.Reset(next)
	}
}
