package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	relayotel "github.com/Strob0t/agentrelay/internal/adapter/otel"
	"github.com/Strob0t/agentrelay/internal/config"
	"github.com/Strob0t/agentrelay/internal/domain"
	"github.com/Strob0t/agentrelay/internal/domain/queue"
	"github.com/Strob0t/agentrelay/internal/port/database"
	"github.com/Strob0t/agentrelay/internal/port/messagequeue"
	"github.com/Strob0t/agentrelay/internal/tenant"
)

// DispatcherService owns the queue message state machine:
// pending -> processing -> completed|failed, with processing -> pending
// reserved for Requeue.
type DispatcherService struct {
	store   database.Store
	topics  *TopicService
	queue   messagequeue.Queue
	cfg     config.Dispatcher
	retry   config.Compensation
	metrics *relayotel.Metrics
	now     func() time.Time
}

// NewDispatcherService creates a DispatcherService. queue may be nil, in
// which case no wake-ups are published and the scanner picks work up.
func NewDispatcherService(store database.Store, topics *TopicService, queue messagequeue.Queue, cfg config.Dispatcher, retry config.Compensation) *DispatcherService {
	return &DispatcherService{
		store:  store,
		topics: topics,
		queue:  queue,
		cfg:    cfg,
		retry:  retry,
		now:    time.Now,
	}
}

// SetMetrics attaches metric instruments.
func (s *DispatcherService) SetMetrics(m *relayotel.Metrics) { s.metrics = m }

// Enqueue adds a pending message to a live topic. A nil executeAfter makes
// it eligible immediately.
func (s *DispatcherService) Enqueue(ctx context.Context, topicID, userID string, payload json.RawMessage, executeAfter *time.Time) (*queue.Message, error) {
	if topicID == "" || userID == "" {
		return nil, fmt.Errorf("%w: topic_id and user_id are required", domain.ErrValidation)
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return nil, fmt.Errorf("%w: payload must be valid JSON", domain.ErrValidation)
	}
	// cached check; the insert itself re-checks against the live row
	if err := s.topics.Exists(ctx, topicID); err != nil {
		return nil, err
	}

	m := &queue.Message{TopicID: topicID, UserID: userID, Payload: payload}
	if executeAfter != nil {
		m.ExecuteAfter = *executeAfter
	}
	if err := s.store.CreateQueueMessage(ctx, m); err != nil {
		return nil, err
	}

	s.NotifyReady(ctx, topicID)
	return m, nil
}

// NotifyReady publishes a best-effort wake-up for topicID. Failures are only
// logged; the compensation scanner finds the work either way.
func (s *DispatcherService) NotifyReady(ctx context.Context, topicID string) {
	if s.queue == nil {
		return
	}
	data, err := json.Marshal(messagequeue.QueueReadyPayload{
		OrganizationCode: tenant.FromContext(ctx),
		TopicID:          topicID,
	})
	if err != nil {
		slog.Error("marshal queue ready", "topic_id", topicID, "error", err)
		return
	}
	if err := s.queue.Publish(ctx, messagequeue.SubjectQueueReady, data); err != nil {
		slog.WarnContext(ctx, "queue ready publish failed", "topic_id", topicID, "error", err)
	}
}

// ClaimNext moves the earliest eligible pending message to processing and
// returns it, or returns nil when nothing is claimable. Empty userID or
// topicID means no filter.
func (s *DispatcherService) ClaimNext(ctx context.Context, userID, topicID string) (_ *queue.Message, err error) {
	org := tenant.FromContext(ctx)
	ctx, span := relayotel.StartClaimSpan(ctx, org, topicID)
	defer func() { relayotel.EndSpan(span, err) }()

	now := s.now()
	candidates, err := s.store.ListClaimCandidates(ctx, userID, topicID, now, s.cfg.CandidateLimit)
	if err != nil {
		return nil, fmt.Errorf("claim next: %w", err)
	}

	for i := range candidates {
		if i >= s.cfg.ClaimAttempts {
			break
		}
		c := candidates[i]
		ok, err := s.store.ClaimQueueMessage(ctx, c.ID, now)
		if err != nil {
			return nil, fmt.Errorf("claim %s: %w", c.ID, err)
		}
		if !ok {
			s.metrics.RecordClaimConflict(ctx, org)
			continue
		}
		c.Status = queue.StatusProcessing
		s.metrics.RecordClaim(ctx, org)
		slog.DebugContext(ctx, "queue message claimed", "message_id", c.ID, "topic_id", c.TopicID)
		return &c, nil
	}
	return nil, nil
}

// CompleteOrFail retires a processing message. Repeating the same terminal
// status is a no-op; any other mismatch is domain.ErrConflict.
func (s *DispatcherService) CompleteOrFail(ctx context.Context, id string, status queue.Status, errMsg string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %q is not a terminal queue status", domain.ErrValidation, status)
	}
	ok, err := s.store.FinishQueueMessage(ctx, id, status, errMsg)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	m, err := s.store.GetQueueMessage(ctx, id)
	if err != nil {
		return err
	}
	if m.Status == status {
		return nil
	}
	return fmt.Errorf("queue message %s is %s, cannot become %s: %w", id, m.Status, status, domain.ErrConflict)
}

// DelayTopic pushes every pending message of the topic back by minutes,
// counted from max(execute_after, now). It reports whether any message moved.
func (s *DispatcherService) DelayTopic(ctx context.Context, topicID string, minutes int) (bool, error) {
	if minutes <= 0 {
		return false, fmt.Errorf("%w: delay minutes must be positive", domain.ErrValidation)
	}
	n, err := s.store.DelayTopicMessages(ctx, topicID, time.Duration(minutes)*time.Minute, s.now())
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// EarliestPendingForTopic returns the next pending message of the topic
// eligible at maxExecuteTime (any pending message when nil), or nil.
func (s *DispatcherService) EarliestPendingForTopic(ctx context.Context, topicID string, maxExecuteTime *time.Time) (*queue.Message, error) {
	return s.store.EarliestPendingForTopic(ctx, topicID, maxExecuteTime)
}

// Backoff returns the requeue delay for a message that has already been
// retried retryCount times.
func (s *DispatcherService) Backoff(retryCount int) time.Duration {
	return queue.Backoff(retryCount+1, s.retry.BaseBackoff, s.retry.MaxBackoff)
}

// Requeue returns a processing message to pending after backoff. A message
// out of retries is failed instead and Requeue reports false.
func (s *DispatcherService) Requeue(ctx context.Context, id string, backoff time.Duration, reason string) (bool, error) {
	m, err := s.store.GetQueueMessage(ctx, id)
	if err != nil {
		return false, err
	}
	if m.Status != queue.StatusProcessing {
		return false, fmt.Errorf("queue message %s is %s, not processing: %w", id, m.Status, domain.ErrConflict)
	}

	if m.RetryCount >= s.retry.MaxRetries {
		msg := fmt.Sprintf("max retries (%d) exceeded: %s", s.retry.MaxRetries, reason)
		if err := s.CompleteOrFail(ctx, id, queue.StatusFailed, msg); err != nil {
			return false, err
		}
		slog.WarnContext(ctx, "queue message failed after retries", "message_id", id, "retries", m.RetryCount)
		return false, nil
	}

	ok, err := s.store.RequeueQueueMessage(ctx, id, s.now().Add(backoff), reason)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("requeue %s: %w", id, domain.ErrConflict)
	}
	s.metrics.RecordRequeue(ctx, tenant.FromContext(ctx))
	slog.InfoContext(ctx, "queue message requeued", "message_id", id, "retry", m.RetryCount+1, "backoff", backoff)
	return true, nil
}
