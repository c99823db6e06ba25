package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	relayotel "github.com/Strob0t/agentrelay/internal/adapter/otel"
	"github.com/Strob0t/agentrelay/internal/config"
	"github.com/Strob0t/agentrelay/internal/port/database"
	"github.com/Strob0t/agentrelay/internal/tenant"
)

// Scope bounds one compensation cycle.
type Scope struct {
	OrganizationCodes []string // empty = all organizations
	Limit             int
}

// Report summarizes one compensation cycle.
type Report struct {
	TopicsScanned     int           `json:"topics_scanned"`
	Claimed           int           `json:"claimed"`
	Executed          int           `json:"executed"`
	Requeued          int           `json:"requeued"`
	FailedMessages    int           `json:"failed_messages"`
	StaleTasks        int64         `json:"stale_tasks"`
	ReclaimedMessages int64         `json:"reclaimed_messages"`
	Errors            int           `json:"errors"`
	Duration          time.Duration `json:"duration"`
}

// CompensationService recovers work the event path lost: pending topics
// nobody woke up, messages stuck in processing and tasks whose sandbox went
// silent. It keeps no state between cycles.
type CompensationService struct {
	store      database.Store
	dispatcher *DispatcherService
	tasks      *TaskService
	messages   *MessageService
	cfg        config.Compensation
	metrics    *relayotel.Metrics
	now        func() time.Time
}

// NewCompensationService creates a CompensationService.
func NewCompensationService(store database.Store, dispatcher *DispatcherService, tasks *TaskService, messages *MessageService, cfg config.Compensation) *CompensationService {
	return &CompensationService{
		store:      store,
		dispatcher: dispatcher,
		tasks:      tasks,
		messages:   messages,
		cfg:        cfg,
		now:        time.Now,
	}
}

// SetMetrics attaches metric instruments.
func (s *CompensationService) SetMetrics(m *relayotel.Metrics) { s.metrics = m }

// DefaultScope returns the scope configured for the background loop.
func (s *CompensationService) DefaultScope() Scope {
	return Scope{OrganizationCodes: s.cfg.OrganizationCodes, Limit: s.cfg.Limit}
}

// RunOnce performs one compensation cycle. A failing step or topic is
// logged and counted and the cycle moves on; the returned error joins the
// step-level failures.
func (s *CompensationService) RunOnce(ctx context.Context, scope Scope) (rep Report, err error) {
	start := s.now()
	ctx, span := relayotel.StartSweepSpan(ctx)
	defer func() {
		rep.Duration = s.now().Sub(start)
		s.metrics.RecordSweep(ctx, rep.Duration.Seconds())
		relayotel.EndSpan(span, err)
	}()

	if scope.Limit <= 0 {
		scope.Limit = s.cfg.Limit
	}
	dbScope := database.Scope{OrganizationCodes: scope.OrganizationCodes}
	var errs []error

	// Stale tasks first: failing them retires their queue messages, which
	// frees those topics for the claims below.
	n, err := s.tasks.MarkStaleAsError(ctx, dbScope, s.cfg.StaleThreshold)
	if err != nil {
		errs = append(errs, err)
		rep.Errors++
	}
	rep.StaleTasks = n

	if err := s.requeueStuck(ctx, dbScope, scope.Limit, &rep); err != nil {
		errs = append(errs, err)
	}

	if s.messages != nil {
		n, err := s.messages.Reclaim(ctx, dbScope)
		if err != nil {
			errs = append(errs, err)
			rep.Errors++
		}
		rep.ReclaimedMessages = n
	}

	if err := s.dispatchPending(ctx, dbScope, scope.Limit, &rep); err != nil {
		errs = append(errs, err)
	}

	slog.InfoContext(ctx, "compensation cycle finished",
		"topics", rep.TopicsScanned, "claimed", rep.Claimed, "executed", rep.Executed,
		"requeued", rep.Requeued, "failed", rep.FailedMessages, "stale_tasks", rep.StaleTasks,
		"reclaimed_messages", rep.ReclaimedMessages, "errors", rep.Errors)
	return rep, errors.Join(errs...)
}

func (s *CompensationService) requeueStuck(ctx context.Context, scope database.Scope, limit int, rep *Report) error {
	stuck, err := s.store.ListStuckProcessing(ctx, scope, s.now().Add(-s.cfg.ProcessingTimeout), limit)
	if err != nil {
		rep.Errors++
		return fmt.Errorf("list stuck processing: %w", err)
	}
	for i := range stuck {
		m := &stuck[i]
		mctx := tenant.WithOrganization(ctx, m.OrganizationCode)
		requeued, err := s.dispatcher.Requeue(mctx, m.ID, s.dispatcher.Backoff(m.RetryCount), "processing timeout")
		switch {
		case err != nil:
			rep.Errors++
			slog.ErrorContext(mctx, "requeue stuck message failed", "message_id", m.ID, "error", err)
		case requeued:
			rep.Requeued++
		default:
			rep.FailedMessages++
		}
	}
	return nil
}

// dispatchPending claims and executes the oldest eligible message of each
// topic with pending work, oldest topic first.
func (s *CompensationService) dispatchPending(ctx context.Context, scope database.Scope, limit int, rep *Report) error {
	now := s.now()
	refs, err := s.store.ListTopicsWithPendingWork(ctx, scope, now, limit)
	if err != nil {
		rep.Errors++
		return fmt.Errorf("list topics with pending work: %w", err)
	}

	for _, ref := range refs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rep.TopicsScanned++
		tctx := tenant.WithOrganization(ctx, ref.OrganizationCode)

		earliest, err := s.dispatcher.EarliestPendingForTopic(tctx, ref.TopicID, &now)
		if err != nil {
			rep.Errors++
			slog.ErrorContext(tctx, "earliest pending lookup failed", "topic_id", ref.TopicID, "error", err)
			continue
		}
		if earliest == nil {
			continue
		}

		m, err := s.dispatcher.ClaimNext(tctx, "", ref.TopicID)
		if err != nil {
			rep.Errors++
			slog.ErrorContext(tctx, "compensation claim failed", "topic_id", ref.TopicID, "error", err)
			continue
		}
		if m == nil {
			continue
		}
		rep.Claimed++

		if _, err := s.tasks.Execute(tctx, m); err != nil {
			rep.Errors++
			slog.ErrorContext(tctx, "compensation execute failed", "topic_id", ref.TopicID, "message_id", m.ID, "error", err)
			continue
		}
		rep.Executed++
	}
	return nil
}

// Run executes RunOnce every interval until ctx is cancelled.
func (s *CompensationService) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("compensation scanner started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("compensation scanner stopped")
			return nil
		case <-ticker.C:
			if _, err := s.RunOnce(ctx, s.DefaultScope()); err != nil && ctx.Err() == nil {
				slog.Error("compensation cycle had errors", "error", err)
			}
		}
	}
}
