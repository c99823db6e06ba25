package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	relayotel "github.com/Strob0t/agentrelay/internal/adapter/otel"
	"github.com/Strob0t/agentrelay/internal/domain"
	"github.com/Strob0t/agentrelay/internal/domain/queue"
	"github.com/Strob0t/agentrelay/internal/domain/task"
	"github.com/Strob0t/agentrelay/internal/domain/topic"
	"github.com/Strob0t/agentrelay/internal/port/cache"
	"github.com/Strob0t/agentrelay/internal/port/database"
	"github.com/Strob0t/agentrelay/internal/port/sandbox"
	"github.com/Strob0t/agentrelay/internal/tenant"
)

// TaskService drives tasks through pending -> running -> success|error and
// retires the linked queue message when a task ends.
type TaskService struct {
	store      database.Store
	topics     *TopicService
	dispatcher *DispatcherService
	runner     sandbox.Runner
	sandboxes  cache.Cache
	cacheTTL   time.Duration
	metrics    *relayotel.Metrics
	now        func() time.Time
}

// NewTaskService creates a TaskService. sandboxes caches sandbox id -> task
// id resolution and may be nil.
func NewTaskService(store database.Store, topics *TopicService, dispatcher *DispatcherService, runner sandbox.Runner, sandboxes cache.Cache, cacheTTL time.Duration) *TaskService {
	return &TaskService{
		store:      store,
		topics:     topics,
		dispatcher: dispatcher,
		runner:     runner,
		sandboxes:  sandboxes,
		cacheTTL:   cacheTTL,
		now:        time.Now,
	}
}

// SetMetrics attaches metric instruments.
func (s *TaskService) SetMetrics(m *relayotel.Metrics) { s.metrics = m }

// Get returns a task by ID.
func (s *TaskService) Get(ctx context.Context, id string) (*task.Task, error) {
	return s.store.GetTask(ctx, id)
}

// Create inserts a pending task. It fails with domain.ErrConflict if the
// topic already has a non-terminal task.
func (s *TaskService) Create(ctx context.Context, t *task.Task) error {
	if t.TopicID == "" || t.UserID == "" {
		return fmt.Errorf("%w: topic_id and user_id are required", domain.ErrValidation)
	}
	if t.Status != "" && t.Status != task.StatusPending {
		return fmt.Errorf("%w: tasks are created pending, got %q", domain.ErrValidation, t.Status)
	}
	t.Status = task.StatusPending
	return s.store.CreateTask(ctx, t)
}

func validateTarget(status task.Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown task status %q", domain.ErrValidation, status)
	}
	if len(task.SourcesFor(status)) == 0 {
		return fmt.Errorf("%w: no transition leads to %q", domain.ErrValidation, status)
	}
	return nil
}

// UpdateStatus applies a legal transition. It reports false, without error,
// when the task is already past it.
func (s *TaskService) UpdateStatus(ctx context.Context, id string, status task.Status, errMsg string) (bool, error) {
	if err := validateTarget(status); err != nil {
		return false, err
	}
	updated, err := s.store.UpdateTaskStatus(ctx, id, status, errMsg)
	if err != nil {
		return false, err
	}
	if updated == nil {
		if _, err := s.store.GetTask(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	if updated.Status.IsTerminal() {
		s.onTerminal(ctx, updated)
	}
	return true, nil
}

// UpdateStatusBySandboxID applies a status callback from a sandbox to the
// newest task bound to it.
func (s *TaskService) UpdateStatusBySandboxID(ctx context.Context, sandboxID string, status task.Status, errMsg string) (bool, error) {
	if err := validateTarget(status); err != nil {
		return false, err
	}
	id, cached, err := s.resolveSandbox(ctx, sandboxID)
	if err != nil {
		return false, err
	}
	ok, err := s.UpdateStatus(ctx, id, status, errMsg)
	if err != nil || ok || !cached {
		return ok, err
	}

	// The cached task may be an older one on a reused sandbox.
	t, err := s.store.GetTaskBySandboxID(ctx, sandboxID)
	if err != nil {
		return false, err
	}
	s.rememberSandbox(ctx, sandboxID, t.ID)
	if t.ID == id {
		return false, nil
	}
	return s.UpdateStatus(ctx, t.ID, status, errMsg)
}

// BulkUpdateStatusBySandboxIDs applies one status to the tasks of a sandbox
// fleet and returns how many tasks actually changed.
func (s *TaskService) BulkUpdateStatusBySandboxIDs(ctx context.Context, sandboxIDs []string, status task.Status, errMsg string) (int64, error) {
	if err := validateTarget(status); err != nil {
		return 0, err
	}
	if len(sandboxIDs) == 0 {
		return 0, nil
	}
	rows, err := s.store.UpdateTaskStatusBySandboxIDs(ctx, sandboxIDs, status, errMsg)
	if err != nil {
		return 0, err
	}
	for i := range rows {
		if rows[i].Status.IsTerminal() {
			s.onTerminal(ctx, &rows[i])
		}
	}
	return int64(len(rows)), nil
}

// FindStale lists unfinished tasks without a status update for longer than threshold.
func (s *TaskService) FindStale(ctx context.Context, scope database.Scope, threshold time.Duration, limit int) ([]task.Task, error) {
	return s.store.ListStaleTasks(ctx, scope, s.now().Add(-threshold), limit)
}

// MarkStaleAsError fails every stale pending or running task. A pending
// task this old was orphaned between Create and the sandbox start. Side
// effects fire only for the rows this call flipped, so concurrent sweeps
// never double-count.
func (s *TaskService) MarkStaleAsError(ctx context.Context, scope database.Scope, threshold time.Duration) (int64, error) {
	rows, err := s.store.MarkStaleTasksAsError(ctx, scope, s.now().Add(-threshold), task.StaleMessage(threshold))
	if err != nil {
		return 0, fmt.Errorf("mark stale tasks: %w", err)
	}
	for i := range rows {
		t := &rows[i]
		tctx := tenant.WithOrganization(ctx, t.OrganizationCode)
		slog.WarnContext(tctx, "stale task marked as error", "task_id", t.ID, "topic_id", t.TopicID, "sandbox_id", t.SandboxID)
		s.metrics.RecordStaleFailed(tctx, t.OrganizationCode, 1)
		s.onTerminal(tctx, t)
	}
	return int64(len(rows)), nil
}

// ForceStatus writes status directly, bypassing the state machine.
func (s *TaskService) ForceStatus(ctx context.Context, id string, status task.Status, errMsg string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown task status %q", domain.ErrValidation, status)
	}
	slog.WarnContext(ctx, "forcing task status", "task_id", id, "status", status)
	return s.store.ForceTaskStatus(ctx, id, status, errMsg)
}

// onTerminal retires the queue message and the topic of a task that just
// ended. Failures are logged; the compensation scanner covers them.
func (s *TaskService) onTerminal(ctx context.Context, t *task.Task) {
	qStatus, tStatus := queue.StatusCompleted, topic.StatusSucceeded
	if t.Status == task.StatusError {
		qStatus, tStatus = queue.StatusFailed, topic.StatusFailed
	}

	if t.QueueMessageID != "" {
		if err := s.dispatcher.CompleteOrFail(ctx, t.QueueMessageID, qStatus, t.ErrMessage); err != nil {
			slog.ErrorContext(ctx, "retire queue message failed", "task_id", t.ID, "message_id", t.QueueMessageID, "error", err)
		}
	}
	if t.SandboxID != "" {
		if _, err := s.topics.UpdateStatusBySandboxID(ctx, t.SandboxID, tStatus); err != nil {
			slog.ErrorContext(ctx, "topic status update failed", "task_id", t.ID, "sandbox_id", t.SandboxID, "error", err)
		}
	}
	slog.InfoContext(ctx, "task finished", "task_id", t.ID, "topic_id", t.TopicID, "status", t.Status)

	// the topic may have more queued work now that it is idle
	s.dispatcher.NotifyReady(ctx, t.TopicID)
}

// Execute turns a claimed queue message into a running sandbox task.
func (s *TaskService) Execute(ctx context.Context, msg *queue.Message) (_ *task.Task, err error) {
	ctx, span := relayotel.StartExecuteSpan(ctx, msg.ID, msg.TopicID)
	defer func() { relayotel.EndSpan(span, err) }()

	tp, err := s.store.GetTopic(ctx, msg.TopicID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.failMessage(ctx, msg, "topic no longer exists")
		}
		return nil, fmt.Errorf("execute %s: %w", msg.ID, err)
	}

	var payload queue.Payload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			s.failMessage(ctx, msg, "invalid payload: "+err.Error())
			return nil, fmt.Errorf("execute %s: %w: %w", msg.ID, domain.ErrValidation, err)
		}
	}

	t := &task.Task{
		TopicID:        tp.ID,
		ProjectID:      tp.ProjectID,
		UserID:         msg.UserID,
		QueueMessageID: msg.ID,
		Prompt:         payload.Prompt,
	}
	if err := s.Create(ctx, t); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// the previous task of this topic has not finished yet
			s.requeue(ctx, msg, "topic has an active task")
		}
		return nil, fmt.Errorf("execute %s: %w", msg.ID, err)
	}

	res, err := s.runner.Start(ctx, sandbox.StartRequest{
		OrganizationCode: tenant.FromContext(ctx),
		TopicID:          tp.ID,
		TaskID:           t.ID,
		UserID:           msg.UserID,
		ProjectID:        tp.ProjectID,
		SandboxID:        tp.SandboxID,
		Prompt:           payload.Prompt,
		Attachments:      payload.Attachments,
		Options:          payload.Options,
	})
	if err != nil {
		if _, uerr := s.store.UpdateTaskStatus(ctx, t.ID, task.StatusError, err.Error()); uerr != nil {
			slog.ErrorContext(ctx, "fail task after sandbox error", "task_id", t.ID, "error", uerr)
		}
		var retryable *sandbox.RetryableError
		if errors.As(err, &retryable) {
			s.requeue(ctx, msg, err.Error())
		} else {
			s.failMessage(ctx, msg, err.Error())
		}
		return nil, fmt.Errorf("execute %s: start sandbox: %w", msg.ID, err)
	}

	started, err := s.store.StartTask(ctx, t.ID, res.SandboxID, res.SandboxTaskID)
	if err != nil {
		return nil, fmt.Errorf("execute %s: start task: %w", msg.ID, err)
	}
	if !started {
		// the stale sweep already failed the task and retired its message
		slog.WarnContext(ctx, "task left pending before start was recorded", "task_id", t.ID, "sandbox_id", res.SandboxID)
		return nil, fmt.Errorf("execute %s: task %s ended before start: %w", msg.ID, t.ID, domain.ErrConflict)
	}
	t.Status = task.StatusRunning
	t.SandboxID = res.SandboxID
	t.SandboxTaskID = res.SandboxTaskID
	s.rememberSandbox(ctx, res.SandboxID, t.ID)

	bound, err := s.topics.Bind(ctx, tp, t.ID, res.SandboxID)
	if err != nil {
		return t, fmt.Errorf("execute %s: bind topic: %w", msg.ID, err)
	}
	if !bound {
		slog.WarnContext(ctx, "topic changed concurrently, binding skipped", "topic_id", tp.ID, "task_id", t.ID)
	}

	slog.InfoContext(ctx, "task started", "task_id", t.ID, "topic_id", tp.ID, "sandbox_id", res.SandboxID)
	return t, nil
}

func (s *TaskService) requeue(ctx context.Context, msg *queue.Message, reason string) {
	if _, err := s.dispatcher.Requeue(ctx, msg.ID, s.dispatcher.Backoff(msg.RetryCount), reason); err != nil {
		slog.ErrorContext(ctx, "requeue failed", "message_id", msg.ID, "error", err)
	}
}

func (s *TaskService) failMessage(ctx context.Context, msg *queue.Message, reason string) {
	if err := s.dispatcher.CompleteOrFail(ctx, msg.ID, queue.StatusFailed, reason); err != nil {
		slog.ErrorContext(ctx, "fail queue message failed", "message_id", msg.ID, "error", err)
	}
}

func sandboxKey(org, sandboxID string) string {
	return "sandbox." + org + "." + sandboxID
}

// resolveSandbox maps a sandbox id to its newest task id, preferring the cache.
func (s *TaskService) resolveSandbox(ctx context.Context, sandboxID string) (id string, cached bool, err error) {
	key := sandboxKey(tenant.FromContext(ctx), sandboxID)
	if s.sandboxes != nil {
		data, ok, err := s.sandboxes.Get(ctx, key)
		if err != nil {
			slog.Warn("sandbox cache get failed", "sandbox_id", sandboxID, "error", err)
		}
		if ok && len(data) > 0 {
			return string(data), true, nil
		}
	}
	t, err := s.store.GetTaskBySandboxID(ctx, sandboxID)
	if err != nil {
		return "", false, err
	}
	s.rememberSandbox(ctx, sandboxID, t.ID)
	return t.ID, false, nil
}

func (s *TaskService) rememberSandbox(ctx context.Context, sandboxID, taskID string) {
	if s.sandboxes == nil || sandboxID == "" {
		return
	}
	if err := s.sandboxes.Set(ctx, sandboxKey(tenant.FromContext(ctx), sandboxID), []byte(taskID), s.cacheTTL); err != nil {
		slog.Warn("sandbox cache set failed", "sandbox_id", sandboxID, "error", err)
	}
}
