package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Strob0t/agentrelay/internal/domain"
	"github.com/Strob0t/agentrelay/internal/domain/task"
	"github.com/Strob0t/agentrelay/internal/port/database"
	"github.com/Strob0t/agentrelay/internal/port/messagequeue"
	"github.com/Strob0t/agentrelay/internal/tenant"
)

// Engine connects the broker to the services: it turns enqueue and ready
// events into claims, applies sandbox status callbacks, and runs the
// compensation scanner and the message delivery loop.
type Engine struct {
	queue        messagequeue.Queue
	dispatcher   *DispatcherService
	tasks        *TaskService
	compensation *CompensationService
	messages     *MessageService

	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	stopping atomic.Bool
}

// NewEngine creates an Engine that executes at most maxConcurrent claimed
// messages at a time.
func NewEngine(queue messagequeue.Queue, dispatcher *DispatcherService, tasks *TaskService, compensation *CompensationService, messages *MessageService, maxConcurrent int) *Engine {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Engine{
		queue:        queue,
		dispatcher:   dispatcher,
		tasks:        tasks,
		compensation: compensation,
		messages:     messages,
		sem:          semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// StartSubscribers registers the broker handlers. The returned functions
// cancel the subscriptions.
func (e *Engine) StartSubscribers(ctx context.Context) ([]func(), error) {
	var cancels []func()

	subs := []struct {
		subject string
		handle  messagequeue.Handler
	}{
		{messagequeue.SubjectQueueEnqueue, e.handleEnqueue},
		{messagequeue.SubjectQueueReady, e.handleReady},
		{messagequeue.SubjectSandboxStatus, e.handleSandboxStatus},
	}
	for _, sub := range subs {
		cancel, err := e.queue.Subscribe(ctx, sub.subject, sub.handle)
		if err != nil {
			cancelAll(cancels)
			return nil, fmt.Errorf("subscribe %s: %w", sub.subject, err)
		}
		cancels = append(cancels, cancel)
	}
	return cancels, nil
}

func cancelAll(cancels []func()) {
	for _, c := range cancels {
		c()
	}
}

// Run subscribes and drives the background loops until ctx is cancelled,
// then waits for in-flight executions.
func (e *Engine) Run(ctx context.Context, interval time.Duration, scope database.Scope) error {
	cancels, err := e.StartSubscribers(ctx)
	if err != nil {
		return err
	}
	defer cancelAll(cancels)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.compensation.Run(gctx, interval) })
	g.Go(func() error { return e.messages.RunDelivery(gctx, scope) })

	err = g.Wait()
	e.Stop()
	return err
}

// Stop refuses new dispatches and waits for running ones to return.
func (e *Engine) Stop() {
	e.stopping.Store(true)
	e.wg.Wait()
}

// permanent reports whether redelivering a message cannot help.
func permanent(err error) bool {
	return errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrNotFound)
}

func (e *Engine) handleEnqueue(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.EnqueuePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("unmarshal enqueue: %w", err)
	}
	ctx = tenant.WithOrganization(ctx, p.OrganizationCode)

	var executeAfter *time.Time
	if p.DelaySeconds > 0 {
		at := e.dispatcher.now().Add(time.Duration(p.DelaySeconds) * time.Second)
		executeAfter = &at
	}
	if _, err := e.dispatcher.Enqueue(ctx, p.TopicID, p.UserID, p.Payload, executeAfter); err != nil {
		if permanent(err) {
			slog.WarnContext(ctx, "enqueue rejected", "topic_id", p.TopicID, "error", err)
			return nil
		}
		return err
	}
	return nil
}

func (e *Engine) handleReady(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.QueueReadyPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("unmarshal queue ready: %w", err)
	}
	if p.OrganizationCode != "" {
		ctx = tenant.WithOrganization(ctx, p.OrganizationCode)
	}
	e.dispatch(ctx, p.TopicID)
	return nil
}

// dispatch claims and executes the next message of topicID in the
// background. It returns false without claiming when the process is at
// its concurrency limit; the compensation scanner picks that work up.
func (e *Engine) dispatch(ctx context.Context, topicID string) bool {
	if e.stopping.Load() || !e.sem.TryAcquire(1) {
		slog.DebugContext(ctx, "dispatch deferred", "topic_id", topicID)
		return false
	}
	e.wg.Add(1)
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer e.wg.Done()
		defer e.sem.Release(1)
		e.claimAndExecute(ctx, topicID)
	}()
	return true
}

func (e *Engine) claimAndExecute(ctx context.Context, topicID string) {
	msg, err := e.dispatcher.ClaimNext(ctx, "", topicID)
	if err != nil {
		slog.ErrorContext(ctx, "claim failed", "topic_id", topicID, "error", err)
		return
	}
	if msg == nil {
		return
	}
	if _, err := e.tasks.Execute(ctx, msg); err != nil {
		slog.WarnContext(ctx, "execute failed", "message_id", msg.ID, "topic_id", topicID, "error", err)
	}
}

// ParseSandboxStatus maps a sandbox-reported status onto a task status.
func ParseSandboxStatus(s string) (task.Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "running", "started":
		return task.StatusRunning, nil
	case "success", "succeeded", "finished", "completed":
		return task.StatusSuccess, nil
	case "error", "failed", "cancelled", "canceled":
		return task.StatusError, nil
	}
	return "", fmt.Errorf("%w: unknown sandbox status %q", domain.ErrValidation, s)
}

func (e *Engine) handleSandboxStatus(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.SandboxStatusPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("unmarshal sandbox status: %w", err)
	}
	ctx = tenant.WithOrganization(ctx, p.OrganizationCode)

	status, err := ParseSandboxStatus(p.Status)
	if err != nil {
		slog.WarnContext(ctx, "sandbox status ignored", "sandbox_id", p.SandboxID, "error", err)
		return nil
	}

	if len(p.SandboxIDs) > 0 {
		n, err := e.tasks.BulkUpdateStatusBySandboxIDs(ctx, p.SandboxIDs, status, p.Error)
		if err != nil {
			if permanent(err) {
				slog.WarnContext(ctx, "bulk sandbox status rejected", "status", status, "error", err)
				return nil
			}
			return err
		}
		slog.InfoContext(ctx, "bulk sandbox status applied", "status", status, "sandboxes", len(p.SandboxIDs), "tasks", n)
		return nil
	}

	applied, err := e.tasks.UpdateStatusBySandboxID(ctx, p.SandboxID, status, p.Error)
	if err != nil {
		if permanent(err) {
			slog.WarnContext(ctx, "sandbox status rejected", "sandbox_id", p.SandboxID, "status", status, "error", err)
			return nil
		}
		return err
	}
	if !applied {
		slog.DebugContext(ctx, "sandbox status already applied", "sandbox_id", p.SandboxID, "status", status)
	}
	return nil
}
