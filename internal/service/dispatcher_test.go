package service

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/agentrelay/internal/domain"
	"github.com/Strob0t/agentrelay/internal/domain/queue"
	"github.com/Strob0t/agentrelay/internal/port/messagequeue"
)

func TestDispatcherEnqueuePublishesReady(t *testing.T) {
	f := newFixture(t)
	tp := f.createTopic(t)

	m, err := f.dispatcher.Enqueue(orgCtx(), tp.ID, "u1", prompt("hi"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Status != queue.StatusPending {
		t.Fatalf("expected pending, got %s", m.Status)
	}
	if f.queue.count(messagequeue.SubjectQueueReady) != 1 {
		t.Fatal("expected one ready notification")
	}
	var p messagequeue.QueueReadyPayload
	if err := json.Unmarshal(f.queue.last(messagequeue.SubjectQueueReady), &p); err != nil {
		t.Fatal(err)
	}
	if p.TopicID != tp.ID || p.OrganizationCode != testOrg {
		t.Fatalf("unexpected ready payload: %+v", p)
	}
}

func TestDispatcherEnqueueValidation(t *testing.T) {
	f := newFixture(t)
	tp := f.createTopic(t)

	if _, err := f.dispatcher.Enqueue(orgCtx(), tp.ID, "", nil, nil); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("missing user: expected ErrValidation, got %v", err)
	}
	if _, err := f.dispatcher.Enqueue(orgCtx(), tp.ID, "u1", json.RawMessage(`{bad`), nil); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("bad payload: expected ErrValidation, got %v", err)
	}
	if _, err := f.dispatcher.Enqueue(orgCtx(), "missing", "u1", nil, nil); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown topic: expected ErrNotFound, got %v", err)
	}
}

func TestDispatcherPublishFailureDoesNotFailEnqueue(t *testing.T) {
	f := newFixture(t)
	tp := f.createTopic(t)
	f.queue.publishErr = errors.New("broker down")

	if _, err := f.dispatcher.Enqueue(orgCtx(), tp.ID, "u1", nil, nil); err != nil {
		t.Fatalf("enqueue should succeed without the broker: %v", err)
	}
}

func TestDispatcherClaimOnePerTopic(t *testing.T) {
	f := newFixture(t)
	tp := f.createTopic(t)
	first, _ := f.dispatcher.Enqueue(orgCtx(), tp.ID, "u1", nil, nil)
	_, _ = f.dispatcher.Enqueue(orgCtx(), tp.ID, "u1", nil, nil)

	got, err := f.dispatcher.ClaimNext(orgCtx(), "", tp.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || got.ID != first.ID {
		t.Fatalf("expected the oldest message %s, got %+v", first.ID, got)
	}

	// the topic's processing slot is taken
	again, err := f.dispatcher.ClaimNext(orgCtx(), "", tp.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again != nil {
		t.Fatalf("expected nothing claimable, got %s", again.ID)
	}
}

func TestDispatcherClaimSkipsFutureMessages(t *testing.T) {
	f := newFixture(t)
	tp := f.createTopic(t)
	later := f.store.clock.Add(time.Hour)
	if _, err := f.dispatcher.Enqueue(orgCtx(), tp.ID, "u1", nil, &later); err != nil {
		t.Fatal(err)
	}

	got, err := f.dispatcher.ClaimNext(orgCtx(), "", "")
	if err != nil || got != nil {
		t.Fatalf("future message must not be claimed: %+v, %v", got, err)
	}
	f.advance(2 * time.Hour)
	got, err = f.dispatcher.ClaimNext(orgCtx(), "", "")
	if err != nil || got == nil {
		t.Fatalf("due message should be claimed: %+v, %v", got, err)
	}
}

func TestDispatcherCompleteOrFailIdempotent(t *testing.T) {
	f := newFixture(t)
	tp := f.createTopic(t)
	_, _ = f.dispatcher.Enqueue(orgCtx(), tp.ID, "u1", nil, nil)
	m, _ := f.dispatcher.ClaimNext(orgCtx(), "", tp.ID)

	if err := f.dispatcher.CompleteOrFail(orgCtx(), m.ID, queue.StatusCompleted, ""); err != nil {
		t.Fatalf("first completion: %v", err)
	}
	if err := f.dispatcher.CompleteOrFail(orgCtx(), m.ID, queue.StatusCompleted, ""); err != nil {
		t.Fatalf("repeated completion must be a no-op: %v", err)
	}
	if err := f.dispatcher.CompleteOrFail(orgCtx(), m.ID, queue.StatusFailed, "late"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := f.dispatcher.CompleteOrFail(orgCtx(), m.ID, queue.StatusPending, ""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation for non-terminal status, got %v", err)
	}
}

func TestDispatcherDelayTopic(t *testing.T) {
	f := newFixture(t)
	tp := f.createTopic(t)
	for range 3 {
		_, _ = f.dispatcher.Enqueue(orgCtx(), tp.ID, "u1", nil, nil)
	}
	now := f.store.clock

	moved, err := f.dispatcher.DelayTopic(orgCtx(), tp.ID, 10)
	if err != nil || !moved {
		t.Fatalf("expected messages to move: %v, %v", moved, err)
	}
	for _, m := range f.store.queue {
		if m.ExecuteAfter.Before(now.Add(10 * time.Minute)) {
			t.Fatalf("message %s not delayed: %v", m.ID, m.ExecuteAfter)
		}
	}

	other := f.createTopic(t)
	moved, err = f.dispatcher.DelayTopic(orgCtx(), other.ID, 10)
	if err != nil || moved {
		t.Fatalf("empty topic must report false: %v, %v", moved, err)
	}
	if _, err := f.dispatcher.DelayTopic(orgCtx(), tp.ID, 0); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestDispatcherRequeueUntilMaxRetries(t *testing.T) {
	f := newFixture(t)
	tp := f.createTopic(t)
	_, _ = f.dispatcher.Enqueue(orgCtx(), tp.ID, "u1", nil, nil)

	maxRetries := f.dispatcher.retry.MaxRetries
	for i := range maxRetries {
		f.advance(time.Hour)
		m, err := f.dispatcher.ClaimNext(orgCtx(), "", tp.ID)
		if err != nil || m == nil {
			t.Fatalf("attempt %d: claim failed: %+v, %v", i, m, err)
		}
		ok, err := f.dispatcher.Requeue(orgCtx(), m.ID, f.dispatcher.Backoff(m.RetryCount), "sandbox busy")
		if err != nil || !ok {
			t.Fatalf("attempt %d: requeue: %v, %v", i, ok, err)
		}
	}

	f.advance(time.Hour)
	m, _ := f.dispatcher.ClaimNext(orgCtx(), "", tp.ID)
	ok, err := f.dispatcher.Requeue(orgCtx(), m.ID, time.Second, "sandbox busy")
	if err != nil || ok {
		t.Fatalf("out of retries: expected (false, nil), got (%v, %v)", ok, err)
	}
	got, _ := f.store.GetQueueMessage(orgCtx(), m.ID)
	if got.Status != queue.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
}

func TestDispatcherRequeueRequiresProcessing(t *testing.T) {
	f := newFixture(t)
	tp := f.createTopic(t)
	m, _ := f.dispatcher.Enqueue(orgCtx(), tp.ID, "u1", nil, nil)

	if _, err := f.dispatcher.Requeue(orgCtx(), m.ID, time.Second, "x"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict for a pending message, got %v", err)
	}
}

func TestDispatcherBackoff(t *testing.T) {
	f := newFixture(t)
	base := f.dispatcher.retry.BaseBackoff
	if got := f.dispatcher.Backoff(0); got != base {
		t.Fatalf("Backoff(0) = %v, want %v", got, base)
	}
	if got := f.dispatcher.Backoff(1); got != 2*base {
		t.Fatalf("Backoff(1) = %v, want %v", got, 2*base)
	}
	if got := f.dispatcher.Backoff(50); got != f.dispatcher.retry.MaxBackoff {
		t.Fatalf("Backoff(50) = %v, want cap %v", got, f.dispatcher.retry.MaxBackoff)
	}
}

func TestDispatcherEnqueueRejectsTopicDeletedElsewhere(t *testing.T) {
	f := newFixture(t)
	tp := f.createTopic(t)
	if _, err := f.topics.Get(orgCtx(), tp.ID); err != nil {
		t.Fatal(err)
	}
	// another engine process deletes the topic; this process's cache still holds it
	if err := f.store.DeleteTopic(orgCtx(), tp.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.topics.Get(orgCtx(), tp.ID); err != nil {
		t.Fatalf("expected a stale cache hit, got %v", err)
	}

	if _, err := f.dispatcher.Enqueue(orgCtx(), tp.ID, "u1", prompt("late"), nil); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	f.store.mu.Lock()
	n := len(f.store.queue)
	f.store.mu.Unlock()
	if n != 0 {
		t.Fatalf("no message may be stored for a deleted topic, got %d", n)
	}
	if f.queue.count(messagequeue.SubjectQueueReady) != 0 {
		t.Fatal("no wake-up expected")
	}
}
