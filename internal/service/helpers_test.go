package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/agentrelay/internal/config"
	"github.com/Strob0t/agentrelay/internal/domain/topic"
	"github.com/Strob0t/agentrelay/internal/port/messagequeue"
	"github.com/Strob0t/agentrelay/internal/port/sandbox"
	"github.com/Strob0t/agentrelay/internal/tenant"
)

const testOrg = "org-test"

func orgCtx() context.Context {
	return tenant.WithOrganization(context.Background(), testOrg)
}

type published struct {
	subject string
	data    []byte
}

type mockQueue struct {
	mu         sync.Mutex
	published  []published
	handlers   map[string]messagequeue.Handler
	publishErr error
}

func (q *mockQueue) Publish(_ context.Context, subject string, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.publishErr != nil {
		return q.publishErr
	}
	q.published = append(q.published, published{subject, data})
	return nil
}

func (q *mockQueue) Subscribe(_ context.Context, subject string, h messagequeue.Handler) (func(), error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.handlers == nil {
		q.handlers = make(map[string]messagequeue.Handler)
	}
	q.handlers[subject] = h
	return func() {}, nil
}

func (q *mockQueue) Drain() error      { return nil }
func (q *mockQueue) Close() error      { return nil }
func (q *mockQueue) IsConnected() bool { return true }

func (q *mockQueue) count(subject string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, p := range q.published {
		if p.subject == subject {
			n++
		}
	}
	return n
}

func (q *mockQueue) last(subject string) []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := len(q.published) - 1; i >= 0; i-- {
		if q.published[i].subject == subject {
			return q.published[i].data
		}
	}
	return nil
}

type mockRunner struct {
	mu       sync.Mutex
	requests []sandbox.StartRequest
	err      error
	next     int
	onStart  func() // runs before the start is recorded, outside the lock
}

func (r *mockRunner) Start(_ context.Context, req sandbox.StartRequest) (*sandbox.StartResult, error) {
	if r.onStart != nil {
		r.onStart()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	if r.err != nil {
		return nil, r.err
	}
	r.next++
	id := req.SandboxID
	if id == "" {
		id = "sb-" + string(rune('a'+r.next-1))
	}
	return &sandbox.StartResult{SandboxID: id, SandboxTaskID: req.TaskID}, nil
}

func (r *mockRunner) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemCache() *memCache { return &memCache{data: make(map[string][]byte)} }

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

// fixture wires every service against one mockStore.
type fixture struct {
	store        *mockStore
	queue        *mockQueue
	runner       *mockRunner
	cache        *memCache
	topics       *TopicService
	dispatcher   *DispatcherService
	tasks        *TaskService
	messages     *MessageService
	compensation *CompensationService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Defaults()
	f := &fixture{
		store:  newMockStore(),
		queue:  &mockQueue{},
		runner: &mockRunner{},
		cache:  newMemCache(),
	}
	f.topics = NewTopicService(f.store, f.cache, time.Minute)
	f.dispatcher = NewDispatcherService(f.store, f.topics, f.queue, cfg.Dispatcher, cfg.Compensation)
	f.tasks = NewTaskService(f.store, f.topics, f.dispatcher, f.runner, f.cache, time.Minute)
	f.messages = NewMessageService(f.store, f.topics, f.queue, cfg.Delivery, cfg.Compensation.MessageProcessingTimeout)
	f.compensation = NewCompensationService(f.store, f.dispatcher, f.tasks, f.messages, cfg.Compensation)

	// The store clock and the services share one notion of now.
	now := func() time.Time {
		f.store.mu.Lock()
		defer f.store.mu.Unlock()
		return f.store.clock
	}
	f.dispatcher.now = now
	f.tasks.now = now
	f.messages.now = now
	f.compensation.now = now
	return f
}

// advance moves the shared clock forward.
func (f *fixture) advance(d time.Duration) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	f.store.clock = f.store.clock.Add(d)
}

func (f *fixture) createTopic(t *testing.T) *topic.Topic {
	t.Helper()
	tp, err := f.topics.Create(orgCtx(), topic.CreateRequest{UserID: "u1", ProjectID: "p1"})
	if err != nil {
		t.Fatalf("create topic: %v", err)
	}
	return tp
}

func prompt(s string) json.RawMessage {
	data, _ := json.Marshal(map[string]string{"prompt": s})
	return data
}

func tenantCtx(org string) context.Context {
	return tenant.WithOrganization(context.Background(), org)
}
