package service

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/agentrelay/internal/domain"
	"github.com/Strob0t/agentrelay/internal/domain/file"
	"github.com/Strob0t/agentrelay/internal/domain/fork"
	"github.com/Strob0t/agentrelay/internal/domain/message"
	"github.com/Strob0t/agentrelay/internal/domain/queue"
	"github.com/Strob0t/agentrelay/internal/domain/task"
	"github.com/Strob0t/agentrelay/internal/domain/topic"
	"github.com/Strob0t/agentrelay/internal/port/database"
	"github.com/Strob0t/agentrelay/internal/tenant"
)

// mockStore is an in-memory database.Store. Conditional updates follow the
// same predicates as the postgres store so service logic can be tested
// without a database.
type mockStore struct {
	mu sync.Mutex

	clock    time.Time
	topics   map[string]*topic.Topic
	tasks    []*task.Task
	queue    []*queue.Message
	seqs     map[string]int64
	messages []*message.TaskMessage
	files    map[int64]*file.TaskFile
	versions []*file.Version
	forks    map[string]*fork.Fork
	nextFile int64

	// Error hooks; set these to inject failures.
	createTaskErr error
	copyPageCalls int
}

func newMockStore() *mockStore {
	return &mockStore{
		clock:  time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
		topics: make(map[string]*topic.Topic),
		seqs:   make(map[string]int64),
		files:  make(map[int64]*file.TaskFile),
		forks:  make(map[string]*fork.Fork),
	}
}

// tick advances the store clock so every write gets a distinct updated_at.
func (m *mockStore) tick() time.Time {
	m.clock = m.clock.Add(time.Millisecond)
	return m.clock
}

func (m *mockStore) Ping(context.Context) error { return nil }

// --- Topics ---

func (m *mockStore) CreateTopic(ctx context.Context, t *topic.Topic) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.tick()
	t.ID = uuid.NewString()
	t.OrganizationCode = tenant.FromContext(ctx)
	if t.Status == "" {
		t.Status = topic.StatusPending
	}
	t.CreatedAt, t.UpdatedAt = now, now
	cp := *t
	m.topics[t.ID] = &cp
	return nil
}

func (m *mockStore) liveTopic(ctx context.Context, id string) *topic.Topic {
	t, ok := m.topics[id]
	if !ok || t.IsDeleted() || t.OrganizationCode != tenant.FromContext(ctx) {
		return nil
	}
	return t
}

func (m *mockStore) GetTopic(ctx context.Context, id string) (*topic.Topic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.liveTopic(ctx, id)
	if t == nil {
		return nil, fmt.Errorf("get topic %s: %w", id, domain.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (m *mockStore) DeleteTopic(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.liveTopic(ctx, id)
	if t == nil {
		return domain.ErrNotFound
	}
	now := m.tick()
	t.DeletedAt = &now
	return nil
}

func (m *mockStore) BindTopicTask(ctx context.Context, id, taskID, sandboxID string, status topic.Status, expected time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.liveTopic(ctx, id)
	if t == nil || !t.UpdatedAt.Equal(expected) {
		return false, nil
	}
	t.CurrentTaskID, t.SandboxID, t.Status, t.UpdatedAt = taskID, sandboxID, status, m.tick()
	return true, nil
}

func (m *mockStore) UpdateTopicStatus(ctx context.Context, id string, status topic.Status, expected time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.liveTopic(ctx, id)
	if t == nil || !t.UpdatedAt.Equal(expected) {
		return false, nil
	}
	t.Status, t.UpdatedAt = status, m.tick()
	return true, nil
}

func (m *mockStore) UpdateTopicStatusBySandboxID(ctx context.Context, sandboxID string, status topic.Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.topics {
		if t.SandboxID == sandboxID && !t.IsDeleted() && t.OrganizationCode == tenant.FromContext(ctx) {
			t.Status, t.UpdatedAt = status, m.tick()
			return true, nil
		}
	}
	return false, nil
}

// --- Tasks ---

func (m *mockStore) CreateTask(ctx context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createTaskErr != nil {
		return m.createTaskErr
	}
	for _, other := range m.tasks {
		if other.TopicID == t.TopicID && !other.Status.IsTerminal() {
			return fmt.Errorf("create task: %w", domain.ErrConflict)
		}
	}
	now := m.tick()
	t.ID = uuid.NewString()
	t.OrganizationCode = tenant.FromContext(ctx)
	t.CreatedAt, t.UpdatedAt = now, now
	cp := *t
	m.tasks = append(m.tasks, &cp)
	return nil
}

func (m *mockStore) findTask(ctx context.Context, id string) *task.Task {
	for _, t := range m.tasks {
		if t.ID == id && t.OrganizationCode == tenant.FromContext(ctx) {
			return t
		}
	}
	return nil
}

func (m *mockStore) GetTask(ctx context.Context, id string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.findTask(ctx, id)
	if t == nil {
		return nil, fmt.Errorf("get task %s: %w", id, domain.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (m *mockStore) GetTaskBySandboxID(ctx context.Context, sandboxID string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.tasks) - 1; i >= 0; i-- {
		t := m.tasks[i]
		if t.SandboxID == sandboxID && t.OrganizationCode == tenant.FromContext(ctx) {
			cp := *t
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("task for sandbox %s: %w", sandboxID, domain.ErrNotFound)
}

func (m *mockStore) StartTask(ctx context.Context, id, sandboxID, sandboxTaskID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.findTask(ctx, id)
	if t == nil || t.Status != task.StatusPending {
		return false, nil
	}
	t.Status, t.SandboxID, t.SandboxTaskID, t.UpdatedAt = task.StatusRunning, sandboxID, sandboxTaskID, m.tick()
	return true, nil
}

func (m *mockStore) transition(t *task.Task, status task.Status, errMsg string) bool {
	if !slices.Contains(task.SourcesFor(status), t.Status) {
		return false
	}
	t.Status, t.ErrMessage, t.UpdatedAt = status, errMsg, m.tick()
	return true
}

func (m *mockStore) UpdateTaskStatus(ctx context.Context, id string, status task.Status, errMsg string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.findTask(ctx, id)
	if t == nil || !m.transition(t, status, errMsg) {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *mockStore) UpdateTaskStatusBySandboxIDs(ctx context.Context, sandboxIDs []string, status task.Status, errMsg string) ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []task.Task
	for _, t := range m.tasks {
		if t.OrganizationCode != tenant.FromContext(ctx) || !slices.Contains(sandboxIDs, t.SandboxID) {
			continue
		}
		if m.transition(t, status, errMsg) {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (m *mockStore) ForceTaskStatus(ctx context.Context, id string, status task.Status, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.findTask(ctx, id)
	if t == nil {
		return domain.ErrNotFound
	}
	t.Status, t.ErrMessage, t.UpdatedAt = status, errMsg, m.tick()
	return nil
}

func (m *mockStore) ListStaleTasks(_ context.Context, scope database.Scope, cutoff time.Time, limit int) ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []task.Task
	for _, t := range m.tasks {
		if !t.Status.IsTerminal() && t.UpdatedAt.Before(cutoff) && scope.Includes(t.OrganizationCode) {
			out = append(out, *t)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *mockStore) MarkStaleTasksAsError(_ context.Context, scope database.Scope, cutoff time.Time, errMsg string) ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []task.Task
	for _, t := range m.tasks {
		if !t.Status.IsTerminal() && t.UpdatedAt.Before(cutoff) && scope.Includes(t.OrganizationCode) {
			t.Status, t.ErrMessage, t.UpdatedAt = task.StatusError, errMsg, m.tick()
			out = append(out, *t)
		}
	}
	return out, nil
}

// --- Queue ---

func (m *mockStore) CreateQueueMessage(ctx context.Context, q *queue.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.liveTopic(ctx, q.TopicID) == nil {
		return fmt.Errorf("create queue message for topic %s: %w", q.TopicID, domain.ErrNotFound)
	}
	now := m.tick()
	q.ID = uuid.NewString()
	q.OrganizationCode = tenant.FromContext(ctx)
	q.Status = queue.StatusPending
	if q.ExecuteAfter.IsZero() {
		q.ExecuteAfter = now
	}
	q.CreatedAt, q.UpdatedAt = now, now
	cp := *q
	m.queue = append(m.queue, &cp)
	return nil
}

func (m *mockStore) findQueue(ctx context.Context, id string) *queue.Message {
	for _, q := range m.queue {
		if q.ID == id && q.OrganizationCode == tenant.FromContext(ctx) {
			return q
		}
	}
	return nil
}

func (m *mockStore) GetQueueMessage(ctx context.Context, id string) (*queue.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.findQueue(ctx, id)
	if q == nil {
		return nil, fmt.Errorf("get queue message %s: %w", id, domain.ErrNotFound)
	}
	cp := *q
	return &cp, nil
}

func (m *mockStore) topicBusy(topicID string) bool {
	for _, q := range m.queue {
		if q.TopicID == topicID && q.Status == queue.StatusProcessing {
			return true
		}
	}
	return false
}

// earliest returns the first eligible pending message of topicID in
// (execute_after, created_at) order.
func (m *mockStore) earliest(topicID string, at *time.Time) *queue.Message {
	var best *queue.Message
	for _, q := range m.queue {
		if q.TopicID != topicID || q.Status != queue.StatusPending {
			continue
		}
		if at != nil && q.ExecuteAfter.After(*at) {
			continue
		}
		if best == nil || q.ExecuteAfter.Before(best.ExecuteAfter) ||
			(q.ExecuteAfter.Equal(best.ExecuteAfter) && q.CreatedAt.Before(best.CreatedAt)) {
			best = q
		}
	}
	return best
}

func (m *mockStore) ListClaimCandidates(ctx context.Context, userID, topicID string, now time.Time, limit int) ([]queue.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	var out []queue.Message
	for _, q := range m.queue {
		if seen[q.TopicID] || q.OrganizationCode != tenant.FromContext(ctx) {
			continue
		}
		if (userID != "" && q.UserID != userID) || (topicID != "" && q.TopicID != topicID) {
			continue
		}
		seen[q.TopicID] = true
		if m.topicBusy(q.TopicID) {
			continue
		}
		if e := m.earliest(q.TopicID, &now); e != nil {
			out = append(out, *e)
		}
	}
	slices.SortFunc(out, func(a, b queue.Message) int { return a.ExecuteAfter.Compare(b.ExecuteAfter) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockStore) ClaimQueueMessage(ctx context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.findQueue(ctx, id)
	if q == nil || !q.Eligible(now) || m.topicBusy(q.TopicID) {
		return false, nil
	}
	q.Status, q.UpdatedAt = queue.StatusProcessing, m.tick()
	return true, nil
}

func (m *mockStore) FinishQueueMessage(ctx context.Context, id string, status queue.Status, errMsg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.findQueue(ctx, id)
	if q == nil || q.Status != queue.StatusProcessing {
		return false, nil
	}
	q.Status, q.ErrMessage, q.UpdatedAt = status, errMsg, m.tick()
	return true, nil
}

func (m *mockStore) RequeueQueueMessage(ctx context.Context, id string, executeAfter time.Time, errMsg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.findQueue(ctx, id)
	if q == nil || q.Status != queue.StatusProcessing {
		return false, nil
	}
	q.Status, q.ExecuteAfter, q.ErrMessage, q.UpdatedAt = queue.StatusPending, executeAfter, errMsg, m.tick()
	q.RetryCount++
	return true, nil
}

func (m *mockStore) DelayTopicMessages(ctx context.Context, topicID string, delay time.Duration, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, q := range m.queue {
		if q.TopicID == topicID && q.Status == queue.StatusPending && q.OrganizationCode == tenant.FromContext(ctx) {
			base := q.ExecuteAfter
			if base.Before(now) {
				base = now
			}
			q.ExecuteAfter = base.Add(delay)
			n++
		}
	}
	return n, nil
}

func (m *mockStore) EarliestPendingForTopic(ctx context.Context, topicID string, maxExecuteTime *time.Time) (*queue.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.earliest(topicID, maxExecuteTime)
	if e == nil || e.OrganizationCode != tenant.FromContext(ctx) {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (m *mockStore) ListTopicsWithPendingWork(_ context.Context, scope database.Scope, now time.Time, limit int) ([]database.TopicRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	var out []database.TopicRef
	for _, q := range m.queue {
		if seen[q.TopicID] || !scope.Includes(q.OrganizationCode) {
			continue
		}
		if e := m.earliest(q.TopicID, &now); e != nil && !m.topicBusy(q.TopicID) {
			seen[q.TopicID] = true
			out = append(out, database.TopicRef{OrganizationCode: e.OrganizationCode, TopicID: e.TopicID, ExecuteAfter: e.ExecuteAfter})
		}
	}
	slices.SortFunc(out, func(a, b database.TopicRef) int { return a.ExecuteAfter.Compare(b.ExecuteAfter) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockStore) ListStuckProcessing(_ context.Context, scope database.Scope, cutoff time.Time, limit int) ([]queue.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []queue.Message
	for _, q := range m.queue {
		if q.Status != queue.StatusProcessing || !q.UpdatedAt.Before(cutoff) || !scope.Includes(q.OrganizationCode) {
			continue
		}
		live := false
		for _, t := range m.tasks {
			if t.QueueMessageID == q.ID && !t.Status.IsTerminal() {
				live = true
			}
		}
		if !live {
			out = append(out, *q)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// --- Sequences and task messages ---

func (m *mockStore) NextSeqID(_ context.Context, topicID, taskID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := topicID + "/" + taskID
	m.seqs[key]++
	return m.seqs[key], nil
}

func (m *mockStore) AppendTaskMessage(ctx context.Context, tm *message.TaskMessage) error {
	seq, err := m.NextSeqID(ctx, tm.TopicID, tm.TaskID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.tick()
	tm.ID = uuid.NewString()
	tm.OrganizationCode = tenant.FromContext(ctx)
	tm.SeqID = seq
	tm.ProcessingStatus = message.ProcessingPending
	tm.CreatedAt, tm.UpdatedAt = now, now
	cp := *tm
	m.messages = append(m.messages, &cp)
	return nil
}

func (m *mockStore) findMessage(ctx context.Context, id string) *message.TaskMessage {
	for _, tm := range m.messages {
		if tm.ID == id && tm.OrganizationCode == tenant.FromContext(ctx) {
			return tm
		}
	}
	return nil
}

func (m *mockStore) GetTaskMessage(ctx context.Context, id string) (*message.TaskMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tm := m.findMessage(ctx, id)
	if tm == nil {
		return nil, domain.ErrNotFound
	}
	cp := *tm
	return &cp, nil
}

func (m *mockStore) ListTaskMessages(ctx context.Context, topicID, taskID string, afterSeq int64, limit int) ([]message.TaskMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []message.TaskMessage
	for _, tm := range m.messages {
		if tm.TopicID == topicID && tm.TaskID == taskID && tm.SeqID > afterSeq && tm.OrganizationCode == tenant.FromContext(ctx) {
			out = append(out, *tm)
		}
	}
	slices.SortFunc(out, func(a, b message.TaskMessage) int { return int(a.SeqID - b.SeqID) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockStore) ListTopicMessages(ctx context.Context, topicID string) ([]message.TaskMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []message.TaskMessage
	for _, tm := range m.messages {
		if tm.TopicID == topicID && tm.OrganizationCode == tenant.FromContext(ctx) {
			out = append(out, *tm)
		}
	}
	return out, nil
}

func (m *mockStore) ClaimTaskMessagesForDelivery(_ context.Context, scope database.Scope, maxRetries, limit int) ([]message.TaskMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []message.TaskMessage
	for _, tm := range m.messages {
		if len(out) == limit {
			break
		}
		ready := tm.ProcessingStatus == message.ProcessingPending ||
			(tm.ProcessingStatus == message.ProcessingFailed && tm.RetryCount < maxRetries)
		if !ready || !scope.Includes(tm.OrganizationCode) {
			continue
		}
		now := m.tick()
		tm.ProcessingStatus, tm.ProcessingStartedAt, tm.UpdatedAt = message.ProcessingProcessing, &now, now
		out = append(out, *tm)
	}
	return out, nil
}

func (m *mockStore) MarkTaskMessageDone(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tm := m.findMessage(ctx, id)
	if tm == nil || tm.ProcessingStatus != message.ProcessingProcessing {
		return false, nil
	}
	tm.ProcessingStatus, tm.ErrMessage = message.ProcessingDone, ""
	return true, nil
}

func (m *mockStore) MarkTaskMessageFailed(ctx context.Context, id, errMsg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tm := m.findMessage(ctx, id)
	if tm == nil || tm.ProcessingStatus != message.ProcessingProcessing {
		return false, nil
	}
	tm.ProcessingStatus, tm.ErrMessage = message.ProcessingFailed, errMsg
	tm.RetryCount++
	return true, nil
}

func (m *mockStore) ReclaimStuckTaskMessages(_ context.Context, scope database.Scope, cutoff time.Time, maxRetries int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, tm := range m.messages {
		if tm.ProcessingStatus != message.ProcessingProcessing || tm.ProcessingStartedAt == nil ||
			!tm.ProcessingStartedAt.Before(cutoff) || !scope.Includes(tm.OrganizationCode) {
			continue
		}
		tm.RetryCount++
		tm.ProcessingStatus = message.ProcessingPending
		if tm.RetryCount >= maxRetries {
			tm.ProcessingStatus = message.ProcessingFailed
		}
		n++
	}
	return n, nil
}

// --- Files ---

func (m *mockStore) liveChildren(projectID string, parentID int64) []file.TaskFile {
	var out []file.TaskFile
	for _, f := range m.files {
		if f.ProjectID == projectID && f.ParentID == parentID && !f.IsDeleted() {
			out = append(out, *f)
		}
	}
	file.SortSiblings(out)
	return out
}

func (m *mockStore) sortTaken(projectID string, parentID, sort, exceptID int64) bool {
	for _, f := range m.liveChildren(projectID, parentID) {
		if f.Sort == sort && f.ID != exceptID {
			return true
		}
	}
	return false
}

func (m *mockStore) CreateFile(ctx context.Context, f *file.TaskFile, size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sortTaken(f.ProjectID, f.ParentID, f.Sort, 0) {
		return fmt.Errorf("create file: %w", domain.ErrConflict)
	}
	now := m.tick()
	m.nextFile++
	f.ID = m.nextFile
	f.OrganizationCode = tenant.FromContext(ctx)
	f.CreatedAt, f.UpdatedAt = now, now
	if !f.IsDirectory {
		f.LatestVersion = 1
		m.versions = append(m.versions, &file.Version{FileID: f.ID, OrganizationCode: f.OrganizationCode, Version: 1, FileKey: f.FileKey, Size: size, CreatedAt: now})
	}
	cp := *f
	m.files[f.ID] = &cp
	return nil
}

func (m *mockStore) GetFile(_ context.Context, id int64) (*file.TaskFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return nil, fmt.Errorf("get file %d: %w", id, domain.ErrNotFound)
	}
	cp := *f
	return &cp, nil
}

func (m *mockStore) ListChildren(_ context.Context, projectID string, parentID int64) ([]file.TaskFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveChildren(projectID, parentID), nil
}

func (m *mockStore) MinSort(_ context.Context, projectID string, parentID int64) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.liveChildren(projectID, parentID)
	if len(c) == 0 {
		return 0, false, nil
	}
	return c[0].Sort, true, nil
}

func (m *mockStore) MaxSort(_ context.Context, projectID string, parentID int64) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.liveChildren(projectID, parentID)
	if len(c) == 0 {
		return 0, false, nil
	}
	return c[len(c)-1].Sort, true, nil
}

func (m *mockStore) SortAfter(_ context.Context, projectID string, parentID, current int64) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.liveChildren(projectID, parentID) {
		if f.Sort > current {
			return f.Sort, true, nil
		}
	}
	return 0, false, nil
}

func (m *mockStore) SortBefore(_ context.Context, projectID string, parentID, current int64) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.liveChildren(projectID, parentID)
	for i := len(c) - 1; i >= 0; i-- {
		if c[i].Sort < current {
			return c[i].Sort, true, nil
		}
	}
	return 0, false, nil
}

// applySorts mirrors the single-statement update: all values change at once
// and the result must keep sorts distinct.
func (m *mockStore) applySorts(projectID string, parentID int64, updates []file.SortUpdate) error {
	next := m.liveChildren(projectID, parentID)
	for _, u := range updates {
		for i := range next {
			if next[i].ID == u.ID {
				next[i].Sort = u.Sort
			}
		}
	}
	if err := file.CheckDistinctSorts(next); err != nil {
		return err
	}
	for _, u := range updates {
		if f, ok := m.files[u.ID]; ok {
			f.Sort = u.Sort
		}
	}
	return nil
}

func (m *mockStore) BatchUpdateSort(_ context.Context, projectID string, parentID int64, updates []file.SortUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applySorts(projectID, parentID, updates)
}

func (m *mockStore) ResortChildren(_ context.Context, projectID string, parentID int64, plan database.ResortPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	updates, err := plan(m.liveChildren(projectID, parentID))
	if err != nil {
		return err
	}
	return m.applySorts(projectID, parentID, updates)
}

func (m *mockStore) MoveFile(_ context.Context, id, parentID, sort int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok || f.IsDeleted() {
		return domain.ErrNotFound
	}
	if m.sortTaken(f.ProjectID, parentID, sort, id) {
		return fmt.Errorf("move file: %w", domain.ErrConflict)
	}
	f.ParentID, f.Sort, f.UpdatedAt = parentID, sort, m.tick()
	return nil
}

func (m *mockStore) RenameFile(_ context.Context, id int64, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok || f.IsDeleted() {
		return domain.ErrNotFound
	}
	f.FileName = name
	return nil
}

func (m *mockStore) SoftDeleteFile(_ context.Context, id int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	root, ok := m.files[id]
	if !ok || root.IsDeleted() {
		return 0, domain.ErrNotFound
	}
	now := m.tick()
	var n int64
	pending := []int64{id}
	for len(pending) > 0 {
		cur := pending[0]
		pending = pending[1:]
		f := m.files[cur]
		if f.IsDeleted() {
			continue
		}
		f.DeletedAt = &now
		n++
		for _, c := range m.files {
			if c.ParentID == cur && c.ProjectID == f.ProjectID && !c.IsDeleted() {
				pending = append(pending, c.ID)
			}
		}
	}
	return n, nil
}

func (m *mockStore) RestoreFile(_ context.Context, id int64) (*file.TaskFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if !f.IsDeleted() {
		cp := *f
		return &cp, nil
	}
	if p, ok := m.files[f.ParentID]; f.ParentID != file.RootID && (!ok || p.IsDeleted()) {
		f.ParentID = file.RootID
	}
	siblings := m.liveChildren(f.ProjectID, f.ParentID)
	if m.sortTaken(f.ProjectID, f.ParentID, f.Sort, f.ID) && len(siblings) > 0 {
		f.Sort = siblings[len(siblings)-1].Sort + file.SortStep
	}
	f.DeletedAt = nil
	cp := *f
	return &cp, nil
}

func (m *mockStore) WriteVersion(_ context.Context, fileID int64, fileKey string, size int64) (*file.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[fileID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	f.LatestVersion++
	v := &file.Version{FileID: fileID, OrganizationCode: f.OrganizationCode, Version: f.LatestVersion, FileKey: fileKey, Size: size, CreatedAt: m.tick()}
	m.versions = append(m.versions, v)
	cp := *v
	return &cp, nil
}

func (m *mockStore) ListVersions(_ context.Context, fileID int64) ([]file.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []file.Version
	for i := len(m.versions) - 1; i >= 0; i-- {
		if m.versions[i].FileID == fileID {
			out = append(out, *m.versions[i])
		}
	}
	return out, nil
}

func (m *mockStore) LatestVersion(ctx context.Context, fileID int64) (*file.Version, error) {
	vs, _ := m.ListVersions(ctx, fileID)
	if len(vs) == 0 {
		return nil, domain.ErrNotFound
	}
	return &vs[0], nil
}

func (m *mockStore) DeleteOldVersionsByFileID(_ context.Context, fileID int64, keep int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	latest := m.files[fileID].LatestVersion
	var n int64
	m.versions = slices.DeleteFunc(m.versions, func(v *file.Version) bool {
		if v.FileID == fileID && v.Version <= latest-keep {
			n++
			return true
		}
		return false
	})
	return n, nil
}

func (m *mockStore) CountFilesByProjectID(_ context.Context, projectID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, f := range m.files {
		if f.ProjectID == projectID && !f.IsDeleted() {
			n++
		}
	}
	return n, nil
}

func (m *mockStore) GetFilesByProjectIDWithResume(_ context.Context, projectID string, lastFileID int64, limit int) ([]file.TaskFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []file.TaskFile
	for _, f := range m.files {
		if f.ProjectID == projectID && !f.IsDeleted() && f.ID > lastFileID {
			out = append(out, *f)
		}
	}
	slices.SortFunc(out, func(a, b file.TaskFile) int { return int(a.ID - b.ID) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Forks ---

func (m *mockStore) CreateFork(ctx context.Context, f *fork.Fork) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.tick()
	f.ID = uuid.NewString()
	f.OrganizationCode = tenant.FromContext(ctx)
	f.Status = fork.StatusPending
	f.CreatedAt, f.UpdatedAt = now, now
	cp := *f
	m.forks[f.ID] = &cp
	return nil
}

func (m *mockStore) GetFork(_ context.Context, id string) (*fork.Fork, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.forks[id]
	if !ok {
		return nil, fmt.Errorf("get fork %s: %w", id, domain.ErrNotFound)
	}
	cp := *f
	return &cp, nil
}

func (m *mockStore) HasRunningFork(_ context.Context, userID, sourceProjectID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.forks {
		if f.UserID == userID && f.SourceProjectID == sourceProjectID &&
			(f.Status == fork.StatusPending || f.Status == fork.StatusRunning) {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockStore) UpdateForkStatus(_ context.Context, id string, from []fork.Status, to fork.Status, errMsg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.forks[id]
	if !ok || !slices.Contains(from, f.Status) {
		return false, nil
	}
	f.Status, f.ErrMessage, f.UpdatedAt = to, errMsg, m.tick()
	return true, nil
}

func (m *mockStore) SetForkTotal(_ context.Context, id string, total int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.forks[id]
	if !ok {
		return domain.ErrNotFound
	}
	f.TotalFiles = total
	return nil
}

func (m *mockStore) CopyForkPage(_ context.Context, forkID string, files []file.TaskFile) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.copyPageCalls++
	fk, ok := m.forks[forkID]
	if !ok || fk.Status != fork.StatusRunning {
		return 0, domain.ErrConflict
	}
	copied := 0
	for _, src := range files {
		dup := false
		for _, f := range m.files {
			if f.ProjectID == fk.ForkProjectID && f.ForkedFromID == src.ID {
				dup = true
			}
		}
		if dup {
			continue
		}
		m.nextFile++
		cp := src
		cp.ID, cp.ProjectID, cp.TopicID, cp.ForkedFromID = m.nextFile, fk.ForkProjectID, "", src.ID
		m.files[cp.ID] = &cp
		copied++
	}
	if len(files) > 0 {
		fk.CurrentFileID = max(fk.CurrentFileID, files[len(files)-1].ID)
	}
	fk.ProcessedFiles += int64(copied)
	return copied, nil
}

func (m *mockStore) FinishFork(_ context.Context, forkID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fk, ok := m.forks[forkID]
	if !ok || fk.Status != fork.StatusRunning {
		return domain.ErrConflict
	}
	newID := make(map[int64]int64)
	for _, f := range m.files {
		if f.ProjectID == fk.ForkProjectID && f.ForkedFromID != 0 {
			newID[f.ForkedFromID] = f.ID
		}
	}
	for _, f := range m.files {
		if f.ProjectID != fk.ForkProjectID || f.ForkedFromID == 0 || f.ParentID == file.RootID {
			continue
		}
		if id, ok := newID[f.ParentID]; ok {
			f.ParentID = id
		} else {
			f.ParentID = file.RootID
		}
	}
	fk.Status, fk.ErrMessage = fork.StatusFinished, ""
	return nil
}

var _ database.Store = (*mockStore)(nil)
