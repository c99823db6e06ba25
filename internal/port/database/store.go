// Package database defines the persistence ports (interfaces), one per entity.
//
// Every method is tenant-scoped through the organization code carried in the
// context (see internal/tenant), except methods taking a Scope: those are
// system queries used by the compensation scanner and delivery loop and may
// span organizations.
package database

import (
	"context"
	"time"

	"github.com/Strob0t/agentrelay/internal/domain/file"
	"github.com/Strob0t/agentrelay/internal/domain/fork"
	"github.com/Strob0t/agentrelay/internal/domain/message"
	"github.com/Strob0t/agentrelay/internal/domain/queue"
	"github.com/Strob0t/agentrelay/internal/domain/task"
	"github.com/Strob0t/agentrelay/internal/domain/topic"
)

// Scope limits a system query to a set of organizations. An empty scope
// covers every organization.
type Scope struct {
	OrganizationCodes []string
}

// Includes reports whether org falls inside the scope.
func (s Scope) Includes(org string) bool {
	if len(s.OrganizationCodes) == 0 {
		return true
	}
	for _, c := range s.OrganizationCodes {
		if c == org {
			return true
		}
	}
	return false
}

// TopicRef names a topic with eligible pending work.
type TopicRef struct {
	OrganizationCode string
	TopicID          string
	ExecuteAfter     time.Time
}

// TopicStore persists topics.
type TopicStore interface {
	CreateTopic(ctx context.Context, t *topic.Topic) error
	// GetTopic returns live topics only; deleted topics yield domain.ErrNotFound.
	GetTopic(ctx context.Context, id string) (*topic.Topic, error)
	// DeleteTopic soft-deletes the topic and cascades to its queue messages,
	// tasks, task messages and sequence counters.
	DeleteTopic(ctx context.Context, id string) error
	// BindTopicTask sets the current task, sandbox and status, conditional on
	// the topic's updated_at still matching expectedUpdatedAt.
	BindTopicTask(ctx context.Context, id, taskID, sandboxID string, status topic.Status, expectedUpdatedAt time.Time) (bool, error)
	UpdateTopicStatus(ctx context.Context, id string, status topic.Status, expectedUpdatedAt time.Time) (bool, error)
	UpdateTopicStatusBySandboxID(ctx context.Context, sandboxID string, status topic.Status) (bool, error)
}

// TaskStore persists tasks. Status writes other than ForceTaskStatus are
// conditional on the current status being a legal source for the target.
type TaskStore interface {
	// CreateTask inserts a pending task. It returns domain.ErrConflict when
	// the topic already has a non-terminal task.
	CreateTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	GetTaskBySandboxID(ctx context.Context, sandboxID string) (*task.Task, error)
	// StartTask binds the sandbox and moves the task pending -> running.
	StartTask(ctx context.Context, id, sandboxID, sandboxTaskID string) (bool, error)
	// UpdateTaskStatus returns the updated row, or nil when nothing changed.
	UpdateTaskStatus(ctx context.Context, id string, status task.Status, errMsg string) (*task.Task, error)
	// UpdateTaskStatusBySandboxIDs returns the rows actually transitioned.
	UpdateTaskStatusBySandboxIDs(ctx context.Context, sandboxIDs []string, status task.Status, errMsg string) ([]task.Task, error)
	ForceTaskStatus(ctx context.Context, id string, status task.Status, errMsg string) error
	ListStaleTasks(ctx context.Context, scope Scope, cutoff time.Time, limit int) ([]task.Task, error)
	// MarkStaleTasksAsError flips pending and running tasks last updated
	// before cutoff to error and returns exactly the rows it flipped.
	MarkStaleTasksAsError(ctx context.Context, scope Scope, cutoff time.Time, errMsg string) ([]task.Task, error)
}

// QueueStore persists queue messages.
type QueueStore interface {
	// CreateQueueMessage fails with domain.ErrNotFound unless the topic is
	// live in the caller's organization.
	CreateQueueMessage(ctx context.Context, m *queue.Message) error
	GetQueueMessage(ctx context.Context, id string) (*queue.Message, error)
	// ListClaimCandidates returns the earliest eligible pending message of each
	// topic that has no processing message, oldest first. Empty userID or
	// topicID means no filter.
	ListClaimCandidates(ctx context.Context, userID, topicID string, now time.Time, limit int) ([]queue.Message, error)
	// ClaimQueueMessage moves one message pending -> processing. It reports
	// false when another worker won the row or the topic already has a
	// processing message.
	ClaimQueueMessage(ctx context.Context, id string, now time.Time) (bool, error)
	// FinishQueueMessage moves processing -> completed|failed.
	FinishQueueMessage(ctx context.Context, id string, status queue.Status, errMsg string) (bool, error)
	// RequeueQueueMessage moves processing -> pending, increments retry_count
	// and sets execute_after.
	RequeueQueueMessage(ctx context.Context, id string, executeAfter time.Time, errMsg string) (bool, error)
	// DelayTopicMessages pushes execute_after of every pending message of the
	// topic forward by delay, starting from max(execute_after, now).
	DelayTopicMessages(ctx context.Context, topicID string, delay time.Duration, now time.Time) (int64, error)
	// EarliestPendingForTopic returns nil when the topic has no pending
	// message with execute_after <= maxExecuteTime (any, when nil).
	EarliestPendingForTopic(ctx context.Context, topicID string, maxExecuteTime *time.Time) (*queue.Message, error)
	ListTopicsWithPendingWork(ctx context.Context, scope Scope, now time.Time, limit int) ([]TopicRef, error)
	ListStuckProcessing(ctx context.Context, scope Scope, cutoff time.Time, limit int) ([]queue.Message, error)
}

// SequenceStore issues per (topic, task) sequence numbers.
type SequenceStore interface {
	// NextSeqID atomically increments and returns the counter, starting at 1.
	NextSeqID(ctx context.Context, topicID, taskID string) (int64, error)
}

// TaskMessageStore persists sequenced task messages.
type TaskMessageStore interface {
	// AppendTaskMessage allocates the next seq id and inserts m in the same
	// transaction; m.SeqID is set on success.
	AppendTaskMessage(ctx context.Context, m *message.TaskMessage) error
	GetTaskMessage(ctx context.Context, id string) (*message.TaskMessage, error)
	// ListTaskMessages returns messages of one (topic, task) by seq id,
	// starting after afterSeq.
	ListTaskMessages(ctx context.Context, topicID, taskID string, afterSeq int64, limit int) ([]message.TaskMessage, error)
	// ListTopicMessages returns every message of the topic ordered by task
	// creation then seq id.
	ListTopicMessages(ctx context.Context, topicID string) ([]message.TaskMessage, error)
	// ClaimTaskMessagesForDelivery moves up to limit pending (or retryable
	// failed) messages to processing and returns them.
	ClaimTaskMessagesForDelivery(ctx context.Context, scope Scope, maxRetries, limit int) ([]message.TaskMessage, error)
	MarkTaskMessageDone(ctx context.Context, id string) (bool, error)
	MarkTaskMessageFailed(ctx context.Context, id, errMsg string) (bool, error)
	// ReclaimStuckTaskMessages moves processing messages started before
	// cutoff back to pending, counting the attempt; messages that reach
	// maxRetries become failed instead.
	ReclaimStuckTaskMessages(ctx context.Context, scope Scope, cutoff time.Time, maxRetries int) (int64, error)
}

// ResortPlan computes new sort values for locked siblings.
type ResortPlan func(locked []file.TaskFile) ([]file.SortUpdate, error)

// FileStore persists the project file tree and its version history.
type FileStore interface {
	// CreateFile inserts f and, for non-directories, its first version.
	CreateFile(ctx context.Context, f *file.TaskFile, size int64) error
	// GetFile returns the node whether or not it is deleted.
	GetFile(ctx context.Context, id int64) (*file.TaskFile, error)
	ListChildren(ctx context.Context, projectID string, parentID int64) ([]file.TaskFile, error)
	// MinSort, MaxSort report false when the parent has no live children.
	MinSort(ctx context.Context, projectID string, parentID int64) (int64, bool, error)
	MaxSort(ctx context.Context, projectID string, parentID int64) (int64, bool, error)
	// SortAfter returns the smallest live sibling sort greater than currentSort.
	SortAfter(ctx context.Context, projectID string, parentID, currentSort int64) (int64, bool, error)
	// SortBefore returns the largest live sibling sort less than currentSort.
	SortBefore(ctx context.Context, projectID string, parentID, currentSort int64) (int64, bool, error)
	// BatchUpdateSort applies all updates in a single statement.
	BatchUpdateSort(ctx context.Context, projectID string, parentID int64, updates []file.SortUpdate) error
	// ResortChildren locks the live children of parentID FOR UPDATE, asks
	// plan for new sort values and applies them before committing.
	ResortChildren(ctx context.Context, projectID string, parentID int64, plan ResortPlan) error
	MoveFile(ctx context.Context, id, parentID, sort int64) error
	RenameFile(ctx context.Context, id int64, name string) error
	// SoftDeleteFile deletes the node and its whole subtree.
	SoftDeleteFile(ctx context.Context, id int64) (int64, error)
	// RestoreFile undeletes the node. A deleted parent sends it to the root;
	// a sort colliding with a live sibling places it last.
	RestoreFile(ctx context.Context, id int64) (*file.TaskFile, error)
	// WriteVersion appends version max+1 while holding the file row lock.
	WriteVersion(ctx context.Context, fileID int64, fileKey string, size int64) (*file.Version, error)
	ListVersions(ctx context.Context, fileID int64) ([]file.Version, error)
	LatestVersion(ctx context.Context, fileID int64) (*file.Version, error)
	DeleteOldVersionsByFileID(ctx context.Context, fileID int64, keepCount int) (int64, error)
	CountFilesByProjectID(ctx context.Context, projectID string) (int64, error)
	// GetFilesByProjectIDWithResume pages live files by id, after lastFileID.
	GetFilesByProjectIDWithResume(ctx context.Context, projectID string, lastFileID int64, limit int) ([]file.TaskFile, error)
}

// ForkStore persists project forks and performs the page copies.
type ForkStore interface {
	// CreateFork returns domain.ErrConflict when the user already has a
	// non-terminal fork of the same source project.
	CreateFork(ctx context.Context, f *fork.Fork) error
	GetFork(ctx context.Context, id string) (*fork.Fork, error)
	HasRunningFork(ctx context.Context, userID, sourceProjectID string) (bool, error)
	UpdateForkStatus(ctx context.Context, id string, from []fork.Status, to fork.Status, errMsg string) (bool, error)
	SetForkTotal(ctx context.Context, id string, total int64) error
	// CopyForkPage copies files and their latest versions into the fork
	// project and advances the checkpoint to the last id of the page, all in
	// one transaction. Copies keep the source parent id and record the source
	// id in forked_from_id until FinishFork remaps them.
	CopyForkPage(ctx context.Context, forkID string, files []file.TaskFile) (int, error)
	// FinishFork remaps copied parent ids onto the new ids and marks the
	// fork finished.
	FinishFork(ctx context.Context, forkID string) error
}

// Store aggregates every entity port.
type Store interface {
	TopicStore
	TaskStore
	QueueStore
	SequenceStore
	TaskMessageStore
	FileStore
	ForkStore
	Ping(ctx context.Context) error
}
