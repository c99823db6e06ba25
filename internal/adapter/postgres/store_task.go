package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Strob0t/agentrelay/internal/domain/task"
	"github.com/Strob0t/agentrelay/internal/port/database"
)

const taskColumns = `id, organization_code, topic_id, project_id, user_id, COALESCE(queue_message_id::text, ''),
	sandbox_id, sandbox_task_id, prompt, status, err_message, created_at, updated_at`

func scanTask(row scannable) (task.Task, error) {
	var t task.Task
	err := row.Scan(&t.ID, &t.OrganizationCode, &t.TopicID, &t.ProjectID, &t.UserID, &t.QueueMessageID,
		&t.SandboxID, &t.SandboxTaskID, &t.Prompt, &t.Status, &t.ErrMessage, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func statusStrings(ss []task.Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

// --- Tasks ---

func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	org, err := requireOrg(ctx, "create task")
	if err != nil {
		return err
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO tasks (organization_code, topic_id, project_id, user_id, queue_message_id, prompt, status)
		 VALUES ($1, $2, $3, $4, $5, $6, 'pending')
		 RETURNING `+taskColumns,
		org, t.TopicID, t.ProjectID, t.UserID, nullIfEmpty(t.QueueMessageID), t.Prompt)
	created, err := scanTask(row)
	if err != nil {
		return fmt.Errorf("create task for topic %s: %w", t.TopicID, constraintWrap(err))
	}
	*t = created
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1 AND organization_code = $2`, id, orgFromCtx(ctx))
	t, err := scanTask(row)
	if err != nil {
		return nil, notFoundWrap(err, "get task %s", id)
	}
	return &t, nil
}

func (s *Store) GetTaskBySandboxID(ctx context.Context, sandboxID string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE sandbox_id = $1 AND organization_code = $2
		 ORDER BY created_at DESC LIMIT 1`, sandboxID, orgFromCtx(ctx))
	t, err := scanTask(row)
	if err != nil {
		return nil, notFoundWrap(err, "get task by sandbox %s", sandboxID)
	}
	return &t, nil
}

func (s *Store) StartTask(ctx context.Context, id, sandboxID, sandboxTaskID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET sandbox_id = $3, sandbox_task_id = $4, status = 'running', updated_at = clock_timestamp()
		 WHERE id = $1 AND organization_code = $2 AND status = 'pending'`,
		id, orgFromCtx(ctx), sandboxID, sandboxTaskID)
	if err != nil {
		return false, fmt.Errorf("start task %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status task.Status, errMsg string) (*task.Task, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE tasks SET status = $3, err_message = $4, updated_at = clock_timestamp()
		 WHERE id = $1 AND organization_code = $2 AND status = ANY($5)
		 RETURNING `+taskColumns,
		id, orgFromCtx(ctx), status, errMsg, statusStrings(task.SourcesFor(status)))
	if err != nil {
		return nil, fmt.Errorf("update task status %s: %w", id, err)
	}
	updated, err := collectRows(rows, scanTask)
	if err != nil {
		return nil, fmt.Errorf("update task status %s: %w", id, err)
	}
	if len(updated) == 0 {
		return nil, nil
	}
	return &updated[0], nil
}

func (s *Store) UpdateTaskStatusBySandboxIDs(ctx context.Context, sandboxIDs []string, status task.Status, errMsg string) ([]task.Task, error) {
	if len(sandboxIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`UPDATE tasks SET status = $3, err_message = $4, updated_at = clock_timestamp()
		 WHERE sandbox_id = ANY($1) AND organization_code = $2 AND status = ANY($5)
		 RETURNING `+taskColumns,
		sandboxIDs, orgFromCtx(ctx), status, errMsg, statusStrings(task.SourcesFor(status)))
	if err != nil {
		return nil, fmt.Errorf("update task status by sandbox ids: %w", err)
	}
	updated, err := collectRows(rows, scanTask)
	if err != nil {
		return nil, fmt.Errorf("update task status by sandbox ids: %w", err)
	}
	return updated, nil
}

// ForceTaskStatus writes status unconditionally.
func (s *Store) ForceTaskStatus(ctx context.Context, id string, status task.Status, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $3, err_message = $4, updated_at = clock_timestamp()
		 WHERE id = $1 AND organization_code = $2`,
		id, orgFromCtx(ctx), status, errMsg)
	return execExpectOne(tag, err, "force task status %s", id)
}

func (s *Store) ListStaleTasks(ctx context.Context, scope database.Scope, cutoff time.Time, limit int) ([]task.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status IN ('pending', 'running') AND updated_at < $1
		   AND (cardinality($2::text[]) = 0 OR organization_code = ANY($2))
		 ORDER BY updated_at LIMIT $3`,
		cutoff, scopeOrgs(scope), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale tasks: %w", err)
	}
	return collectRows(rows, scanTask)
}

// MarkStaleTasksAsError relies on the status predicate being re-checked
// after row locks are acquired, so concurrent sweeps never return the same row.
// Pending rows are included: a task whose dispatch died before the sandbox
// started would otherwise hold its topic forever.
func (s *Store) MarkStaleTasksAsError(ctx context.Context, scope database.Scope, cutoff time.Time, errMsg string) ([]task.Task, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE tasks SET status = 'error', err_message = $3, updated_at = clock_timestamp()
		 WHERE status IN ('pending', 'running') AND updated_at < $1
		   AND (cardinality($2::text[]) = 0 OR organization_code = ANY($2))
		 RETURNING `+taskColumns,
		cutoff, scopeOrgs(scope), errMsg)
	if err != nil {
		return nil, fmt.Errorf("mark stale tasks: %w", err)
	}
	return collectRows(rows, scanTask)
}
