package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/agentrelay/internal/domain/topic"
)

const topicColumns = `id, organization_code, user_id, project_id, title, COALESCE(current_task_id::text, ''),
	sandbox_id, status, deleted_at, created_at, updated_at`

func scanTopic(row scannable) (topic.Topic, error) {
	var t topic.Topic
	err := row.Scan(&t.ID, &t.OrganizationCode, &t.UserID, &t.ProjectID, &t.Title, &t.CurrentTaskID,
		&t.SandboxID, &t.Status, &t.DeletedAt, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func (s *Store) CreateTopic(ctx context.Context, t *topic.Topic) error {
	org, err := requireOrg(ctx, "create topic")
	if err != nil {
		return err
	}
	if t.Status == "" {
		t.Status = topic.StatusPending
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO topics (organization_code, user_id, project_id, title, status)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+topicColumns,
		org, t.UserID, t.ProjectID, t.Title, t.Status)
	created, err := scanTopic(row)
	if err != nil {
		return fmt.Errorf("create topic: %w", constraintWrap(err))
	}
	*t = created
	return nil
}

func (s *Store) GetTopic(ctx context.Context, id string) (*topic.Topic, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+topicColumns+` FROM topics
		 WHERE id = $1 AND organization_code = $2 AND deleted_at IS NULL`,
		id, orgFromCtx(ctx))
	t, err := scanTopic(row)
	if err != nil {
		return nil, notFoundWrap(err, "get topic %s", id)
	}
	return &t, nil
}

// DeleteTopic soft-deletes the topic and removes its queue messages, tasks,
// task messages and sequence counters in the same transaction.
func (s *Store) DeleteTopic(ctx context.Context, id string) error {
	org := orgFromCtx(ctx)
	return s.inTx(ctx, "delete topic", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE topics SET deleted_at = now(), current_task_id = NULL, updated_at = clock_timestamp()
			 WHERE id = $1 AND organization_code = $2 AND deleted_at IS NULL`, id, org)
		if err := execExpectOne(tag, err, "delete topic %s", id); err != nil {
			return err
		}
		for _, stmt := range []string{
			`DELETE FROM queue_messages WHERE topic_id = $1 AND organization_code = $2`,
			`DELETE FROM task_messages WHERE topic_id = $1 AND organization_code = $2`,
			`DELETE FROM task_message_sequences WHERE topic_id = $1 AND organization_code = $2`,
			`DELETE FROM tasks WHERE topic_id = $1 AND organization_code = $2`,
		} {
			if _, err := tx.Exec(ctx, stmt, id, org); err != nil {
				return fmt.Errorf("delete topic %s: cascade: %w", id, err)
			}
		}
		return nil
	})
}

func (s *Store) BindTopicTask(ctx context.Context, id, taskID, sandboxID string, status topic.Status, expectedUpdatedAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE topics SET current_task_id = $3, sandbox_id = $4, status = $5, updated_at = clock_timestamp()
		 WHERE id = $1 AND organization_code = $2 AND deleted_at IS NULL AND updated_at = $6`,
		id, orgFromCtx(ctx), nullIfEmpty(taskID), sandboxID, status, expectedUpdatedAt)
	if err != nil {
		return false, fmt.Errorf("bind topic %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) UpdateTopicStatus(ctx context.Context, id string, status topic.Status, expectedUpdatedAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE topics SET status = $3, updated_at = clock_timestamp()
		 WHERE id = $1 AND organization_code = $2 AND deleted_at IS NULL AND updated_at = $4`,
		id, orgFromCtx(ctx), status, expectedUpdatedAt)
	if err != nil {
		return false, fmt.Errorf("update topic status %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) UpdateTopicStatusBySandboxID(ctx context.Context, sandboxID string, status topic.Status) (bool, error) {
	if sandboxID == "" {
		return false, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE topics SET status = $3, updated_at = clock_timestamp()
		 WHERE sandbox_id = $1 AND organization_code = $2 AND deleted_at IS NULL AND status <> $3`,
		sandboxID, orgFromCtx(ctx), status)
	if err != nil {
		return false, fmt.Errorf("update topic status by sandbox %s: %w", sandboxID, err)
	}
	return tag.RowsAffected() > 0, nil
}
