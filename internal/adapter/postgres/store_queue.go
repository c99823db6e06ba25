package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/agentrelay/internal/domain/queue"
	"github.com/Strob0t/agentrelay/internal/port/database"
)

const queueColumns = `id, organization_code, topic_id, user_id, payload, status, err_message,
	retry_count, execute_after, created_at, updated_at`

func scanQueueMessage(row scannable) (queue.Message, error) {
	var m queue.Message
	var payload []byte
	err := row.Scan(&m.ID, &m.OrganizationCode, &m.TopicID, &m.UserID, &payload, &m.Status, &m.ErrMessage,
		&m.RetryCount, &m.ExecuteAfter, &m.CreatedAt, &m.UpdatedAt)
	m.Payload = json.RawMessage(payload)
	return m, err
}

// --- Queue messages ---

func (s *Store) CreateQueueMessage(ctx context.Context, m *queue.Message) error {
	org, err := requireOrg(ctx, "create queue message")
	if err != nil {
		return err
	}
	payload := []byte(m.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	// The share lock orders the insert against a concurrent topic delete,
	// whose cascade then sees this row.
	row := s.pool.QueryRow(ctx,
		`INSERT INTO queue_messages (organization_code, topic_id, user_id, payload, execute_after)
		 SELECT t.organization_code, t.id, $3::text, $4::jsonb, COALESCE($5::timestamptz, now())
		 FROM topics t
		 WHERE t.id = $2 AND t.organization_code = $1 AND t.deleted_at IS NULL
		 FOR SHARE OF t
		 RETURNING `+queueColumns,
		org, m.TopicID, m.UserID, payload, nullableTime(m.ExecuteAfter))
	created, err := scanQueueMessage(row)
	if err != nil {
		return notFoundWrap(err, "create queue message for topic %s", m.TopicID)
	}
	*m = created
	return nil
}

func (s *Store) GetQueueMessage(ctx context.Context, id string) (*queue.Message, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+queueColumns+` FROM queue_messages WHERE id = $1 AND organization_code = $2`,
		id, orgFromCtx(ctx))
	m, err := scanQueueMessage(row)
	if err != nil {
		return nil, notFoundWrap(err, "get queue message %s", id)
	}
	return &m, nil
}

func (s *Store) ListClaimCandidates(ctx context.Context, userID, topicID string, now time.Time, limit int) ([]queue.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+queueColumns+` FROM (
		   SELECT DISTINCT ON (q.topic_id) q.*
		   FROM queue_messages q
		   WHERE q.organization_code = $1 AND q.status = 'pending' AND q.execute_after <= $2
		     AND ($3::text IS NULL OR q.user_id = $3)
		     AND ($4::uuid IS NULL OR q.topic_id = $4)
		     AND NOT EXISTS (
		       SELECT 1 FROM queue_messages p WHERE p.topic_id = q.topic_id AND p.status = 'processing')
		   ORDER BY q.topic_id, q.execute_after, q.created_at, q.id
		 ) c
		 ORDER BY c.execute_after, c.created_at
		 LIMIT $5`,
		orgFromCtx(ctx), now, nullIfEmpty(userID), nullIfEmpty(topicID), limit)
	if err != nil {
		return nil, fmt.Errorf("list claim candidates: %w", err)
	}
	return collectRows(rows, scanQueueMessage)
}

// ClaimQueueMessage reports false without error when the row was claimed
// elsewhere or the topic's processing slot is taken.
func (s *Store) ClaimQueueMessage(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE queue_messages SET status = 'processing', updated_at = clock_timestamp()
		 WHERE id = $1 AND organization_code = $2 AND status = 'pending' AND execute_after <= $3`,
		id, orgFromCtx(ctx), now)
	if err != nil {
		if isConstraintConflict(err) {
			return false, nil
		}
		return false, fmt.Errorf("claim queue message %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) FinishQueueMessage(ctx context.Context, id string, status queue.Status, errMsg string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE queue_messages SET status = $3, err_message = $4, updated_at = clock_timestamp()
		 WHERE id = $1 AND organization_code = $2 AND status = 'processing'`,
		id, orgFromCtx(ctx), status, errMsg)
	if err != nil {
		return false, fmt.Errorf("finish queue message %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) RequeueQueueMessage(ctx context.Context, id string, executeAfter time.Time, errMsg string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE queue_messages
		 SET status = 'pending', retry_count = retry_count + 1, execute_after = $3, err_message = $4,
		     updated_at = clock_timestamp()
		 WHERE id = $1 AND organization_code = $2 AND status = 'processing'`,
		id, orgFromCtx(ctx), executeAfter, errMsg)
	if err != nil {
		return false, fmt.Errorf("requeue queue message %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) DelayTopicMessages(ctx context.Context, topicID string, delay time.Duration, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE queue_messages
		 SET execute_after = GREATEST(execute_after, $3) + ($4::bigint * interval '1 microsecond'),
		     updated_at = clock_timestamp()
		 WHERE topic_id = $1 AND organization_code = $2 AND status = 'pending'`,
		topicID, orgFromCtx(ctx), now, delay.Microseconds())
	if err != nil {
		return 0, fmt.Errorf("delay topic %s: %w", topicID, err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) EarliestPendingForTopic(ctx context.Context, topicID string, maxExecuteTime *time.Time) (*queue.Message, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+queueColumns+` FROM queue_messages
		 WHERE topic_id = $1 AND organization_code = $2 AND status = 'pending'
		   AND ($3::timestamptz IS NULL OR execute_after <= $3)
		 ORDER BY execute_after, created_at
		 LIMIT 1`,
		topicID, orgFromCtx(ctx), maxExecuteTime)
	m, err := scanQueueMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("earliest pending for topic %s: %w", topicID, err)
	}
	return &m, nil
}

func (s *Store) ListTopicsWithPendingWork(ctx context.Context, scope database.Scope, now time.Time, limit int) ([]database.TopicRef, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT q.organization_code, q.topic_id::text, MIN(q.execute_after) AS first_eligible
		 FROM queue_messages q
		 JOIN topics t ON t.id = q.topic_id AND t.deleted_at IS NULL
		 WHERE q.status = 'pending' AND q.execute_after <= $1
		   AND (cardinality($2::text[]) = 0 OR q.organization_code = ANY($2))
		   AND NOT EXISTS (
		     SELECT 1 FROM queue_messages p WHERE p.topic_id = q.topic_id AND p.status = 'processing')
		 GROUP BY q.organization_code, q.topic_id
		 ORDER BY first_eligible
		 LIMIT $3`,
		now, scopeOrgs(scope), limit)
	if err != nil {
		return nil, fmt.Errorf("list topics with pending work: %w", err)
	}
	return collectRows(rows, func(row scannable) (database.TopicRef, error) {
		var r database.TopicRef
		err := row.Scan(&r.OrganizationCode, &r.TopicID, &r.ExecuteAfter)
		return r, err
	})
}

// ListStuckProcessing skips messages whose task is still live; those are
// retired through the stale task sweep instead.
func (s *Store) ListStuckProcessing(ctx context.Context, scope database.Scope, cutoff time.Time, limit int) ([]queue.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+queueColumns+` FROM queue_messages
		 WHERE status = 'processing' AND updated_at < $1
		   AND (cardinality($2::text[]) = 0 OR organization_code = ANY($2))
		   AND NOT EXISTS (
		     SELECT 1 FROM tasks t
		     WHERE t.queue_message_id = queue_messages.id AND t.status IN ('pending', 'running'))
		 ORDER BY updated_at
		 LIMIT $3`,
		cutoff, scopeOrgs(scope), limit)
	if err != nil {
		return nil, fmt.Errorf("list stuck processing: %w", err)
	}
	return collectRows(rows, scanQueueMessage)
}

// nullableTime converts a zero time to nil for columns with a DB default.
func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
