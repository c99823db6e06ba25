package postgres

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/agentrelay/internal/domain/message"
	"github.com/Strob0t/agentrelay/internal/port/database"
)

const taskMessageColumns = `id, organization_code, topic_id, task_id, seq_id, sender_type, processing_status,
	retry_count, payload, im_seq_id, err_message, processing_started_at, created_at, updated_at`

func scanTaskMessage(row scannable) (message.TaskMessage, error) {
	var m message.TaskMessage
	var payload []byte
	err := row.Scan(&m.ID, &m.OrganizationCode, &m.TopicID, &m.TaskID, &m.SeqID, &m.SenderType, &m.ProcessingStatus,
		&m.RetryCount, &payload, &m.IMSeqID, &m.ErrMessage, &m.ProcessingStartedAt, &m.CreatedAt, &m.UpdatedAt)
	m.Payload = json.RawMessage(payload)
	return m, err
}

// --- Sequencer ---

// nextSeqID increments the (topic, task) counter. The row lock taken by the
// upsert serializes concurrent callers until their transaction ends.
func nextSeqID(ctx context.Context, q querier, org, topicID, taskID string) (int64, error) {
	var seq int64
	err := q.QueryRow(ctx,
		`INSERT INTO task_message_sequences (organization_code, topic_id, task_id, last_seq)
		 VALUES ($1, $2, $3, 1)
		 ON CONFLICT (topic_id, task_id) DO UPDATE
		   SET last_seq = task_message_sequences.last_seq + 1, updated_at = now()
		   WHERE task_message_sequences.organization_code = EXCLUDED.organization_code
		 RETURNING last_seq`,
		org, topicID, taskID).Scan(&seq)
	if err != nil {
		return 0, notFoundWrap(err, "next seq id for topic %s task %s", topicID, taskID)
	}
	return seq, nil
}

func (s *Store) NextSeqID(ctx context.Context, topicID, taskID string) (int64, error) {
	org, err := requireOrg(ctx, "next seq id")
	if err != nil {
		return 0, err
	}
	return nextSeqID(ctx, s.pool, org, topicID, taskID)
}

// --- Task messages ---

func (s *Store) AppendTaskMessage(ctx context.Context, m *message.TaskMessage) error {
	org, err := requireOrg(ctx, "append task message")
	if err != nil {
		return err
	}
	return s.inTx(ctx, "append task message", func(tx pgx.Tx) error {
		seq, err := nextSeqID(ctx, tx, org, m.TopicID, m.TaskID)
		if err != nil {
			return err
		}
		row := tx.QueryRow(ctx,
			`INSERT INTO task_messages (organization_code, topic_id, task_id, seq_id, sender_type, payload, im_seq_id)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 RETURNING `+taskMessageColumns,
			org, m.TopicID, m.TaskID, seq, m.SenderType, []byte(m.Payload), m.IMSeqID)
		created, err := scanTaskMessage(row)
		if err != nil {
			return fmt.Errorf("append task message: %w", constraintWrap(err))
		}
		*m = created
		return nil
	})
}

func (s *Store) GetTaskMessage(ctx context.Context, id string) (*message.TaskMessage, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskMessageColumns+` FROM task_messages WHERE id = $1 AND organization_code = $2`,
		id, orgFromCtx(ctx))
	m, err := scanTaskMessage(row)
	if err != nil {
		return nil, notFoundWrap(err, "get task message %s", id)
	}
	return &m, nil
}

func (s *Store) ListTaskMessages(ctx context.Context, topicID, taskID string, afterSeq int64, limit int) ([]message.TaskMessage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskMessageColumns+` FROM task_messages
		 WHERE topic_id = $1 AND task_id = $2 AND organization_code = $3 AND seq_id > $4
		 ORDER BY seq_id
		 LIMIT $5`,
		topicID, taskID, orgFromCtx(ctx), afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list task messages: %w", err)
	}
	return collectRows(rows, scanTaskMessage)
}

func (s *Store) ListTopicMessages(ctx context.Context, topicID string) ([]message.TaskMessage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskMessageColumns+` FROM (
		   SELECT m.*, MIN(m.created_at) OVER (PARTITION BY m.task_id) AS task_first
		   FROM task_messages m
		   WHERE m.topic_id = $1 AND m.organization_code = $2
		 ) x
		 ORDER BY x.task_first, x.task_id, x.seq_id`,
		topicID, orgFromCtx(ctx))
	if err != nil {
		return nil, fmt.Errorf("list topic messages %s: %w", topicID, err)
	}
	return collectRows(rows, scanTaskMessage)
}

// ClaimTaskMessagesForDelivery skips rows locked by another engine process,
// so concurrent delivery loops never hand out the same message.
func (s *Store) ClaimTaskMessagesForDelivery(ctx context.Context, scope database.Scope, maxRetries, limit int) ([]message.TaskMessage, error) {
	rows, err := s.pool.Query(ctx,
		`WITH picked AS (
		   SELECT id FROM task_messages
		   WHERE (processing_status = 'pending' OR (processing_status = 'failed' AND retry_count < $1))
		     AND (cardinality($2::text[]) = 0 OR organization_code = ANY($2))
		   ORDER BY created_at, seq_id
		   LIMIT $3
		   FOR UPDATE SKIP LOCKED
		 )
		 UPDATE task_messages m
		 SET processing_status = 'processing', processing_started_at = clock_timestamp(), updated_at = clock_timestamp()
		 FROM picked WHERE m.id = picked.id
		 RETURNING `+prefixColumns("m.", taskMessageColumns),
		maxRetries, scopeOrgs(scope), limit)
	if err != nil {
		return nil, fmt.Errorf("claim task messages: %w", err)
	}
	claimed, err := collectRows(rows, scanTaskMessage)
	if err != nil {
		return nil, fmt.Errorf("claim task messages: %w", err)
	}
	slices.SortFunc(claimed, func(a, b message.TaskMessage) int {
		return cmp.Or(
			strings.Compare(a.TopicID, b.TopicID),
			strings.Compare(a.TaskID, b.TaskID),
			cmp.Compare(a.SeqID, b.SeqID),
		)
	})
	return claimed, nil
}

func (s *Store) MarkTaskMessageDone(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE task_messages SET processing_status = 'done', err_message = '', updated_at = clock_timestamp()
		 WHERE id = $1 AND organization_code = $2 AND processing_status = 'processing'`,
		id, orgFromCtx(ctx))
	if err != nil {
		return false, fmt.Errorf("mark task message done %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) MarkTaskMessageFailed(ctx context.Context, id, errMsg string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE task_messages
		 SET processing_status = 'failed', retry_count = retry_count + 1, err_message = $3, updated_at = clock_timestamp()
		 WHERE id = $1 AND organization_code = $2 AND processing_status = 'processing'`,
		id, orgFromCtx(ctx), errMsg)
	if err != nil {
		return false, fmt.Errorf("mark task message failed %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) ReclaimStuckTaskMessages(ctx context.Context, scope database.Scope, cutoff time.Time, maxRetries int) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE task_messages
		 SET processing_status = CASE WHEN retry_count + 1 >= $3 THEN 'failed' ELSE 'pending' END,
		     retry_count = retry_count + 1,
		     err_message = 'delivery timed out',
		     updated_at = clock_timestamp()
		 WHERE processing_status = 'processing' AND processing_started_at < $1
		   AND (cardinality($2::text[]) = 0 OR organization_code = ANY($2))`,
		cutoff, scopeOrgs(scope), maxRetries)
	if err != nil {
		return 0, fmt.Errorf("reclaim stuck task messages: %w", err)
	}
	return tag.RowsAffected(), nil
}

// prefixColumns qualifies a comma-separated column list with a table alias.
func prefixColumns(prefix, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
