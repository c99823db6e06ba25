package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/agentrelay/internal/domain"
	"github.com/Strob0t/agentrelay/internal/domain/file"
	"github.com/Strob0t/agentrelay/internal/domain/fork"
)

const forkColumns = `id, organization_code, user_id, source_project_id, fork_project_id, status,
	total_files, processed_files, current_file_id, err_message, created_at, updated_at`

func scanFork(row scannable) (fork.Fork, error) {
	var f fork.Fork
	err := row.Scan(&f.ID, &f.OrganizationCode, &f.UserID, &f.SourceProjectID, &f.ForkProjectID, &f.Status,
		&f.TotalFiles, &f.ProcessedFiles, &f.CurrentFileID, &f.ErrMessage, &f.CreatedAt, &f.UpdatedAt)
	return f, err
}

func forkStatusStrings(ss []fork.Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

// --- Project forks ---

func (s *Store) CreateFork(ctx context.Context, f *fork.Fork) error {
	org, err := requireOrg(ctx, "create fork")
	if err != nil {
		return err
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO project_forks (organization_code, user_id, source_project_id, fork_project_id, status, total_files)
		 VALUES ($1, $2, $3, $4, 'pending', $5)
		 RETURNING `+forkColumns,
		org, f.UserID, f.SourceProjectID, f.ForkProjectID, f.TotalFiles)
	created, err := scanFork(row)
	if err != nil {
		return fmt.Errorf("create fork of %s: %w", f.SourceProjectID, constraintWrap(err))
	}
	*f = created
	return nil
}

func (s *Store) GetFork(ctx context.Context, id string) (*fork.Fork, error) {
	f, err := scanFork(s.pool.QueryRow(ctx,
		`SELECT `+forkColumns+` FROM project_forks WHERE id = $1 AND organization_code = $2`, id, orgFromCtx(ctx)))
	if err != nil {
		return nil, notFoundWrap(err, "get fork %s", id)
	}
	return &f, nil
}

func (s *Store) HasRunningFork(ctx context.Context, userID, sourceProjectID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM project_forks
		   WHERE organization_code = $1 AND user_id = $2 AND source_project_id = $3
		     AND status IN ('pending', 'running'))`,
		orgFromCtx(ctx), userID, sourceProjectID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has running fork of %s: %w", sourceProjectID, err)
	}
	return exists, nil
}

func (s *Store) UpdateForkStatus(ctx context.Context, id string, from []fork.Status, to fork.Status, errMsg string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE project_forks SET status = $3, err_message = $4, updated_at = now()
		 WHERE id = $1 AND organization_code = $2 AND status = ANY($5)`,
		id, orgFromCtx(ctx), to, errMsg, forkStatusStrings(from))
	if err != nil {
		return false, fmt.Errorf("update fork status %s: %w", id, constraintWrap(err))
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) SetForkTotal(ctx context.Context, id string, total int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE project_forks SET total_files = $3, updated_at = now() WHERE id = $1 AND organization_code = $2`,
		id, orgFromCtx(ctx), total)
	return execExpectOne(tag, err, "set fork total %s", id)
}

// lockRunningFork locks the fork row and returns its target project.
func lockRunningFork(ctx context.Context, tx pgx.Tx, org, forkID string) (string, error) {
	var target string
	var status fork.Status
	err := tx.QueryRow(ctx,
		`SELECT fork_project_id, status FROM project_forks WHERE id = $1 AND organization_code = $2 FOR UPDATE`,
		forkID, org).Scan(&target, &status)
	if err != nil {
		return "", notFoundWrap(err, "lock fork %s", forkID)
	}
	if status != fork.StatusRunning {
		return "", fmt.Errorf("fork %s is %s: %w", forkID, status, domain.ErrConflict)
	}
	return target, nil
}

// CopyForkPage is idempotent per source file: a file already copied into the
// fork project (matched on forked_from_id) is skipped.
func (s *Store) CopyForkPage(ctx context.Context, forkID string, files []file.TaskFile) (int, error) {
	if len(files) == 0 {
		return 0, nil
	}
	org := orgFromCtx(ctx)
	copied := 0
	err := s.inTx(ctx, "copy fork page", func(tx pgx.Tx) error {
		target, err := lockRunningFork(ctx, tx, org, forkID)
		if err != nil {
			return err
		}

		for i := range files {
			src := &files[i]
			var newID int64
			err := tx.QueryRow(ctx,
				`INSERT INTO task_files (organization_code, project_id, topic_id, parent_id, file_key, file_name,
				                         is_directory, sort, latest_version, forked_from_id)
				 VALUES ($1, $2, '', $3, $4, $5, $6, $7, $8, $9)
				 ON CONFLICT (project_id, forked_from_id) WHERE forked_from_id <> 0 DO NOTHING
				 RETURNING id`,
				org, target, src.ParentID, src.FileKey, src.FileName, src.IsDirectory, src.Sort,
				src.LatestVersion, src.ID).Scan(&newID)
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			if err != nil {
				return fmt.Errorf("copy file %d into fork %s: %w", src.ID, forkID, err)
			}
			copied++

			if src.IsDirectory {
				continue
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO task_file_versions (file_id, organization_code, version, file_key, size)
				 SELECT $1, organization_code, version, file_key, size
				 FROM task_file_versions WHERE file_id = $2 AND organization_code = $3
				 ORDER BY version DESC LIMIT 1`,
				newID, src.ID, org); err != nil {
				return fmt.Errorf("copy latest version of file %d: %w", src.ID, err)
			}
		}

		tag, err := tx.Exec(ctx,
			`UPDATE project_forks
			 SET current_file_id = GREATEST(current_file_id, $3), processed_files = processed_files + $4,
			     updated_at = now()
			 WHERE id = $1 AND organization_code = $2`,
			forkID, org, files[len(files)-1].ID, copied)
		return execExpectOne(tag, err, "checkpoint fork %s", forkID)
	})
	if err != nil {
		return 0, err
	}
	return copied, nil
}

// FinishFork points copied children at their copied parents. Copies whose
// parent was not copied are placed last under the root first.
func (s *Store) FinishFork(ctx context.Context, forkID string) error {
	org := orgFromCtx(ctx)
	return s.inTx(ctx, "finish fork", func(tx pgx.Tx) error {
		target, err := lockRunningFork(ctx, tx, org, forkID)
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`WITH orphans AS (
			   SELECT c.id, row_number() OVER (ORDER BY c.id) AS rn
			   FROM task_files c
			   WHERE c.project_id = $1 AND c.organization_code = $2 AND c.forked_from_id <> 0
			     AND c.parent_id <> 0 AND c.deleted_at IS NULL
			     AND NOT EXISTS (
			       SELECT 1 FROM task_files p
			       WHERE p.project_id = $1 AND p.forked_from_id = c.parent_id)
			 ), base AS (
			   SELECT COALESCE(MAX(sort), 0) AS top FROM task_files
			   WHERE project_id = $1 AND parent_id = 0 AND deleted_at IS NULL
			 )
			 UPDATE task_files f SET parent_id = 0, sort = base.top + orphans.rn * $3, updated_at = now()
			 FROM orphans, base
			 WHERE f.id = orphans.id`,
			target, org, file.SortStep); err != nil {
			return fmt.Errorf("finish fork %s: place orphans: %w", forkID, err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE task_files c SET parent_id = p.id, updated_at = now()
			 FROM task_files p
			 WHERE c.project_id = $1 AND c.organization_code = $2 AND c.forked_from_id <> 0 AND c.parent_id <> 0
			   AND p.project_id = $1 AND p.forked_from_id = c.parent_id`,
			target, org); err != nil {
			return fmt.Errorf("finish fork %s: remap parents: %w", forkID, err)
		}

		tag, err := tx.Exec(ctx,
			`UPDATE project_forks SET status = 'finished', err_message = '', updated_at = now()
			 WHERE id = $1 AND organization_code = $2`, forkID, org)
		return execExpectOne(tag, err, "finish fork %s", forkID)
	})
}
