package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/agentrelay/internal/domain"
	"github.com/Strob0t/agentrelay/internal/domain/file"
	"github.com/Strob0t/agentrelay/internal/port/database"
)

const fileColumns = `id, organization_code, project_id, topic_id, parent_id, file_key, file_name, is_directory,
	sort, latest_version, forked_from_id, deleted_at, created_at, updated_at`

const versionColumns = `id, file_id, organization_code, version, file_key, size, created_at`

func scanFile(row scannable) (file.TaskFile, error) {
	var f file.TaskFile
	err := row.Scan(&f.ID, &f.OrganizationCode, &f.ProjectID, &f.TopicID, &f.ParentID, &f.FileKey, &f.FileName,
		&f.IsDirectory, &f.Sort, &f.LatestVersion, &f.ForkedFromID, &f.DeletedAt, &f.CreatedAt, &f.UpdatedAt)
	return f, err
}

func scanVersion(row scannable) (file.Version, error) {
	var v file.Version
	err := row.Scan(&v.ID, &v.FileID, &v.OrganizationCode, &v.Version, &v.FileKey, &v.Size, &v.CreatedAt)
	return v, err
}

// --- Files ---

func (s *Store) CreateFile(ctx context.Context, f *file.TaskFile, size int64) error {
	org, err := requireOrg(ctx, "create file")
	if err != nil {
		return err
	}
	return s.inTx(ctx, "create file", func(tx pgx.Tx) error {
		latest := 0
		if !f.IsDirectory {
			latest = 1
		}
		row := tx.QueryRow(ctx,
			`INSERT INTO task_files (organization_code, project_id, topic_id, parent_id, file_key, file_name,
			                         is_directory, sort, latest_version)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 RETURNING `+fileColumns,
			org, f.ProjectID, f.TopicID, f.ParentID, f.FileKey, f.FileName, f.IsDirectory, f.Sort, latest)
		created, err := scanFile(row)
		if err != nil {
			return fmt.Errorf("create file %s: %w", f.FileName, constraintWrap(err))
		}
		if !created.IsDirectory {
			if _, err := tx.Exec(ctx,
				`INSERT INTO task_file_versions (file_id, organization_code, version, file_key, size)
				 VALUES ($1, $2, 1, $3, $4)`,
				created.ID, org, created.FileKey, size); err != nil {
				return fmt.Errorf("create file %s: first version: %w", f.FileName, err)
			}
		}
		*f = created
		return nil
	})
}

func (s *Store) GetFile(ctx context.Context, id int64) (*file.TaskFile, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+fileColumns+` FROM task_files WHERE id = $1 AND organization_code = $2`, id, orgFromCtx(ctx))
	f, err := scanFile(row)
	if err != nil {
		return nil, notFoundWrap(err, "get file %d", id)
	}
	return &f, nil
}

func (s *Store) ListChildren(ctx context.Context, projectID string, parentID int64) ([]file.TaskFile, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+fileColumns+` FROM task_files
		 WHERE project_id = $1 AND parent_id = $2 AND organization_code = $3 AND deleted_at IS NULL
		 ORDER BY sort, id`,
		projectID, parentID, orgFromCtx(ctx))
	if err != nil {
		return nil, fmt.Errorf("list children of %d: %w", parentID, err)
	}
	return collectRows(rows, scanFile)
}

// siblingSort runs an aggregate over live siblings; a NULL result means none matched.
func (s *Store) siblingSort(ctx context.Context, agg, cond, projectID string, parentID int64, args ...any) (int64, bool, error) {
	var v *int64
	query := `SELECT ` + agg + `(sort) FROM task_files
		WHERE project_id = $1 AND parent_id = $2 AND organization_code = $3 AND deleted_at IS NULL` + cond
	err := s.pool.QueryRow(ctx, query, append([]any{projectID, parentID, orgFromCtx(ctx)}, args...)...).Scan(&v)
	if err != nil {
		return 0, false, fmt.Errorf("%s sort under %d: %w", agg, parentID, err)
	}
	if v == nil {
		return 0, false, nil
	}
	return *v, true, nil
}

func (s *Store) MinSort(ctx context.Context, projectID string, parentID int64) (int64, bool, error) {
	return s.siblingSort(ctx, "MIN", "", projectID, parentID)
}

func (s *Store) MaxSort(ctx context.Context, projectID string, parentID int64) (int64, bool, error) {
	return s.siblingSort(ctx, "MAX", "", projectID, parentID)
}

func (s *Store) SortAfter(ctx context.Context, projectID string, parentID, currentSort int64) (int64, bool, error) {
	return s.siblingSort(ctx, "MIN", " AND sort > $4", projectID, parentID, currentSort)
}

func (s *Store) SortBefore(ctx context.Context, projectID string, parentID, currentSort int64) (int64, bool, error) {
	return s.siblingSort(ctx, "MAX", " AND sort < $4", projectID, parentID, currentSort)
}

// batchUpdateSort writes every update in one statement. The deferred
// exclusion constraint lets updates swap values among themselves.
func batchUpdateSort(ctx context.Context, q querier, org, projectID string, parentID int64, updates []file.SortUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	ids := make([]int64, len(updates))
	sorts := make([]int64, len(updates))
	for i, u := range updates {
		ids[i], sorts[i] = u.ID, u.Sort
	}
	tag, err := q.Exec(ctx,
		`UPDATE task_files f SET sort = u.sort, updated_at = now()
		 FROM unnest($1::bigint[], $2::bigint[]) AS u(id, sort)
		 WHERE f.id = u.id AND f.project_id = $3 AND f.parent_id = $4 AND f.organization_code = $5
		   AND f.deleted_at IS NULL`,
		ids, sorts, projectID, parentID, org)
	if err != nil {
		return fmt.Errorf("batch update sort under %d: %w", parentID, constraintWrap(err))
	}
	if tag.RowsAffected() != int64(len(updates)) {
		return fmt.Errorf("batch update sort under %d: %d of %d rows matched: %w",
			parentID, tag.RowsAffected(), len(updates), domain.ErrNotFound)
	}
	return nil
}

func (s *Store) BatchUpdateSort(ctx context.Context, projectID string, parentID int64, updates []file.SortUpdate) error {
	return s.inTx(ctx, "batch update sort", func(tx pgx.Tx) error {
		return batchUpdateSort(ctx, tx, orgFromCtx(ctx), projectID, parentID, updates)
	})
}

// lockDirectChildrenForUpdate locks the live children of parentID until the
// transaction ends.
func lockDirectChildrenForUpdate(ctx context.Context, tx pgx.Tx, org, projectID string, parentID int64) ([]file.TaskFile, error) {
	rows, err := tx.Query(ctx,
		`SELECT `+fileColumns+` FROM task_files
		 WHERE project_id = $1 AND parent_id = $2 AND organization_code = $3 AND deleted_at IS NULL
		 ORDER BY sort, id
		 FOR UPDATE`,
		projectID, parentID, org)
	if err != nil {
		return nil, fmt.Errorf("lock children of %d: %w", parentID, err)
	}
	return collectRows(rows, scanFile)
}

func (s *Store) ResortChildren(ctx context.Context, projectID string, parentID int64, plan database.ResortPlan) error {
	org := orgFromCtx(ctx)
	return s.inTx(ctx, "resort children", func(tx pgx.Tx) error {
		locked, err := lockDirectChildrenForUpdate(ctx, tx, org, projectID, parentID)
		if err != nil {
			return err
		}
		updates, err := plan(locked)
		if err != nil {
			return err
		}
		return batchUpdateSort(ctx, tx, org, projectID, parentID, updates)
	})
}

func (s *Store) MoveFile(ctx context.Context, id, parentID, sort int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE task_files SET parent_id = $3, sort = $4, updated_at = now()
		 WHERE id = $1 AND organization_code = $2 AND deleted_at IS NULL`,
		id, orgFromCtx(ctx), parentID, sort)
	return execExpectOne(tag, err, "move file %d", id)
}

func (s *Store) RenameFile(ctx context.Context, id int64, name string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE task_files SET file_name = $3, updated_at = now()
		 WHERE id = $1 AND organization_code = $2 AND deleted_at IS NULL`,
		id, orgFromCtx(ctx), name)
	return execExpectOne(tag, err, "rename file %d", id)
}

func (s *Store) SoftDeleteFile(ctx context.Context, id int64) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`WITH RECURSIVE subtree AS (
		   SELECT id, project_id FROM task_files
		   WHERE id = $1 AND organization_code = $2 AND deleted_at IS NULL
		   UNION ALL
		   SELECT c.id, c.project_id FROM task_files c
		   JOIN subtree p ON c.parent_id = p.id AND c.project_id = p.project_id
		   WHERE c.deleted_at IS NULL
		 )
		 UPDATE task_files SET deleted_at = now(), updated_at = now()
		 WHERE id IN (SELECT id FROM subtree)`,
		id, orgFromCtx(ctx))
	if err != nil {
		return 0, fmt.Errorf("delete file %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return 0, fmt.Errorf("delete file %d: %w", id, domain.ErrNotFound)
	}
	return tag.RowsAffected(), nil
}

// RestoreFile undeletes the node and the descendants removed with it.
func (s *Store) RestoreFile(ctx context.Context, id int64) (*file.TaskFile, error) {
	org := orgFromCtx(ctx)
	var restored file.TaskFile
	err := s.inTx(ctx, "restore file", func(tx pgx.Tx) error {
		f, err := scanFile(tx.QueryRow(ctx,
			`SELECT `+fileColumns+` FROM task_files WHERE id = $1 AND organization_code = $2 FOR UPDATE`, id, org))
		if err != nil {
			return notFoundWrap(err, "restore file %d", id)
		}
		if !f.IsDeleted() {
			restored = f
			return nil
		}

		parentID := f.ParentID
		if parentID != file.RootID {
			var live bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM task_files
				   WHERE id = $1 AND project_id = $2 AND organization_code = $3 AND deleted_at IS NULL)`,
				parentID, f.ProjectID, org).Scan(&live); err != nil {
				return fmt.Errorf("restore file %d: check parent: %w", id, err)
			}
			if !live {
				parentID = file.RootID
			}
		}

		siblings, err := lockDirectChildrenForUpdate(ctx, tx, org, f.ProjectID, parentID)
		if err != nil {
			return err
		}
		sort := f.Sort
		var maxSort int64
		collision := false
		for i := range siblings {
			maxSort = max(maxSort, siblings[i].Sort)
			if siblings[i].Sort == sort {
				collision = true
			}
		}
		if collision {
			sort = maxSort + file.SortStep
		}

		if _, err := tx.Exec(ctx,
			`WITH RECURSIVE subtree AS (
			   SELECT c.id, c.project_id FROM task_files c
			   WHERE c.parent_id = $1 AND c.project_id = $2 AND c.deleted_at = $3
			   UNION ALL
			   SELECT c.id, c.project_id FROM task_files c
			   JOIN subtree p ON c.parent_id = p.id AND c.project_id = p.project_id
			   WHERE c.deleted_at = $3
			 )
			 UPDATE task_files SET deleted_at = NULL, updated_at = now()
			 WHERE id IN (SELECT id FROM subtree)`,
			f.ID, f.ProjectID, *f.DeletedAt); err != nil {
			return fmt.Errorf("restore file %d: descendants: %w", id, err)
		}

		restored, err = scanFile(tx.QueryRow(ctx,
			`UPDATE task_files SET deleted_at = NULL, parent_id = $3, sort = $4, updated_at = now()
			 WHERE id = $1 AND organization_code = $2
			 RETURNING `+fileColumns,
			id, org, parentID, sort))
		if err != nil {
			return fmt.Errorf("restore file %d: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &restored, nil
}

// --- Versions ---

func (s *Store) WriteVersion(ctx context.Context, fileID int64, fileKey string, size int64) (*file.Version, error) {
	org := orgFromCtx(ctx)
	var v file.Version
	err := s.inTx(ctx, "write version", func(tx pgx.Tx) error {
		var isDir bool
		var latest int
		err := tx.QueryRow(ctx,
			`SELECT is_directory, latest_version FROM task_files
			 WHERE id = $1 AND organization_code = $2 AND deleted_at IS NULL
			 FOR UPDATE`, fileID, org).Scan(&isDir, &latest)
		if err != nil {
			return notFoundWrap(err, "write version for file %d", fileID)
		}
		if isDir {
			return fmt.Errorf("write version for file %d: %w: directories have no versions", fileID, domain.ErrValidation)
		}

		v, err = scanVersion(tx.QueryRow(ctx,
			`INSERT INTO task_file_versions (file_id, organization_code, version, file_key, size)
			 VALUES ($1, $2,
			         GREATEST($3, (SELECT COALESCE(MAX(version), 0) FROM task_file_versions WHERE file_id = $1)) + 1,
			         $4, $5)
			 RETURNING `+versionColumns,
			fileID, org, latest, fileKey, size))
		if err != nil {
			return fmt.Errorf("write version for file %d: %w", fileID, constraintWrap(err))
		}

		if _, err := tx.Exec(ctx,
			`UPDATE task_files SET latest_version = $2, file_key = $3, updated_at = now() WHERE id = $1`,
			fileID, v.Version, fileKey); err != nil {
			return fmt.Errorf("write version for file %d: bump latest: %w", fileID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *Store) ListVersions(ctx context.Context, fileID int64) ([]file.Version, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+versionColumns+` FROM task_file_versions
		 WHERE file_id = $1 AND organization_code = $2
		 ORDER BY version DESC`, fileID, orgFromCtx(ctx))
	if err != nil {
		return nil, fmt.Errorf("list versions of file %d: %w", fileID, err)
	}
	return collectRows(rows, scanVersion)
}

func (s *Store) LatestVersion(ctx context.Context, fileID int64) (*file.Version, error) {
	v, err := scanVersion(s.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM task_file_versions
		 WHERE file_id = $1 AND organization_code = $2
		 ORDER BY version DESC LIMIT 1`, fileID, orgFromCtx(ctx)))
	if err != nil {
		return nil, notFoundWrap(err, "latest version of file %d", fileID)
	}
	return &v, nil
}

func (s *Store) DeleteOldVersionsByFileID(ctx context.Context, fileID int64, keepCount int) (int64, error) {
	if keepCount < 1 {
		return 0, fmt.Errorf("delete old versions of file %d: %w: keep count must be >= 1", fileID, domain.ErrValidation)
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM task_file_versions
		 WHERE file_id = $1 AND organization_code = $2
		   AND version NOT IN (
		     SELECT version FROM task_file_versions
		     WHERE file_id = $1 AND organization_code = $2
		     ORDER BY version DESC LIMIT $3)`,
		fileID, orgFromCtx(ctx), keepCount)
	if err != nil {
		return 0, fmt.Errorf("delete old versions of file %d: %w", fileID, err)
	}
	return tag.RowsAffected(), nil
}

// --- Paging for forks ---

func (s *Store) CountFilesByProjectID(ctx context.Context, projectID string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM task_files WHERE project_id = $1 AND organization_code = $2 AND deleted_at IS NULL`,
		projectID, orgFromCtx(ctx)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count files of project %s: %w", projectID, err)
	}
	return n, nil
}

func (s *Store) GetFilesByProjectIDWithResume(ctx context.Context, projectID string, lastFileID int64, limit int) ([]file.TaskFile, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+fileColumns+` FROM task_files
		 WHERE project_id = $1 AND organization_code = $2 AND deleted_at IS NULL AND id > $3
		 ORDER BY id
		 LIMIT $4`,
		projectID, orgFromCtx(ctx), lastFileID, limit)
	if err != nil {
		return nil, fmt.Errorf("page files of project %s after %d: %w", projectID, lastFileID, err)
	}
	return collectRows(rows, scanFile)
}
