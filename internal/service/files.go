package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Strob0t/agentrelay/internal/config"
	"github.com/Strob0t/agentrelay/internal/domain"
	"github.com/Strob0t/agentrelay/internal/domain/file"
	"github.com/Strob0t/agentrelay/internal/port/database"
)

// placementAttempts bounds retries when a concurrent writer takes the sort
// value a placement computed.
const placementAttempts = 3

// FileService manages the project file tree: sibling ordering, moves,
// soft delete and restore, and the version history of each file.
type FileService struct {
	store database.Store
	cfg   config.Files
}

// NewFileService creates a FileService.
func NewFileService(store database.Store, cfg config.Files) *FileService {
	return &FileService{store: store, cfg: cfg}
}

// Get returns a file or directory, deleted or not.
func (s *FileService) Get(ctx context.Context, id int64) (*file.TaskFile, error) {
	return s.store.GetFile(ctx, id)
}

// ListChildren returns the live children of parentID in sort order.
func (s *FileService) ListChildren(ctx context.Context, projectID string, parentID int64) ([]file.TaskFile, error) {
	return s.store.ListChildren(ctx, projectID, parentID)
}

// Create adds a file or directory at the requested position.
func (s *FileService) Create(ctx context.Context, req file.CreateRequest) (*file.TaskFile, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := s.checkParent(ctx, req.ProjectID, req.ParentID); err != nil {
		return nil, err
	}

	var lastErr error
	for range placementAttempts {
		sort, err := s.placeSort(ctx, req.ProjectID, req.ParentID, req.Placement, req.TargetID)
		if err != nil {
			return nil, err
		}
		f := &file.TaskFile{
			ProjectID:   req.ProjectID,
			TopicID:     req.TopicID,
			ParentID:    req.ParentID,
			FileKey:     req.FileKey,
			FileName:    req.FileName,
			IsDirectory: req.IsDirectory,
			Sort:        sort,
		}
		err = s.store.CreateFile(ctx, f, req.Size)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("create %s: sort still contended after %d attempts: %w", req.FileName, placementAttempts, lastErr)
}

// checkParent verifies parentID is the root or a live directory of projectID.
func (s *FileService) checkParent(ctx context.Context, projectID string, parentID int64) error {
	if parentID == file.RootID {
		return nil
	}
	p, err := s.store.GetFile(ctx, parentID)
	if err != nil {
		return fmt.Errorf("parent %d: %w", parentID, err)
	}
	if p.IsDeleted() || p.ProjectID != projectID {
		return fmt.Errorf("parent %d: %w", parentID, domain.ErrNotFound)
	}
	if !p.IsDirectory {
		return fmt.Errorf("%w: parent %d is not a directory", domain.ErrValidation, parentID)
	}
	return nil
}

// placeSort computes a free sort value for a new position under parentID.
// When two neighbours leave no integer gap the siblings are renumbered
// under lock and the computation is repeated once.
func (s *FileService) placeSort(ctx context.Context, projectID string, parentID int64, where file.Placement, targetID int64) (int64, error) {
	for attempt := 0; ; attempt++ {
		sort, ok, err := s.trySort(ctx, projectID, parentID, where, targetID)
		if err != nil || ok {
			return sort, err
		}
		if attempt > 0 {
			return 0, fmt.Errorf("no sort gap under %d after renumbering: %w", parentID, domain.ErrConflict)
		}
		if err := s.renumber(ctx, projectID, parentID); err != nil {
			return 0, err
		}
	}
}

func (s *FileService) trySort(ctx context.Context, projectID string, parentID int64, where file.Placement, targetID int64) (int64, bool, error) {
	switch where {
	case "", file.PlaceLast:
		hi, ok, err := s.store.MaxSort(ctx, projectID, parentID)
		if err != nil || !ok {
			return file.SortStep, err == nil, err
		}
		return hi + file.SortStep, true, nil

	case file.PlaceFirst:
		lo, ok, err := s.store.MinSort(ctx, projectID, parentID)
		if err != nil || !ok {
			return file.SortStep, err == nil, err
		}
		v, ok := file.Between(0, lo)
		return v, ok, nil
	}

	target, err := s.sibling(ctx, projectID, parentID, targetID)
	if err != nil {
		return 0, false, err
	}
	if where == file.PlaceAfter {
		next, ok, err := s.store.SortAfter(ctx, projectID, parentID, target.Sort)
		if err != nil {
			return 0, false, err
		}
		if !ok {
			return target.Sort + file.SortStep, true, nil
		}
		v, ok := file.Between(target.Sort, next)
		return v, ok, nil
	}

	prev, ok, err := s.store.SortBefore(ctx, projectID, parentID, target.Sort)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		prev = 0
	}
	v, ok := file.Between(prev, target.Sort)
	return v, ok, nil
}

// sibling returns targetID if it is a live child of parentID.
func (s *FileService) sibling(ctx context.Context, projectID string, parentID, targetID int64) (*file.TaskFile, error) {
	t, err := s.store.GetFile(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("placement target %d: %w", targetID, err)
	}
	if t.IsDeleted() || t.ProjectID != projectID || t.ParentID != parentID {
		return nil, fmt.Errorf("%w: placement target %d is not a live sibling", domain.ErrValidation, targetID)
	}
	return t, nil
}

// renumber respaces the children of parentID in their current order.
func (s *FileService) renumber(ctx context.Context, projectID string, parentID int64) error {
	slog.DebugContext(ctx, "renumbering siblings", "project_id", projectID, "parent_id", parentID)
	return s.Resort(ctx, projectID, parentID, func(locked []file.TaskFile) ([]file.SortUpdate, error) {
		file.SortSiblings(locked)
		ids := make([]int64, len(locked))
		for i := range locked {
			ids[i] = locked[i].ID
		}
		return file.Renumber(ids), nil
	})
}

// Resort locks the children of parentID and applies the sort values plan
// computes from them. Plans that would duplicate a sort are rejected.
func (s *FileService) Resort(ctx context.Context, projectID string, parentID int64, plan database.ResortPlan) error {
	return s.store.ResortChildren(ctx, projectID, parentID, func(locked []file.TaskFile) ([]file.SortUpdate, error) {
		updates, err := plan(locked)
		if err != nil {
			return nil, err
		}
		if err := file.ValidateSortUpdates(locked, updates); err != nil {
			return nil, err
		}
		return updates, nil
	})
}

// Reorder puts the children of parentID in exactly the order of ids.
func (s *FileService) Reorder(ctx context.Context, projectID string, parentID int64, ids []int64) error {
	return s.Resort(ctx, projectID, parentID, func(locked []file.TaskFile) ([]file.SortUpdate, error) {
		if len(ids) != len(locked) {
			return nil, fmt.Errorf("%w: reorder lists %d of %d children", domain.ErrValidation, len(ids), len(locked))
		}
		return file.Renumber(ids), nil
	})
}

// BatchUpdateSort applies explicit sort values to children of parentID in
// one statement.
func (s *FileService) BatchUpdateSort(ctx context.Context, projectID string, parentID int64, updates []file.SortUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	siblings, err := s.store.ListChildren(ctx, projectID, parentID)
	if err != nil {
		return err
	}
	if err := file.ValidateSortUpdates(siblings, updates); err != nil {
		return err
	}
	return s.store.BatchUpdateSort(ctx, projectID, parentID, updates)
}

// Move re-parents a node and places it among its new siblings. A directory
// cannot be moved into its own subtree.
func (s *FileService) Move(ctx context.Context, id, newParentID int64, where file.Placement, targetID int64) error {
	f, err := s.store.GetFile(ctx, id)
	if err != nil {
		return err
	}
	if f.IsDeleted() {
		return fmt.Errorf("move %d: %w", id, domain.ErrNotFound)
	}
	if err := s.checkParent(ctx, f.ProjectID, newParentID); err != nil {
		return err
	}
	if err := s.checkNotDescendant(ctx, id, newParentID); err != nil {
		return err
	}
	if targetID == id {
		return fmt.Errorf("%w: a node cannot be placed relative to itself", domain.ErrValidation)
	}

	var lastErr error
	for range placementAttempts {
		sort, err := s.placeSort(ctx, f.ProjectID, newParentID, where, targetID)
		if err != nil {
			return err
		}
		err = s.store.MoveFile(ctx, id, newParentID, sort)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("move %d: sort still contended after %d attempts: %w", id, placementAttempts, lastErr)
}

// checkNotDescendant walks up from parentID and fails if it reaches id.
func (s *FileService) checkNotDescendant(ctx context.Context, id, parentID int64) error {
	seen := make(map[int64]bool)
	for cur := parentID; cur != file.RootID; {
		if cur == id {
			return fmt.Errorf("%w: cannot move %d into its own subtree", domain.ErrValidation, id)
		}
		if seen[cur] {
			return fmt.Errorf("file tree cycle at %d: %w", cur, domain.ErrConflict)
		}
		seen[cur] = true
		p, err := s.store.GetFile(ctx, cur)
		if err != nil {
			return err
		}
		cur = p.ParentID
	}
	return nil
}

// Rename changes the name of a live node.
func (s *FileService) Rename(ctx context.Context, id int64, name string) error {
	if err := file.ValidateName(name); err != nil {
		return err
	}
	return s.store.RenameFile(ctx, id, name)
}

// Delete soft-deletes a node and its subtree and returns how many nodes it removed.
func (s *FileService) Delete(ctx context.Context, id int64) (int64, error) {
	n, err := s.store.SoftDeleteFile(ctx, id)
	if err != nil {
		return 0, err
	}
	slog.InfoContext(ctx, "file deleted", "file_id", id, "nodes", n)
	return n, nil
}

// Restore undeletes a node. It lands under the root when its parent is
// gone and last among its siblings when its old sort is taken.
func (s *FileService) Restore(ctx context.Context, id int64) (*file.TaskFile, error) {
	return s.store.RestoreFile(ctx, id)
}

// WriteVersion records new content for a file and prunes history beyond
// the configured number of versions.
func (s *FileService) WriteVersion(ctx context.Context, fileID int64, fileKey string, size int64) (*file.Version, error) {
	if fileKey == "" {
		return nil, fmt.Errorf("%w: file_key is required", domain.ErrValidation)
	}
	f, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if f.IsDeleted() {
		return nil, fmt.Errorf("write version of %d: %w", fileID, domain.ErrNotFound)
	}
	if f.IsDirectory {
		return nil, fmt.Errorf("%w: directories have no versions", domain.ErrValidation)
	}

	v, err := s.store.WriteVersion(ctx, fileID, fileKey, size)
	if err != nil {
		return nil, err
	}
	if s.cfg.VersionKeep > 0 {
		if _, err := s.store.DeleteOldVersionsByFileID(ctx, fileID, s.cfg.VersionKeep); err != nil {
			slog.WarnContext(ctx, "version pruning failed", "file_id", fileID, "error", err)
		}
	}
	return v, nil
}

// ListVersions returns the retained versions of a file, newest first.
func (s *FileService) ListVersions(ctx context.Context, fileID int64) ([]file.Version, error) {
	return s.store.ListVersions(ctx, fileID)
}

// DeleteOldVersions keeps the newest keepCount versions of a file.
func (s *FileService) DeleteOldVersions(ctx context.Context, fileID int64, keepCount int) (int64, error) {
	if keepCount < 1 {
		return 0, fmt.Errorf("%w: keep count must be at least 1", domain.ErrValidation)
	}
	return s.store.DeleteOldVersionsByFileID(ctx, fileID, keepCount)
}
