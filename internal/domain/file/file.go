// Package file defines the per-project file tree (TaskFile) and its
// append-only version history.
package file

import (
	"fmt"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/Strob0t/agentrelay/internal/domain"
)

// RootID is the parent id of top-level nodes.
const RootID int64 = 0

// SortStep is the gap left between sibling sort values so that inserts
// between two siblings rarely need a renumber.
const SortStep int64 = 1024

// TaskFile is a node in a project's file/directory tree.
// Sort is unique among live siblings of (ProjectID, ParentID).
type TaskFile struct {
	ID               int64      `json:"id"`
	OrganizationCode string     `json:"organization_code"`
	ProjectID        string     `json:"project_id"`
	TopicID          string     `json:"topic_id,omitempty"`
	ParentID         int64      `json:"parent_id"`
	FileKey          string     `json:"file_key"`
	FileName         string     `json:"file_name"`
	IsDirectory      bool       `json:"is_directory"`
	Sort             int64      `json:"sort"`
	LatestVersion    int        `json:"latest_version"`
	ForkedFromID     int64      `json:"forked_from_id,omitempty"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// IsDeleted reports whether the node is logically deleted.
func (f *TaskFile) IsDeleted() bool {
	return f.DeletedAt != nil
}

// Version is one immutable entry of a file's history.
type Version struct {
	ID               int64     `json:"id"`
	FileID           int64     `json:"file_id"`
	OrganizationCode string    `json:"organization_code"`
	Version          int       `json:"version"`
	FileKey          string    `json:"file_key"`
	Size             int64     `json:"size"`
	CreatedAt        time.Time `json:"created_at"`
}

// SortUpdate assigns a new sort value to one file.
type SortUpdate struct {
	ID   int64 `json:"id"`
	Sort int64 `json:"sort"`
}

// Placement selects where a node lands among its siblings.
type Placement string

const (
	PlaceFirst  Placement = "first"
	PlaceLast   Placement = "last"
	PlaceBefore Placement = "before"
	PlaceAfter  Placement = "after"
)

// CreateRequest holds the fields needed to create a file or directory.
type CreateRequest struct {
	ProjectID   string    `json:"project_id"`
	TopicID     string    `json:"topic_id"`
	ParentID    int64     `json:"parent_id"`
	FileKey     string    `json:"file_key"`
	FileName    string    `json:"file_name"`
	IsDirectory bool      `json:"is_directory"`
	Size        int64     `json:"size"`
	Placement   Placement `json:"placement"`
	TargetID    int64     `json:"target_id,omitempty"`
}

// Validate checks the required fields and the file name.
func (r *CreateRequest) Validate() error {
	if r.ProjectID == "" {
		return fmt.Errorf("%w: project_id is required", domain.ErrValidation)
	}
	if err := ValidateName(r.FileName); err != nil {
		return err
	}
	if !r.IsDirectory && r.FileKey == "" {
		return fmt.Errorf("%w: file_key is required for files", domain.ErrValidation)
	}
	switch r.Placement {
	case "", PlaceFirst, PlaceLast:
	case PlaceBefore, PlaceAfter:
		if r.TargetID == 0 {
			return fmt.Errorf("%w: target_id is required for %s placement", domain.ErrValidation, r.Placement)
		}
	default:
		return fmt.Errorf("%w: unknown placement %q", domain.ErrValidation, r.Placement)
	}
	return nil
}

// ValidateName rejects names that would break path reconstruction.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: file_name is required", domain.ErrValidation)
	}
	if len(name) > 255 {
		return fmt.Errorf("%w: file_name too long (max 255 chars)", domain.ErrValidation)
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." || path.Clean(name) != name {
		return fmt.Errorf("%w: invalid file_name %q", domain.ErrValidation, name)
	}
	return nil
}

// Between returns a sort value strictly between lo and hi.
// The second result is false when no integer gap remains.
func Between(lo, hi int64) (int64, bool) {
	if hi-lo < 2 {
		return 0, false
	}
	return lo + (hi-lo)/2, true
}

// Renumber assigns evenly spaced sort values to ids in the given order.
func Renumber(ids []int64) []SortUpdate {
	updates := make([]SortUpdate, len(ids))
	for i, id := range ids {
		updates[i] = SortUpdate{ID: id, Sort: int64(i+1) * SortStep}
	}
	return updates
}

// SortSiblings orders files by sort value, then id.
func SortSiblings(files []TaskFile) {
	slices.SortFunc(files, func(a, b TaskFile) int {
		if a.Sort != b.Sort {
			if a.Sort < b.Sort {
				return -1
			}
			return 1
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
}

// CheckDistinctSorts returns an error if two siblings share a sort value.
func CheckDistinctSorts(files []TaskFile) error {
	seen := make(map[int64]int64, len(files))
	for i := range files {
		if other, ok := seen[files[i].Sort]; ok {
			return fmt.Errorf("%w: files %d and %d share sort %d", domain.ErrConflict, other, files[i].ID, files[i].Sort)
		}
		seen[files[i].Sort] = files[i].ID
	}
	return nil
}

// ValidateSortUpdates checks that applying updates to siblings keeps sort
// values pairwise distinct and only touches existing siblings.
func ValidateSortUpdates(siblings []TaskFile, updates []SortUpdate) error {
	next := make(map[int64]int64, len(siblings))
	for i := range siblings {
		next[siblings[i].ID] = siblings[i].Sort
	}
	for _, u := range updates {
		if _, ok := next[u.ID]; !ok {
			return fmt.Errorf("%w: file %d is not a child of this parent", domain.ErrValidation, u.ID)
		}
		next[u.ID] = u.Sort
	}
	seen := make(map[int64]struct{}, len(next))
	for _, s := range next {
		if _, dup := seen[s]; dup {
			return fmt.Errorf("%w: duplicate sort value %d", domain.ErrValidation, s)
		}
		seen[s] = struct{}{}
	}
	return nil
}
