package service

import (
	"context"
	"fmt"
	"log/slog"

	relayotel "github.com/Strob0t/agentrelay/internal/adapter/otel"
	"github.com/Strob0t/agentrelay/internal/config"
	"github.com/Strob0t/agentrelay/internal/domain"
	"github.com/Strob0t/agentrelay/internal/domain/fork"
	"github.com/Strob0t/agentrelay/internal/port/database"
)

// ForkService copies a project's file tree into another project in pages,
// checkpointing after each page so an interrupted fork can be resumed.
type ForkService struct {
	store   database.Store
	cfg     config.Fork
	metrics *relayotel.Metrics
}

// NewForkService creates a ForkService.
func NewForkService(store database.Store, cfg config.Fork) *ForkService {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 200
	}
	return &ForkService{store: store, cfg: cfg}
}

// SetMetrics enables fork metrics.
func (s *ForkService) SetMetrics(m *relayotel.Metrics) { s.metrics = m }

// Start records a pending fork. A user may have only one unfinished fork
// per source project, and the target project must be empty.
func (s *ForkService) Start(ctx context.Context, req fork.StartRequest) (*fork.Fork, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	running, err := s.store.HasRunningFork(ctx, req.UserID, req.SourceProjectID)
	if err != nil {
		return nil, err
	}
	if running {
		return nil, fmt.Errorf("fork of %s already in progress: %w", req.SourceProjectID, domain.ErrConflict)
	}
	existing, err := s.store.CountFilesByProjectID(ctx, req.ForkProjectID)
	if err != nil {
		return nil, err
	}
	if existing > 0 {
		return nil, fmt.Errorf("fork target %s is not empty: %w", req.ForkProjectID, domain.ErrConflict)
	}
	total, err := s.store.CountFilesByProjectID(ctx, req.SourceProjectID)
	if err != nil {
		return nil, err
	}

	f := &fork.Fork{
		UserID:          req.UserID,
		SourceProjectID: req.SourceProjectID,
		ForkProjectID:   req.ForkProjectID,
		TotalFiles:      total,
	}
	if err := s.store.CreateFork(ctx, f); err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "fork started", "fork_id", f.ID, "source_project_id", f.SourceProjectID,
		"fork_project_id", f.ForkProjectID, "total_files", total)
	return f, nil
}

// Run copies every remaining page of the fork and finishes it. It picks up
// from the persisted cursor, so calling it on a fork that was interrupted
// continues where the last checkpoint left off.
func (s *ForkService) Run(ctx context.Context, forkID string) (err error) {
	f, err := s.store.GetFork(ctx, forkID)
	if err != nil {
		return err
	}
	ctx, span := relayotel.StartForkSpan(ctx, f.ID, f.SourceProjectID)
	defer func() { relayotel.EndSpan(span, err) }()

	switch f.Status {
	case fork.StatusFinished:
		return nil
	case fork.StatusPending, fork.StatusFailed:
		ok, err := s.store.UpdateForkStatus(ctx, f.ID, []fork.Status{f.Status}, fork.StatusRunning, "")
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("fork %s changed state concurrently: %w", f.ID, domain.ErrConflict)
		}
	}

	if err := s.copyAll(ctx, f); err != nil {
		s.fail(ctx, f.ID, err)
		return err
	}
	slog.InfoContext(ctx, "fork finished", "fork_id", f.ID, "fork_project_id", f.ForkProjectID)
	return nil
}

func (s *ForkService) copyAll(ctx context.Context, f *fork.Fork) error {
	total, err := s.store.CountFilesByProjectID(ctx, f.SourceProjectID)
	if err != nil {
		return err
	}
	if total != f.TotalFiles {
		if err := s.store.SetForkTotal(ctx, f.ID, total); err != nil {
			return err
		}
	}

	cursor := f.CurrentFileID
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := s.store.GetFilesByProjectIDWithResume(ctx, f.SourceProjectID, cursor, s.cfg.PageSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}
		copied, err := s.store.CopyForkPage(ctx, f.ID, page)
		if err != nil {
			return err
		}
		s.metrics.RecordForkCopied(ctx, f.OrganizationCode, copied)
		cursor = page[len(page)-1].ID
		slog.DebugContext(ctx, "fork page copied", "fork_id", f.ID, "copied", copied, "cursor", cursor)
		if len(page) < s.cfg.PageSize {
			break
		}
	}
	return s.store.FinishFork(ctx, f.ID)
}

// fail marks the fork failed so it can be resumed. A cancelled context
// still records the failure.
func (s *ForkService) fail(ctx context.Context, id string, cause error) {
	ok, err := s.store.UpdateForkStatus(context.WithoutCancel(ctx), id,
		[]fork.Status{fork.StatusRunning}, fork.StatusFailed, cause.Error())
	if err != nil {
		slog.ErrorContext(ctx, "mark fork failed", "fork_id", id, "error", err)
		return
	}
	if ok {
		slog.WarnContext(ctx, "fork failed", "fork_id", id, "error", cause)
	}
}

// Resume continues a failed or interrupted fork. Resuming a finished fork
// is a no-op.
func (s *ForkService) Resume(ctx context.Context, forkID string) error {
	f, err := s.store.GetFork(ctx, forkID)
	if err != nil {
		return err
	}
	if f.Status == fork.StatusFinished {
		return nil
	}
	return s.Run(ctx, forkID)
}

// Status reports fork progress.
func (s *ForkService) Status(ctx context.Context, forkID string) (fork.Progress, error) {
	f, err := s.store.GetFork(ctx, forkID)
	if err != nil {
		return fork.Progress{}, err
	}
	return f.Progress(), nil
}
