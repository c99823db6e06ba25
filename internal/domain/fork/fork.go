// Package fork defines ProjectFork, a resumable copy of a project's file tree.
package fork

import (
	"fmt"
	"time"

	"github.com/Strob0t/agentrelay/internal/domain"
)

// Status represents the lifecycle of a fork.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
)

// Valid reports whether s is a known fork status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusFinished, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether s is finished or failed.
func (s Status) IsTerminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// CanTransition reports whether from -> to is allowed. A failed fork may be
// resumed, which moves it back to running.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusFailed
	case StatusRunning:
		return to == StatusFinished || to == StatusFailed
	case StatusFailed:
		return to == StatusRunning
	}
	return false
}

// Fork tracks the copy of SourceProjectID into ForkProjectID.
// CurrentFileID is the id cursor of the last fully copied source file.
type Fork struct {
	ID               string    `json:"id"`
	OrganizationCode string    `json:"organization_code"`
	UserID           string    `json:"user_id"`
	SourceProjectID  string    `json:"source_project_id"`
	ForkProjectID    string    `json:"fork_project_id"`
	Status           Status    `json:"status"`
	TotalFiles       int64     `json:"total_files"`
	ProcessedFiles   int64     `json:"processed_files"`
	CurrentFileID    int64     `json:"current_file_id"`
	ErrMessage       string    `json:"err_message,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Progress is a point-in-time view of a fork for status reporting.
type Progress struct {
	Status         Status  `json:"status"`
	TotalFiles     int64   `json:"total_files"`
	ProcessedFiles int64   `json:"processed_files"`
	Percent        float64 `json:"percent"`
	ErrMessage     string  `json:"err_message,omitempty"`
}

// Progress computes the completion percentage of f.
func (f *Fork) Progress() Progress {
	p := Progress{
		Status:         f.Status,
		TotalFiles:     f.TotalFiles,
		ProcessedFiles: f.ProcessedFiles,
		ErrMessage:     f.ErrMessage,
	}
	switch {
	case f.Status == StatusFinished:
		p.Percent = 100
	case f.TotalFiles > 0:
		p.Percent = float64(f.ProcessedFiles) * 100 / float64(f.TotalFiles)
		if p.Percent > 100 {
			p.Percent = 100
		}
	}
	return p
}

// StartRequest holds the fields needed to begin a fork.
type StartRequest struct {
	UserID          string `json:"user_id"`
	SourceProjectID string `json:"source_project_id"`
	ForkProjectID   string `json:"fork_project_id"`
}

// Validate checks the required fields.
func (r *StartRequest) Validate() error {
	if r.UserID == "" {
		return fmt.Errorf("%w: user_id is required", domain.ErrValidation)
	}
	if r.SourceProjectID == "" || r.ForkProjectID == "" {
		return fmt.Errorf("%w: source_project_id and fork_project_id are required", domain.ErrValidation)
	}
	if r.SourceProjectID == r.ForkProjectID {
		return fmt.Errorf("%w: a project cannot be forked into itself", domain.ErrValidation)
	}
	return nil
}
