package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Strob0t/agentrelay/internal/domain"
	"github.com/Strob0t/agentrelay/internal/port/database"
	"github.com/Strob0t/agentrelay/internal/tenant"
)

// scannable abstracts pgx.Row and pgx.Rows for shared scan helpers.
type scannable interface {
	Scan(dest ...any) error
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// orgFromCtx extracts the organization code from the context.
// All tenant-scoped statements must filter on it. An empty code matches no
// row since organization_code is never empty in storage.
func orgFromCtx(ctx context.Context) string {
	return tenant.FromContext(ctx)
}

// requireOrg returns the organization code or a validation error for writes.
func requireOrg(ctx context.Context, op string) (string, error) {
	org := orgFromCtx(ctx)
	if org == "" {
		return "", fmt.Errorf("%s: %w: organization code missing from context", op, domain.ErrValidation)
	}
	return org, nil
}

// nullIfEmpty returns nil for empty strings (for nullable UUID columns).
func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// scopeOrgs renders a Scope as a non-NULL text array; empty means every organization.
func scopeOrgs(s database.Scope) []string {
	if s.OrganizationCodes == nil {
		return []string{}
	}
	return s.OrganizationCodes
}

// notFoundWrap checks whether err is pgx.ErrNoRows and, if so, wraps
// domain.ErrNotFound with the given message. Otherwise it wraps the
// original error.
func notFoundWrap(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", msg, domain.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", msg, constraintWrap(err))
}

// execExpectOne verifies that an Exec affected exactly one row. If not
// (and err is nil), it returns domain.ErrNotFound with the given message.
func execExpectOne(tag pgconn.CommandTag, err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", msg, constraintWrap(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", msg, domain.ErrNotFound)
	}
	return nil
}

// isConstraintConflict reports whether err is a unique or exclusion violation.
func isConstraintConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" || pgErr.Code == "23P01"
	}
	return false
}

// constraintWrap maps unique and exclusion violations onto domain.ErrConflict.
func constraintWrap(err error) error {
	if err == nil || !isConstraintConflict(err) {
		return err
	}
	var pgErr *pgconn.PgError
	errors.As(err, &pgErr)
	return fmt.Errorf("%w: %s", domain.ErrConflict, pgErr.ConstraintName)
}

// collectRows drains rows through scan.
func collectRows[T any](rows pgx.Rows, scan func(scannable) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
