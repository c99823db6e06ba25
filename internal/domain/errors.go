// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist within the caller's organization.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a conditional update did not match: another worker
// already claimed or transitioned the row.
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates the input failed domain validation.
var ErrValidation = errors.New("validation failed")
