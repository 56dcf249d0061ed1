// Package apperr defines the sentinel error kinds shared across the engine.
// Callers classify failures with errors.Is rather than string matching.
package apperr

import "errors"

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("invalid input")
	ErrProvider   = errors.New("embedding provider failure")
	ErrStore      = errors.New("store failure")
)
