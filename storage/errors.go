package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when a row is not found.
	ErrNotFound = errors.New("row not found")

	// ErrInvalidTransition is returned when a job status change violates
	// the job lifecycle.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrWorkPathTarget is returned when a write targets a continuation
	// staging path that must never hold a final document.
	ErrWorkPathTarget = errors.New("refusing to write final document to a _work path")

	// ErrObjectExists is returned by a non-upsert upload when the target
	// path is already occupied.
	ErrObjectExists = errors.New("object already exists")
)
