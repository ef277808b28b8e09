package repository

import "errors"

var (
	// ErrNotFound is returned when a requested entity doesn't exist
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when an optimistic concurrency check fails
	ErrConflict = errors.New("conflict: entity was modified concurrently")

	// ErrDuplicate is returned when an entity with the same key already exists
	ErrDuplicate = errors.New("duplicate entity")
)
