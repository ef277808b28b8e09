package conflict

import "errors"

var (
	// ErrConflictNotFound indicates the conflict stream doesn't exist.
	ErrConflictNotFound = errors.New("conflict not found")
	// ErrInvalidStatusTransition indicates a backwards or post-terminal status change.
	ErrInvalidStatusTransition = errors.New("invalid conflict status transition")
	// ErrDetection indicates diffing or classification failed for a version pair.
	ErrDetection = errors.New("conflict detection failed")

	errAlreadyRecorded = errors.New("version pair already recorded")
)
