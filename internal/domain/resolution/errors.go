package resolution

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition indicates an operation not allowed in the session's status.
	ErrInvalidTransition = errors.New("invalid resolution session transition")
	// ErrSessionNotFound indicates the session doesn't exist.
	ErrSessionNotFound = errors.New("resolution session not found")
	// ErrNotParticipant indicates the user is not part of the session.
	ErrNotParticipant = errors.New("user is not a session participant")
	// ErrNotModerator indicates a moderator-only operation by someone else.
	ErrNotModerator = errors.New("user is not the session moderator")
	// ErrSolutionNotFound indicates an unknown proposal id.
	ErrSolutionNotFound = errors.New("proposed solution not found")
	// ErrInvalidInput indicates a malformed request.
	ErrInvalidInput = errors.New("invalid input")
)

// TransitionError reports a rejected operation. The session is unchanged.
type TransitionError struct {
	SessionID string
	From      Status
	Op        string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("session %s: cannot %s while %s", e.SessionID, e.Op, e.From)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
