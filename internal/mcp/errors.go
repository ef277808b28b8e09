package mcp

import (
	"errors"
	"fmt"

	"github.com/rpggio/accord/internal/domain/conflict"
	"github.com/rpggio/accord/internal/domain/content"
	"github.com/rpggio/accord/internal/domain/eventlog"
	"github.com/rpggio/accord/internal/domain/merge"
	"github.com/rpggio/accord/internal/domain/ot"
	"github.com/rpggio/accord/internal/domain/reconstruct"
	"github.com/rpggio/accord/internal/domain/resolution"
	"github.com/rpggio/accord/internal/repository"
)

// APIError represents an MCP error response.
type APIError struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Details      any    `json:"details,omitempty"`
	RecoveryHint string `json:"recovery_hint,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrInvalidArgument marks tool arguments the server couldn't interpret.
var ErrInvalidArgument = errors.New("invalid argument")

// MapError maps domain errors to MCP error codes. Unknown errors map to INTERNAL.
func MapError(err error) *APIError {
	if err == nil {
		return nil
	}
	msg := err.Error()

	var cv *eventlog.ConcurrencyViolationError
	var se *merge.StrategyError
	var te *resolution.TransitionError
	switch {
	case errors.As(err, &cv):
		return &APIError{Code: "CONCURRENCY_VIOLATION", Message: msg, Details: map[string]int64{"expected": cv.Expected, "actual": cv.Actual}, RecoveryHint: "Re-read the stream and retry"}
	case errors.As(err, &te):
		return &APIError{Code: "INVALID_TRANSITION", Message: msg, Details: map[string]string{"status": string(te.From), "operation": te.Op}, RecoveryHint: "Load the resolution to see its status"}
	case errors.As(err, &se):
		return &APIError{Code: "MERGE_FAILED", Message: msg, Details: map[string]string{"strategy": se.Strategy.String()}, RecoveryHint: "The conflict was escalated; start a resolution session"}

	case errors.Is(err, ErrInvalidArgument),
		errors.Is(err, eventlog.ErrInvalidEvent),
		errors.Is(err, content.ErrInvalidInput),
		errors.Is(err, resolution.ErrInvalidInput),
		errors.Is(err, merge.ErrInvalidRule),
		errors.Is(err, merge.ErrUnknownStrategy),
		errors.Is(err, ot.ErrInvalidOperation):
		return &APIError{Code: "INVALID_INPUT", Message: msg, RecoveryHint: "Check the tool's input schema"}
	case errors.Is(err, ot.ErrIndexOutOfRange):
		return &APIError{Code: "OUT_OF_RANGE", Message: msg, RecoveryHint: "Positions are rune offsets into the parent version"}
	case errors.Is(err, ot.ErrIncompatibleOps):
		return &APIError{Code: "INCOMPATIBLE_OPERATIONS", Message: msg}

	case errors.Is(err, content.ErrContentNotFound), errors.Is(err, content.ErrVersionNotFound):
		return &APIError{Code: "CONTENT_NOT_FOUND", Message: msg, RecoveryHint: "Check the content and version IDs"}
	case errors.Is(err, content.ErrContentExists):
		return &APIError{Code: "CONTENT_EXISTS", Message: msg}
	case errors.Is(err, conflict.ErrConflictNotFound):
		return &APIError{Code: "CONFLICT_NOT_FOUND", Message: msg, RecoveryHint: "Run detect_conflicts first"}
	case errors.Is(err, conflict.ErrInvalidStatusTransition), errors.Is(err, merge.ErrConflictClosed):
		return &APIError{Code: "CONFLICT_CLOSED", Message: msg}
	case errors.Is(err, resolution.ErrSessionNotFound):
		return &APIError{Code: "RESOLUTION_NOT_FOUND", Message: msg}
	case errors.Is(err, resolution.ErrSolutionNotFound):
		return &APIError{Code: "SOLUTION_NOT_FOUND", Message: msg}
	case errors.Is(err, resolution.ErrNotParticipant):
		return &APIError{Code: "NOT_PARTICIPANT", Message: msg, RecoveryHint: "Only session participants may propose and vote"}
	case errors.Is(err, resolution.ErrNotModerator):
		return &APIError{Code: "NOT_MODERATOR", Message: msg}
	case errors.Is(err, reconstruct.ErrSessionNotFound), errors.Is(err, eventlog.ErrStreamNotFound):
		return &APIError{Code: "NOT_FOUND", Message: msg}
	case errors.Is(err, eventlog.ErrStreamDeleted):
		return &APIError{Code: "DELETED", Message: msg}
	case errors.Is(err, merge.ErrRuleNotFound), errors.Is(err, repository.ErrNotFound):
		return &APIError{Code: "RULE_NOT_FOUND", Message: msg}
	case errors.Is(err, merge.ErrRuleDisabled):
		return &APIError{Code: "RULE_DISABLED", Message: msg}
	case errors.Is(err, merge.ErrNoMatchingRule):
		return &APIError{Code: "NO_MATCHING_RULE", Message: msg}
	case errors.Is(err, repository.ErrDuplicate):
		return &APIError{Code: "DUPLICATE", Message: msg}
	case errors.Is(err, merge.ErrAIAssistedMerge):
		return &APIError{Code: "AI_UNAVAILABLE", Message: msg, RecoveryHint: "Retry with three_way_merge"}
	default:
		return &APIError{Code: "INTERNAL", Message: msg}
	}
}
