package merge

import (
	"errors"
	"fmt"
)

var (
	// ErrMergeStrategy indicates every attempted strategy failed.
	ErrMergeStrategy = errors.New("merge strategy failed")
	// ErrAIAssistedMerge indicates the AI collaborator timed out or errored.
	ErrAIAssistedMerge = errors.New("ai-assisted merge failed")
	// ErrUnknownStrategy indicates an unrecognized strategy name or value.
	ErrUnknownStrategy = errors.New("unknown merge strategy")
	// ErrConflictClosed indicates the conflict is already resolved or escalated.
	ErrConflictClosed = errors.New("conflict already closed")
	// ErrRuleNotFound indicates the rule doesn't exist.
	ErrRuleNotFound = errors.New("resolution rule not found")
	// ErrRuleDisabled indicates the rule exists but is disabled.
	ErrRuleDisabled = errors.New("resolution rule disabled")
	// ErrNoMatchingRule indicates rule-based merge found nothing to apply.
	ErrNoMatchingRule = errors.New("no matching resolution rule")
	// ErrInvalidRule indicates a malformed rule.
	ErrInvalidRule = errors.New("invalid resolution rule")
)

// StrategyError reports a merge that failed with its own strategy and with
// the three-way fallback.
type StrategyError struct {
	ConflictID string
	Strategy   Strategy
	Cause      error
	Fallback   error
}

func (e *StrategyError) Error() string {
	if e.Fallback != nil {
		return fmt.Sprintf("merge of %s with %s failed: %v; fallback failed: %v", e.ConflictID, e.Strategy, e.Cause, e.Fallback)
	}
	return fmt.Sprintf("merge of %s with %s failed: %v", e.ConflictID, e.Strategy, e.Cause)
}

func (e *StrategyError) Unwrap() []error {
	return []error{ErrMergeStrategy, e.Cause}
}
