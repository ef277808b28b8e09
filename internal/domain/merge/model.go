package merge

import (
	"fmt"
	"slices"
	"time"

	"github.com/rpggio/accord/internal/domain/conflict"
	"github.com/rpggio/accord/internal/domain/content"
	"github.com/rpggio/accord/internal/domain/diff"
	"github.com/rpggio/accord/internal/domain/ot"
)

// ReviewThreshold is the confidence below which a merge needs a human.
const ReviewThreshold = 0.6

// EventMergeCompleted is appended to conflict and session streams after a merge.
const EventMergeCompleted = "merge_completed"

// Result is the outcome of running a strategy against a conflict.
type Result struct {
	ID                 string           `json:"id"`
	ConflictID         string           `json:"conflict_id"`
	Strategy           Strategy         `json:"strategy"`
	FallbackFrom       *Strategy        `json:"fallback_from,omitempty"`
	RuleID             string           `json:"rule_id,omitempty"`
	MergedContent      string           `json:"merged_content"`
	MergedVersion      *content.Version `json:"merged_version,omitempty"`
	ConfidenceScore    float64          `json:"confidence_score"`
	AppliedOperations  []ot.Operation   `json:"applied_operations,omitempty"`
	RejectedOperations []ot.Operation   `json:"rejected_operations,omitempty"`
	ConflictingRegions []diff.Region    `json:"conflicting_regions,omitempty"`
	RequiresUserReview bool             `json:"requires_user_review"`
	Committed          bool             `json:"committed"`
	Rationale          string           `json:"rationale,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
}

// ExecuteOptions tunes a single merge.
type ExecuteOptions struct {
	// ActorID authors the merged version. Defaults to the engine actor.
	ActorID string
	// PriorityUsers ranks authors for user_priority merges, highest first.
	PriorityUsers []string
	// DryRun computes the result without committing anything.
	DryRun bool
	// Parameters are strategy specific settings, usually from a rule.
	Parameters map[string]string

	rule *Rule
}

// Evaluation ranks one strategy for a conflict.
type Evaluation struct {
	Strategy      Strategy      `json:"strategy"`
	SuccessRate   float64       `json:"success_rate"`
	EstimatedTime time.Duration `json:"estimated_time"`
	RuleID        string        `json:"rule_id,omitempty"`
	Recommended   bool          `json:"recommended"`
}

// Conditions select which conflicts a rule applies to. Empty lists match
// anything.
type Conditions struct {
	ConflictTypes     []conflict.Type   `json:"conflict_types,omitempty" yaml:"conflict_types"`
	ContentTypes      []content.Type    `json:"content_types,omitempty" yaml:"content_types"`
	SeverityThreshold conflict.Severity `json:"severity_threshold,omitempty" yaml:"severity_threshold"`
}

// Resolution is what a rule does when it matches.
type Resolution struct {
	Strategy   Strategy          `json:"strategy" yaml:"strategy"`
	TimeoutMs  int64             `json:"timeout_ms,omitempty" yaml:"timeout_ms"`
	Parameters map[string]string `json:"parameters,omitempty" yaml:"parameters"`
}

// Rule is a persisted, user-defined merge policy.
type Rule struct {
	ID          string     `json:"id" yaml:"id"`
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description,omitempty" yaml:"description"`
	Conditions  Conditions `json:"conditions" yaml:"conditions"`
	Resolution  Resolution `json:"resolution" yaml:"resolution"`
	Priority    int        `json:"priority" yaml:"priority"`
	Enabled     bool       `json:"enabled" yaml:"enabled"`
	UsageCount  int64      `json:"usage_count"`
	SuccessRate float64    `json:"success_rate"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Validate checks the rule can be stored and executed.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: name required", ErrInvalidRule)
	}
	if !r.Resolution.Strategy.Valid() {
		return fmt.Errorf("%w: unknown strategy", ErrInvalidRule)
	}
	if r.Resolution.Strategy == StrategyRuleBased {
		return fmt.Errorf("%w: a rule cannot delegate to rule_based", ErrInvalidRule)
	}
	if r.SuccessRate < 0 || r.SuccessRate > 1 {
		return fmt.Errorf("%w: success rate out of range", ErrInvalidRule)
	}
	return nil
}

// Matches reports whether the rule applies to a detection.
func (r *Rule) Matches(d *conflict.Detection) bool {
	if !r.Enabled {
		return false
	}
	c := r.Conditions
	if len(c.ConflictTypes) > 0 && !slices.Contains(c.ConflictTypes, d.ConflictType) {
		return false
	}
	if len(c.ContentTypes) > 0 && !slices.Contains(c.ContentTypes, d.ContentType) {
		return false
	}
	if c.SeverityThreshold != "" && !d.Severity.AtMost(c.SeverityThreshold) {
		return false
	}
	return true
}

// RecordOutcome folds one execution into the usage statistics.
func (r *Rule) RecordOutcome(success bool) {
	score := 0.0
	if success {
		score = 1
	}
	r.SuccessRate = (r.SuccessRate*float64(r.UsageCount) + score) / float64(r.UsageCount+1)
	r.UsageCount++
}

// Timeout is the rule's execution budget, or zero for the engine default.
func (r *Rule) Timeout() time.Duration {
	return time.Duration(r.Resolution.TimeoutMs) * time.Millisecond
}

// bestRule picks the highest priority match, then the better track record.
func bestRule(rules []Rule, d *conflict.Detection) *Rule {
	var best *Rule
	for i := range rules {
		r := &rules[i]
		if !r.Matches(d) || r.Resolution.Strategy == StrategyRuleBased {
			continue
		}
		if best == nil ||
			r.Priority > best.Priority ||
			(r.Priority == best.Priority && r.SuccessRate > best.SuccessRate) {
			best = r
		}
	}
	return best
}

// SessionMergeSummary is the merge_completed payload mirrored to collaboration
// session streams.
type SessionMergeSummary struct {
	ConflictID         string   `json:"conflict_id"`
	ContentID          string   `json:"content_id"`
	Strategy           Strategy `json:"strategy"`
	ConfidenceScore    float64  `json:"confidence_score"`
	RequiresUserReview bool     `json:"requires_user_review"`
	MergedVersionID    string   `json:"merged_version_id,omitempty"`
}
