package conflict

import (
	"time"

	"github.com/rpggio/accord/internal/domain/content"
	"github.com/rpggio/accord/internal/domain/diff"
)

// Type classifies what kind of divergence was detected.
type Type string

const (
	TypeContentModification Type = "content_modification"
	TypeSearchQueryChange   Type = "search_query_change"
	TypeFilterModification  Type = "filter_modification"
	TypeAnnotationOverlap   Type = "annotation_overlap"
	TypeCursorCollision     Type = "cursor_collision"
	TypeStateDivergence     Type = "state_divergence"
	TypeSemanticConflict    Type = "semantic_conflict"
	TypeStructuralConflict  Type = "structural_conflict"
)

// Severity grades how disruptive a conflict is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// AtMost reports whether s is no worse than threshold.
func (s Severity) AtMost(threshold Severity) bool {
	return severityRank[s] <= severityRank[threshold]
}

// Status is the lifecycle position of a detection.
type Status string

const (
	StatusDetected  Status = "detected"
	StatusAnalyzing Status = "analyzing"
	StatusResolving Status = "resolving"
	StatusResolved  Status = "resolved"
	StatusEscalated Status = "escalated"
)

var statusRank = map[Status]int{
	StatusDetected:  0,
	StatusAnalyzing: 1,
	StatusResolving: 2,
	StatusResolved:  3,
}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusEscalated
}

// CanTransition reports whether a detection may move from s to next.
// Status only moves forward, except that escalation is reachable from any
// non-terminal state.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusEscalated {
		return true
	}
	from, okFrom := statusRank[s]
	to, okTo := statusRank[next]
	return okFrom && okTo && to > from
}

// Strategy names recommended by the detector. They match the merge engine's
// strategy names.
const (
	StrategyThreeWay             = "three_way_merge"
	StrategyOperationalTransform = "operational_transform"
	StrategyLastWriterWins       = "last_writer_wins"
	StrategyAIAssisted           = "ai_assisted"
	StrategyManual               = "manual"
)

// Detection is a divergence between two versions sharing a base.
type Detection struct {
	ID                  string        `json:"id"`
	ContentID           string        `json:"content_id"`
	SessionID           string        `json:"session_id,omitempty"`
	ContentType         content.Type  `json:"content_type"`
	BaseVersionID       string        `json:"base_version_id"`
	VersionAID          string        `json:"version_a_id"`
	VersionBID          string        `json:"version_b_id"`
	Regions             []diff.Region `json:"regions"`
	ConflictType        Type          `json:"conflict_type"`
	Severity            Severity      `json:"severity"`
	ComplexityScore     float64       `json:"complexity_score"`
	OverlapRatio        float64       `json:"overlap_ratio"`
	CanAutoResolve      bool          `json:"can_auto_resolve"`
	RecommendedStrategy string        `json:"recommended_strategy"`
	EstimatedConfidence float64       `json:"estimated_confidence"`
	InvolvedUsers       []string      `json:"involved_users"`
	Status              Status        `json:"status"`
	StatusReason        string        `json:"status_reason,omitempty"`
	DetectedAt          time.Time     `json:"detected_at"`
	ResolvedAt          *time.Time    `json:"resolved_at,omitempty"`
}

// ConflictingRegions returns only the regions changed differently by both sides.
func (d *Detection) ConflictingRegions() []diff.Region {
	var out []diff.Region
	for _, r := range d.Regions {
		if r.Conflicting {
			out = append(out, r)
		}
	}
	return out
}

// Event types on conflict streams.
const (
	EventConflictDetected = "conflict_detected"
	EventStatusChanged    = "conflict_status_changed"
	// EventConflictRecorded marks a detected version pair on the content stream.
	EventConflictRecorded = "conflict_recorded"
)

// StreamID is the event stream of one conflict.
func StreamID(conflictID string) string {
	return "conflict-" + conflictID
}

// SessionStreamID is the collaboration session stream detections are mirrored to.
func SessionStreamID(sessionID string) string {
	return "session-" + sessionID
}

type statusChanged struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

type conflictRecorded struct {
	ConflictID string `json:"conflict_id"`
	VersionAID string `json:"version_a_id"`
	VersionBID string `json:"version_b_id"`
}

// SessionConflictSummary is the payload mirrored to collaboration session streams.
type SessionConflictSummary struct {
	ConflictID   string    `json:"conflict_id"`
	ContentID    string    `json:"content_id"`
	ConflictType Type      `json:"conflict_type"`
	Severity     Severity  `json:"severity"`
	Users        []string  `json:"involved_users"`
	DetectedAt   time.Time `json:"detected_at"`
}
