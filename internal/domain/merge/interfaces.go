package merge

import (
	"context"
	"time"

	"github.com/rpggio/accord/internal/domain/conflict"
	"github.com/rpggio/accord/internal/domain/content"
	"github.com/rpggio/accord/internal/domain/diff"
	"github.com/rpggio/accord/internal/domain/eventlog"
)

// ConflictStore reads detections and advances their status.
type ConflictStore interface {
	Get(ctx context.Context, conflictID string) (*conflict.Detection, error)
	UpdateStatus(ctx context.Context, conflictID string, to conflict.Status, reason string) (*conflict.Detection, error)
}

// ContentStore reads versions and commits merge results.
type ContentStore interface {
	Get(ctx context.Context, contentID, versionID string) (*content.Version, error)
	Commit(ctx context.Context, v *content.Version) error
}

// EventLog is the subset of the event log the engine uses.
type EventLog interface {
	AppendWithRetry(ctx context.Context, streamID, streamType string, build eventlog.BuildFunc) (*eventlog.AppendResult, error)
	ReadAll(ctx context.Context, streamID string, opts eventlog.ReadOptions) ([]eventlog.DomainEvent, error)
}

// ListRulesOptions filters rule listings.
type ListRulesOptions struct {
	EnabledOnly bool
}

// RuleRepository persists resolution rules.
type RuleRepository interface {
	Create(ctx context.Context, rule *Rule) error
	Get(ctx context.Context, id string) (*Rule, error)
	List(ctx context.Context, opts ListRulesOptions) ([]Rule, error)
	// Update stores rule if its usage count is still expectedUsage.
	Update(ctx context.Context, rule *Rule, expectedUsage int64) error
	Delete(ctx context.Context, id string) error
}

// SemanticRequest is what the assistant sees of a conflict.
type SemanticRequest struct {
	ConflictID   string        `json:"conflict_id"`
	ConflictType conflict.Type `json:"conflict_type"`
	ContentType  content.Type  `json:"content_type"`
	Base         string        `json:"base"`
	VersionA     string        `json:"version_a"`
	VersionB     string        `json:"version_b"`
	AuthorA      string        `json:"author_a"`
	AuthorB      string        `json:"author_b"`
	Regions      []diff.Region `json:"regions"`
}

// SemanticContext is the assistant's reading of both sides' intent.
type SemanticContext struct {
	Request SemanticRequest `json:"request"`
	Summary string          `json:"summary"`
	Intents []string        `json:"intents,omitempty"`
}

// Suggestion is one candidate merge proposed by the assistant.
type Suggestion struct {
	Strategy   string  `json:"strategy,omitempty"`
	Content    string  `json:"content"`
	Rationale  string  `json:"rationale,omitempty"`
	Confidence float64 `json:"confidence"`
}

// AIAssistant proposes merges for conflicts that plain text merging can't settle.
type AIAssistant interface {
	AnalyzeSemantic(ctx context.Context, req SemanticRequest) (*SemanticContext, error)
	GenerateMergeSuggestions(ctx context.Context, sc *SemanticContext) ([]Suggestion, error)
}

// Metrics observes merge executions.
type Metrics interface {
	MergeCompleted(strategy string, success bool, elapsed time.Duration)
}
