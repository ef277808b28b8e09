package mcp

import (
	"github.com/rpggio/accord/internal/domain/ot"
)

// Tool inputs. Fields tagged omitempty are optional in the generated schema.

type CreateContentParams struct {
	ContentID   string `json:"content_id,omitempty" jsonschema:"content identifier, generated when omitted"`
	ContentType string `json:"content_type" jsonschema:"document, search_query, filter, annotation, cursor, board or canvas"`
	Content     string `json:"content" jsonschema:"initial text"`
	AuthorID    string `json:"author_id,omitempty" jsonschema:"author, defaults to the caller"`
	SessionID   string `json:"session_id,omitempty" jsonschema:"collaboration session, defaults to the MCP session"`
}

type OperationParams struct {
	Type     string `json:"type" jsonschema:"insert, delete, replace, retain or move"`
	Position int    `json:"position" jsonschema:"rune offset the edit starts at"`
	Length   int    `json:"length,omitempty" jsonschema:"runes removed or moved"`
	Content  string `json:"content,omitempty" jsonschema:"inserted or replacement text"`
	Target   int    `json:"target,omitempty" jsonschema:"move destination, measured before the block is removed"`
}

func (p OperationParams) operation(userID, sessionID string) ot.Operation {
	return ot.Operation{
		Type:      ot.OpType(p.Type),
		Position:  p.Position,
		Length:    p.Length,
		Content:   p.Content,
		Target:    p.Target,
		UserID:    userID,
		SessionID: sessionID,
	}
}

type EditContentParams struct {
	ContentID       string          `json:"content_id"`
	ParentVersionID string          `json:"parent_version_id" jsonschema:"version the edit was made against"`
	Operation       OperationParams `json:"operation"`
	AuthorID        string          `json:"author_id,omitempty"`
	SessionID       string          `json:"session_id,omitempty"`
}

type ContentIDParams struct {
	ContentID string `json:"content_id"`
}

type DetectConflictsParams struct {
	ContentID string `json:"content_id"`
	SessionID string `json:"session_id,omitempty" jsonschema:"collaboration session the detections are mirrored to"`
}

type ConflictIDParams struct {
	ConflictID string `json:"conflict_id"`
}

type ExecuteMergeParams struct {
	ConflictID    string            `json:"conflict_id"`
	Strategy      string            `json:"strategy" jsonschema:"three_way_merge, operational_transform, last_writer_wins, user_priority, ai_assisted, manual or rule_based"`
	ActorID       string            `json:"actor_id,omitempty" jsonschema:"author of the merged version, defaults to the caller"`
	PriorityUsers []string          `json:"priority_users,omitempty" jsonschema:"authors ranked highest first, for user_priority"`
	DryRun        bool              `json:"dry_run,omitempty" jsonschema:"compute the merge without committing it"`
	Parameters    map[string]string `json:"parameters,omitempty"`
}

type ApplyRuleParams struct {
	ConflictID string `json:"conflict_id"`
	RuleID     string `json:"rule_id"`
	ActorID    string `json:"actor_id,omitempty"`
	DryRun     bool   `json:"dry_run,omitempty"`
}

type StartResolutionParams struct {
	ConflictID              string   `json:"conflict_id"`
	ModeratorID             string   `json:"moderator_id,omitempty" jsonschema:"defaults to the caller"`
	ParticipantIDs          []string `json:"participant_ids,omitempty" jsonschema:"voters, defaults to the users involved in the conflict"`
	CollaborationSessionID  string   `json:"collaboration_session_id,omitempty"`
	RequireUnanimous        *bool    `json:"require_unanimous,omitempty"`
	VotingTimeoutSeconds    int      `json:"voting_timeout_seconds,omitempty"`
	AutoResolveAfterTimeout *bool    `json:"auto_resolve_after_timeout,omitempty" jsonschema:"pick the top proposal when voting times out instead of escalating"`
}

type ResolutionIDParams struct {
	ResolutionID string `json:"resolution_id"`
}

type ProposeSolutionParams struct {
	ResolutionID string `json:"resolution_id"`
	UserID       string `json:"user_id,omitempty"`
	Strategy     string `json:"strategy,omitempty" jsonschema:"strategy that produced the content, defaults to manual"`
	Content      string `json:"content" jsonschema:"complete proposed text"`
	Rationale    string `json:"rationale,omitempty"`
}

type ResolutionActionParams struct {
	ResolutionID string `json:"resolution_id"`
	UserID       string `json:"user_id,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

type CastVoteParams struct {
	ResolutionID string `json:"resolution_id"`
	SolutionID   string `json:"solution_id"`
	UserID       string `json:"user_id,omitempty"`
	Vote         string `json:"vote" jsonschema:"approve, reject or abstain"`
}

type ReviewParams struct {
	ResolutionID string `json:"resolution_id"`
	UserID       string `json:"user_id,omitempty"`
	SolutionID   string `json:"solution_id,omitempty" jsonschema:"proposal to review; omit to submit new content"`
	Content      string `json:"content,omitempty"`
	Rationale    string `json:"rationale,omitempty"`
}

type JoinSessionParams struct {
	SessionID   string `json:"session_id,omitempty"`
	UserID      string `json:"user_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Role        string `json:"role,omitempty"`
}

type LeaveSessionParams struct {
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

type AnnotateParams struct {
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	ContentID string `json:"content_id"`
	Text      string `json:"text"`
	Start     int    `json:"start" jsonschema:"first annotated rune"`
	End       int    `json:"end" jsonschema:"rune after the last annotated one"`
}

type RemoveAnnotationParams struct {
	SessionID    string `json:"session_id,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	AnnotationID string `json:"annotation_id"`
}

type RecordSearchParams struct {
	SessionID   string            `json:"session_id,omitempty"`
	UserID      string            `json:"user_id,omitempty"`
	Query       string            `json:"query"`
	Filters     map[string]string `json:"filters,omitempty"`
	ResultCount int               `json:"result_count,omitempty"`
}

type ReconstructSessionParams struct {
	SessionID   string `json:"session_id,omitempty"`
	PointInTime string `json:"point_in_time,omitempty" jsonschema:"RFC 3339 time; omit for the current state"`
}

type EmptyParams struct{}

type CreateRuleParams struct {
	Name              string            `json:"name"`
	Description       string            `json:"description,omitempty"`
	ConflictTypes     []string          `json:"conflict_types,omitempty" jsonschema:"conflict types the rule matches, all when empty"`
	ContentTypes      []string          `json:"content_types,omitempty" jsonschema:"content types the rule matches, all when empty"`
	SeverityThreshold string            `json:"severity_threshold,omitempty" jsonschema:"highest severity the rule handles"`
	Strategy          string            `json:"strategy"`
	TimeoutMs         int64             `json:"timeout_ms,omitempty"`
	Parameters        map[string]string `json:"parameters,omitempty"`
	Priority          int               `json:"priority,omitempty"`
	Disabled          bool              `json:"disabled,omitempty"`
}

type ListRulesParams struct {
	EnabledOnly bool `json:"enabled_only,omitempty"`
}

type RuleIDParams struct {
	RuleID string `json:"rule_id"`
}
