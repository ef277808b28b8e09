package mcp

import (
	"context"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

const serverInstructions = `accord detects and resolves conflicts between concurrent edits of shared content.

Core concepts:
- Content: a text item with a tree of immutable versions. Each edit applies one operation to a parent version.
- Conflict: two leaf versions derived concurrently from a common base. It has a type, a severity and regions.
- Merge: a strategy (three_way_merge, operational_transform, last_writer_wins, user_priority, ai_assisted, manual, rule_based) that turns a conflict into one merged version.
- Resolution session: a moderated, collaborative process of proposing and voting on merged content.
- Collaboration session: the activity log (joins, annotations, searches, conflicts) that reconstruct_session replays.

Default workflow:
1) create_content, then edit_content against a parent_version_id.
2) detect_conflicts after concurrent edits; list_conflicts / get_conflict to inspect.
3) evaluate_strategies, then execute_merge with the recommended strategy. Use dry_run to preview.
   - A result with requires_user_review=true was not committed; start_resolution instead.
4) For contested conflicts: start_resolution → propose_solution → open_voting → cast_vote.
   Consensus finalizes the session. The moderator may finalize_resolution, escalate_resolution or cancel_resolution.

Transport notes:
- HTTP: pass the collaboration session via the Accord-Session-Id header.
- Stdio: pass it via _meta.session_id, or the session_id argument tools accept.
- user_id / author_id arguments default to the authenticated caller.

Docs:
- accord://docs/index
- accord://docs/merging
- accord://docs/resolution
- accord://docs/errors
`

type docResource struct {
	URI         string
	Name        string
	Title       string
	Description string
	Content     string
}

var docResources = []docResource{
	{
		URI:         "accord://docs/index",
		Name:        "docs_index",
		Title:       "accord docs index",
		Description: "What the server does and which doc to read next.",
		Content: `# accord

Versions of a content item form a tree. Two leaves that share a base and were
written without seeing each other (their vector clocks are concurrent) are a
conflict. accord finds them, classifies them, and merges them automatically or
through a moderated resolution session.

## Read on demand

- ` + "`accord://docs/merging`" + ` strategies, confidence and fallback.
- ` + "`accord://docs/resolution`" + ` the resolution session lifecycle and voting rules.
- ` + "`accord://docs/errors`" + ` error codes and what to do about them.

## Positions

All positions and lengths are rune offsets into the parent version's content.
`,
	},
	{
		URI:         "accord://docs/merging",
		Name:        "docs_merging",
		Title:       "Merge strategies",
		Description: "How each merge strategy behaves and when results need review.",
		Content: `# Merging

| Strategy | Behavior |
| --- | --- |
| three_way_merge | Line-level merge against the common base. Overlapping changes keep version A and are reported as conflicting regions. |
| operational_transform | Transforms B's operations against A's and applies both. Fails on incompatible operations. |
| last_writer_wins | Keeps the version with the later timestamp. |
| user_priority | Keeps the version whose author ranks highest in priority_users. |
| ai_assisted | Asks the configured model for merged content. |
| manual | Never automatic; use a resolution session. |
| rule_based | Applies the highest-priority enabled rule that matches the conflict. |

## Confidence and review

Every result carries confidence_score in [0, 1]. Results below the review
threshold set requires_user_review and are not committed.

## Fallback

A failing strategy falls back to three_way_merge once. The result's
fallback_from names the strategy that failed. If the fallback also fails the
conflict is escalated.

## Rules

create_rule stores conditions (conflict types, content types, highest severity)
and a strategy. apply_rule runs one rule; every application updates the rule's
usage_count and success_rate, which evaluate_strategies uses for ranking.
`,
	},
	{
		URI:         "accord://docs/resolution",
		Name:        "docs_resolution",
		Title:       "Resolution sessions",
		Description: "Resolution session states, voting and timeouts.",
		Content: `# Resolution sessions

States: initiated → in_progress → voting → consensus_reached → completed.
From in_progress the moderator may enter manual_resolution, then review.
Any open state may be escalated or cancelled.

## Voting

- Only participants vote. Each participant has one vote per proposal; voting again replaces it.
- Majority: more than half of the participants voted, and approvals outnumber rejections.
- Unanimous (require_unanimous): every participant approved.
- Reaching consensus finalizes the session and commits the merged version.

## Timeouts

open_voting arms voting_timeout_seconds. On expiry the top proposal is
finalized when auto_resolve_after_timeout is set; otherwise the session is
escalated.

## Cancelling

cancel_resolution closes the session. The conflict stays open for another attempt.
`,
	},
	{
		URI:         "accord://docs/errors",
		Name:        "docs_errors",
		Title:       "Error codes",
		Description: "Tool error codes and recovery hints.",
		Content: `# Errors

Failed tool calls return isError with a JSON body: code, message, details, recovery_hint.

| Code | Meaning |
| --- | --- |
| INVALID_INPUT | Arguments failed validation. |
| OUT_OF_RANGE | An operation position is outside the parent content. |
| CONCURRENCY_VIOLATION | Another writer appended first; re-read and retry. |
| INVALID_TRANSITION | The resolution session is not in a state that allows the operation. |
| MERGE_FAILED | The strategy and its fallback failed; the conflict was escalated. |
| CONFLICT_CLOSED | The conflict is already resolved or dismissed. |
| NOT_PARTICIPANT / NOT_MODERATOR | The caller lacks the role the operation needs. |
| CONTENT_NOT_FOUND / CONFLICT_NOT_FOUND / RESOLUTION_NOT_FOUND / RULE_NOT_FOUND | Unknown identifier. |
| AI_UNAVAILABLE | No model configured or the model failed. |
`,
	},
}

func registerDocResources(server *sdkmcp.Server) {
	for _, doc := range docResources {
		server.AddResource(&sdkmcp.Resource{
			URI:         doc.URI,
			Name:        doc.Name,
			Title:       doc.Title,
			Description: doc.Description,
			MIMEType:    "text/markdown",
			Size:        int64(len(doc.Content)),
		}, func(_ context.Context, req *sdkmcp.ReadResourceRequest) (*sdkmcp.ReadResourceResult, error) {
			uri := doc.URI
			if req != nil && req.Params != nil && req.Params.URI != "" {
				uri = req.Params.URI
			}
			return &sdkmcp.ReadResourceResult{
				Contents: []*sdkmcp.ResourceContents{{
					URI:      uri,
					MIMEType: "text/markdown",
					Text:     doc.Content,
				}},
			}, nil
		})
	}
}
