package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rpggio/accord/internal/domain/conflict"
	"github.com/rpggio/accord/internal/domain/content"
	"github.com/rpggio/accord/internal/domain/merge"
	"github.com/rpggio/accord/internal/domain/reconstruct"
	"github.com/rpggio/accord/internal/domain/resolution"
)

// toolFunc is the body of a tool: decoded input in, JSON-encodable value out.
type toolFunc[In any] func(ctx context.Context, in In) (any, error)

func addTool[In any](server *sdkmcp.Server, logger *slog.Logger, name, description string, fn toolFunc[In]) {
	sdkmcp.AddTool(server, &sdkmcp.Tool{Name: name, Description: description},
		func(ctx context.Context, _ *sdkmcp.CallToolRequest, in In) (*sdkmcp.CallToolResult, any, error) {
			out, err := fn(ctx, in)
			if err != nil {
				apiErr := MapError(err)
				if apiErr.Code == "INTERNAL" {
					logger.Error("tool failed", "tool", name, "error", err)
				}
				return errorResult(apiErr), nil, nil
			}
			res, err := jsonResult(out)
			return res, nil, err
		})
}

func jsonResult(v any) (*sdkmcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return &sdkmcp.CallToolResult{
		Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: string(data)}},
	}, nil
}

func errorResult(apiErr *APIError) *sdkmcp.CallToolResult {
	data, err := json.Marshal(apiErr)
	if err != nil {
		data = []byte(apiErr.Error())
	}
	return &sdkmcp.CallToolResult{
		IsError: true,
		Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: string(data)}},
	}
}

func registerTools(server *sdkmcp.Server, svc Services, logger *slog.Logger) {
	if svc.Contents != nil {
		registerContentTools(server, svc, logger)
	}
	if svc.Conflicts != nil {
		registerConflictTools(server, svc, logger)
	}
	if svc.Merges != nil {
		registerMergeTools(server, svc, logger)
	}
	if svc.Resolutions != nil {
		registerResolutionTools(server, svc, logger)
	}
	if svc.Journal != nil && svc.Sessions != nil {
		registerSessionTools(server, svc, logger)
	}
	if svc.Rules != nil {
		registerRuleTools(server, svc, logger)
	}
	if svc.Stats != nil {
		addTool(server, logger, "get_stats",
			"Aggregate conflict, merge and resolution statistics since the server started",
			func(context.Context, EmptyParams) (any, error) {
				return svc.Stats.Stats(), nil
			})
	}
}

func registerContentTools(server *sdkmcp.Server, svc Services, logger *slog.Logger) {
	addTool(server, logger, "create_content",
		"Create a content item and its root version",
		func(ctx context.Context, in CreateContentParams) (any, error) {
			return svc.Contents.Create(ctx, content.CreateRequest{
				ContentID:   in.ContentID,
				ContentType: content.Type(in.ContentType),
				Content:     in.Content,
				AuthorID:    actorOr(ctx, in.AuthorID),
				SessionID:   sessionOr(ctx, in.SessionID),
			})
		})

	addTool(server, logger, "edit_content",
		"Apply one operation to a version, creating a child version. Concurrent edits of the same parent produce sibling versions for detect_conflicts",
		func(ctx context.Context, in EditContentParams) (any, error) {
			author := actorOr(ctx, in.AuthorID)
			session := sessionOr(ctx, in.SessionID)
			return svc.Contents.ApplyEdit(ctx, content.EditRequest{
				ContentID:       in.ContentID,
				ParentVersionID: in.ParentVersionID,
				Operation:       in.Operation.operation(author, session),
				AuthorID:        author,
				SessionID:       session,
			})
		})

	addTool(server, logger, "list_versions",
		"List every version of a content item in creation order",
		func(ctx context.Context, in ContentIDParams) (any, error) {
			return svc.Contents.List(ctx, in.ContentID)
		})
}

func registerConflictTools(server *sdkmcp.Server, svc Services, logger *slog.Logger) {
	addTool(server, logger, "detect_conflicts",
		"Detect conflicts between concurrent leaf versions of a content item. Already detected pairs are skipped",
		func(ctx context.Context, in DetectConflictsParams) (any, error) {
			found, err := svc.Conflicts.Detect(ctx, in.ContentID, sessionOr(ctx, in.SessionID))
			if err != nil {
				return nil, err
			}
			if found == nil {
				found = []*conflict.Detection{}
			}
			return found, nil
		})

	addTool(server, logger, "list_conflicts",
		"List every conflict detected on a content item",
		func(ctx context.Context, in ContentIDParams) (any, error) {
			return svc.Conflicts.ListByContent(ctx, in.ContentID)
		})

	addTool(server, logger, "get_conflict",
		"Get one conflict with its regions, severity and status",
		func(ctx context.Context, in ConflictIDParams) (any, error) {
			return svc.Conflicts.Get(ctx, in.ConflictID)
		})
}

func registerMergeTools(server *sdkmcp.Server, svc Services, logger *slog.Logger) {
	addTool(server, logger, "evaluate_strategies",
		"Rank merge strategies for a conflict by historical success rate, then expected duration",
		func(ctx context.Context, in ConflictIDParams) (any, error) {
			return svc.Merges.EvaluateStrategies(ctx, in.ConflictID)
		})

	addTool(server, logger, "execute_merge",
		"Merge a conflict with one strategy. Failed strategies fall back to three_way_merge; low-confidence results require review",
		func(ctx context.Context, in ExecuteMergeParams) (any, error) {
			strategy, err := merge.ParseStrategy(in.Strategy)
			if err != nil {
				return nil, err
			}
			return svc.Merges.ExecuteMerge(ctx, in.ConflictID, strategy, merge.ExecuteOptions{
				ActorID:       actorOr(ctx, in.ActorID),
				PriorityUsers: in.PriorityUsers,
				DryRun:        in.DryRun,
				Parameters:    in.Parameters,
			})
		})

	addTool(server, logger, "apply_rule",
		"Merge a conflict with a stored resolution rule and record the outcome in the rule's statistics",
		func(ctx context.Context, in ApplyRuleParams) (any, error) {
			return svc.Merges.CustomRuleMerge(ctx, in.ConflictID, in.RuleID, merge.ExecuteOptions{
				ActorID: actorOr(ctx, in.ActorID),
				DryRun:  in.DryRun,
			})
		})
}

func registerResolutionTools(server *sdkmcp.Server, svc Services, logger *slog.Logger) {
	res := svc.Resolutions

	addTool(server, logger, "start_resolution",
		"Open a collaborative resolution session for a conflict",
		func(ctx context.Context, in StartResolutionParams) (any, error) {
			req := resolution.StartRequest{
				ConflictID:             in.ConflictID,
				ModeratorID:            actorOr(ctx, in.ModeratorID),
				ParticipantIDs:         in.ParticipantIDs,
				CollaborationSessionID: sessionOr(ctx, in.CollaborationSessionID),
			}
			if in.RequireUnanimous != nil || in.VotingTimeoutSeconds > 0 || in.AutoResolveAfterTimeout != nil {
				req.Settings = &resolution.Settings{
					RequireUnanimous:        in.RequireUnanimous != nil && *in.RequireUnanimous,
					VotingTimeout:           time.Duration(in.VotingTimeoutSeconds) * time.Second,
					AutoResolveAfterTimeout: in.AutoResolveAfterTimeout != nil && *in.AutoResolveAfterTimeout,
				}
			}
			return res.StartResolution(ctx, req)
		})

	addTool(server, logger, "get_resolution",
		"Get a resolution session with its proposals and votes",
		func(ctx context.Context, in ResolutionIDParams) (any, error) {
			return res.Load(ctx, in.ResolutionID)
		})

	addTool(server, logger, "propose_solution",
		"Propose merged content while the session is in progress or voting",
		func(ctx context.Context, in ProposeSolutionParams) (any, error) {
			strategy := merge.StrategyManual
			if in.Strategy != "" {
				var err error
				if strategy, err = merge.ParseStrategy(in.Strategy); err != nil {
					return nil, err
				}
			}
			return res.ProposeSolution(ctx, in.ResolutionID, resolution.ProposeRequest{
				UserID:    actorOr(ctx, in.UserID),
				Strategy:  strategy,
				Content:   in.Content,
				Rationale: in.Rationale,
			})
		})

	addTool(server, logger, "open_voting",
		"Moderator: start voting on the proposals and arm the voting timeout",
		func(ctx context.Context, in ResolutionActionParams) (any, error) {
			return res.OpenVoting(ctx, in.ResolutionID, actorOr(ctx, in.UserID))
		})

	addTool(server, logger, "cast_vote",
		"Vote on a proposal. Reaching consensus finalizes the session",
		func(ctx context.Context, in CastVoteParams) (any, error) {
			return res.CastVote(ctx, in.ResolutionID, resolution.VoteRequest{
				SolutionID: in.SolutionID,
				UserID:     actorOr(ctx, in.UserID),
				Vote:       resolution.Vote(in.Vote),
			})
		})

	addTool(server, logger, "enter_manual_resolution",
		"Moderator: stop proposing and resolve the conflict by hand",
		func(ctx context.Context, in ResolutionActionParams) (any, error) {
			return res.EnterManualResolution(ctx, in.ResolutionID, actorOr(ctx, in.UserID))
		})

	addTool(server, logger, "submit_for_review",
		"Submit a proposal, or manually merged content, for the moderator's review",
		func(ctx context.Context, in ReviewParams) (any, error) {
			return res.SubmitForReview(ctx, in.ResolutionID, resolution.ReviewRequest{
				UserID:     actorOr(ctx, in.UserID),
				SolutionID: in.SolutionID,
				Content:    in.Content,
				Rationale:  in.Rationale,
			})
		})

	addTool(server, logger, "finalize_resolution",
		"Moderator: commit a proposal or content as the merge result and complete the session",
		func(ctx context.Context, in ReviewParams) (any, error) {
			return res.FinalizeResolution(ctx, in.ResolutionID, resolution.FinalizeRequest{
				UserID:     actorOr(ctx, in.UserID),
				SolutionID: in.SolutionID,
				Content:    in.Content,
				Rationale:  in.Rationale,
			})
		})

	addTool(server, logger, "escalate_resolution",
		"Escalate the session and its conflict to the moderator",
		func(ctx context.Context, in ResolutionActionParams) (any, error) {
			return res.EscalateResolution(ctx, in.ResolutionID, actorOr(ctx, in.UserID), in.Reason)
		})

	addTool(server, logger, "cancel_resolution",
		"Cancel the session. The conflict stays open",
		func(ctx context.Context, in ResolutionActionParams) (any, error) {
			return res.CancelResolution(ctx, in.ResolutionID, actorOr(ctx, in.UserID), in.Reason)
		})
}

func registerSessionTools(server *sdkmcp.Server, svc Services, logger *slog.Logger) {
	addTool(server, logger, "join_session",
		"Record a participant joining a collaboration session",
		func(ctx context.Context, in JoinSessionParams) (any, error) {
			return svc.Journal.Join(ctx, sessionOr(ctx, in.SessionID), reconstruct.ParticipantJoined{
				UserID:      actorOr(ctx, in.UserID),
				DisplayName: in.DisplayName,
				Role:        in.Role,
			})
		})

	addTool(server, logger, "leave_session",
		"Record a participant leaving a collaboration session",
		func(ctx context.Context, in LeaveSessionParams) (any, error) {
			return svc.Journal.Leave(ctx, sessionOr(ctx, in.SessionID), actorOr(ctx, in.UserID))
		})

	addTool(server, logger, "add_annotation",
		"Annotate a rune range of a content item",
		func(ctx context.Context, in AnnotateParams) (any, error) {
			a := &reconstruct.AnnotationAdded{
				ContentID: in.ContentID,
				UserID:    actorOr(ctx, in.UserID),
				Text:      in.Text,
				Start:     in.Start,
				End:       in.End,
			}
			if _, err := svc.Journal.Annotate(ctx, sessionOr(ctx, in.SessionID), a); err != nil {
				return nil, err
			}
			return a, nil
		})

	addTool(server, logger, "remove_annotation",
		"Withdraw an annotation",
		func(ctx context.Context, in RemoveAnnotationParams) (any, error) {
			return svc.Journal.RemoveAnnotation(ctx, sessionOr(ctx, in.SessionID), in.AnnotationID, actorOr(ctx, in.UserID))
		})

	addTool(server, logger, "record_search",
		"Record a search a participant ran, with its filters and result count",
		func(ctx context.Context, in RecordSearchParams) (any, error) {
			return svc.Journal.Search(ctx, sessionOr(ctx, in.SessionID), reconstruct.SearchPerformed{
				UserID:      actorOr(ctx, in.UserID),
				Query:       in.Query,
				Filters:     in.Filters,
				ResultCount: in.ResultCount,
			})
		})

	addTool(server, logger, "reconstruct_session",
		"Rebuild a collaboration session's participants, conflicts, annotations, searches and timeline, now or at a past instant",
		func(ctx context.Context, in ReconstructSessionParams) (any, error) {
			var at *time.Time
			if in.PointInTime != "" {
				parsed, err := time.Parse(time.RFC3339Nano, in.PointInTime)
				if err != nil {
					return nil, fmt.Errorf("%w: point_in_time: %v", ErrInvalidArgument, err)
				}
				at = &parsed
			}
			return svc.Sessions.Reconstruct(ctx, sessionOr(ctx, in.SessionID), at)
		})
}

func registerRuleTools(server *sdkmcp.Server, svc Services, logger *slog.Logger) {
	addTool(server, logger, "create_rule",
		"Store a resolution rule that selects a strategy for matching conflicts",
		func(ctx context.Context, in CreateRuleParams) (any, error) {
			strategy, err := merge.ParseStrategy(in.Strategy)
			if err != nil {
				return nil, err
			}
			now := time.Now().UTC()
			rule := &merge.Rule{
				ID:          uuid.NewString(),
				Name:        in.Name,
				Description: in.Description,
				Conditions: merge.Conditions{
					SeverityThreshold: conflict.Severity(in.SeverityThreshold),
				},
				Resolution: merge.Resolution{
					Strategy:   strategy,
					TimeoutMs:  in.TimeoutMs,
					Parameters: in.Parameters,
				},
				Priority:  in.Priority,
				Enabled:   !in.Disabled,
				CreatedAt: now,
				UpdatedAt: now,
			}
			for _, t := range in.ConflictTypes {
				rule.Conditions.ConflictTypes = append(rule.Conditions.ConflictTypes, conflict.Type(t))
			}
			for _, t := range in.ContentTypes {
				rule.Conditions.ContentTypes = append(rule.Conditions.ContentTypes, content.Type(t))
			}
			if err := rule.Validate(); err != nil {
				return nil, err
			}
			if err := svc.Rules.Create(ctx, rule); err != nil {
				return nil, err
			}
			return rule, nil
		})

	addTool(server, logger, "list_rules",
		"List resolution rules by descending priority",
		func(ctx context.Context, in ListRulesParams) (any, error) {
			rules, err := svc.Rules.List(ctx, merge.ListRulesOptions{EnabledOnly: in.EnabledOnly})
			if err != nil {
				return nil, err
			}
			if rules == nil {
				rules = []merge.Rule{}
			}
			return rules, nil
		})

	addTool(server, logger, "delete_rule",
		"Delete a resolution rule",
		func(ctx context.Context, in RuleIDParams) (any, error) {
			if err := svc.Rules.Delete(ctx, in.RuleID); err != nil {
				return nil, err
			}
			return map[string]string{"deleted": in.RuleID}, nil
		})
}
