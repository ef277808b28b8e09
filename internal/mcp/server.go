package mcp

import (
	"context"
	"log/slog"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rpggio/accord/internal/domain/conflict"
	"github.com/rpggio/accord/internal/domain/content"
	"github.com/rpggio/accord/internal/domain/eventlog"
	"github.com/rpggio/accord/internal/domain/merge"
	"github.com/rpggio/accord/internal/domain/reconstruct"
	"github.com/rpggio/accord/internal/domain/resolution"
	"github.com/rpggio/accord/internal/telemetry"
)

// ContentService defines content operations needed by MCP.
type ContentService interface {
	Create(ctx context.Context, req content.CreateRequest) (*content.Version, error)
	ApplyEdit(ctx context.Context, req content.EditRequest) (*content.Version, error)
	List(ctx context.Context, contentID string) ([]content.Version, error)
}

// ConflictService defines conflict operations needed by MCP.
type ConflictService interface {
	Detect(ctx context.Context, contentID, sessionID string) ([]*conflict.Detection, error)
	ListByContent(ctx context.Context, contentID string) ([]*conflict.Detection, error)
	Get(ctx context.Context, conflictID string) (*conflict.Detection, error)
}

// MergeService defines merge operations needed by MCP.
type MergeService interface {
	EvaluateStrategies(ctx context.Context, conflictID string) ([]merge.Evaluation, error)
	ExecuteMerge(ctx context.Context, conflictID string, strategy merge.Strategy, opts merge.ExecuteOptions) (*merge.Result, error)
	CustomRuleMerge(ctx context.Context, conflictID, ruleID string, opts merge.ExecuteOptions) (*merge.Result, error)
}

// ResolutionService defines resolution session operations needed by MCP.
type ResolutionService interface {
	StartResolution(ctx context.Context, req resolution.StartRequest) (*resolution.Session, error)
	Load(ctx context.Context, sessionID string) (*resolution.Session, error)
	ProposeSolution(ctx context.Context, sessionID string, req resolution.ProposeRequest) (*resolution.Proposal, error)
	OpenVoting(ctx context.Context, sessionID, userID string) (*resolution.Session, error)
	CastVote(ctx context.Context, sessionID string, req resolution.VoteRequest) (*resolution.Session, error)
	EnterManualResolution(ctx context.Context, sessionID, userID string) (*resolution.Session, error)
	SubmitForReview(ctx context.Context, sessionID string, req resolution.ReviewRequest) (*resolution.Session, error)
	FinalizeResolution(ctx context.Context, sessionID string, req resolution.FinalizeRequest) (*resolution.Session, error)
	EscalateResolution(ctx context.Context, sessionID, userID, reason string) (*resolution.Session, error)
	CancelResolution(ctx context.Context, sessionID, userID, reason string) (*resolution.Session, error)
}

// SessionJournal records collaboration activity.
type SessionJournal interface {
	Join(ctx context.Context, sessionID string, p reconstruct.ParticipantJoined) (*eventlog.AppendResult, error)
	Leave(ctx context.Context, sessionID, userID string) (*eventlog.AppendResult, error)
	Annotate(ctx context.Context, sessionID string, a *reconstruct.AnnotationAdded) (*eventlog.AppendResult, error)
	RemoveAnnotation(ctx context.Context, sessionID, annotationID, userID string) (*eventlog.AppendResult, error)
	Search(ctx context.Context, sessionID string, s reconstruct.SearchPerformed) (*eventlog.AppendResult, error)
}

// SessionReconstructor rebuilds collaboration session read models.
type SessionReconstructor interface {
	Reconstruct(ctx context.Context, sessionID string, pointInTime *time.Time) (*reconstruct.CollaborationSession, error)
}

// StatsSource reports aggregate health.
type StatsSource interface {
	Stats() telemetry.Stats
}

// Services contains all domain services needed by MCP.
type Services struct {
	Contents    ContentService
	Conflicts   ConflictService
	Merges      MergeService
	Resolutions ResolutionService
	Journal     SessionJournal
	Sessions    SessionReconstructor
	Rules       merge.RuleRepository
	Stats       StatsSource
}

// Config contains server configuration.
type Config struct {
	Services      Services
	Resolver      ActorResolver
	AuthEnabled   bool
	DefaultActor  string
	TransportMode string // "stdio" or "http"
	Version       string
	Logger        *slog.Logger
}

// NewServer creates and configures an MCP server with all tools and middleware.
func NewServer(cfg Config) *sdkmcp.Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.DefaultActor == "" {
		cfg.DefaultActor = "operator"
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	server := sdkmcp.NewServer(&sdkmcp.Implementation{
		Name:    "accord",
		Version: version,
	}, &sdkmcp.ServerOptions{
		Instructions: serverInstructions,
		Logger:       cfg.Logger,
	})

	registerDocResources(server)

	// Stdio is local-only, so it never authenticates.
	if cfg.TransportMode != "stdio" && cfg.AuthEnabled {
		server.AddReceivingMiddleware(authMiddleware(cfg.Resolver))
	} else {
		server.AddReceivingMiddleware(noAuthMiddleware(cfg.DefaultActor))
	}
	server.AddReceivingMiddleware(sessionMiddleware())
	server.AddReceivingMiddleware(trafficLoggingMiddleware(cfg.Logger, "inbound"))
	server.AddSendingMiddleware(trafficLoggingMiddleware(cfg.Logger, "outbound"))

	registerTools(server, cfg.Services, cfg.Logger)

	return server
}
