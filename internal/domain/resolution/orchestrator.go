// Package resolution runs multi-party workflows that settle conflicts the
// merge engine can't resolve on its own.
package resolution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rpggio/accord/internal/domain/conflict"
	"github.com/rpggio/accord/internal/domain/eventlog"
	"github.com/rpggio/accord/internal/domain/merge"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("accord.resolution")

// timeoutRetryDelay spaces out retries of a voting timeout whose outcome
// could not be recorded.
const timeoutRetryDelay = 30 * time.Second

// Options configures an Orchestrator.
type Options struct {
	// DefaultSettings apply when a session is started without its own.
	DefaultSettings Settings
	// AfterFunc schedules voting timeouts. Defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) Timer
}

func (o Options) withDefaults() Options {
	if o.DefaultSettings.VotingTimeout <= 0 {
		o.DefaultSettings.VotingTimeout = 10 * time.Minute
	}
	if o.AfterFunc == nil {
		o.AfterFunc = func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		}
	}
	return o
}

// Deps are the collaborators of an Orchestrator. Notifier and Metrics may be nil.
type Deps struct {
	Events    EventLog
	Conflicts ConflictStore
	Merger    Merger
	Notifier  Notifier
	Metrics   Metrics
}

// entry holds one live session. mu serializes every operation on it.
type entry struct {
	id      string
	mu      sync.Mutex
	session *Session
	version int64
	timer   Timer
	gen     uint64
}

// Orchestrator owns resolution sessions. Operations on one session are
// serialized; different sessions proceed in parallel.
type Orchestrator struct {
	events    EventLog
	conflicts ConflictStore
	merger    Merger
	notifier  Notifier
	metrics   Metrics
	opts      Options
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(deps Deps, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Orchestrator{
		events:    deps.Events,
		conflicts: deps.Conflicts,
		merger:    deps.Merger,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		opts:      opts.withDefaults(),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		sessions:  make(map[string]*entry),
	}
}

// StartRequest opens a session for a conflict.
type StartRequest struct {
	ConflictID             string
	ModeratorID            string
	ParticipantIDs         []string
	CollaborationSessionID string
	Settings               *Settings
}

// ProposeRequest puts a candidate resolution forward.
type ProposeRequest struct {
	UserID    string
	Strategy  merge.Strategy
	Content   string
	Rationale string
}

// VoteRequest records a participant's vote on a proposal.
type VoteRequest struct {
	SolutionID string
	UserID     string
	Vote       Vote
}

// ReviewRequest submits a proposal, or new manually edited content, for review.
type ReviewRequest struct {
	UserID     string
	SolutionID string
	Content    string
	Rationale  string
}

// FinalizeRequest is a moderator's decision. SolutionID picks a proposal;
// otherwise Content is used, falling back to the solution under review.
type FinalizeRequest struct {
	UserID     string
	SolutionID string
	Content    string
	Rationale  string
}

// StartResolution creates a session and moves it straight to in_progress.
func (o *Orchestrator) StartResolution(ctx context.Context, req StartRequest) (_ *Session, err error) {
	ctx, span := startSpan(ctx, "Orchestrator.StartResolution", "")
	defer func() { endSpan(span, err) }()

	if req.ConflictID == "" || req.ModeratorID == "" {
		return nil, fmt.Errorf("%w: conflict and moderator required", ErrInvalidInput)
	}
	det, err := o.conflicts.Get(ctx, req.ConflictID)
	if err != nil {
		return nil, err
	}
	if det.Status.Terminal() {
		return nil, fmt.Errorf("%w: conflict %s is %s", ErrInvalidInput, det.ID, det.Status)
	}

	settings := o.opts.DefaultSettings
	if req.Settings != nil {
		settings = *req.Settings
		if settings.VotingTimeout <= 0 {
			settings.VotingTimeout = o.opts.DefaultSettings.VotingTimeout
		}
	}
	participants := req.ParticipantIDs
	if len(participants) == 0 {
		participants = det.InvolvedUsers
	}
	collab := req.CollaborationSessionID
	if collab == "" {
		collab = det.SessionID
	}

	now := o.now()
	s := &Session{
		ID:                     uuid.NewString(),
		ConflictID:             det.ID,
		ContentID:              det.ContentID,
		ConflictType:           string(det.ConflictType),
		CollaborationSessionID: collab,
		ModeratorID:            req.ModeratorID,
		ParticipantIDs:         unique(participants),
		Status:                 StatusCreated,
		CurrentStep:            StepSetup,
		Settings:               settings,
		ProposedSolutions:      []Proposal{},
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	span.SetAttributes(attribute.String("resolution.session_id", s.ID))

	e := &entry{id: s.ID, session: &Session{}}
	e.mu.Lock()
	defer e.mu.Unlock()
	o.mu.Lock()
	o.sessions[s.ID] = e
	o.mu.Unlock()

	err = o.commit(ctx, e, req.ModeratorID,
		pending{EventStarted, s},
		pending{EventStatusChanged, statusChanged{From: StatusCreated, To: StatusInProgress, By: req.ModeratorID, At: now}},
	)
	if err != nil {
		o.forget(e)
		return nil, err
	}

	if det.Status.CanTransition(conflict.StatusResolving) {
		if _, err := o.conflicts.UpdateStatus(ctx, det.ID, conflict.StatusResolving, "resolution session "+s.ID); err != nil {
			o.logger.Warn("marking conflict resolving", "conflict_id", det.ID, "error", err)
		}
	}
	o.mirror(ctx, e.session, EventStarted, "")
	o.logger.Info("resolution started",
		"session_id", s.ID,
		"conflict_id", det.ID,
		"moderator_id", req.ModeratorID,
		"participants", len(s.ParticipantIDs),
	)
	if o.notifier != nil {
		o.notifier.NotifyResolutionRequired(ctx, e.session.Clone())
	}
	return e.session.Clone(), nil
}

// Load returns a session, rehydrating it from its stream if needed.
func (o *Orchestrator) Load(ctx context.Context, sessionID string) (*Session, error) {
	var out *Session
	err := o.withSession(ctx, sessionID, func(e *entry) error {
		out = e.session.Clone()
		return nil
	})
	return out, err
}

// ProposeSolution adds a proposal while the session is in progress or voting.
func (o *Orchestrator) ProposeSolution(ctx context.Context, sessionID string, req ProposeRequest) (_ *Proposal, err error) {
	ctx, span := startSpan(ctx, "Orchestrator.ProposeSolution", sessionID)
	defer func() { endSpan(span, err) }()

	if !req.Strategy.Valid() {
		return nil, fmt.Errorf("%w: unknown strategy", ErrInvalidInput)
	}
	var proposal *Proposal
	err = o.withSession(ctx, sessionID, func(e *entry) error {
		s := e.session
		if !Allowed(ActionPropose, s.Status) {
			return &TransitionError{SessionID: s.ID, From: s.Status, Op: "propose"}
		}
		if !s.IsParticipant(req.UserID) && req.UserID != s.ModeratorID {
			return ErrNotParticipant
		}
		p := Proposal{
			ID:        uuid.NewString(),
			UserID:    req.UserID,
			Strategy:  req.Strategy,
			Content:   req.Content,
			Rationale: req.Rationale,
			Votes:     map[string]Vote{},
			CreatedAt: o.now(),
		}
		if err := o.commit(ctx, e, req.UserID, pending{EventProposed, p}); err != nil {
			return err
		}
		proposal = &p
		return nil
	})
	return proposal, err
}

// OpenVoting moves an in-progress session with proposals to voting and arms
// its timeout.
func (o *Orchestrator) OpenVoting(ctx context.Context, sessionID, userID string) (_ *Session, err error) {
	ctx, span := startSpan(ctx, "Orchestrator.OpenVoting", sessionID)
	defer func() { endSpan(span, err) }()

	var out *Session
	err = o.withSession(ctx, sessionID, func(e *entry) error {
		s := e.session
		if s.Status != StatusInProgress || !CanTransition(s.Status, StatusVoting) {
			return &TransitionError{SessionID: s.ID, From: s.Status, Op: "open voting"}
		}
		if userID != s.ModeratorID {
			return ErrNotModerator
		}
		if len(s.ProposedSolutions) == 0 {
			return fmt.Errorf("%w: nothing to vote on", ErrInvalidInput)
		}
		now := o.now()
		deadline := now.Add(s.Settings.VotingTimeout)
		if err := o.commit(ctx, e, userID, pending{EventStatusChanged, statusChanged{
			From: s.Status, To: StatusVoting, By: userID, At: now, Deadline: &deadline,
		}}); err != nil {
			return err
		}
		o.armTimer(e, s.Settings.VotingTimeout)
		out = e.session.Clone()
		return nil
	})
	if err == nil && o.notifier != nil {
		o.notifier.NotifyVotingRequired(ctx, out)
	}
	return out, err
}

// CastVote records a vote. Reaching consensus finalizes the agreed proposal.
// A later vote by the same user on the same proposal replaces the earlier one.
func (o *Orchestrator) CastVote(ctx context.Context, sessionID string, req VoteRequest) (_ *Session, err error) {
	ctx, span := startSpan(ctx, "Orchestrator.CastVote", sessionID)
	defer func() { endSpan(span, err) }()

	if !req.Vote.Valid() {
		return nil, fmt.Errorf("%w: unknown vote %q", ErrInvalidInput, req.Vote)
	}
	var out *Session
	err = o.withSession(ctx, sessionID, func(e *entry) error {
		s := e.session
		if !Allowed(ActionVote, s.Status) {
			return &TransitionError{SessionID: s.ID, From: s.Status, Op: "vote"}
		}
		if !s.IsParticipant(req.UserID) {
			return ErrNotParticipant
		}
		if s.proposal(req.SolutionID) == nil {
			return fmt.Errorf("%w: %s", ErrSolutionNotFound, req.SolutionID)
		}
		if err := o.commit(ctx, e, req.UserID, pending{EventVoteCast, voteCast{
			SolutionID: req.SolutionID, UserID: req.UserID, Vote: req.Vote, At: o.now(),
		}}); err != nil {
			return err
		}
		if p := e.session.consensus(); p != nil {
			span.SetAttributes(attribute.String("resolution.consensus", p.ID))
			if err := o.finalizeLocked(ctx, e, choiceOf(p), "consensus", true); err != nil {
				return err
			}
		}
		out = e.session.Clone()
		return nil
	})
	return out, err
}

// EnterManualResolution hands an in-progress session to a human editor.
func (o *Orchestrator) EnterManualResolution(ctx context.Context, sessionID, userID string) (_ *Session, err error) {
	ctx, span := startSpan(ctx, "Orchestrator.EnterManualResolution", sessionID)
	defer func() { endSpan(span, err) }()

	var out *Session
	err = o.withSession(ctx, sessionID, func(e *entry) error {
		s := e.session
		if !CanTransition(s.Status, StatusManualResolution) {
			return &TransitionError{SessionID: s.ID, From: s.Status, Op: "enter manual resolution"}
		}
		if userID != s.ModeratorID {
			return ErrNotModerator
		}
		if err := o.commit(ctx, e, userID, pending{EventStatusChanged, statusChanged{
			From: s.Status, To: StatusManualResolution, By: userID, At: o.now(),
		}}); err != nil {
			return err
		}
		out = e.session.Clone()
		return nil
	})
	return out, err
}

// SubmitForReview moves a voting or manual session to review with one
// candidate solution. New content becomes a proposal first.
func (o *Orchestrator) SubmitForReview(ctx context.Context, sessionID string, req ReviewRequest) (_ *Session, err error) {
	ctx, span := startSpan(ctx, "Orchestrator.SubmitForReview", sessionID)
	defer func() { endSpan(span, err) }()

	var out *Session
	err = o.withSession(ctx, sessionID, func(e *entry) error {
		s := e.session
		if !CanTransition(s.Status, StatusReview) {
			return &TransitionError{SessionID: s.ID, From: s.Status, Op: "submit for review"}
		}
		if !s.IsParticipant(req.UserID) && req.UserID != s.ModeratorID {
			return ErrNotParticipant
		}

		var events []pending
		solutionID := req.SolutionID
		switch {
		case solutionID != "":
			if s.proposal(solutionID) == nil {
				return fmt.Errorf("%w: %s", ErrSolutionNotFound, solutionID)
			}
		case req.Content != "":
			p := Proposal{
				ID:        uuid.NewString(),
				UserID:    req.UserID,
				Strategy:  merge.StrategyManual,
				Content:   req.Content,
				Rationale: req.Rationale,
				Votes:     map[string]Vote{},
				CreatedAt: o.now(),
			}
			solutionID = p.ID
			events = append(events, pending{EventProposed, p})
		default:
			return fmt.Errorf("%w: solution or content required", ErrInvalidInput)
		}
		events = append(events, pending{EventStatusChanged, statusChanged{
			From: s.Status, To: StatusReview, By: req.UserID, At: o.now(), SolutionID: solutionID,
		}})
		if err := o.commit(ctx, e, req.UserID, events...); err != nil {
			return err
		}
		o.stopTimer(e)
		out = e.session.Clone()
		return nil
	})
	return out, err
}

// FinalizeResolution applies the moderator's decision and completes the
// session. While voting it overrides the vote.
func (o *Orchestrator) FinalizeResolution(ctx context.Context, sessionID string, req FinalizeRequest) (_ *Session, err error) {
	ctx, span := startSpan(ctx, "Orchestrator.FinalizeResolution", sessionID)
	defer func() { endSpan(span, err) }()

	var out *Session
	err = o.withSession(ctx, sessionID, func(e *entry) error {
		s := e.session
		if s.Status != StatusFinalization && !CanTransition(s.Status, StatusFinalization) {
			return &TransitionError{SessionID: s.ID, From: s.Status, Op: "finalize"}
		}
		if req.UserID != s.ModeratorID {
			return ErrNotModerator
		}

		var c choice
		switch {
		case req.SolutionID != "":
			p := s.proposal(req.SolutionID)
			if p == nil {
				return fmt.Errorf("%w: %s", ErrSolutionNotFound, req.SolutionID)
			}
			c = choiceOf(p)
		case req.Content != "":
			c = choice{strategy: merge.StrategyManual, content: req.Content}
		case s.ReviewSolutionID != "":
			c = choiceOf(s.proposal(s.ReviewSolutionID))
		default:
			return fmt.Errorf("%w: solution or content required", ErrInvalidInput)
		}
		if req.Rationale != "" {
			c.rationale = req.Rationale
		}
		if err := o.finalizeLocked(ctx, e, c, req.UserID, false); err != nil {
			return err
		}
		out = e.session.Clone()
		return nil
	})
	return out, err
}

// EscalateResolution ends the session as escalated and escalates its conflict.
func (o *Orchestrator) EscalateResolution(ctx context.Context, sessionID, userID, reason string) (_ *Session, err error) {
	ctx, span := startSpan(ctx, "Orchestrator.EscalateResolution", sessionID)
	defer func() { endSpan(span, err) }()

	if reason == "" {
		reason = "escalated by " + userID
	}
	var out *Session
	err = o.withSession(ctx, sessionID, func(e *entry) error {
		if !e.session.IsParticipant(userID) && userID != e.session.ModeratorID {
			return ErrNotParticipant
		}
		if err := o.escalateLocked(ctx, e, StatusEscalated, reason, userID); err != nil {
			return err
		}
		out = e.session.Clone()
		return nil
	})
	return out, err
}

// CancelResolution is the moderator abandoning a session. The voting timer
// is disabled before the cancellation is recorded. The conflict stays open.
func (o *Orchestrator) CancelResolution(ctx context.Context, sessionID, userID, reason string) (_ *Session, err error) {
	ctx, span := startSpan(ctx, "Orchestrator.CancelResolution", sessionID)
	defer func() { endSpan(span, err) }()

	var out *Session
	err = o.withSession(ctx, sessionID, func(e *entry) error {
		s := e.session
		if !CanTransition(s.Status, StatusCancelled) {
			return &TransitionError{SessionID: s.ID, From: s.Status, Op: "cancel"}
		}
		if userID != s.ModeratorID {
			return ErrNotModerator
		}
		o.stopTimer(e)
		if err := o.commit(ctx, e, userID, pending{EventCancelled, statusChanged{
			From: s.Status, To: StatusCancelled, Reason: reason, By: userID, At: o.now(),
		}}); err != nil {
			o.resumeTimer(e, 0)
			return err
		}
		o.closed(ctx, e.session, EventCancelled, reason)
		out = e.session.Clone()
		return nil
	})
	return out, err
}

// ExpireStale expires loaded sessions older than maxAge and escalates their
// conflicts. It returns the ids it expired.
func (o *Orchestrator) ExpireStale(ctx context.Context, maxAge time.Duration) ([]string, error) {
	o.mu.Lock()
	ids := make([]string, 0, len(o.sessions))
	for id := range o.sessions {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	var (
		expired []string
		errs    []error
	)
	cutoff := o.now().Add(-maxAge)
	for _, id := range ids {
		err := o.withSession(ctx, id, func(e *entry) error {
			s := e.session
			if s.Status.Terminal() || !s.CreatedAt.Before(cutoff) || !CanTransition(s.Status, StatusExpired) {
				return nil
			}
			if err := o.escalateLocked(ctx, e, StatusExpired, "resolution session expired", ""); err != nil {
				return err
			}
			expired = append(expired, id)
			return nil
		})
		if err != nil && !errors.Is(err, ErrSessionNotFound) {
			errs = append(errs, err)
		}
	}
	return expired, errors.Join(errs...)
}

// Active lists the ids of loaded sessions that are not terminal.
func (o *Orchestrator) Active() []string {
	o.mu.Lock()
	entries := make([]*entry, 0, len(o.sessions))
	for _, e := range o.sessions {
		entries = append(entries, e)
	}
	o.mu.Unlock()

	var ids []string
	for _, e := range entries {
		e.mu.Lock()
		if e.session != nil && e.session.ID != "" && !e.session.Status.Terminal() {
			ids = append(ids, e.id)
		}
		e.mu.Unlock()
	}
	return ids
}

// Close stops every pending timer.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	entries := make([]*entry, 0, len(o.sessions))
	for _, e := range o.sessions {
		entries = append(entries, e)
	}
	o.mu.Unlock()
	for _, e := range entries {
		e.mu.Lock()
		o.stopTimer(e)
		e.mu.Unlock()
	}
}

// choice is the content a session settles on.
type choice struct {
	solutionID string
	strategy   merge.Strategy
	content    string
	rationale  string
}

func choiceOf(p *Proposal) choice {
	return choice{solutionID: p.ID, strategy: p.Strategy, content: p.Content, rationale: p.Rationale}
}

// finalizeLocked commits the chosen content and completes the session.
// The caller holds e.mu.
func (o *Orchestrator) finalizeLocked(ctx context.Context, e *entry, c choice, decidedBy string, consensus bool) error {
	s := e.session
	if s.Status != StatusFinalization && !CanTransition(s.Status, StatusFinalization) {
		return &TransitionError{SessionID: s.ID, From: s.Status, Op: "finalize"}
	}

	rationale := c.rationale
	if rationale == "" {
		rationale = "resolution session " + s.ID
	}
	result, err := o.merger.Finalize(ctx, s.ConflictID, c.content, c.strategy, decidedBy, rationale)
	if err != nil {
		return fmt.Errorf("finalizing merge: %w", err)
	}

	now := o.now()
	var events []pending
	if s.Status != StatusFinalization {
		events = append(events, pending{EventStatusChanged, statusChanged{From: s.Status, To: StatusFinalization, By: decidedBy, At: now}})
	}
	events = append(events,
		pending{EventDecided, Decision{
			SolutionID:    c.solutionID,
			Strategy:      c.strategy,
			Content:       c.content,
			DecidedBy:     decidedBy,
			Consensus:     consensus,
			MergeResultID: result.ID,
			DecidedAt:     now,
		}},
		pending{EventCompleted, statusChanged{From: StatusFinalization, To: StatusCompleted, By: decidedBy, At: now}},
	)
	if err := o.commit(ctx, e, decidedBy, events...); err != nil {
		return err
	}
	o.stopTimer(e)
	o.closed(ctx, e.session, EventCompleted, "")
	if o.notifier != nil {
		o.notifier.NotifyResolutionCompleted(ctx, e.session.Clone())
	}
	return nil
}

// escalateLocked ends the session as escalated or expired and escalates the
// conflict. The caller holds e.mu.
func (o *Orchestrator) escalateLocked(ctx context.Context, e *entry, to Status, reason, by string) error {
	s := e.session
	if !CanTransition(s.Status, to) {
		return &TransitionError{SessionID: s.ID, From: s.Status, Op: "escalate"}
	}
	if err := o.commit(ctx, e, by, pending{statusEventType(to), statusChanged{
		From: s.Status, To: to, Reason: reason, By: by, At: o.now(),
	}}); err != nil {
		return err
	}
	o.stopTimer(e)
	if _, err := o.conflicts.UpdateStatus(ctx, s.ConflictID, conflict.StatusEscalated, reason); err != nil {
		o.logger.Warn("escalating conflict", "conflict_id", s.ConflictID, "error", err)
	}
	o.closed(ctx, e.session, statusEventType(to), reason)
	if o.notifier != nil {
		o.notifier.NotifyEscalated(ctx, e.session.Clone(), reason)
	}
	return nil
}

// closed records a terminal transition outside the session stream.
func (o *Orchestrator) closed(ctx context.Context, s *Session, eventType, reason string) {
	o.mirror(ctx, s, eventType, reason)
	o.logger.Info("resolution closed",
		"session_id", s.ID,
		"conflict_id", s.ConflictID,
		"status", s.Status,
		"reason", reason,
	)
	if o.metrics != nil {
		o.metrics.ResolutionFinished(s.Status, s.ConflictType, o.now().Sub(s.CreatedAt))
	}
}

func (o *Orchestrator) armTimer(e *entry, d time.Duration) {
	o.stopTimer(e)
	gen, id := e.gen, e.id
	e.timer = o.opts.AfterFunc(d, func() { o.votingTimedOut(id, gen) })
}

// resumeTimer re-arms the voting timeout of a session still voting whose
// timer is gone, waiting at least floor.
func (o *Orchestrator) resumeTimer(e *entry, floor time.Duration) {
	s := e.session
	if e.timer != nil || s.Status != StatusVoting || s.VotingDeadline == nil {
		return
	}
	o.armTimer(e, max(s.VotingDeadline.Sub(o.now()), floor))
}

// stopTimer cancels the pending timer. Bumping gen makes a callback that
// already fired and is waiting on e.mu a no-op.
func (o *Orchestrator) stopTimer(e *entry) {
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// votingTimedOut finalizes on consensus, auto-resolves with the top proposal
// when allowed, and escalates otherwise. If nothing could be recorded the
// timeout is retried.
func (o *Orchestrator) votingTimedOut(id string, gen uint64) {
	ctx := context.Background()
	err := o.withSession(ctx, id, func(e *entry) error {
		if e.gen != gen || e.session.Status != StatusVoting {
			return nil
		}
		e.timer = nil
		if err := o.settleVoting(ctx, e); err != nil {
			o.resumeTimer(e, timeoutRetryDelay)
			return err
		}
		return nil
	})
	if err != nil {
		o.logger.Error("handling voting timeout", "session_id", id, "error", err)
	}
}

func (o *Orchestrator) settleVoting(ctx context.Context, e *entry) error {
	s := e.session
	if p := s.consensus(); p != nil {
		err := o.finalizeLocked(ctx, e, choiceOf(p), "consensus", true)
		if err == nil {
			return nil
		}
		o.logger.Warn("finalizing consensus after timeout failed", "session_id", s.ID, "error", err)
	}
	if s.Settings.AutoResolveAfterTimeout {
		if p := s.topProposal(); p != nil {
			err := o.finalizeLocked(ctx, e, choiceOf(p), "voting-timeout", false)
			if err == nil {
				return nil
			}
			o.logger.Warn("auto-resolve after timeout failed", "session_id", s.ID, "error", err)
		}
	}
	return o.escalateLocked(ctx, e, StatusEscalated, "voting timed out without consensus", "")
}

// withSession runs fn holding the session's lock, loading it first if needed.
func (o *Orchestrator) withSession(ctx context.Context, id string, fn func(e *entry) error) error {
	o.mu.Lock()
	e, ok := o.sessions[id]
	if !ok {
		e = &entry{id: id}
		o.sessions[id] = e
	}
	o.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil || e.session.ID == "" {
		if err := o.rehydrate(ctx, e); err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				o.forget(e)
			}
			return err
		}
	}
	return fn(e)
}

// rehydrate folds the session stream and re-arms a pending voting timeout.
func (o *Orchestrator) rehydrate(ctx context.Context, e *entry) error {
	events, err := o.events.ReadAll(ctx, StreamID(e.id), eventlog.ReadOptions{})
	if errors.Is(err, eventlog.ErrStreamNotFound) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("reading session %s: %w", e.id, err)
	}
	s, err := fold(events)
	if err != nil {
		return err
	}
	e.session = s
	e.version = events[len(events)-1].SequenceNumber
	o.resumeTimer(e, 0)
	o.logger.Debug("resolution session loaded", "session_id", e.id, "status", s.Status, "version", e.version)
	return nil
}

func (o *Orchestrator) forget(e *entry) {
	o.mu.Lock()
	if o.sessions[e.id] == e {
		delete(o.sessions, e.id)
	}
	o.mu.Unlock()
}

type pending struct {
	eventType string
	data      any
}

// commit appends events at the cached version and folds them into a copy of
// the session. A failed append leaves the session untouched.
func (o *Orchestrator) commit(ctx context.Context, e *entry, userID string, events ...pending) error {
	meta := eventlog.Metadata{UserID: userID, SessionID: e.session.CollaborationSessionID, Source: "resolution"}
	if e.session.ID == "" {
		if s, ok := events[0].data.(*Session); ok {
			meta.SessionID = s.CollaborationSessionID
		}
	}
	domainEvents := make([]eventlog.DomainEvent, 0, len(events))
	for _, p := range events {
		ev, err := eventlog.NewEvent(p.eventType, p.data, meta)
		if err != nil {
			return err
		}
		domainEvents = append(domainEvents, ev)
	}

	res, err := o.events.Append(ctx, eventlog.AppendRequest{
		StreamID:        StreamID(e.id),
		StreamType:      "resolution",
		ExpectedVersion: e.version,
		Events:          domainEvents,
		Source:          "resolution",
	})
	if errors.Is(err, eventlog.ErrConcurrencyViolation) {
		// Another writer owns the stream; reload on next use.
		e.session = nil
		return fmt.Errorf("session %s changed elsewhere: %w", e.id, err)
	}
	if err != nil {
		return fmt.Errorf("appending to session %s: %w", e.id, err)
	}

	next := e.session.Clone()
	for _, ev := range domainEvents {
		if err := apply(next, ev); err != nil {
			e.session = nil
			return err
		}
	}
	e.session = next
	e.version = res.NewVersion
	return nil
}

// WorkflowSummary is mirrored to the collaboration session stream.
type WorkflowSummary struct {
	ResolutionID string    `json:"resolution_id"`
	ConflictID   string    `json:"conflict_id"`
	ModeratorID  string    `json:"moderator_id"`
	Participants []string  `json:"participants"`
	Status       Status    `json:"status"`
	Reason       string    `json:"reason,omitempty"`
	At           time.Time `json:"at"`
}

func (o *Orchestrator) mirror(ctx context.Context, s *Session, eventType, reason string) {
	if s.CollaborationSessionID == "" {
		return
	}
	ev, err := eventlog.NewEvent(eventType, WorkflowSummary{
		ResolutionID: s.ID,
		ConflictID:   s.ConflictID,
		ModeratorID:  s.ModeratorID,
		Participants: s.ParticipantIDs,
		Status:       s.Status,
		Reason:       reason,
		At:           s.UpdatedAt,
	}, eventlog.Metadata{SessionID: s.CollaborationSessionID, Source: "resolution"})
	if err == nil {
		_, err = o.events.AppendWithRetry(ctx, conflict.SessionStreamID(s.CollaborationSessionID), "session",
			func(context.Context, int64) ([]eventlog.DomainEvent, error) {
				return []eventlog.DomainEvent{ev}, nil
			})
	}
	if err != nil {
		o.logger.Warn("mirroring resolution event", "session_id", s.ID, "event_type", eventType, "error", err)
	}
}

func startSpan(ctx context.Context, name, sessionID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attribute.String("resolution.session_id", sessionID)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func unique(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
