// Package merge turns detected conflicts into merged versions using
// pluggable strategies, user rules and an optional AI assistant.
package merge

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rpggio/accord/internal/domain/conflict"
	"github.com/rpggio/accord/internal/domain/content"
	"github.com/rpggio/accord/internal/domain/diff"
	"github.com/rpggio/accord/internal/domain/eventlog"
	"github.com/rpggio/accord/internal/repository"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Options configures an Engine.
type Options struct {
	// AITimeout bounds one AI-assisted merge.
	AITimeout time.Duration
	// Actor authors merged versions when the caller names nobody.
	Actor string
	// MaxRuleUpdateRetries bounds optimistic rule statistic updates.
	MaxRuleUpdateRetries int
}

func (o Options) withDefaults() Options {
	if o.AITimeout <= 0 {
		o.AITimeout = 30 * time.Second
	}
	if o.Actor == "" {
		o.Actor = "merge-engine"
	}
	if o.MaxRuleUpdateRetries <= 0 {
		o.MaxRuleUpdateRetries = 3
	}
	return o
}

// Engine executes merge strategies against detected conflicts.
type Engine struct {
	conflicts ConflictStore
	contents  ContentStore
	events    EventLog
	rules     RuleRepository
	ai        AIAssistant
	metrics   Metrics
	opts      Options
	logger    *slog.Logger
	now       func() time.Time
}

// Deps are the collaborators of an Engine. AI and Metrics may be nil.
type Deps struct {
	Conflicts ConflictStore
	Contents  ContentStore
	Events    EventLog
	Rules     RuleRepository
	AI        AIAssistant
	Metrics   Metrics
}

// NewEngine creates a merge engine.
func NewEngine(deps Deps, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		conflicts: deps.Conflicts,
		contents:  deps.Contents,
		events:    deps.Events,
		rules:     deps.Rules,
		ai:        deps.AI,
		metrics:   deps.Metrics,
		opts:      opts.withDefaults(),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ExecuteMerge runs strategy against a conflict. A failing strategy falls
// back to three-way merge; if that fails too the conflict is escalated and a
// *StrategyError is returned. Results confident enough to skip review are
// committed as a merge version and resolve the conflict.
func (e *Engine) ExecuteMerge(ctx context.Context, conflictID string, strategy Strategy, opts ExecuteOptions) (result *Result, err error) {
	ctx, span := startMergeSpan(ctx, "Engine.ExecuteMerge", conflictID, strategy)
	defer func() {
		if err != nil {
			recordSpanError(span, err)
		}
		setMergeSpanResult(span, result)
		span.End()
	}()

	if !strategy.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStrategy, int(strategy))
	}
	in, err := e.prepare(ctx, conflictID, opts)
	if err != nil {
		return nil, err
	}

	start := e.now()
	out, runErr := e.run(ctx, strategy, in)
	var fallbackFrom *Strategy
	if runErr != nil {
		e.logger.Warn("merge strategy failed",
			"conflict_id", conflictID,
			"strategy", strategy,
			"error", runErr,
		)
		e.observe(strategy, false, start)
		if strategy == StrategyThreeWay {
			return nil, e.escalate(ctx, &StrategyError{ConflictID: conflictID, Strategy: strategy, Cause: runErr})
		}
		from := strategy
		fallbackFrom = &from
		strategy = StrategyThreeWay
		var fbErr error
		out, fbErr = e.run(ctx, StrategyThreeWay, in)
		if fbErr != nil {
			e.observe(StrategyThreeWay, false, start)
			return nil, e.escalate(ctx, &StrategyError{ConflictID: conflictID, Strategy: from, Cause: runErr, Fallback: fbErr})
		}
	}

	result = e.buildResult(in, strategy, out, opts.ActorID)
	result.FallbackFrom = fallbackFrom
	e.observe(strategy, true, start)

	if opts.DryRun {
		return result, nil
	}
	if err := e.persist(ctx, in, result); err != nil {
		return nil, err
	}
	return result, nil
}

// Finalize commits content chosen outside the engine, such as a vote or a
// manual edit, and resolves the conflict.
func (e *Engine) Finalize(ctx context.Context, conflictID, mergedContent string, strategy Strategy, decidedBy, rationale string) (result *Result, err error) {
	ctx, span := startMergeSpan(ctx, "Engine.Finalize", conflictID, strategy)
	defer func() {
		if err != nil {
			recordSpanError(span, err)
		}
		setMergeSpanResult(span, result)
		span.End()
	}()

	in, err := e.prepare(ctx, conflictID, ExecuteOptions{ActorID: decidedBy})
	if errors.Is(err, ErrConflictClosed) {
		// A retried decision finds its own earlier commit.
		prior, lerr := e.committedResult(ctx, conflictID)
		if lerr != nil {
			return nil, errors.Join(err, lerr)
		}
		if prior != nil && prior.Strategy == strategy && prior.MergedContent == mergedContent {
			e.logger.Info("merge already committed", "conflict_id", conflictID, "result_id", prior.ID)
			return prior, nil
		}
	}
	if err != nil {
		return nil, err
	}
	out := &outcome{
		content:    mergedContent,
		confidence: 1.0,
		applied:    hunkOps(diff.Hunks(in.base.Content, mergedContent), decidedBy),
		rationale:  rationale,
	}
	result = e.buildResult(in, strategy, out, decidedBy)
	result.RequiresUserReview = false
	if err := e.persist(ctx, in, result); err != nil {
		return nil, err
	}
	return result, nil
}

// EvaluateStrategies ranks every strategy for a conflict by expected success,
// then by expected duration. Rule history replaces the baseline wherever a
// matching rule exists.
func (e *Engine) EvaluateStrategies(ctx context.Context, conflictID string) ([]Evaluation, error) {
	ctx, span := tracer.Start(ctx, "Engine.EvaluateStrategies",
		trace.WithAttributes(attribute.String("merge.conflict_id", conflictID)),
	)
	defer span.End()

	var (
		det   *conflict.Detection
		rules []Rule
	)
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		det, err = e.conflicts.Get(gCtx, conflictID)
		return err
	})
	g.Go(func() error {
		if e.rules == nil {
			return nil
		}
		var err error
		rules, err = e.rules.List(gCtx, ListRulesOptions{EnabledOnly: true})
		return err
	})
	if err := g.Wait(); err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("merge.enabled_rules", len(rules)))

	evals := make([]Evaluation, 0, strategyCount)
	for _, s := range Strategies() {
		ev := Evaluation{
			Strategy:      s,
			SuccessRate:   baselineSuccess[s],
			EstimatedTime: time.Duration(baselineMillis[s]) * time.Millisecond,
			Recommended:   s.String() == det.RecommendedStrategy,
		}
		if s == StrategyAIAssisted {
			if e.ai == nil {
				continue
			}
			ev.EstimatedTime = min(ev.EstimatedTime, e.opts.AITimeout)
		}
		if s == StrategyRuleBased {
			best := bestRule(rules, det)
			if best == nil {
				continue
			}
			ev.RuleID = best.ID
			if best.UsageCount > 0 {
				ev.SuccessRate = best.SuccessRate
			}
			if t := best.Timeout(); t > 0 {
				ev.EstimatedTime = t
			}
		} else if rate, ok := ruleHistory(rules, det, s); ok {
			ev.SuccessRate = rate
		}
		evals = append(evals, ev)
	}

	slices.SortStableFunc(evals, func(a, b Evaluation) int {
		if c := cmp.Compare(b.SuccessRate, a.SuccessRate); c != 0 {
			return c
		}
		return cmp.Compare(a.EstimatedTime, b.EstimatedTime)
	})
	return evals, nil
}

// ruleHistory is the best observed success rate of matching rules using s.
func ruleHistory(rules []Rule, det *conflict.Detection, s Strategy) (float64, bool) {
	rate, found := 0.0, false
	for i := range rules {
		r := &rules[i]
		if r.Resolution.Strategy != s || r.UsageCount == 0 || !r.Matches(det) {
			continue
		}
		if !found || r.SuccessRate > rate {
			rate, found = r.SuccessRate, true
		}
	}
	return rate, found
}

// CustomRuleMerge executes one stored rule against a conflict and folds the
// outcome into the rule's statistics. A merge counts as a success when it
// needed neither fallback nor review.
func (e *Engine) CustomRuleMerge(ctx context.Context, conflictID, ruleID string, opts ExecuteOptions) (*Result, error) {
	if e.rules == nil {
		return nil, ErrRuleNotFound
	}
	rule, err := e.rules.Get(ctx, ruleID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading rule: %w", err)
	}
	if !rule.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrRuleDisabled, ruleID)
	}

	opts.rule = rule
	result, mergeErr := e.ExecuteMerge(ctx, conflictID, StrategyRuleBased, opts)
	success := mergeErr == nil && result.FallbackFrom == nil && !result.RequiresUserReview
	if mergeErr != nil && !errors.Is(mergeErr, ErrMergeStrategy) {
		// Nothing ran, so there is no outcome to record.
		return nil, mergeErr
	}
	if err := e.recordRuleOutcome(ctx, ruleID, success); err != nil {
		e.logger.Warn("recording rule outcome", "rule_id", ruleID, "error", err)
	}
	return result, mergeErr
}

func (e *Engine) recordRuleOutcome(ctx context.Context, ruleID string, success bool) error {
	var lastErr error
	for range e.opts.MaxRuleUpdateRetries {
		rule, err := e.rules.Get(ctx, ruleID)
		if err != nil {
			return err
		}
		expected := rule.UsageCount
		rule.RecordOutcome(success)
		rule.UpdatedAt = e.now()
		lastErr = e.rules.Update(ctx, rule, expected)
		if !errors.Is(lastErr, repository.ErrConflict) {
			return lastErr
		}
	}
	return lastErr
}

func (e *Engine) prepare(ctx context.Context, conflictID string, opts ExecuteOptions) (*mergeInput, error) {
	det, err := e.conflicts.Get(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if det.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrConflictClosed, conflictID, det.Status)
	}

	in := &mergeInput{conflict: det, opts: opts}
	for _, load := range []struct {
		id  string
		dst **content.Version
	}{
		{det.BaseVersionID, &in.base},
		{det.VersionAID, &in.a},
		{det.VersionBID, &in.b},
	} {
		v, err := e.contents.Get(ctx, det.ContentID, load.id)
		if err != nil {
			return nil, fmt.Errorf("loading version %s: %w", load.id, err)
		}
		*load.dst = v
	}

	if opts.DryRun {
		return in, nil
	}
	if det.Status == conflict.StatusDetected || det.Status == conflict.StatusAnalyzing {
		updated, err := e.conflicts.UpdateStatus(ctx, conflictID, conflict.StatusResolving, "merge started")
		if err != nil {
			return nil, fmt.Errorf("marking conflict resolving: %w", err)
		}
		in.conflict = updated
	}
	return in, nil
}

func (e *Engine) run(ctx context.Context, strategy Strategy, in *mergeInput) (*outcome, error) {
	ctx, span := startMergeSpan(ctx, "Engine.run", in.conflict.ID, strategy)
	defer span.End()

	out, err := executors[strategy](e, ctx, in)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return out, nil
}

func (e *Engine) buildResult(in *mergeInput, strategy Strategy, out *outcome, actorID string) *Result {
	if actorID == "" {
		actorID = e.opts.Actor
	}
	now := e.now()
	parentID, mergeParentID := in.a.ID, in.b.ID
	merged := &content.Version{
		ContentID:       in.conflict.ContentID,
		ContentType:     in.a.ContentType,
		Content:         out.content,
		ContentHash:     content.Hash(out.content),
		Clock:           in.a.Clock.Merge(in.b.Clock).IncrementAt(actorID, now),
		ParentVersionID: &parentID,
		MergeParentID:   &mergeParentID,
		AuthorID:        actorID,
		SessionID:       in.conflict.SessionID,
		CreatedAt:       now,
	}
	return &Result{
		ID:                 uuid.NewString(),
		ConflictID:         in.conflict.ID,
		Strategy:           strategy,
		RuleID:             out.ruleID,
		MergedContent:      out.content,
		MergedVersion:      merged,
		ConfidenceScore:    out.confidence,
		AppliedOperations:  out.applied,
		RejectedOperations: out.rejected,
		ConflictingRegions: out.conflicting,
		RequiresUserReview: out.confidence < ReviewThreshold || strategy == StrategyManual,
		Rationale:          out.rationale,
		CreatedAt:          now,
	}
}

// persist commits reviewed-free results and records every result on the
// conflict and session streams.
func (e *Engine) persist(ctx context.Context, in *mergeInput, result *Result) error {
	if !result.RequiresUserReview {
		if err := e.contents.Commit(ctx, result.MergedVersion); err != nil {
			return fmt.Errorf("committing merge: %w", err)
		}
		result.Committed = true
	}

	meta := eventlog.Metadata{UserID: result.MergedVersion.AuthorID, SessionID: in.conflict.SessionID, Source: "merge"}
	ev, err := eventlog.NewEvent(EventMergeCompleted, result, meta)
	if err != nil {
		return err
	}
	if _, err := e.events.AppendWithRetry(ctx, conflict.StreamID(in.conflict.ID), "conflict", staticEvents(ev)); err != nil {
		return fmt.Errorf("recording merge: %w", err)
	}

	if in.conflict.SessionID != "" {
		summary := SessionMergeSummary{
			ConflictID:         in.conflict.ID,
			ContentID:          in.conflict.ContentID,
			Strategy:           result.Strategy,
			ConfidenceScore:    result.ConfidenceScore,
			RequiresUserReview: result.RequiresUserReview,
		}
		if result.Committed {
			summary.MergedVersionID = result.MergedVersion.ID
		}
		sev, err := eventlog.NewEvent(EventMergeCompleted, summary, meta)
		if err != nil {
			return err
		}
		if _, err := e.events.AppendWithRetry(ctx, conflict.SessionStreamID(in.conflict.SessionID), "session", staticEvents(sev)); err != nil {
			return fmt.Errorf("mirroring merge to session: %w", err)
		}
	}

	if result.Committed {
		if _, err := e.conflicts.UpdateStatus(ctx, in.conflict.ID, conflict.StatusResolved, "merged with "+result.Strategy.String()); err != nil {
			return fmt.Errorf("resolving conflict: %w", err)
		}
	}

	e.logger.Info("merge completed",
		"conflict_id", result.ConflictID,
		"strategy", result.Strategy,
		"confidence", result.ConfidenceScore,
		"requires_review", result.RequiresUserReview,
		"committed", result.Committed,
	)
	return nil
}

// committedResult returns the last committed merge recorded on a conflict
// stream, or nil.
func (e *Engine) committedResult(ctx context.Context, conflictID string) (*Result, error) {
	events, err := e.events.ReadAll(ctx, conflict.StreamID(conflictID), eventlog.ReadOptions{})
	if err != nil {
		return nil, fmt.Errorf("reading conflict stream: %w", err)
	}
	var last *Result
	for _, ev := range events {
		if ev.EventType != EventMergeCompleted {
			continue
		}
		var r Result
		if err := ev.Decode(&r); err != nil {
			return nil, err
		}
		if r.Committed {
			last = &r
		}
	}
	return last, nil
}

func (e *Engine) escalate(ctx context.Context, serr *StrategyError) error {
	if _, err := e.conflicts.UpdateStatus(ctx, serr.ConflictID, conflict.StatusEscalated, serr.Error()); err != nil {
		e.logger.Error("escalating conflict", "conflict_id", serr.ConflictID, "error", err)
	}
	return serr
}

func (e *Engine) observe(strategy Strategy, success bool, start time.Time) {
	if e.metrics != nil {
		e.metrics.MergeCompleted(strategy.String(), success, e.now().Sub(start))
	}
}

func staticEvents(events ...eventlog.DomainEvent) eventlog.BuildFunc {
	return func(context.Context, int64) ([]eventlog.DomainEvent, error) {
		return events, nil
	}
}
