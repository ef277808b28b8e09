package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rpggio/accord/internal/aiassist"
	"github.com/rpggio/accord/internal/config"
	"github.com/rpggio/accord/internal/domain/conflict"
	"github.com/rpggio/accord/internal/domain/content"
	"github.com/rpggio/accord/internal/domain/eventlog"
	"github.com/rpggio/accord/internal/domain/merge"
	"github.com/rpggio/accord/internal/domain/reconstruct"
	"github.com/rpggio/accord/internal/domain/resolution"
	"github.com/rpggio/accord/internal/mcp"
	"github.com/rpggio/accord/internal/notify"
	"github.com/rpggio/accord/internal/repository"
	"github.com/rpggio/accord/internal/sqlite"
	"github.com/rpggio/accord/internal/telemetry"
)

// app is the wired service graph shared by every command.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	db       *sqlite.DB
	store    *sqlite.EventStore
	registry *prometheus.Registry
	metrics  *telemetry.Recorder

	events   *eventlog.Service
	contents *content.Service
	detector *conflict.Service
	engine   *merge.Engine
	orch     *resolution.Orchestrator
	rec      *reconstruct.Reconstructor
	journal  *reconstruct.Journal
	rules    *sqlite.RuleRepository

	closers []func()
}

func newApp(cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := ensureDBDir(cfg.DB.Path); err != nil {
		return nil, fmt.Errorf("preparing database path: %w", err)
	}
	a.db, err = sqlite.New(cfg.DB.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	a.closers = append(a.closers, func() { a.db.Close() })
	if err := a.db.RunMigrations(); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = telemetry.NewRecorder(a.registry)

	notifier, err := a.newNotifier()
	if err != nil {
		return nil, err
	}

	a.store = sqlite.NewEventStore(a.db)
	a.events = eventlog.NewService(a.store, eventlog.Options{
		SnapshotInterval: cfg.EventLog.SnapshotInterval,
		MaxAppendRetries: cfg.EventLog.MaxAppendRetries,
		PageSize:         cfg.EventLog.PageSize,
	}, logger)
	a.contents = content.NewService(a.events, logger)
	a.detector = conflict.NewService(a.events, a.contents, notifier, a.metrics, logger)
	a.rules = sqlite.NewRuleRepository(a.db)

	var ai merge.AIAssistant
	if cfg.AI.Enabled {
		ai = aiassist.New(aiassist.Config{
			APIKey:    cfg.AI.APIKey,
			Model:     cfg.AI.Model,
			MaxTokens: cfg.AI.MaxTokens,
		}, logger)
	}
	a.engine = merge.NewEngine(merge.Deps{
		Conflicts: a.detector,
		Contents:  a.contents,
		Events:    a.events,
		Rules:     a.rules,
		AI:        ai,
		Metrics:   a.metrics,
	}, merge.Options{
		AITimeout:            cfg.Merge.AITimeout,
		Actor:                cfg.Merge.Actor,
		MaxRuleUpdateRetries: cfg.Merge.MaxRuleUpdateRetries,
	}, logger)

	a.orch = resolution.NewOrchestrator(resolution.Deps{
		Events:    a.events,
		Conflicts: a.detector,
		Merger:    a.engine,
		Notifier:  notifier,
		Metrics:   a.metrics,
	}, resolution.Options{
		DefaultSettings: resolution.Settings{
			RequireUnanimous:        cfg.Resolution.RequireUnanimous,
			VotingTimeout:           cfg.Resolution.VotingTimeout,
			AutoResolveAfterTimeout: cfg.Resolution.AutoResolveAfterTimeout,
		},
	}, logger)
	a.closers = append(a.closers, a.orch.Close)

	a.rec, err = reconstruct.New(a.events, a.metrics, reconstruct.Options{CacheSize: cfg.Cache.ReconstructSize}, logger)
	if err != nil {
		return nil, err
	}
	a.events.RegisterSnapshotter(reconstruct.StreamType, a.rec)
	a.events.Subscribe(a.rec.Invalidate)
	a.journal = reconstruct.NewJournal(a.events)

	return a, nil
}

func (a *app) newNotifier() (*notify.Notifier, error) {
	n := a.cfg.Notify
	if len(n.KafkaBrokers) == 0 {
		return notify.New(notify.NewLogSink(a.logger)), nil
	}
	producer, err := notify.NewKafkaProducer(n.KafkaBrokers, n.KafkaClientID)
	if err != nil {
		return nil, fmt.Errorf("connecting to kafka: %w", err)
	}
	sink := notify.NewKafkaSink(producer, n.KafkaTopic, notify.KafkaOptions{QueueSize: n.QueueSize}, a.logger)
	a.closers = append(a.closers, sink.Close)
	a.logger.Info("kafka notifications enabled", "brokers", n.KafkaBrokers, "topic", n.KafkaTopic)
	return notify.New(sink), nil
}

func (a *app) services() mcp.Services {
	return mcp.Services{
		Contents:    a.contents,
		Conflicts:   a.detector,
		Merges:      a.engine,
		Resolutions: a.orch,
		Journal:     a.journal,
		Sessions:    a.rec,
		Rules:       a.rules,
		Stats:       a.metrics,
	}
}

// seedRules creates configured rules whose names aren't stored yet.
func (a *app) seedRules(ctx context.Context) (int, error) {
	created := 0
	for _, rule := range a.cfg.Rules {
		now := time.Now().UTC()
		if rule.ID == "" {
			rule.ID = uuid.NewString()
		}
		rule.CreatedAt, rule.UpdatedAt = now, now
		err := a.rules.Create(ctx, &rule)
		if errors.Is(err, repository.ErrDuplicate) {
			continue
		}
		if err != nil {
			return created, fmt.Errorf("seeding rule %q: %w", rule.Name, err)
		}
		created++
	}
	return created, nil
}

// loadOpenResolutions brings unfinished resolution sessions back into memory
// so their voting timers run and ExpireStale sees them.
func (a *app) loadOpenResolutions(ctx context.Context) (int, error) {
	ids, err := a.store.ListStreams(ctx, "resolution")
	if err != nil {
		return 0, err
	}
	loaded := 0
	for _, streamID := range ids {
		id := strings.TrimPrefix(streamID, resolution.StreamID(""))
		s, err := a.orch.Load(ctx, id)
		if err != nil {
			a.logger.Warn("loading resolution session", "session_id", id, "error", err)
			continue
		}
		if !s.Status.Terminal() {
			loaded++
		}
	}
	return loaded, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func ensureDBDir(path string) error {
	if path == ":memory:" || path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
