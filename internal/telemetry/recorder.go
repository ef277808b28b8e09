// Package telemetry records conflict, merge, resolution and replay outcomes
// as Prometheus metrics and as an in-process health summary.
package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rpggio/accord/internal/domain/conflict"
	"github.com/rpggio/accord/internal/domain/resolution"
)

const namespace = "accord"

// Recorder implements the Metrics interfaces of the conflict, merge,
// resolution and reconstruct packages. It is safe for concurrent use.
type Recorder struct {
	conflictsDetected  *prometheus.CounterVec
	conflictsClosed    *prometheus.CounterVec
	conflictLifetime   *prometheus.HistogramVec
	mergesTotal        *prometheus.CounterVec
	mergeDuration      *prometheus.HistogramVec
	resolutionsTotal   *prometheus.CounterVec
	resolutionDuration *prometheus.HistogramVec
	reconstructions    *prometheus.CounterVec
	replayedEvents     prometheus.Histogram

	mu    sync.Mutex
	stats stats
}

// NewRecorder registers the collectors on reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		conflictsDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conflict",
			Name:      "detected_total",
			Help:      "Conflicts detected by type and severity",
		}, []string{"type", "severity"}),
		conflictsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conflict",
			Name:      "closed_total",
			Help:      "Conflicts reaching a terminal status by type and status",
		}, []string{"type", "status"}),
		conflictLifetime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "conflict",
			Name:      "lifetime_seconds",
			Help:      "Time from detection to resolution or escalation",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 12), // 10ms to ~12h
		}, []string{"status"}),
		mergesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "merge",
			Name:      "executions_total",
			Help:      "Merge strategy executions by strategy and result",
		}, []string{"strategy", "result"}),
		mergeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "merge",
			Name:      "duration_seconds",
			Help:      "Merge strategy execution time",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16), // 0.5ms to ~16s
		}, []string{"strategy"}),
		resolutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolution",
			Name:      "sessions_total",
			Help:      "Finished resolution sessions by final status and conflict type",
		}, []string{"status", "conflict_type"}),
		resolutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "resolution",
			Name:      "session_duration_seconds",
			Help:      "Resolution session lifetime by final status",
			Buckets:   []float64{1, 10, 60, 300, 600, 1800, 3600, 14400, 86400},
		}, []string{"status"}),
		reconstructions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconstruct",
			Name:      "requests_total",
			Help:      "Session reconstructions by cache outcome",
		}, []string{"cache"}),
		replayedEvents: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconstruct",
			Name:      "replayed_events",
			Help:      "Events folded per uncached reconstruction",
			Buckets:   []float64{1, 10, 50, 100, 250, 1000, 5000},
		}),
		stats: newStats(),
	}
}

// ConflictDetected implements conflict.Metrics.
func (r *Recorder) ConflictDetected(d *conflict.Detection) {
	r.conflictsDetected.WithLabelValues(string(d.ConflictType), string(d.Severity)).Inc()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.total++
	r.stats.byType(string(d.ConflictType)).detected++
}

// ConflictClosed implements conflict.Metrics.
func (r *Recorder) ConflictClosed(d *conflict.Detection) {
	r.conflictsClosed.WithLabelValues(string(d.ConflictType), string(d.Status)).Inc()
	var lifetime time.Duration
	if d.ResolvedAt != nil {
		lifetime = d.ResolvedAt.Sub(d.DetectedAt)
		r.conflictLifetime.WithLabelValues(string(d.Status)).Observe(lifetime.Seconds())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.stats.byType(string(d.ConflictType))
	switch d.Status {
	case conflict.StatusResolved:
		r.stats.resolved++
		r.stats.resolutionTime += lifetime
		t.resolved++
	case conflict.StatusEscalated:
		r.stats.escalated++
		t.escalated++
	}
}

// MergeCompleted implements merge.Metrics.
func (r *Recorder) MergeCompleted(strategy string, success bool, elapsed time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	r.mergesTotal.WithLabelValues(strategy, result).Inc()
	r.mergeDuration.WithLabelValues(strategy).Observe(elapsed.Seconds())

	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.stats.merges[strategy]
	m.Attempts++
	if success {
		m.Successes++
	}
	r.stats.merges[strategy] = m
}

// ResolutionFinished implements resolution.Metrics.
func (r *Recorder) ResolutionFinished(status resolution.Status, conflictType string, elapsed time.Duration) {
	r.resolutionsTotal.WithLabelValues(string(status), conflictType).Inc()
	r.resolutionDuration.WithLabelValues(string(status)).Observe(elapsed.Seconds())

	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.sessions[string(status)]++
}

// Reconstructed implements reconstruct.Metrics.
func (r *Recorder) Reconstructed(cacheHit bool, events int, _ time.Duration) {
	if cacheHit {
		r.reconstructions.WithLabelValues("hit").Inc()
		return
	}
	r.reconstructions.WithLabelValues("miss").Inc()
	r.replayedEvents.Observe(float64(events))
}

// Stats returns a snapshot of the health summary.
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats.snapshot()
}
