package notify

import (
	"context"
	"log/slog"
)

// LogSink writes notifications to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &LogSink{logger: logger}
}

func (l *LogSink) Send(ctx context.Context, n Notification) {
	level := slog.LevelInfo
	if n.Kind == KindEscalated {
		level = slog.LevelWarn
	}
	l.logger.Log(ctx, level, "notification",
		"kind", n.Kind,
		"conflict_id", n.ConflictID,
		"resolution_id", n.ResolutionID,
		"recipients", n.Recipients,
		"status", n.Status,
		"reason", n.Reason,
	)
}
