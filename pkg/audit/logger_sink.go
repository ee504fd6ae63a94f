package audit

import (
	"context"
	"log/slog"

	"github.com/polisai/polis-roots/pkg/domain"
)

// LoggerSink writes each record as a structured slog event.
type LoggerSink struct {
	logger *slog.Logger
}

// NewLoggerSink creates a sink that logs through logger.
func NewLoggerSink(logger *slog.Logger) *LoggerSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggerSink{logger: logger}
}

// Record logs entry; rejections are logged at warn level.
func (s *LoggerSink) Record(ctx context.Context, entry domain.SecurityAuditLog) error {
	attrs := []slog.Attr{
		slog.String("audit_id", entry.ID),
		slog.String("directory", entry.Directory),
		slog.String("normalized_path", entry.NormalizedPath),
		slog.String("policy", string(entry.Policy)),
		slog.String("outcome", string(entry.Outcome)),
		slog.Time("checked_at", entry.Timestamp),
	}
	if entry.Reason != "" {
		attrs = append(attrs, slog.String("reason", entry.Reason))
	}
	if entry.Code != domain.CodeNone {
		attrs = append(attrs, slog.String("code", string(entry.Code)))
	}

	level := slog.LevelInfo
	if entry.Outcome == domain.OutcomeRejected {
		level = slog.LevelWarn
	}

	s.logger.LogAttrs(ctx, level, "Security audit", attrs...)
	return nil
}

// Close is a no-op for the logger sink.
func (s *LoggerSink) Close() error {
	return nil
}
