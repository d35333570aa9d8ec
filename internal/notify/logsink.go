package notify

import (
	"context"
	"log/slog"
)

// LogSink writes events to a structured logger instead of delivering them.
// It stands in for email/SMS delivery in development.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Notify implements Sink.
func (s *LogSink) Notify(_ context.Context, e Event) error {
	s.logger.Info("notification",
		"type", e.Type,
		"audience", e.Audience,
		"release_id", e.ReleaseID,
		"release_number", e.ReleaseNumber,
		"recipients", len(e.Recipients),
		"message", e.Message,
	)
	return nil
}
