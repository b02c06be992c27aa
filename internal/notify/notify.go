package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/rickgao/ovh-sniper/internal/model"
)

// Sink delivers a notification somewhere.
type Sink interface {
	Notify(ctx context.Context, n model.Notification) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, n model.Notification) error

// Notify calls f.
func (f SinkFunc) Notify(ctx context.Context, n model.Notification) error {
	return f(ctx, n)
}

// Multi fans a notification out to every sink. All sinks are attempted;
// their errors are joined.
type Multi []Sink

// Notify delivers n to each sink in order.
func (m Multi) Notify(ctx context.Context, n model.Notification) error {
	var errs []error
	for _, s := range m {
		if err := s.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes notifications to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Notify logs n.
func (s *LogSink) Notify(_ context.Context, n model.Notification) error {
	attrs := []any{
		"kind", string(n.Kind),
		"watch_id", n.WatchID,
		"detail", n.Detail,
	}
	if n.Target != nil {
		attrs = append(attrs, "target", n.Target.DisplayName())
	}
	if n.Raw != "" {
		attrs = append(attrs, "raw", n.Raw)
	}

	level := slog.LevelInfo
	switch n.Kind {
	case model.NotifyOrderFailed, model.NotifyAuthFailed, model.NotifyRateLimited:
		level = slog.LevelWarn
	}
	s.logger.Log(context.Background(), level, "notification", attrs...)
	return nil
}
