package obs

import (
	"log/slog"
	"os"
)

// NewLogger builds the process-wide slog.Logger, JSON in production and
// text otherwise, matching the teacher's split between structured and
// human-readable output by environment.
func NewLogger(env string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// Component returns a logger tagged with a component name, the pattern
// used across internal/wal, internal/hooks, internal/clientchan, etc.
func Component(base *slog.Logger, name string) *slog.Logger {
	return base.With("component", name)
}
