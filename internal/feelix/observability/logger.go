// Package observability configures structured logging for Feelix.
//
// Every line emitted while a turn is in flight carries the turn's trace_id
// and a hashed user tag, never the raw transport id.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/bdobrica/feelix/common/redact"
	"github.com/bdobrica/feelix/common/trace"
)

// Setup installs the default slog logger. level is one of debug, info,
// warn, error; format is "json" or "text".
func Setup(level, format string) {
	slog.SetDefault(New(os.Stdout, level, format))
}

// New builds a logger writing to w.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithTrace returns base enriched with the trace_id carried by ctx.
func WithTrace(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	if id := trace.FromContext(ctx); id != "" {
		return base.With("trace_id", id)
	}
	return base
}

// ForUser returns a turn logger tagged with the trace and the hashed user.
func ForUser(ctx context.Context, base *slog.Logger, userID int64) *slog.Logger {
	return WithTrace(ctx, base).With("user", redact.UserTag(userID))
}
