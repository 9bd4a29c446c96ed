// Package observability provides logging, metrics and goroutine supervision.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type ctxKey string

const ctxKeyLogger ctxKey = "logger"

var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

// Logger returns the process logger.
func Logger() *slog.Logger {
	return logger
}

// Configure replaces the process logger and returns it.
func Configure(level, format string, w io.Writer) *slog.Logger {
	logger = NewLogger(level, format, w)
	slog.SetDefault(logger)
	return logger
}

// NewLogger builds a JSON or text logger at the given level.
func NewLogger(level, format string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(level string) slog.Level {
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

// WithLogger stores a scoped logger in the context.
func WithLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKeyLogger, l)
}

// LoggerFromContext returns the scoped logger, or the process logger.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKeyLogger).(*slog.Logger); ok && l != nil {
		return l
	}
	return logger
}
