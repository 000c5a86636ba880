// Package logger provides structured logging using log/slog.
// It sets up a JSON handler with service-level context, optionally tees
// output into a rotating file, and propagates request IDs through
// context.Context.
package logger

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

type ctxKey string

const requestIDKey ctxKey = "request_id"

// FileOptions controls log file rotation.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Init creates and returns a structured logger for the given service.
// The logger outputs JSON to stdout with the service name embedded; when
// file.Path is set, output is also written to a rotating file.
func Init(service string, level slog.Level, file FileOptions) *slog.Logger {
	return initWriter(service, level, output(os.Stdout, file))
}

func initWriter(service string, level slog.Level, w io.Writer) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(handler).With(
		slog.String("service", service),
	)

	// Set as default so log/slog.Info() etc. also use structured output
	slog.SetDefault(logger)
	// Route the [component] banners through the same writer
	log.SetOutput(w)

	return logger
}

func output(stdout io.Writer, file FileOptions) io.Writer {
	if file.Path == "" {
		return stdout
	}
	if file.MaxSizeMB <= 0 {
		file.MaxSizeMB = 100
	}
	return io.MultiWriter(stdout, &lumberjack.Logger{
		Filename:   file.Path,
		MaxSize:    file.MaxSizeMB,
		MaxBackups: file.MaxBackups,
		MaxAge:     file.MaxAgeDays,
		Compress:   true,
	})
}

// ParseLevel maps debug/info/warn/error to a slog level. Unknown values
// fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// WithRequestID stores a request ID in the context for downstream propagation.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID extracts the request ID from context. Returns "" if not set.
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// GenerateRequestID creates an ID from a prefix and timestamp.
// Format: "{prefix}-{unixNano}".
func GenerateRequestID(prefix string, ts time.Time) string {
	return fmt.Sprintf("%s-%d", prefix, ts.UnixNano())
}

// Attrs returns slog attributes including the request ID from context.
// Usage: slog.Info("msg", logger.Attrs(ctx)...)
func Attrs(ctx context.Context) []any {
	id := RequestID(ctx)
	if id == "" {
		return nil
	}
	return []any{slog.String("request_id", id)}
}
