// Package rqlog adapts the teacher's pkg/logger pattern (layered slog.Handler
// with OpenTelemetry trace correlation, package-level Init/L()) for use
// inside the reliable-queue module, scoped so it doesn't collide with a host
// application's own logger singleton.
package rqlog

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

var (
	defaultLogger *slog.Logger
	once          sync.Once
)

// Config controls the module-scoped logger.
type Config struct {
	Level  string // DEBUG, INFO, WARN, ERROR
	Format string // JSON or TEXT
}

// Init builds and installs the module-scoped logger. Safe to call multiple
// times; only the first call's Config sticks for L()'s lazy fallback.
func Init(cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().Format(time.RFC3339))
			}
			return a
		},
	}

	var h slog.Handler
	if cfg.Format == "TEXT" {
		h = slog.NewTextHandler(os.Stdout, opts)
	} else {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	h = newTraceHandler(h)

	logger := slog.New(h)
	once.Do(func() { defaultLogger = logger })
	return defaultLogger
}

// L returns the module-scoped logger, initializing a sensible default
// (INFO/JSON) on first use if Init was never called.
func L() *slog.Logger {
	if defaultLogger == nil {
		return Init(Config{Level: "INFO", Format: "JSON"})
	}
	return defaultLogger
}

func parseLevel(level string) slog.Level {
	switch level {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// traceHandler injects trace_id/span_id from the context's active OpenTelemetry
// span, mirroring the teacher's pkg/logger.TraceHandler.
type traceHandler struct {
	next slog.Handler
}

func newTraceHandler(next slog.Handler) *traceHandler {
	return &traceHandler{next: next}
}

func (h *traceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *traceHandler) Handle(ctx context.Context, r slog.Record) error {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		r.AddAttrs(
			slog.String("trace_id", span.SpanContext().TraceID().String()),
			slog.String("span_id", span.SpanContext().SpanID().String()),
		)
	}
	return h.next.Handle(ctx, r)
}

func (h *traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceHandler{next: h.next.WithAttrs(attrs)}
}

func (h *traceHandler) WithGroup(name string) slog.Handler {
	return &traceHandler{next: h.next.WithGroup(name)}
}
