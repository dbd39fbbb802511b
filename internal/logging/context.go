package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	sessionIDKey ctxKey = iota
	cascadeIDKey
	cellKey
)

// WithSessionID returns a context with the session ID set.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// WithCascadeID returns a context with the cascade ID set.
func WithCascadeID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, cascadeIDKey, id)
}

// WithCell returns a context with the cell name set.
func WithCell(ctx context.Context, cell string) context.Context {
	return context.WithValue(ctx, cellKey, cell)
}

// SessionID extracts the session ID from the context, or "" if absent.
func SessionID(ctx context.Context) string {
	v, _ := ctx.Value(sessionIDKey).(string)
	return v
}

// CascadeID extracts the cascade ID from the context, or "" if absent.
func CascadeID(ctx context.Context) string {
	v, _ := ctx.Value(cascadeIDKey).(string)
	return v
}

// Cell extracts the cell name from the context, or "" if absent.
func Cell(ctx context.Context) string {
	v, _ := ctx.Value(cellKey).(string)
	return v
}

// WithIDs sets all three correlation IDs on the context at once.
func WithIDs(ctx context.Context, sessionID, cascadeID, cell string) context.Context {
	ctx = WithSessionID(ctx, sessionID)
	ctx = WithCascadeID(ctx, cascadeID)
	ctx = WithCell(ctx, cell)
	return ctx
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if sID := SessionID(ctx); sID != "" {
		logger = logger.With(slog.String("session_id", sID))
	}
	if cID := CascadeID(ctx); cID != "" {
		logger = logger.With(slog.String("cascade_id", cID))
	}
	if cell := Cell(ctx); cell != "" {
		logger = logger.With(slog.String("cell", cell))
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := SessionID(ctx); v != "" {
		r.AddAttrs(slog.String("session_id", v))
	}
	if v := CascadeID(ctx); v != "" {
		r.AddAttrs(slog.String("cascade_id", v))
	}
	if v := Cell(ctx); v != "" {
		r.AddAttrs(slog.String("cell", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
