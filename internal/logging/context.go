// internal/logging/context.go
package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 4)

	// Trace correlation (from OpenTelemetry)
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if agentID := AgentIDFromContext(ctx); agentID != "" {
		fields = append(fields, zap.String("agent.id", agentID))
	}
	if passID := PassIDFromContext(ctx); passID != "" {
		fields = append(fields, zap.String("pass.id", passID))
	}

	return fields
}

// Context key types
type agentCtxKey struct{}
type passCtxKey struct{}
type loggerCtxKey struct{}

// WithAgentID adds the worker identity to context.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentCtxKey{}, agentID)
}

// AgentIDFromContext extracts the worker identity from context.
func AgentIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(agentCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// WithPassID adds a scheduler pass identifier (one bundling or drift run)
// to context.
func WithPassID(ctx context.Context, passID string) context.Context {
	return context.WithValue(ctx, passCtxKey{}, passID)
}

// PassIDFromContext extracts the pass identifier from context.
func PassIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(passCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context.
// Returns a nop logger if not found.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
