package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	// Trace correlation (from OpenTelemetry)
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if workflowID := WorkflowIDFromContext(ctx); workflowID != "" {
		fields = append(fields, zap.String("workflow.id", workflowID))
	}
	if taskID := TaskIDFromContext(ctx); taskID != "" {
		fields = append(fields, zap.String("task.id", taskID))
	}
	if role := RoleFromContext(ctx); role != "" {
		fields = append(fields, zap.String("task.role", role))
	}

	return fields
}

// Context key types
type workflowCtxKey struct{}
type taskCtxKey struct{}
type roleCtxKey struct{}

// WithWorkflowID adds the workflow ID to context for log correlation.
func WithWorkflowID(ctx context.Context, workflowID string) context.Context {
	return context.WithValue(ctx, workflowCtxKey{}, workflowID)
}

// WorkflowIDFromContext extracts the workflow ID from context.
func WorkflowIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(workflowCtxKey{}).(string); ok {
		return id
	}
	return ""
}

// WithTaskID adds the task ID to context for log correlation.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskCtxKey{}, taskID)
}

// TaskIDFromContext extracts the task ID from context.
func TaskIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(taskCtxKey{}).(string); ok {
		return id
	}
	return ""
}

// WithRole adds the delegation role to context for log correlation.
func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, roleCtxKey{}, role)
}

// RoleFromContext extracts the delegation role from context.
func RoleFromContext(ctx context.Context) string {
	if r, ok := ctx.Value(roleCtxKey{}).(string); ok {
		return r
	}
	return ""
}

// loggerCtxKey is the context key for Logger.
type loggerCtxKey struct{}

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
