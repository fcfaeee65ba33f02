package logx

import (
	"context"

	"pkt.systems/crewwatch/schema"
	"pkt.systems/pslog"
)

type contextKey int

const (
	targetKey contextKey = iota
	executionKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	if ctx == nil {
		ctx = context.Background()
	}
	return pslog.Ctx(ctx)
}

// Or returns logger when set, otherwise the context logger.
func Or(ctx context.Context, logger pslog.Logger) pslog.Logger {
	if logger != nil {
		return logger
	}
	return Ctx(ctx)
}

// WithTarget annotates the logger with the stream target if present.
func WithTarget(ctx context.Context, target schema.Target) pslog.Logger {
	log := Ctx(ctx)
	if target.IsZero() {
		return log
	}
	if current, ok := ctx.Value(targetKey).(schema.Target); ok && current == target {
		return log
	}
	return log.With("target", target.String())
}

// WithExecution annotates the logger with an execution id if present.
func WithExecution(log pslog.Logger, id schema.ExecutionID) pslog.Logger {
	if id != "" {
		log = log.With("execution", string(id))
	}
	return log
}

// ContextWithTarget stores the target marker on the context for log de-duplication.
func ContextWithTarget(ctx context.Context, target schema.Target) context.Context {
	if ctx == nil || target.IsZero() {
		return ctx
	}
	return context.WithValue(ctx, targetKey, target)
}

// ContextWithTargetLogger attaches the logger and target marker to the context.
func ContextWithTargetLogger(ctx context.Context, log pslog.Logger, target schema.Target) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithTarget(ctx, target)
}

// ContextWithExecution stores the execution marker on the context.
func ContextWithExecution(ctx context.Context, id schema.ExecutionID) context.Context {
	if ctx == nil || id == "" {
		return ctx
	}
	return context.WithValue(ctx, executionKey, id)
}

// ExecutionFromContext returns the execution marker, if any.
func ExecutionFromContext(ctx context.Context) (schema.ExecutionID, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(executionKey).(schema.ExecutionID)
	return id, ok && id != ""
}
