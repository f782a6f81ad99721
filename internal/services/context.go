package services

import "context"

type contextKey string

const (
	packageKey   contextKey = "package"
	stageKey     contextKey = "stage"
	operationKey contextKey = "operation"
	requestIDKey contextKey = "request_id"
)

// PackageRef identifies the package an operation targets.
type PackageRef struct {
	PackageID string
	SourceID  string
}

// WithPackage annotates context with the target package identity.
func WithPackage(ctx context.Context, ref PackageRef) context.Context {
	if ref.PackageID == "" {
		return ctx
	}
	return context.WithValue(ctx, packageKey, ref)
}

// PackageFromContext extracts the package identity if present.
func PackageFromContext(ctx context.Context) (PackageRef, bool) {
	ref, ok := ctx.Value(packageKey).(PackageRef)
	if !ok || ref.PackageID == "" {
		return PackageRef{}, false
	}
	return ref, true
}

// WithStage annotates context with the pipeline stage name.
func WithStage(ctx context.Context, stage string) context.Context {
	if stage == "" {
		return ctx
	}
	return context.WithValue(ctx, stageKey, stage)
}

// StageFromContext returns the stage name if present.
func StageFromContext(ctx context.Context) (string, bool) {
	v := ctx.Value(stageKey)
	if str, ok := v.(string); ok && str != "" {
		return str, true
	}
	return "", false
}

// WithOperation annotates context with the operation command name.
func WithOperation(ctx context.Context, operation string) context.Context {
	if operation == "" {
		return ctx
	}
	return context.WithValue(ctx, operationKey, operation)
}

// OperationFromContext returns the operation command name if present.
func OperationFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(operationKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithRequestID annotates context with a correlation identifier.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the correlation identifier if present.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(requestIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}
