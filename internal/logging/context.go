package logging

import (
	"context"
	"log/slog"

	"stevedore/internal/services"
)

const (
	// FieldComponent is the structured logging key for component names.
	FieldComponent = "component"
	// FieldRequestID is the key for the per-item handle assigned at enqueue.
	FieldRequestID = "request_id"
	// FieldPackageID is the key for package identifiers.
	FieldPackageID = "package_id"
	// FieldSourceID is the key for the catalog source a package came from.
	FieldSourceID = "source_id"
	// FieldStage is the key for pipeline stage names (download, operation).
	FieldStage = "stage"
	// FieldOperation is the key for operation command names such as root:install.
	FieldOperation = "operation"
	// FieldEventType tags log lines with a stable machine-readable event name.
	FieldEventType = "event_type"
	// FieldErrorHint carries an operator-facing next step for warnings and errors.
	FieldErrorHint = "error_hint"
)

// ContextFields extracts standardized slog attributes from ctx.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 5)
	if id, ok := services.RequestIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldRequestID, id))
	}
	if pkg, ok := services.PackageFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldPackageID, pkg.PackageID))
		if pkg.SourceID != "" {
			fields = append(fields, slog.String(FieldSourceID, pkg.SourceID))
		}
	}
	if stage, ok := services.StageFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldStage, stage))
	}
	if op, ok := services.OperationFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldOperation, op))
	}
	return fields
}

// WithContext returns logger augmented with fields derived from ctx.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	args := make([]any, 0, len(fields))
	for _, f := range fields {
		args = append(args, f)
	}
	return logger.With(args...)
}
