package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging.
// Use these constants instead of raw strings so log queries stay stable.
const (
	// Identity
	FieldJobID     = "job_id"
	FieldItemKey   = "item_key"
	FieldWorker    = "worker"
	FieldOwner     = "owner_scope"
	FieldJobType   = "job_type"
	FieldRequestID = "request_id"

	// Components
	FieldComponent = "component"

	// Engine state
	FieldStatus   = "status"
	FieldHint     = "hint"
	FieldStage    = "stage"
	FieldAttempt  = "attempt"
	FieldDecision = "decision_id"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError     = "error"
	FieldErrorCode = "error_code"

	// Counts
	FieldCount = "count"

	// Network
	FieldAddress = "address"
	FieldPath    = "path"
	FieldMethod  = "method"

	FieldSymbol = "symbol"
)

type contextKey string

const (
	jobIDKey     contextKey = "logger_job_id"
	workerKey    contextKey = "logger_worker"
	requestIDKey contextKey = "logger_request_id"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithWorker adds the claiming worker token to the context for logging
func WithWorker(ctx context.Context, worker string) context.Context {
	return context.WithValue(ctx, workerKey, worker)
}

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// FieldsFromContext extracts logging fields from context as key-value pairs.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if worker, ok := ctx.Value(workerKey).(string); ok && worker != "" {
		fields = append(fields, FieldWorker, worker)
	}
	if requestID, ok := ctx.Value(requestIDKey).(string); ok && requestID != "" {
		fields = append(fields, FieldRequestID, requestID)
	}

	return fields
}

// FromContext returns base enriched with the fields carried by ctx.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
//	engine := async.NewEngine(store, registry, logger.ComponentLogger("pulse.engine"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
