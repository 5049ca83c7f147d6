package types

import "context"

// Context Keys
type contextKey string

const (
	requestIDKey     contextKey = "request_id"
	triggerSourceKey contextKey = "trigger_source"
)

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithTriggerSource stores the run's trigger source in the context.
// Set by the trigger middleware from the X-Trigger-Source header.
func WithTriggerSource(ctx context.Context, src TriggerSource) context.Context {
	return context.WithValue(ctx, triggerSourceKey, src)
}

// GetTriggerSource retrieves the trigger source from the context.
// Defaults to TriggerScheduled when unset.
func GetTriggerSource(ctx context.Context) TriggerSource {
	if src, ok := ctx.Value(triggerSourceKey).(TriggerSource); ok {
		return src
	}
	return TriggerScheduled
}
