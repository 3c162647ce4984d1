package observability

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

type correlationKey struct{}

// WithCorrelationID binds a request's correlation identifier to ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the identifier bound by WithCorrelationID, or "".
func CorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// CorrelationAttribute is the span attribute carrying the request's correlation identifier.
func CorrelationAttribute(ctx context.Context) attribute.KeyValue {
	return attribute.String("correlation_id", CorrelationID(ctx))
}

// ContextLogger returns base annotated with the correlation identifier carried by ctx.
func ContextLogger(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	if id := CorrelationID(ctx); id != "" {
		return base.With().Str("correlation_id", id).Logger()
	}
	return base
}
