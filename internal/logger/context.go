package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds transfer-scoped logging context
type LogContext struct {
	TraceID    string    // OpenTelemetry trace ID
	SpanID     string    // OpenTelemetry span ID
	TransferID int64     // Catalog transfer id
	Datanode   string    // Source data node hostname
	URL        string    // Remote file URL
	StartTime  time.Time // For duration calculation
}

// WithContext returns a new context with the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// WithTransfer returns a context carrying transfer identification for logs.
func WithTransfer(ctx context.Context, transferID int64, datanode, url string) context.Context {
	return WithContext(ctx, &LogContext{
		TransferID: transferID,
		Datanode:   datanode,
		URL:        url,
		StartTime:  time.Now(),
	})
}
