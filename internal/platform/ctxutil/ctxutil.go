package ctxutil

import (
	"context"
	"time"
)

// DefaultTimeout bounds every upstream call (LLM, embedder, backends) that the
// caller did not already bound.
const DefaultTimeout = 30 * time.Second

// Default returns ctx unchanged when it already carries a deadline, otherwise
// a child context bounded by DefaultTimeout. The returned cancel func is a
// no-op in the first case.
func Default(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, DefaultTimeout)
}

type traceDataKey struct{}

type TraceData struct {
	TraceID   string
	RequestID string
}

func WithTraceData(ctx context.Context, td *TraceData) context.Context {
	return context.WithValue(ctx, traceDataKey{}, td)
}

func GetTraceData(ctx context.Context) *TraceData {
	val := ctx.Value(traceDataKey{})
	if td, ok := val.(*TraceData); ok {
		return td
	}
	return nil
}
