// Copyright 2023 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package rpc

import "context"

type tracingKey struct{}

type tracing struct {
	traceID    string
	spanID     string
	traceFlags int
}

// WithTracing returns a context carrying the given tracing ids. Messages
// sent with the context carry them too.
func WithTracing(ctx context.Context, traceID, spanID string, traceFlags int) context.Context {
	return context.WithValue(ctx, tracingKey{}, tracing{
		traceID:    traceID,
		spanID:     spanID,
		traceFlags: traceFlags,
	})
}

// TracingFromContext returns the tracing ids held by ctx.
func TracingFromContext(ctx context.Context) (traceID, spanID string, traceFlags int) {
	t, ok := ctx.Value(tracingKey{}).(tracing)
	if !ok {
		return "", "", 0
	}
	return t.traceID, t.spanID, t.traceFlags
}
