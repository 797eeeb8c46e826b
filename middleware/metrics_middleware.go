package middleware

import (
	"context"
	"time"

	"cborpc/message"
	"cborpc/observability"
)

// unknownMethod labels calls the table could not resolve, so callers cannot
// mint series with arbitrary names.
const unknownMethod = "unknown"

func methodLabel(key message.Key, code string) string {
	if code == message.InvalidMethod.String() {
		return unknownMethod
	}
	return key.String()
}

// Metrics records call counts and durations in the shared collectors.
func Metrics() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call message.CallMessage) (any, error) {
			start := time.Now()
			v, err := next(ctx, call)
			code := codeLabel(err)
			observability.RecordCall(methodLabel(call.Method, code), code, time.Since(start))
			return v, err
		}
	}
}
