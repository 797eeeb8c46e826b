// Package middleware wraps call dispatch in composable layers.
package middleware

import (
	"context"

	"cborpc/message"
)

// HandlerFunc dispatches one decoded call. A non-nil error is a
// *message.Error when it comes from the function table.
type HandlerFunc func(ctx context.Context, call message.CallMessage) (any, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so the first one listed runs outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// codeLabel names the outcome of a call for logs and metrics.
func codeLabel(err error) string {
	code, failed := message.CodeOf(err)
	if !failed {
		return "ok"
	}
	return code.String()
}
