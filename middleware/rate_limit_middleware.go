package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"cborpc/message"
)

// RateLimit rejects calls beyond r per second (token bucket of size burst)
// with a RuntimeErrors result. The limiter is shared by every connection the
// chain serves.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call message.CallMessage) (any, error) {
			if !limiter.Allow() {
				return nil, message.Errorf(message.RuntimeErrors, "rate limit exceeded")
			}
			return next(ctx, call)
		}
	}
}
