package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"hostbridge/handler"
	"hostbridge/message"
)

// RateLimitMiddleware is a token-bucket limiter shared by every route it wraps.
// Rejected notifications are dropped silently.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next handler.HandlerFunc) handler.HandlerFunc {
		return func(ctx context.Context, req *handler.Request) *message.Reply {
			if !limiter.Allow() {
				return req.Fail("rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
