package middleware

import (
	"context"
	"time"

	"hostbridge/handler"
	"hostbridge/message"
)

func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next handler.HandlerFunc) handler.HandlerFunc {
		return func(ctx context.Context, req *handler.Request) *message.Reply {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Reply, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case reply := <-done:
				return reply
			case <-ctx.Done():
				return req.Fail("request timed out")
			}
		}
	}
}
