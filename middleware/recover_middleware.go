package middleware

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"hostbridge/handler"
	"hostbridge/message"
)

// RecoverMiddleware turns a handler panic into a failure reply so the
// dispatcher goroutine keeps running.
func RecoverMiddleware(logger *zap.Logger) Middleware {
	return func(next handler.HandlerFunc) handler.HandlerFunc {
		return func(ctx context.Context, req *handler.Request) (reply *message.Reply) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler panicked",
						zap.String("route", req.Call.Route()),
						zap.Any("panic", r),
						zap.Stack("stack"),
					)
					reply = req.Fail(fmt.Sprintf("internal error in %s", req.Call.Route()))
				}
			}()
			return next(ctx, req)
		}
	}
}
