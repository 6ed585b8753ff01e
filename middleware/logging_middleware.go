package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"hostbridge/handler"
	"hostbridge/message"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next handler.HandlerFunc) handler.HandlerFunc {
		return func(ctx context.Context, req *handler.Request) *message.Reply {
			start := time.Now()
			reply := next(ctx, req)
			duration := time.Since(start)

			fields := []zap.Field{
				zap.String("target", req.Call.Target),
				zap.String("method", req.Call.Method),
				zap.Int("instance", req.Call.InstanceID),
				zap.Duration("duration", duration),
			}
			switch {
			case reply == nil:
				logger.Debug("call handled", append(fields, zap.Bool("replied", false))...)
			case reply.Success:
				logger.Debug("call handled", append(fields, zap.Bool("success", true))...)
			default:
				logger.Warn("call failed", append(fields, zap.String("error", reply.ErrorText()))...)
			}
			return reply
		}
	}
}
