package middleware

import (
	"context"
	"time"

	"hostbridge/handler"
	"hostbridge/message"
	"hostbridge/metrics"
)

func MetricsMiddleware(m *metrics.Metrics) Middleware {
	return func(next handler.HandlerFunc) handler.HandlerFunc {
		return func(ctx context.Context, req *handler.Request) *message.Reply {
			start := time.Now()
			reply := next(ctx, req)

			outcome := "ok"
			switch {
			case reply == nil:
				outcome = "no_reply"
			case !reply.Success:
				outcome = "error"
			}
			m.RecordDispatch(req.Call.Route(), outcome, time.Since(start))
			return reply
		}
	}
}
