package middleware

import (
	"hostbridge/handler"
)

type Middleware func(next handler.HandlerFunc) handler.HandlerFunc

// Chain composes middlewares so that Chain(a, b, c)(h) == a(b(c(h))).
func Chain(middlewares ...Middleware) Middleware {
	return func(next handler.HandlerFunc) handler.HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
