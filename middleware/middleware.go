// Package middleware decorates client calls: logging, timeouts, client-side
// rate limiting and retries of calls that never reached the daemon.
package middleware

import (
	"context"

	"rtorrent-rpc/message"
)

// HandlerFunc performs a call and returns the decoded result.
type HandlerFunc func(ctx context.Context, call *message.Call) (any, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines middlewares so that the first one runs outermost:
// Chain(A, B, C)(h) is A(B(C(h))).
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
