package middleware

import (
	"context"
	"fmt"
	"time"

	"rtorrent-rpc/message"
)

// TimeOutMiddleware bounds a whole call, dial included. The returned error
// wraps context.DeadlineExceeded.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type reply struct {
				result any
				err    error
			}
			done := make(chan reply, 1)
			go func() {
				result, err := next(ctx, call)
				done <- reply{result, err}
			}()

			select {
			case r := <-done:
				return r.result, r.err
			case <-ctx.Done():
				return nil, fmt.Errorf("%s: %w", call.Method, ctx.Err())
			}
		}
	}
}
