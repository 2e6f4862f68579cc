package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"rtorrent-rpc/message"
	"rtorrent-rpc/transport"
)

// RetryMiddleware retries calls whose connection could not be established,
// waiting baseDelay, 2*baseDelay, 4*baseDelay... between attempts. Calls that
// failed after the request was sent are never retried: the daemon may have
// executed them.
func RetryMiddleware(maxRetries int, baseDelay time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (any, error) {
			result, err := next(ctx, call)
			for i := 0; i < maxRetries && retryable(err); i++ {
				delay := baseDelay * time.Duration(1<<i)
				logrus.WithFields(logrus.Fields{
					"method":  call.Method,
					"attempt": i + 1,
					"delay":   delay,
				}).WithError(err).Info("retrying rpc call")

				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return nil, err
				}
				result, err = next(ctx, call)
			}
			return result, err
		}
	}
}

func retryable(err error) bool {
	var connErr *transport.ConnectionError
	return errors.As(err, &connErr) && connErr.Op == "dial"
}
