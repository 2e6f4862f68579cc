package middleware

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"rtorrent-rpc/message"
)

// LoggingMiddleware logs every call with its method, a random call id and
// the time it took. Failed calls are logged at warning level.
func LoggingMiddleware(logger logrus.FieldLogger) Middleware {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (any, error) {
			entry := logger.WithFields(logrus.Fields{
				"method":  call.Method,
				"call_id": uuid.NewString(),
			})
			entry.WithField("params", len(call.Params)).Debug("rpc call")

			start := time.Now()
			result, err := next(ctx, call)
			entry = entry.WithField("duration", time.Since(start))
			if err != nil {
				entry.WithError(err).Warn("rpc call failed")
				return nil, err
			}
			entry.Info("rpc call")
			return result, nil
		}
	}
}
