package middleware

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"rtorrent-rpc/message"
)

var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitMiddleware rejects calls beyond r per second (token bucket of
// size burst) with ErrRateLimited.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (any, error) {
			if !limiter.Allow() {
				return nil, ErrRateLimited
			}
			return next(ctx, call)
		}
	}
}

// ThrottleMiddleware delays calls beyond r per second instead of rejecting
// them. It gives up when ctx ends first.
func ThrottleMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (any, error) {
			if err := limiter.Wait(ctx); err != nil {
				return nil, errors.Join(ErrRateLimited, err)
			}
			return next(ctx, call)
		}
	}
}
