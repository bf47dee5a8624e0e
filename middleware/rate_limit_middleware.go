package middleware

import (
	"context"
	"encoding/json"

	"golang.org/x/time/rate"

	"msglink/message"
)

// RateLimit rejects commands beyond r per second (token bucket with the
// given burst) with a ResourceExhausted error.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (json.RawMessage, error) {
			if !limiter.Allow() {
				return nil, message.NewError(message.ErrorCodeResourceExhausted, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
