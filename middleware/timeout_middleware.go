package middleware

import (
	"context"
	"encoding/json"
	"time"

	"msglink/message"
)

type result struct {
	data json.RawMessage
	err  error
}

// Timeout bounds a handler by d, or by the caller's timeout annotation when
// that is shorter. An abandoned handler keeps running; its ctx is canceled.
func Timeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (json.RawMessage, error) {
			limit := d
			if annotated := req.TimeoutDuration(); annotated > 0 && (limit <= 0 || annotated < limit) {
				limit = annotated
			}
			if limit <= 0 {
				return next(ctx, req)
			}

			ctx, cancel := context.WithTimeout(ctx, limit)
			defer cancel()

			done := make(chan result, 1)
			go func() {
				data, err := next(ctx, req)
				done <- result{data, err}
			}()

			select {
			case r := <-done:
				return r.data, r.err
			case <-ctx.Done():
				return nil, message.NewError(message.ErrorCodeDeadlineExceeded, "command timed out")
			}
		}
	}
}
