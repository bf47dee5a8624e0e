package middleware

import (
	"context"
	"encoding/json"
	"time"

	"msglink/message"
	"msglink/metrics"
)

// Metrics counts inbound commands by status and observes handler latency.
func Metrics(m *metrics.Metrics) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (json.RawMessage, error) {
			start := time.Now()
			data, err := next(ctx, req)
			m.CommandHandled(req.Command, status(err), time.Since(start))
			return data, err
		}
	}
}
