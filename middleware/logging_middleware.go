package middleware

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"msglink/message"
)

// Logging logs every inbound command with its duration and, on failure, the
// error it answered with.
func Logging(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (json.RawMessage, error) {
			start := time.Now()
			data, err := next(ctx, req)
			fields := []zap.Field{
				zap.String("command", req.Command),
				zap.String("id", req.ID),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("command failed", append(fields, zap.Error(err))...)
			} else {
				logger.Debug("command served", fields...)
			}
			return data, err
		}
	}
}
