package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"msglink/message"
)

// Recovery turns a handler panic into an Internal error so the caller still
// gets its Response.
func Recovery(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (data json.RawMessage, err error) {
			defer func() {
				if p := recover(); p != nil {
					logger.Error("command panicked",
						zap.String("command", req.Command),
						zap.Any("panic", p),
						zap.ByteString("stack", debug.Stack()))
					data = nil
					err = message.NewError(message.ErrorCodeInternal, fmt.Sprintf("panic: %v", p))
				}
			}()
			return next(ctx, req)
		}
	}
}
