// Package middleware wraps inbound command handlers in an onion chain.
package middleware

import (
	"context"
	"encoding/json"
	"errors"

	"msglink/message"
)

// HandlerFunc serves one inbound Request. A non-nil error becomes the error
// carried by the Response; a *message.Error keeps its code.
type HandlerFunc func(ctx context.Context, req *message.Request) (json.RawMessage, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one is the outermost:
// Chain(A, B)(h) runs A, then B, then h.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// errorCode returns the code a handler error will carry on the wire.
func errorCode(err error) int32 {
	if err == nil {
		return message.ErrorCodeOK
	}
	var e *message.Error
	switch {
	case errors.As(err, &e):
		return e.Code
	case errors.Is(err, context.DeadlineExceeded):
		return message.ErrorCodeDeadlineExceeded
	case errors.Is(err, context.Canceled):
		return message.ErrorCodeCanceled
	}
	return message.ErrorCodeUnknown
}

func status(err error) string {
	switch errorCode(err) {
	case message.ErrorCodeOK:
		return "ok"
	case message.ErrorCodeNotFound:
		return "not_found"
	case message.ErrorCodeDeadlineExceeded:
		return "deadline_exceeded"
	case message.ErrorCodeResourceExhausted:
		return "resource_exhausted"
	case message.ErrorCodeInternal:
		return "internal"
	case message.ErrorCodeInvalidArgument:
		return "invalid_argument"
	}
	return "error"
}
