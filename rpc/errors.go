package rpc

import (
	"context"
	"errors"

	"msglink/message"
	"msglink/metrics"
)

var (
	// ErrTimeout is returned by CallRemote when no Response arrived before the
	// call's deadline.
	ErrTimeout = errors.New("rpc: call timed out")
	// ErrConnectionLost is returned for every call still pending when the
	// connection it was sent on is disposed.
	ErrConnectionLost = errors.New("rpc: connection lost")
	// ErrNotConnected is returned when no connection is installed.
	ErrNotConnected = errors.New("rpc: not connected")
)

// toWireError converts a handler error into the error carried by a Response.
func toWireError(err error) *message.Error {
	var e *message.Error
	switch {
	case errors.As(err, &e):
		return e
	case errors.Is(err, context.DeadlineExceeded):
		return message.NewError(message.ErrorCodeDeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return message.NewError(message.ErrorCodeCanceled, err.Error())
	}
	return message.NewError(message.ErrorCodeUnknown, err.Error())
}

func outcome(err error) string {
	var e *message.Error
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.As(err, &e):
		return metrics.OutcomeRemoteError
	case errors.Is(err, ErrTimeout):
		return metrics.OutcomeTimeout
	case errors.Is(err, ErrConnectionLost), errors.Is(err, ErrNotConnected):
		return metrics.OutcomeConnectionLost
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return metrics.OutcomeCanceled
	}
	return metrics.OutcomeSendFailed
}
