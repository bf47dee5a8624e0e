package message

import "fmt"

// Error is the application-level failure carried back in a Response.
type Error struct {
	Code    int32  `json:"code"`
	Message string `json:"message"`
}

const (
	ErrorCodeOK                = 0
	ErrorCodeCanceled          = 1
	ErrorCodeUnknown           = 2
	ErrorCodeInvalidArgument   = 3
	ErrorCodeDeadlineExceeded  = 4
	ErrorCodeNotFound          = 5
	ErrorCodeResourceExhausted = 8
	ErrorCodeInternal          = 13
	ErrorCodeUnavailable       = 14
)

// ErrUnknownCommand matches, via errors.Is, any Error reporting that the
// peer has no handler for the requested command.
var ErrUnknownCommand = &Error{Code: ErrorCodeNotFound, Message: "unknown command"}

func NewError(code int32, message string) *Error {
	return &Error{Code: code, Message: message}
}

// UnknownCommand is the error returned for a command with no registered handler.
func UnknownCommand(command string) *Error {
	return &Error{Code: ErrorCodeNotFound, Message: fmt.Sprintf("unknown command: %s", command)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}
