package rpc

import (
	"errors"
	"fmt"
)

// Error codes carried across the boundary alongside the message text.
const (
	CodeNoHandler    = "no_handler"
	CodeHandlerFault = "handler_fault"
	// CodeTooLarge answers a call whose response does not fit in one frame.
	CodeTooLarge = "too_large"
)

var (
	// ErrNoHandler matches remote errors for unregistered methods.
	ErrNoHandler = errors.New("no handler")
	// ErrHandlerFault matches remote errors raised by a handler.
	ErrHandlerFault = errors.New("handler fault")
	// ErrTooLarge matches remote errors for responses over the frame limit.
	ErrTooLarge = errors.New("response too large")
)

// RemoteError is a failure reported by the peer. Only Code and Message
// cross the boundary; the original error value does not.
type RemoteError struct {
	Code    string
	Method  string
	Message string
}

// NewError returns an error that is reported to the peer with code.
func NewError(code, format string, args ...any) *RemoteError {
	return &RemoteError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *RemoteError) Error() string { return e.Message }

// Is matches the sentinel for the error's code.
func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrNoHandler:
		return e.Code == CodeNoHandler
	case ErrHandlerFault:
		return e.Code == CodeHandlerFault
	case ErrTooLarge:
		return e.Code == CodeTooLarge
	}
	return false
}

func noHandler(method string) *RemoteError {
	return &RemoteError{
		Code:    CodeNoHandler,
		Method:  method,
		Message: "no handler for method: " + method,
	}
}

// codeOf picks the wire code for a handler error.
func codeOf(err error) string {
	var re *RemoteError
	if errors.As(err, &re) && re.Code != "" {
		return re.Code
	}
	return CodeHandlerFault
}
