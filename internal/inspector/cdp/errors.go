package cdp

import (
	"errors"
	"fmt"
)

// Errors returned by the client and transport.
var (
	// ErrClosed is returned for calls on a closed client and for calls that
	// were pending when the client closed.
	ErrClosed = errors.New("cdp client closed")

	// ErrRemoteClosed indicates the remote end closed the connection.
	ErrRemoteClosed = errors.New("connection closed by remote")

	// ErrInvalidMessage indicates a message that is not valid CDP JSON.
	ErrInvalidMessage = errors.New("invalid cdp message")

	// ErrNoTarget indicates discovery found no debuggable target.
	ErrNoTarget = errors.New("no debuggable target")
)

// ResponseError is an error object returned by the remote for a request.
type ResponseError struct {
	Method  string `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *ResponseError) Error() string {
	msg := fmt.Sprintf("%s: cdp error %d: %s", e.Method, e.Code, e.Message)
	if e.Data != "" {
		msg += " (" + e.Data + ")"
	}
	return msg
}
