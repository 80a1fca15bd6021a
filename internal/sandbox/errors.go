package sandbox

import "errors"

var (
	// ErrSpent is returned when Run is called on a sandbox that already ran.
	ErrSpent = errors.New("sandbox already used")

	// ErrClosed is returned when running a closed sandbox.
	ErrClosed = errors.New("sandbox is closed")
)
