package inspector

import "errors"

// Errors returned by sessions.
var (
	// ErrNotConnected is returned when evaluating on a session that is not
	// connected.
	ErrNotConnected = errors.New("inspector session not connected")
)
