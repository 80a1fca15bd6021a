package lua

import "errors"

var (
	// ErrClosed is returned when running a closed sandbox.
	ErrClosed = errors.New("lua sandbox is closed")

	// ErrSpent is returned when Run is called a second time.
	ErrSpent = errors.New("lua sandbox already used")
)

// CapabilityError is returned for capabilities the sandbox cannot grant.
type CapabilityError struct {
	Capability Capability
}

func (e *CapabilityError) Error() string {
	return "unknown capability: " + string(e.Capability)
}
