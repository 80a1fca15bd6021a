// Package endpoint normalizes the many ways a user can name a remote
// debuggable target into a single Descriptor and derives the pool key from it.
package endpoint

import (
	"fmt"
	"strconv"
	"strings"
)

// Defaults applied when the input leaves a part unspecified.
const (
	DefaultHost = "localhost"
	DefaultPort = 9229

	// DefaultURLPort is used for ws:// and wss:// URLs without a port.
	DefaultURLPort = 9222
)

const devtoolsPagePrefix = "/devtools/page/"

// Descriptor is a normalized remote target.
type Descriptor struct {
	Host string
	Port int

	// Target is an optional target identifier; empty means none.
	Target string

	// SessionURL is the full WebSocket URL when one was given.
	SessionURL string
}

// Key returns the canonical pool key for the descriptor.
func (d Descriptor) Key() string {
	if d.SessionURL != "" {
		return d.SessionURL
	}
	hostPort := d.Address()
	if d.Target != "" {
		return hostPort + "/" + d.Target
	}
	return hostPort
}

// Address returns host:port, bracketing IPv6 literals.
func (d Descriptor) Address() string {
	host := d.Host
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}
	return host + ":" + strconv.Itoa(d.Port)
}

// String implements fmt.Stringer.
func (d Descriptor) String() string {
	return d.Key()
}

// Structured is an endpoint given as separate fields. Zero values take the
// defaults.
type Structured struct {
	Host       string `json:"host,omitempty" yaml:"host,omitempty"`
	Port       int    `json:"port,omitempty" yaml:"port,omitempty"`
	Target     string `json:"target,omitempty" yaml:"target,omitempty"`
	SessionURL string `json:"sessionUrl,omitempty" yaml:"sessionUrl,omitempty"`
}

// ResolveError reports raw input that does not describe an endpoint.
type ResolveError struct {
	Input  string
	Reason string
}

// Error implements the error interface.
func (e *ResolveError) Error() string {
	if e.Input == "" {
		return "invalid endpoint: " + e.Reason
	}
	return fmt.Sprintf("invalid endpoint %q: %s", e.Input, e.Reason)
}
