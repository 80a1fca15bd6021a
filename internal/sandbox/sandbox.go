// Package sandbox runs assembled programs locally in single-use,
// capability-restricted interpreters.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/dshills/runbok/internal/execution"
	"github.com/dshills/runbok/internal/sandbox/fetch"
	luasandbox "github.com/dshills/runbok/internal/sandbox/lua"
)

// DefaultMaxCallStack bounds interpreter recursion.
const DefaultMaxCallStack = 1024

// Sandbox runs one program and is then discarded.
type Sandbox interface {
	Run(ctx context.Context, program string) (any, error)
	Close() error
}

// Capability is a host API that may be injected into a sandbox.
type Capability string

// CapabilityFetch injects fetch for outbound HTTP.
const CapabilityFetch Capability = "fetch"

// CapabilityError reports a capability the sandbox does not know.
type CapabilityError struct {
	Capability Capability
}

func (e *CapabilityError) Error() string {
	return "unknown capability: " + string(e.Capability)
}

// settings are shared by sandbox constructors and the factory.
type settings struct {
	logger       *slog.Logger
	fetch        *fetch.Client
	capabilities []Capability
	maxCallStack int
}

// Option configures sandboxes.
type Option func(*settings)

// WithLogger sets the logger console output is mirrored to.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		s.logger = l
	}
}

// WithFetchClient sets the client backing the fetch capability.
func WithFetchClient(c *fetch.Client) Option {
	return func(s *settings) {
		s.fetch = c
	}
}

// WithCapabilities grants capabilities to every sandbox.
func WithCapabilities(caps ...Capability) Option {
	return func(s *settings) {
		s.capabilities = append(s.capabilities, caps...)
	}
}

// WithMaxCallStack bounds interpreter call depth.
func WithMaxCallStack(n int) Option {
	return func(s *settings) {
		s.maxCallStack = n
	}
}

func newSettings(opts []Option) *settings {
	s := &settings{
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		maxCallStack: DefaultMaxCallStack,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.fetch == nil {
		s.fetch = fetch.New()
	}
	return s
}

// Factory builds a fresh sandbox per request.
type Factory struct {
	opts []Option
}

// NewFactory creates a Factory whose sandboxes share opts.
func NewFactory(opts ...Option) *Factory {
	return &Factory{opts: opts}
}

// New builds a sandbox for lang.
func (f *Factory) New(lang execution.Language) (Sandbox, error) {
	switch lang {
	case execution.LanguageJavaScript:
		return NewJavaScript(f.opts...)
	case execution.LanguageLua:
		return newLua(f.opts)
	default:
		return nil, execution.Errorf(execution.KindValidation, "no sandbox for language %v", lang)
	}
}

func newLua(opts []Option) (Sandbox, error) {
	s := newSettings(opts)

	sb := luasandbox.New(
		luasandbox.WithLogger(s.logger),
		luasandbox.WithFetchClient(s.fetch),
		luasandbox.WithCallStackSize(s.maxCallStack),
	)
	for _, c := range s.capabilities {
		var err error
		switch c {
		case CapabilityFetch:
			err = sb.Grant(luasandbox.CapabilityFetch)
		default:
			err = &CapabilityError{Capability: c}
		}
		if err != nil {
			_ = sb.Close()
			return nil, fmt.Errorf("grant %s: %w", c, err)
		}
	}
	return sb, nil
}
