// Package lua runs Lua field snippets in a single-use, restricted
// gopher-lua state.
package lua

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/runbok/internal/execution"
	"github.com/dshills/runbok/internal/sandbox/fetch"
)

// DefaultCallStackSize bounds Lua call depth.
const DefaultCallStackSize = 1024

// Sandbox is a single-use Lua state.
//
// gopher-lua's LState is not goroutine-safe; Run must not be called
// concurrently with anything else on the same Sandbox.
type Sandbox struct {
	L *lua.LState

	logger        *slog.Logger
	fetch         *fetch.Client
	callStackSize int

	capabilities map[Capability]bool

	mu     sync.Mutex
	logs   []string
	used   bool
	closed bool
}

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithLogger sets the logger print output is mirrored to.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sandbox) {
		s.logger = l
	}
}

// WithFetchClient sets the client backing the fetch capability.
func WithFetchClient(c *fetch.Client) Option {
	return func(s *Sandbox) {
		s.fetch = c
	}
}

// WithCallStackSize bounds Lua call depth.
func WithCallStackSize(n int) Option {
	return func(s *Sandbox) {
		s.callStackSize = n
	}
}

// New creates a restricted Lua sandbox.
func New(opts ...Option) *Sandbox {
	s := &Sandbox{
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		callStackSize: DefaultCallStackSize,
		capabilities:  make(map[Capability]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.fetch == nil {
		s.fetch = fetch.New()
	}

	s.L = lua.NewState(lua.Options{
		SkipOpenLibs:  true,
		CallStackSize: s.callStackSize,
	})
	openSafeLibraries(s.L)
	s.install()
	return s
}

// openSafeLibraries opens only base, table, string and math. io, os,
// debug and package stay closed.
func openSafeLibraries(L *lua.LState) {
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
}

// Logs returns captured print lines.
func (s *Sandbox) Logs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.logs...)
}

// Run executes program as a chunk and returns its first return value.
// Errors raised by the chunk and context expiry are evaluation errors.
func (s *Sandbox) Run(ctx context.Context, program string) (any, error) {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return nil, ErrClosed
	case s.used:
		s.mu.Unlock()
		return nil, ErrSpent
	}
	s.used = true
	s.mu.Unlock()

	s.L.SetContext(ctx)
	defer s.L.RemoveContext()

	fn, err := s.L.LoadString(program)
	if err != nil {
		return nil, execution.Wrap(execution.KindEvaluation, err, "syntax error")
	}

	top := s.L.GetTop()
	s.L.Push(fn)
	if err := s.doWithRecovery(func() error {
		return s.L.PCall(0, 1, nil)
	}); err != nil {
		return nil, runError(ctx, err)
	}

	ret := s.L.Get(-1)
	s.L.SetTop(top)
	return exportValue(ret), nil
}

// doWithRecovery executes fn with panic recovery.
func (s *Sandbox) doWithRecovery(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return fn()
}

func runError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return execution.Wrap(execution.KindEvaluation, ctxErr, "execution timed out")
	}
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Object != nil {
		return execution.Errorf(execution.KindEvaluation, "%s", apiErr.Object.String())
	}
	return execution.Wrap(execution.KindEvaluation, err, "")
}

// Close releases the Lua state.
func (s *Sandbox) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.L.Close()
	s.closed = true
	return nil
}
