// Package inspector provides a session client for a remote JavaScript
// runtime exposing the Chrome DevTools / Node inspector protocol.
package inspector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-rod/rod/lib/proto"

	"github.com/dshills/runbok/internal/endpoint"
	"github.com/dshills/runbok/internal/execution"
	"github.com/dshills/runbok/internal/inspector/cdp"
)

// State represents the lifecycle state of a session.
type State int

const (
	// StateDisconnected is the initial and final state.
	StateDisconnected State = iota
	// StateConnecting is while the transport is being established.
	StateConnecting
	// StateConnected is after the runtime and console domains are enabled.
	StateConnected
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// DialFunc opens a transport to a WebSocket URL.
type DialFunc func(ctx context.Context, url string) (cdp.Transport, error)

// Session is one protocol conversation with a remote target.
type Session struct {
	desc       endpoint.Descriptor
	dial       DialFunc
	httpClient *http.Client
	logger     *slog.Logger

	client  *cdp.Client
	state   State
	live    map[*cdp.Client]struct{}
	stateMu sync.RWMutex

	// connectMu serializes Connect and Disconnect.
	connectMu sync.Mutex

	observers   map[int]Observer
	nextID      int
	observersMu sync.RWMutex
}

// Option configures a Session.
type Option func(*Session)

// WithDialer overrides how the WebSocket transport is opened.
func WithDialer(dial DialFunc) Option {
	return func(s *Session) {
		s.dial = dial
	}
}

// WithHTTPClient sets the client used for target discovery.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Session) {
		s.httpClient = c
	}
}

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		s.logger = l
	}
}

// NewSession creates a disconnected session for desc.
func NewSession(desc endpoint.Descriptor, opts ...Option) *Session {
	s := &Session{
		desc:       desc,
		dial:       dialWebSocket,
		httpClient: http.DefaultClient,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		live:       make(map[*cdp.Client]struct{}),
		observers:  make(map[int]Observer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func dialWebSocket(ctx context.Context, url string) (cdp.Transport, error) {
	return cdp.DialWebSocket(ctx, url, nil)
}

// Descriptor returns the endpoint the session targets.
func (s *Session) Descriptor() endpoint.Descriptor {
	return s.desc
}

// State returns the current state.
func (s *Session) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Connected reports whether the session can evaluate.
func (s *Session) Connected() bool {
	return s.State() == StateConnected
}

func (s *Session) setState(state State) {
	s.stateMu.Lock()
	s.state = state
	s.stateMu.Unlock()
}

// Connect establishes the session. Calling Connect on a connected session
// is a no-op.
func (s *Session) Connect(ctx context.Context) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	if s.State() == StateConnected {
		return nil
	}
	s.setState(StateConnecting)

	client, err := s.open(ctx)
	if err != nil {
		s.setState(StateDisconnected)
		return execution.Wrap(execution.KindConnection, err,
			fmt.Sprintf("failed to connect to %s", s.desc.Key()))
	}

	s.stateMu.Lock()
	s.client = client
	s.state = StateConnected
	s.live[client] = struct{}{}
	s.stateMu.Unlock()

	// The remote may have hung up before the client became current.
	select {
	case <-client.Done():
		s.stateMu.Lock()
		s.client = nil
		s.state = StateDisconnected
		s.stateMu.Unlock()
		return execution.Wrap(execution.KindConnection, cdp.ErrRemoteClosed,
			fmt.Sprintf("failed to connect to %s", s.desc.Key()))
	default:
	}

	s.logger.Debug("inspector session connected", "key", s.desc.Key())
	return nil
}

// open dials the transport and enables the runtime and console domains.
func (s *Session) open(ctx context.Context) (*cdp.Client, error) {
	url, err := s.webSocketURL(ctx)
	if err != nil {
		return nil, err
	}

	transport, err := s.dial(ctx, url)
	if err != nil {
		return nil, err
	}

	client := cdp.NewClient(transport)
	client.On("Runtime.consoleAPICalled", s.handleConsole)
	client.On("Runtime.exceptionThrown", s.handleException)
	client.OnClose(func(err error) { s.handleClosed(client, err) })

	if err := (proto.RuntimeEnable{}).Call(client.WithContext(ctx)); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("enable runtime: %w", err)
	}
	if err := (proto.ConsoleEnable{}).Call(client.WithContext(ctx)); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("enable console: %w", err)
	}
	return client, nil
}

// webSocketURL returns the session URL, discovering it when only host and
// port are known.
func (s *Session) webSocketURL(ctx context.Context) (string, error) {
	if s.desc.SessionURL != "" {
		return s.desc.SessionURL, nil
	}

	targets, err := cdp.ListTargets(ctx, s.httpClient, s.desc.Address())
	if err != nil {
		return "", err
	}
	target, err := cdp.SelectTarget(targets, s.desc.Target)
	if err != nil {
		return "", fmt.Errorf("%s: %w", s.desc.Address(), err)
	}
	return target.WebSocketDebuggerURL, nil
}

// Evaluate runs expression in the remote runtime, awaiting a returned
// promise, and returns its JSON value.
//
// A thrown exception is an evaluation error and leaves the session usable.
// Transport failures and context expiry are protocol errors and tear the
// session down.
func (s *Session) Evaluate(ctx context.Context, expression string) (any, error) {
	s.stateMu.RLock()
	client, state := s.client, s.state
	s.stateMu.RUnlock()

	if state != StateConnected || client == nil {
		return nil, execution.Wrap(execution.KindProtocol, ErrNotConnected, "")
	}

	res, err := proto.RuntimeEvaluate{
		Expression:    expression,
		ReturnByValue: true,
		AwaitPromise:  true,
	}.Call(client.WithContext(ctx))
	if err != nil {
		s.teardown(client)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, execution.Wrap(execution.KindProtocol, ctxErr, "evaluation timed out")
		}
		return nil, execution.Wrap(execution.KindProtocol, err, "evaluate")
	}

	if res.ExceptionDetails != nil {
		return nil, execution.Errorf(execution.KindEvaluation, "%s", exceptionMessage(res.ExceptionDetails))
	}
	return remoteValue(res.Result), nil
}

// Disconnect closes the session. It is idempotent.
func (s *Session) Disconnect() error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.stateMu.Lock()
	client := s.client
	s.client = nil
	s.state = StateDisconnected
	s.stateMu.Unlock()

	if client == nil {
		return nil
	}
	return client.Close()
}

// teardown disconnects after a failure if client is still current.
func (s *Session) teardown(client *cdp.Client) {
	s.stateMu.RLock()
	current := s.client == client
	s.stateMu.RUnlock()
	if current {
		if err := s.Disconnect(); err != nil {
			s.logger.Debug("inspector session teardown", "key", s.desc.Key(), "error", err)
		}
	}
}

// handleClosed runs once per client when its receive loop exits, whether by
// Disconnect, remote close or protocol failure.
func (s *Session) handleClosed(client *cdp.Client, err error) {
	s.stateMu.Lock()
	if s.client == client {
		s.client = nil
		s.state = StateDisconnected
	}
	_, announced := s.live[client]
	delete(s.live, client)
	s.stateMu.Unlock()

	// Clients that never finished connecting close silently.
	if !announced {
		return
	}

	if err != nil && !errors.Is(err, cdp.ErrRemoteClosed) {
		s.logger.Debug("inspector session failed", "key", s.desc.Key(), "error", err)
		s.emit(Event{Kind: EventError, Key: s.desc.Key(), Err: err})
	}
	s.emit(Event{Kind: EventDisconnected, Key: s.desc.Key(), Err: err})
}

func (s *Session) handleConsole(params []byte) {
	var ev proto.RuntimeConsoleAPICalled
	if err := json.Unmarshal(params, &ev); err != nil {
		return
	}
	s.emit(Event{Kind: EventConsole, Key: s.desc.Key(), Console: &ev})
}

func (s *Session) handleException(params []byte) {
	var ev proto.RuntimeExceptionThrown
	if err := json.Unmarshal(params, &ev); err != nil {
		return
	}
	s.emit(Event{Kind: EventException, Key: s.desc.Key(), Exception: &ev})
}

// exceptionMessage prefers the thrown value's description over the
// generic exception text.
func exceptionMessage(d *proto.RuntimeExceptionDetails) string {
	if d.Exception != nil {
		if d.Exception.Description != "" {
			return d.Exception.Description
		}
		if !d.Exception.Value.Nil() {
			return d.Exception.Value.String()
		}
	}
	if d.Text != "" {
		return d.Text
	}
	return "uncaught exception"
}

// remoteValue converts a by-value remote object to a JSON-compatible value.
func remoteValue(obj *proto.RuntimeRemoteObject) any {
	if obj == nil || obj.Type == proto.RuntimeRemoteObjectTypeUndefined {
		return nil
	}
	if obj.UnserializableValue != "" {
		return string(obj.UnserializableValue)
	}
	return obj.Value.Val()
}
