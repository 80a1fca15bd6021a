// Package pool keeps one live inspector session per remote target,
// de-duplicating concurrent connection attempts and evicting idle sessions.
package pool

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/dshills/runbok/internal/endpoint"
	"github.com/dshills/runbok/internal/execution"
	"github.com/dshills/runbok/internal/inspector"
)

// Default pool timings.
const (
	DefaultSweepInterval    = 5 * time.Minute
	DefaultIdleTimeout      = 10 * time.Minute
	DefaultActiveWindow     = 30 * time.Second
	DefaultEvictionGrace    = 5 * time.Second
	DefaultDialTimeout      = 10 * time.Second
	DefaultCloseConcurrency = 8
)

// Session is the part of an inspector session the pool relies on.
type Session interface {
	Evaluate(ctx context.Context, expression string) (any, error)
	Disconnect() error
	Connected() bool
	Subscribe(o inspector.Observer) (unsubscribe func())
}

// Dialer opens connected sessions.
type Dialer interface {
	Dial(ctx context.Context, desc endpoint.Descriptor) (Session, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, desc endpoint.Descriptor) (Session, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, desc endpoint.Descriptor) (Session, error) {
	return f(ctx, desc)
}

// InspectorDialer dials inspector sessions.
type InspectorDialer struct {
	Options []inspector.Option
}

// Dial creates and connects an inspector session.
func (d InspectorDialer) Dial(ctx context.Context, desc endpoint.Descriptor) (Session, error) {
	s := inspector.NewSession(desc, d.Options...)
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// entry is one pooled session.
type entry struct {
	key         string
	session     Session
	lastUsed    time.Time
	inFlight    int
	unsubscribe func()
}

// Pool caches live sessions by endpoint key.
type Pool struct {
	dialer Dialer
	logger *slog.Logger
	now    func() time.Time

	sweepInterval    time.Duration
	idleTimeout      time.Duration
	activeWindow     time.Duration
	evictionGrace    time.Duration
	dialTimeout      time.Duration
	closeConcurrency int

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	group singleflight.Group

	sweepMu   sync.Mutex
	stopSweep context.CancelFunc
	sweepDone chan struct{}
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		p.logger = l
	}
}

// WithSweepInterval sets how often idle sessions are swept.
func WithSweepInterval(d time.Duration) Option {
	return func(p *Pool) {
		p.sweepInterval = d
	}
}

// WithIdleTimeout sets how long a session may sit unused before eviction.
func WithIdleTimeout(d time.Duration) Option {
	return func(p *Pool) {
		p.idleTimeout = d
	}
}

// WithActiveWindow sets the recency window reported as active by Stats.
func WithActiveWindow(d time.Duration) Option {
	return func(p *Pool) {
		p.activeWindow = d
	}
}

// WithEvictionGrace sets the minimum idle time before any eviction.
func WithEvictionGrace(d time.Duration) Option {
	return func(p *Pool) {
		p.evictionGrace = d
	}
}

// WithDialTimeout bounds each connection attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(p *Pool) {
		p.dialTimeout = d
	}
}

// WithCloseConcurrency bounds parallel closes in ReleaseAll.
func WithCloseConcurrency(n int) Option {
	return func(p *Pool) {
		p.closeConcurrency = n
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		p.now = now
	}
}

// New creates a pool. Call Start to begin idle sweeping and Close on
// shutdown.
func New(dialer Dialer, opts ...Option) *Pool {
	p := &Pool{
		dialer:           dialer,
		logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:              time.Now,
		sweepInterval:    DefaultSweepInterval,
		idleTimeout:      DefaultIdleTimeout,
		activeWindow:     DefaultActiveWindow,
		evictionGrace:    DefaultEvictionGrace,
		dialTimeout:      DefaultDialTimeout,
		closeConcurrency: DefaultCloseConcurrency,
		entries:          make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Acquire returns the live session for raw, connecting if needed.
// Concurrent callers for the same key share one connection attempt and
// observe the same session or the same failure.
func (p *Pool) Acquire(ctx context.Context, raw any) (Session, error) {
	e, err := p.acquire(ctx, raw, false)
	if err != nil {
		return nil, err
	}
	return e.session, nil
}

// Do acquires the session for raw and runs fn with it. The session is not
// evicted while fn runs.
func (p *Pool) Do(ctx context.Context, raw any, fn func(Session) error) error {
	e, err := p.acquire(ctx, raw, true)
	if err != nil {
		return err
	}
	defer p.release(e)
	return fn(e.session)
}

func (p *Pool) acquire(ctx context.Context, raw any, lease bool) (*entry, error) {
	desc, err := endpoint.Resolve(raw)
	if err != nil {
		return nil, err
	}
	key := desc.Key()

	if e, err := p.lookup(key, lease); e != nil || err != nil {
		return e, err
	}

	detached := context.WithoutCancel(ctx)
	ch := p.group.DoChan(key, func() (any, error) {
		return p.connect(detached, key, desc)
	})

	select {
	case <-ctx.Done():
		return nil, execution.Wrap(execution.KindConnection, ctx.Err(),
			fmt.Sprintf("failed to connect to %s", key))
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		e := res.Val.(*entry)
		p.mu.Lock()
		e.lastUsed = p.now()
		if lease {
			e.inFlight++
		}
		p.mu.Unlock()
		return e, nil
	}
}

// lookup is the no-I/O fast path.
func (p *Pool) lookup(key string, lease bool) (*entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, execution.Wrap(execution.KindConnection, ErrPoolClosed, "")
	}
	e, ok := p.entries[key]
	if !ok || !e.session.Connected() {
		return nil, nil
	}
	e.lastUsed = p.now()
	if lease {
		e.inFlight++
	}
	return e, nil
}

func (p *Pool) release(e *entry) {
	p.mu.Lock()
	e.inFlight--
	e.lastUsed = p.now()
	p.mu.Unlock()
}

// connect runs inside the single-flight slot for key.
func (p *Pool) connect(ctx context.Context, key string, desc endpoint.Descriptor) (*entry, error) {
	// A flight that finished just before this one started may already have
	// inserted a live session.
	if e, err := p.lookup(key, false); e != nil || err != nil {
		return e, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()

	start := p.now()
	session, err := p.dialer.Dial(ctx, desc)
	if err != nil {
		p.logger.Warn("connect failed", "key", key, "error", err)
		return nil, execution.Wrap(execution.KindConnection, err,
			fmt.Sprintf("failed to connect to %s", key))
	}

	e := &entry{key: key, session: session, lastUsed: p.now()}
	e.unsubscribe = session.Subscribe(func(ev inspector.Event) {
		p.observe(e, ev)
	})

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.discard(e, "pool closed")
		return nil, execution.Wrap(execution.KindConnection, ErrPoolClosed, "")
	}
	p.entries[key] = e
	p.mu.Unlock()

	if !session.Connected() {
		p.remove(e, "disconnected during connect")
		return nil, execution.Errorf(execution.KindConnection,
			"failed to connect to %s: session closed during connect", key)
	}

	p.logger.Info("connected", "key", key, "elapsed", p.now().Sub(start))
	return e, nil
}

// observe reacts to session events for a pooled entry.
func (p *Pool) observe(e *entry, ev inspector.Event) {
	switch ev.Kind {
	case inspector.EventDisconnected:
		p.remove(e, "disconnected")
	case inspector.EventError:
		p.logger.Warn("session error", "key", e.key, "error", ev.Err)
		p.remove(e, "error")
	case inspector.EventConsole:
		p.logger.Debug("remote console", "key", e.key, "type", string(ev.Console.Type), "text", ev.ConsoleText())
	case inspector.EventException:
		p.logger.Debug("remote exception", "key", e.key, "text", exceptionText(ev))
	}
}

// remove drops e if it is still the entry for its key.
func (p *Pool) remove(e *entry, reason string) {
	p.mu.Lock()
	current, ok := p.entries[e.key]
	if ok && current == e {
		delete(p.entries, e.key)
	}
	p.mu.Unlock()

	if ok && current == e {
		e.unsubscribe()
		p.logger.Info("removed session", "key", e.key, "reason", reason)
	}
}

// discard unsubscribes and closes a session no longer in the map.
func (p *Pool) discard(e *entry, reason string) {
	e.unsubscribe()
	if err := e.session.Disconnect(); err != nil {
		p.logger.Warn("close session", "key", e.key, "reason", reason, "error", err)
	}
}

// Purge closes and forgets the session for raw, if any.
func (p *Pool) Purge(raw any) error {
	desc, err := endpoint.Resolve(raw)
	if err != nil {
		return err
	}

	p.mu.Lock()
	e, ok := p.entries[desc.Key()]
	if ok {
		delete(p.entries, desc.Key())
	}
	p.mu.Unlock()

	if ok {
		p.discard(e, "purged")
		p.logger.Info("purged session", "key", e.key)
	}
	return nil
}

// EvictIdle closes every session unused for longer than the idle timeout
// and returns how many were evicted. Idleness is judged under the pool
// lock, so a session handed out concurrently is never evicted.
func (p *Pool) EvictIdle() int {
	threshold := max(p.idleTimeout, p.evictionGrace)
	now := p.now()

	var victims []*entry
	p.mu.Lock()
	for key, e := range p.entries {
		if e.inFlight > 0 || now.Sub(e.lastUsed) <= threshold {
			continue
		}
		delete(p.entries, key)
		victims = append(victims, e)
	}
	p.mu.Unlock()

	for _, e := range victims {
		p.logger.Info("evicting idle session", "key", e.key, "idle", now.Sub(e.lastUsed))
		p.discard(e, "idle")
	}
	return len(victims)
}

// Start begins the periodic idle sweep. It returns immediately; the sweep
// stops when ctx is cancelled or Close is called.
func (p *Pool) Start(ctx context.Context) {
	p.sweepMu.Lock()
	defer p.sweepMu.Unlock()

	if p.stopSweep != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.stopSweep = cancel
	p.sweepDone = make(chan struct{})
	go p.sweepLoop(ctx, p.sweepDone)
}

func (p *Pool) sweepLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := p.EvictIdle(); n > 0 {
				p.logger.Debug("idle sweep", "evicted", n)
			}
		}
	}
}

// ReleaseAll closes every pooled session and marks the pool closed.
// Individual close failures are logged; the error is non-nil only if ctx
// ended before every close was attempted.
func (p *Pool) ReleaseAll(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	entries := p.entries
	p.entries = make(map[string]*entry)
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(p.closeConcurrency, 1))
	for _, e := range entries {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			p.discard(e, "release")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("release sessions: %w", err)
	}
	if len(entries) > 0 {
		p.logger.Info("released sessions", "count", len(entries))
	}
	return nil
}

// Close stops the sweep and releases every session.
func (p *Pool) Close(ctx context.Context) error {
	p.sweepMu.Lock()
	stop, done := p.stopSweep, p.sweepDone
	p.stopSweep = nil
	p.sweepMu.Unlock()

	if stop != nil {
		stop()
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	return p.ReleaseAll(ctx)
}

// ConnectionStats describes one pooled session.
type ConnectionStats struct {
	Key         string        `json:"endpoint"`
	LastUsed    time.Time     `json:"lastUsed"`
	IdleFor     time.Duration `json:"-"`
	IdleSeconds float64       `json:"idleTime"`
	InFlight    int           `json:"inFlight"`
	Status      string        `json:"status"`
}

// Stats is a diagnostic snapshot of the pool.
type Stats struct {
	Total       int               `json:"total"`
	Active      int               `json:"active"`
	Idle        int               `json:"idle"`
	Connections []ConnectionStats `json:"connections"`
}

// Status values reported in ConnectionStats.
const (
	StatusActive = "active"
	StatusIdle   = "idle"
)

// Stats returns a snapshot sorted by key.
func (p *Pool) Stats() Stats {
	now := p.now()

	p.mu.Lock()
	conns := make([]ConnectionStats, 0, len(p.entries))
	for key, e := range p.entries {
		idle := now.Sub(e.lastUsed)
		status := StatusIdle
		if idle < p.activeWindow || e.inFlight > 0 {
			status = StatusActive
		}
		conns = append(conns, ConnectionStats{
			Key:         key,
			LastUsed:    e.lastUsed,
			IdleFor:     idle,
			IdleSeconds: idle.Seconds(),
			InFlight:    e.inFlight,
			Status:      status,
		})
	}
	p.mu.Unlock()

	sort.Slice(conns, func(i, j int) bool { return conns[i].Key < conns[j].Key })

	st := Stats{Total: len(conns), Connections: conns}
	for _, c := range conns {
		if c.Status == StatusActive {
			st.Active++
		} else {
			st.Idle++
		}
	}
	return st
}

func exceptionText(ev inspector.Event) string {
	if ev.Exception == nil || ev.Exception.ExceptionDetails == nil {
		return ""
	}
	d := ev.Exception.ExceptionDetails
	if d.Exception != nil && d.Exception.Description != "" {
		return d.Exception.Description
	}
	return d.Text
}
