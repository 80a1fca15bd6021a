package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-rod/rod/lib/proto"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// EventHandler receives the raw params of a CDP notification.
// Handlers run on the receive goroutine and must not issue calls on the
// same client.
type EventHandler func(params []byte)

// Client is a CDP client over a Transport. It implements proto.Client so
// typed requests from the rod proto package can be sent through it.
type Client struct {
	transport Transport
	seq       int64

	pending   map[int64]*pendingCall
	drained   bool
	pendingMu sync.Mutex

	handlers  map[string][]EventHandler
	onClose   func(error)
	handlerMu sync.RWMutex

	done      chan struct{}
	closeOnce sync.Once
	exited    chan struct{}

	err   error
	errMu sync.RWMutex
}

var _ proto.Client = (*Client)(nil)

// pendingCall tracks a request awaiting its response.
type pendingCall struct {
	method    string
	done      chan struct{}
	closeOnce sync.Once
	result    []byte
	err       error
}

func (p *pendingCall) finish(result []byte, err error) {
	p.closeOnce.Do(func() {
		p.result = result
		p.err = err
		close(p.done)
	})
}

// NewClient creates a client and starts its receive loop.
func NewClient(transport Transport) *Client {
	c := &Client{
		transport: transport,
		pending:   make(map[int64]*pendingCall),
		handlers:  make(map[string][]EventHandler),
		done:      make(chan struct{}),
		exited:    make(chan struct{}),
	}
	go c.receiveLoop()
	return c
}

// Close closes the client and its transport. Pending calls fail with
// ErrClosed. Close is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.transport.Close()
	})
	return err
}

// Done is closed once the receive loop has exited.
func (c *Client) Done() <-chan struct{} {
	return c.exited
}

// Err returns the receive error that ended the loop, if any. It is nil after
// a local Close.
func (c *Client) Err() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.err
}

// On registers a handler for a notification method such as
// "Runtime.consoleAPICalled".
func (c *Client) On(method string, handler EventHandler) {
	c.handlerMu.Lock()
	c.handlers[method] = append(c.handlers[method], handler)
	c.handlerMu.Unlock()
}

// OnClose sets the hook invoked exactly once when the receive loop exits.
// The error is nil for a local Close.
func (c *Client) OnClose(fn func(error)) {
	c.handlerMu.Lock()
	c.onClose = fn
	c.handlerMu.Unlock()
}

func (c *Client) receiveLoop() {
	var loopErr error
	defer func() {
		c.failPending(loopErr)

		c.handlerMu.RLock()
		hook := c.onClose
		c.handlerMu.RUnlock()
		close(c.exited)
		if hook != nil {
			hook(loopErr)
		}
	}()

	for {
		msg, err := c.transport.Receive()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}

			c.errMu.Lock()
			c.err = err
			c.errMu.Unlock()
			loopErr = err
			return
		}

		select {
		case <-c.done:
			return
		default:
		}

		c.handleMessage(msg)
	}
}

// failPending cancels every outstanding call.
func (c *Client) failPending(cause error) {
	err := ErrClosed
	if cause != nil {
		err = fmt.Errorf("%w: %v", ErrClosed, cause)
	}

	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[int64]*pendingCall)
	c.drained = true
	c.pendingMu.Unlock()

	for _, p := range pending {
		p.finish(nil, err)
	}
}

func (c *Client) handleMessage(msg []byte) {
	if !gjson.ValidBytes(msg) {
		return
	}

	res := gjson.ParseBytes(msg)
	if id := res.Get("id"); id.Exists() {
		c.handleResponse(id.Int(), res)
		return
	}
	if method := res.Get("method"); method.Exists() {
		c.handleEvent(method.String(), res.Get("params"))
	}
}

func (c *Client) handleResponse(id int64, res gjson.Result) {
	c.pendingMu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	if !ok {
		return
	}

	if e := res.Get("error"); e.Exists() {
		p.finish(nil, &ResponseError{
			Method:  p.method,
			Code:    int(e.Get("code").Int()),
			Message: e.Get("message").String(),
			Data:    e.Get("data").String(),
		})
		return
	}

	result := res.Get("result")
	if !result.Exists() {
		p.finish([]byte("{}"), nil)
		return
	}
	p.finish([]byte(result.Raw), nil)
}

func (c *Client) handleEvent(method string, params gjson.Result) {
	c.handlerMu.RLock()
	handlers := c.handlers[method]
	c.handlerMu.RUnlock()

	raw := []byte(params.Raw)
	if !params.Exists() {
		raw = []byte("{}")
	}
	for _, h := range handlers {
		h(raw)
	}
}

// Call sends a request and waits for its result. It satisfies proto.Client.
func (c *Client) Call(ctx context.Context, sessionID, method string, params interface{}) ([]byte, error) {
	select {
	case <-c.done:
		return nil, ErrClosed
	case <-c.exited:
		return nil, c.closedErr()
	default:
	}

	id := atomic.AddInt64(&c.seq, 1)

	msg, err := encodeRequest(id, sessionID, method, params)
	if err != nil {
		return nil, err
	}

	p := &pendingCall{method: method, done: make(chan struct{})}

	c.pendingMu.Lock()
	if c.drained {
		c.pendingMu.Unlock()
		return nil, c.closedErr()
	}
	c.pending[id] = p
	c.pendingMu.Unlock()

	if err := c.transport.Send(ctx, msg); err != nil {
		c.forget(id)
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	case <-p.done:
		return p.result, p.err
	}
}

// WithContext returns a proto.Client whose typed calls run under ctx.
func (c *Client) WithContext(ctx context.Context) proto.Client {
	return contextClient{Client: c, ctx: ctx}
}

func (c *Client) forget(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Client) closedErr() error {
	if err := c.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return ErrClosed
}

// encodeRequest builds {"id":…,"method":…,"params":…,"sessionId":…}.
func encodeRequest(id int64, sessionID, method string, params interface{}) ([]byte, error) {
	msg := []byte(`{}`)

	var err error
	if msg, err = sjson.SetBytes(msg, "id", id); err != nil {
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}
	if msg, err = sjson.SetBytes(msg, "method", method); err != nil {
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", method, err)
		}
		if msg, err = sjson.SetRawBytes(msg, "params", raw); err != nil {
			return nil, fmt.Errorf("encode %s: %w", method, err)
		}
	}
	if sessionID != "" {
		if msg, err = sjson.SetBytes(msg, "sessionId", sessionID); err != nil {
			return nil, fmt.Errorf("encode %s: %w", method, err)
		}
	}
	return msg, nil
}

// contextClient implements proto.Contextable for rod's typed calls.
type contextClient struct {
	*Client
	ctx context.Context
}

// GetContext implements proto.Contextable.
func (c contextClient) GetContext() context.Context {
	return c.ctx
}
