package cdp

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// mockTransport implements Transport for testing.
type mockTransport struct {
	mu       sync.Mutex
	sent     [][]byte
	recvChan chan []byte
	closed   bool
	sendErr  error
	onSend   func(msg []byte)
}

func newMockTransport() *mockTransport {
	return &mockTransport{recvChan: make(chan []byte, 16)}
}

func (t *mockTransport) Send(_ context.Context, msg []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return io.ErrClosedPipe
	}
	if t.sendErr != nil {
		t.mu.Unlock()
		return t.sendErr
	}
	t.sent = append(t.sent, msg)
	onSend := t.onSend
	t.mu.Unlock()

	if onSend != nil {
		onSend(msg)
	}
	return nil
}

func (t *mockTransport) Receive() ([]byte, error) {
	msg, ok := <-t.recvChan
	if !ok {
		return nil, io.EOF
	}
	return msg, nil
}

func (t *mockTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.recvChan)
	}
	return nil
}

func (t *mockTransport) push(msg string) {
	t.recvChan <- []byte(msg)
}

func (t *mockTransport) sentMessages() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte{}, t.sent...)
}

// respondWith answers every request with result.
func (t *mockTransport) respondWith(result string) {
	t.onSend = func(msg []byte) {
		out, _ := sjson.SetRaw(`{}`, "result", result)
		out, _ = sjson.Set(out, "id", gjson.GetBytes(msg, "id").Int())
		t.push(out)
	}
}

func TestClientCall(t *testing.T) {
	t.Parallel()

	mt := newMockTransport()
	mt.respondWith(`{"ok":true}`)

	c := NewClient(mt)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, err := c.Call(ctx, "", "Runtime.enable", map[string]any{"a": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(res))

	sent := mt.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "Runtime.enable", gjson.GetBytes(sent[0], "method").String())
	assert.Equal(t, int64(1), gjson.GetBytes(sent[0], "id").Int())
	assert.Equal(t, int64(1), gjson.GetBytes(sent[0], "params.a").Int())
	assert.False(t, gjson.GetBytes(sent[0], "sessionId").Exists())
}

func TestClientCallWithSessionID(t *testing.T) {
	t.Parallel()

	mt := newMockTransport()
	mt.respondWith(`{}`)

	c := NewClient(mt)
	defer c.Close()

	_, err := c.Call(context.Background(), "S1", "Console.enable", nil)
	require.NoError(t, err)

	sent := mt.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "S1", gjson.GetBytes(sent[0], "sessionId").String())
	assert.False(t, gjson.GetBytes(sent[0], "params").Exists())
}

func TestClientTypedCall(t *testing.T) {
	t.Parallel()

	mt := newMockTransport()
	mt.respondWith(`{"result":{"type":"number","value":5,"description":"5"}}`)

	c := NewClient(mt)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, err := proto.RuntimeEvaluate{
		Expression:    "2+3",
		ReturnByValue: true,
		AwaitPromise:  true,
	}.Call(c.WithContext(ctx))
	require.NoError(t, err)
	require.NotNil(t, res.Result)
	assert.Equal(t, float64(5), res.Result.Value.Val())
	assert.Nil(t, res.ExceptionDetails)

	sent := mt.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "Runtime.evaluate", gjson.GetBytes(sent[0], "method").String())
	assert.Equal(t, "2+3", gjson.GetBytes(sent[0], "params.expression").String())
	assert.True(t, gjson.GetBytes(sent[0], "params.awaitPromise").Bool())
}

func TestClientErrorResponse(t *testing.T) {
	t.Parallel()

	mt := newMockTransport()
	mt.onSend = func(msg []byte) {
		out, _ := sjson.Set(`{"error":{"code":-32601,"message":"'Foo.bar' wasn't found"}}`, "id", gjson.GetBytes(msg, "id").Int())
		mt.push(out)
	}

	c := NewClient(mt)
	defer c.Close()

	_, err := c.Call(context.Background(), "", "Foo.bar", nil)
	require.Error(t, err)

	var re *ResponseError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, -32601, re.Code)
	assert.Equal(t, "Foo.bar", re.Method)
	assert.Contains(t, re.Error(), "wasn't found")
}

func TestClientEvents(t *testing.T) {
	t.Parallel()

	mt := newMockTransport()
	c := NewClient(mt)
	defer c.Close()

	got := make(chan string, 1)
	c.On("Runtime.consoleAPICalled", func(params []byte) {
		got <- gjson.GetBytes(params, "args.0.value").String()
	})

	mt.push(`{"method":"Runtime.consoleAPICalled","params":{"type":"log","args":[{"type":"string","value":"hello"}]}}`)

	select {
	case v := <-got:
		assert.Equal(t, "hello", v)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestClientIgnoresGarbageAndUnknownIDs(t *testing.T) {
	t.Parallel()

	mt := newMockTransport()
	mt.onSend = func(msg []byte) {
		mt.push(`not json`)
		mt.push(`{"id":9999,"result":{}}`)
		out, _ := sjson.Set(`{"result":{"n":1}}`, "id", gjson.GetBytes(msg, "id").Int())
		mt.push(out)
	}

	c := NewClient(mt)
	defer c.Close()

	res, err := c.Call(context.Background(), "", "X.y", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(res))
}

func TestClientRemoteCloseFailsPending(t *testing.T) {
	t.Parallel()

	mt := newMockTransport()
	c := NewClient(mt)

	closed := make(chan error, 1)
	c.OnClose(func(err error) { closed <- err })

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "", "Runtime.evaluate", nil)
		errCh <- err
	}()

	require.Eventually(t, func() bool { return len(mt.sentMessages()) == 1 }, time.Second, 5*time.Millisecond)

	// Closing the transport underneath the client simulates a dropped socket.
	require.NoError(t, mt.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("pending call not cancelled")
	}

	select {
	case err := <-closed:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(time.Second):
		t.Fatal("close hook not called")
	}

	assert.ErrorIs(t, c.Err(), io.EOF)

	_, err := c.Call(context.Background(), "", "Runtime.enable", nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClientLocalClose(t *testing.T) {
	t.Parallel()

	mt := newMockTransport()
	c := NewClient(mt)

	closed := make(chan error, 1)
	c.OnClose(func(err error) { closed <- err })

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("close hook not called")
	}

	<-c.Done()
	assert.NoError(t, c.Err())

	_, err := c.Call(context.Background(), "", "Runtime.enable", nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClientCallContextCancelled(t *testing.T) {
	t.Parallel()

	mt := newMockTransport()
	c := NewClient(mt)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Call(ctx, "", "Runtime.evaluate", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClientSendError(t *testing.T) {
	t.Parallel()

	mt := newMockTransport()
	mt.sendErr = errors.New("broken pipe")
	c := NewClient(mt)
	defer c.Close()

	_, err := c.Call(context.Background(), "", "Runtime.enable", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken pipe")
}
