// Package inspectortest provides an in-process inspector endpoint speaking
// enough of the DevTools protocol to exercise sessions in tests.
package inspectortest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// TargetID is the id of the single target the server exposes.
const TargetID = "0f2c936f-b1cd-4ac9-aab3-f63b0f33d55e"

// Reply describes how the server answers one Runtime.evaluate.
type Reply struct {
	// Value is returned by value.
	Value any

	// Undefined returns {type: "undefined"}.
	Undefined bool

	// Unserializable returns an unserializableValue such as "NaN".
	Unserializable string

	// Exception, when set, is reported as exceptionDetails with this
	// description.
	Exception string

	// Hang leaves the request unanswered.
	Hang bool

	// Drop closes the socket instead of answering.
	Drop bool
}

// EvalFunc decides the reply for an expression.
type EvalFunc func(expression string) Reply

// Server is a fake inspector endpoint.
type Server struct {
	*httptest.Server

	eval     EvalFunc
	upgrader websocket.Upgrader

	dials       atomic.Int32
	evaluations atomic.Int32

	mu    sync.Mutex
	conns []*conn
}

type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) write(msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

// NewServer starts a server closed at test cleanup.
func NewServer(t testing.TB, eval EvalFunc) *Server {
	t.Helper()

	if eval == nil {
		eval = func(string) Reply { return Reply{Undefined: true} }
	}
	s := &Server{eval: eval}

	mux := http.NewServeMux()
	mux.HandleFunc("/json/list", s.handleList)
	mux.HandleFunc("/"+TargetID, s.handleSocket)
	s.Server = httptest.NewServer(mux)

	t.Cleanup(func() {
		s.DropConnections()
		s.Close()
	})
	return s
}

// Address returns host:port of the server.
func (s *Server) Address() string {
	return strings.TrimPrefix(s.URL, "http://")
}

// WebSocketURL returns the target's debugger URL.
func (s *Server) WebSocketURL() string {
	return "ws://" + s.Address() + "/" + TargetID
}

// Dials returns how many WebSocket connections were accepted.
func (s *Server) Dials() int {
	return int(s.dials.Load())
}

// Evaluations returns how many Runtime.evaluate requests arrived.
func (s *Server) Evaluations() int {
	return int(s.evaluations.Load())
}

// DropConnections closes every open socket abruptly.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.ws.Close()
	}
}

// CloseConnections closes every open socket with a normal close frame.
func (s *Server) CloseConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		_ = c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.mu.Unlock()
		_ = c.ws.Close()
	}
}

// Broadcast sends a notification to every open socket.
func (s *Server) Broadcast(method string, params any) {
	raw, _ := json.Marshal(params)
	msg, _ := sjson.Set(`{}`, "method", method)
	msg, _ = sjson.SetRaw(msg, "params", string(raw))

	s.mu.Lock()
	conns := append([]*conn{}, s.conns...)
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.write(msg)
	}
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode([]map[string]string{{
		"id":                   TargetID,
		"type":                 "node",
		"title":                "inspectortest",
		"url":                  "file:///app.js",
		"webSocketDebuggerUrl": s.WebSocketURL(),
	}})
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.dials.Add(1)

	c := &conn{ws: ws}
	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()

	defer ws.Close()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if !s.answer(c, data) {
			return
		}
	}
}

// answer replies to one request; false means the socket should close.
func (s *Server) answer(c *conn, data []byte) bool {
	req := gjson.ParseBytes(data)
	id := req.Get("id").Int()

	var result string
	switch req.Get("method").String() {
	case "Runtime.enable", "Console.enable":
		result = `{}`
	case "Runtime.evaluate":
		s.evaluations.Add(1)
		reply := s.eval(req.Get("params.expression").String())
		switch {
		case reply.Drop:
			return false
		case reply.Hang:
			return true
		}
		result = evaluateResult(reply)
	default:
		msg, _ := sjson.Set(`{"error":{"code":-32601}}`, "id", id)
		msg, _ = sjson.Set(msg, "error.message", "'"+req.Get("method").String()+"' wasn't found")
		return c.write(msg) == nil
	}

	msg, _ := sjson.Set(`{}`, "id", id)
	msg, _ = sjson.SetRaw(msg, "result", result)
	return c.write(msg) == nil
}

func evaluateResult(r Reply) string {
	switch {
	case r.Exception != "":
		out, _ := sjson.Set(`{"result":{"type":"object","subtype":"error"},"exceptionDetails":{"exceptionId":1,"text":"Uncaught","lineNumber":0,"columnNumber":0,"exception":{"type":"object","subtype":"error","className":"Error"}}}`,
			"exceptionDetails.exception.description", r.Exception)
		out, _ = sjson.Set(out, "result.description", r.Exception)
		return out
	case r.Undefined:
		return `{"result":{"type":"undefined"}}`
	case r.Unserializable != "":
		out, _ := sjson.Set(`{"result":{"type":"number"}}`, "result.unserializableValue", r.Unserializable)
		return out
	default:
		out, _ := sjson.Set(`{"result":{}}`, "result.type", jsType(r.Value))
		out, _ = sjson.Set(out, "result.value", r.Value)
		return out
	}
}

func jsType(v any) string {
	switch v.(type) {
	case nil:
		return "object"
	case bool:
		return "boolean"
	case string:
		return "string"
	case int, int64, float64:
		return "number"
	default:
		return "object"
	}
}
