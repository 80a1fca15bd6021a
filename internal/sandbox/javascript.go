package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"github.com/dshills/runbok/internal/execution"
	"github.com/dshills/runbok/internal/sandbox/fetch"
)

// JavaScript is a single-use goja runtime. It exposes console and, when
// granted, fetch. There is no require, process, filesystem or environment.
type JavaScript struct {
	vm       *goja.Runtime
	settings *settings

	stringify goja.Callable
	parse     goja.Callable

	// runCtx is the context of the active Run; host functions use it.
	runCtx context.Context

	mu     sync.Mutex
	logs   []string
	used   bool
	closed bool
}

// NewJavaScript creates a JavaScript sandbox.
func NewJavaScript(opts ...Option) (*JavaScript, error) {
	s := &JavaScript{
		vm:       goja.New(),
		settings: newSettings(opts),
		runCtx:   context.Background(),
	}
	s.vm.SetMaxCallStackSize(s.settings.maxCallStack)

	jsonObj := s.vm.Get("JSON").ToObject(s.vm)
	s.stringify, _ = goja.AssertFunction(jsonObj.Get("stringify"))
	s.parse, _ = goja.AssertFunction(jsonObj.Get("parse"))

	s.installConsole()
	for _, c := range s.settings.capabilities {
		if err := s.Grant(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Grant injects a capability.
func (s *JavaScript) Grant(c Capability) error {
	switch c {
	case CapabilityFetch:
		return s.vm.Set("fetch", s.fetch)
	default:
		return &CapabilityError{Capability: c}
	}
}

// Logs returns captured console lines.
func (s *JavaScript) Logs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.logs...)
}

// Run evaluates program. A returned promise must settle during the run.
// Thrown errors, rejections and context expiry are evaluation errors.
func (s *JavaScript) Run(ctx context.Context, program string) (any, error) {
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

	s.runCtx = ctx
	vm := s.vm
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt("execution timeout")
		case <-done:
		}
	}()

	v, err := vm.RunString(program)
	if err != nil {
		return nil, s.runError(ctx, err)
	}

	if p, ok := v.Export().(*goja.Promise); ok {
		switch p.State() {
		case goja.PromiseStateFulfilled:
			v = p.Result()
		case goja.PromiseStateRejected:
			return nil, execution.Errorf(execution.KindEvaluation, "%s", errorMessage(p.Result()))
		default:
			if ctx.Err() != nil {
				return nil, execution.Wrap(execution.KindEvaluation, ctx.Err(), "execution timed out")
			}
			return nil, execution.Errorf(execution.KindEvaluation, "promise did not settle")
		}
	}
	return s.export(v)
}

// Close releases the runtime.
func (s *JavaScript) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return nil
}

func (s *JavaScript) runError(ctx context.Context, err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		cause := ctx.Err()
		if cause == nil {
			cause = err
		}
		return execution.Wrap(execution.KindEvaluation, cause, "execution timed out")
	}

	var ex *goja.Exception
	if errors.As(err, &ex) {
		return execution.Errorf(execution.KindEvaluation, "%s", errorMessage(ex.Value()))
	}
	return execution.Wrap(execution.KindEvaluation, err, "")
}

// export converts a result to plain JSON values, matching what a remote
// evaluation returns by value.
func (s *JavaScript) export(v goja.Value) (any, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	if f, ok := v.Export().(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
		return v.String(), nil
	}

	out, err := s.stringify(goja.Undefined(), v)
	if err != nil {
		return nil, execution.Wrap(execution.KindEvaluation, err, "result is not serializable")
	}
	if goja.IsUndefined(out) {
		return nil, nil
	}

	var result any
	if err := json.Unmarshal([]byte(out.String()), &result); err != nil {
		return nil, execution.Wrap(execution.KindEvaluation, err, "result is not serializable")
	}
	return result, nil
}

func (s *JavaScript) installConsole() {
	console := s.vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		_ = console.Set(level, func(call goja.FunctionCall) goja.Value {
			line := s.formatArgs(call.Arguments)
			s.mu.Lock()
			s.logs = append(s.logs, line)
			s.mu.Unlock()
			s.settings.logger.Debug("sandbox console", "level", level, "text", line)
			return goja.Undefined()
		})
	}
	_ = s.vm.Set("console", console)
}

func (s *JavaScript) formatArgs(args []goja.Value) string {
	parts := make([]string, len(args))
	for i, a := range args {
		if _, ok := a.Export().(string); ok {
			parts[i] = a.String()
			continue
		}
		if obj, ok := a.(*goja.Object); ok {
			if _, isFn := goja.AssertFunction(obj); !isFn {
				if out, err := s.stringify(goja.Undefined(), a); err == nil && !goja.IsUndefined(out) {
					parts[i] = out.String()
					continue
				}
			}
		}
		parts[i] = a.String()
	}
	return strings.Join(parts, " ")
}

// fetch implements fetch(url, {method, headers, body}). The request runs
// synchronously on the VM goroutine; the returned promise is already
// settled.
func (s *JavaScript) fetch(call goja.FunctionCall) goja.Value {
	promise, resolve, reject := s.vm.NewPromise()

	req := fetch.Request{URL: call.Argument(0).String()}
	if opts, ok := call.Argument(1).(*goja.Object); ok {
		if m := opts.Get("method"); m != nil && !goja.IsUndefined(m) {
			req.Method = m.String()
		}
		if b := opts.Get("body"); b != nil && !goja.IsUndefined(b) && !goja.IsNull(b) {
			req.Body = b.String()
		}
		if h := opts.Get("headers"); h != nil && !goja.IsUndefined(h) && !goja.IsNull(h) {
			ho := h.ToObject(s.vm)
			req.Headers = make(map[string]string)
			for _, k := range ho.Keys() {
				req.Headers[k] = ho.Get(k).String()
			}
		}
	}

	resp, err := s.settings.fetch.Do(s.runCtx, req)
	if err != nil {
		reject(s.vm.NewTypeError("fetch failed: " + err.Error()))
		return s.vm.ToValue(promise)
	}
	resolve(s.response(resp))
	return s.vm.ToValue(promise)
}

func (s *JavaScript) response(resp *fetch.Response) *goja.Object {
	obj := s.vm.NewObject()
	_ = obj.Set("ok", resp.OK())
	_ = obj.Set("status", resp.Status)
	_ = obj.Set("statusText", resp.StatusText)
	_ = obj.Set("url", resp.URL)

	headers := s.vm.NewObject()
	for k, v := range resp.Headers {
		_ = headers.Set(k, v)
	}
	_ = obj.Set("headers", headers)

	body := string(resp.Body)
	_ = obj.Set("text", func(goja.FunctionCall) goja.Value {
		p, resolve, _ := s.vm.NewPromise()
		resolve(body)
		return s.vm.ToValue(p)
	})
	_ = obj.Set("json", func(goja.FunctionCall) goja.Value {
		p, resolve, reject := s.vm.NewPromise()
		v, err := s.parse(goja.Undefined(), s.vm.ToValue(body))
		if err != nil {
			var ex *goja.Exception
			if errors.As(err, &ex) {
				reject(ex.Value())
			} else {
				reject(s.vm.NewGoError(err))
			}
			return s.vm.ToValue(p)
		}
		resolve(v)
		return s.vm.ToValue(p)
	})
	return obj
}

// errorMessage renders a thrown value as "Name: message" when it looks like
// an Error.
func errorMessage(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if obj, ok := v.(*goja.Object); ok {
		msg := obj.Get("message")
		if msg != nil && !goja.IsUndefined(msg) {
			if name := obj.Get("name"); name != nil && !goja.IsUndefined(name) && name.String() != "" {
				return name.String() + ": " + msg.String()
			}
			return msg.String()
		}
	}
	return v.String()
}
