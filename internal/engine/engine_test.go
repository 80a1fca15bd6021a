package engine_test

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/runbok/internal/assembler"
	"github.com/dshills/runbok/internal/engine"
	"github.com/dshills/runbok/internal/execution"
	"github.com/dshills/runbok/internal/inspector"
	"github.com/dshills/runbok/internal/inspector/inspectortest"
	"github.com/dshills/runbok/internal/pool"
	"github.com/dshills/runbok/internal/sandbox"
	"github.com/dshills/runbok/internal/transpile"
)

// recordingPool counts calls and evaluates with a fixed session.
type recordingPool struct {
	mu      sync.Mutex
	dos     int
	purges  int
	session pool.Session
	err     error
}

func (p *recordingPool) Do(_ context.Context, _ any, fn func(pool.Session) error) error {
	p.mu.Lock()
	p.dos++
	p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	return fn(p.session)
}

func (p *recordingPool) Purge(any) error {
	p.mu.Lock()
	p.purges++
	p.mu.Unlock()
	return nil
}

// evalSession answers every evaluation with value or err.
type evalSession struct {
	value any
	err   error
	exprs []string
}

func (s *evalSession) Evaluate(_ context.Context, expr string) (any, error) {
	s.exprs = append(s.exprs, expr)
	return s.value, s.err
}
func (s *evalSession) Disconnect() error                   { return nil }
func (s *evalSession) Connected() bool                     { return true }
func (s *evalSession) Subscribe(inspector.Observer) func() { return func() {} }

// countingFactory wraps the real factory and counts builds.
type countingFactory struct {
	mu    sync.Mutex
	built int
	inner *sandbox.Factory
}

func (f *countingFactory) New(lang execution.Language) (sandbox.Sandbox, error) {
	f.mu.Lock()
	f.built++
	f.mu.Unlock()
	return f.inner.New(lang)
}

func newEngine(p *recordingPool, opts ...engine.Option) (*engine.Engine, *countingFactory) {
	f := &countingFactory{inner: sandbox.NewFactory()}
	opts = append([]engine.Option{engine.WithPool(p), engine.WithSandboxFactory(f)}, opts...)
	return engine.New(opts...), f
}

func TestExecuteLocalSum(t *testing.T) {
	t.Parallel()

	p := &recordingPool{}
	e, f := newEngine(p)

	res := e.Execute(context.Background(), execution.Request{
		Code:    "({a, b}) => a + b",
		Context: map[string]any{"a": 2, "b": 3},
	})
	require.True(t, res.OK(), "%v", res.Err)
	assert.Equal(t, float64(5), res.Value)
	assert.NotEmpty(t, res.RequestID)

	assert.Equal(t, 0, p.dos, "local requests never touch the pool")
	assert.Equal(t, 1, f.built)
}

func TestExecuteLocalSnippetShapes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		req  execution.Request
		want any
	}{
		{
			name: "trailing line comment",
			req:  execution.Request{Code: "({a, b}) => a + b // sum", Context: map[string]any{"a": 2, "b": 3}},
			want: float64(5),
		},
		{
			name: "trailing semicolon and comment",
			req:  execution.Request{Code: "({a}) => a * 2; // double", Context: map[string]any{"a": 4}},
			want: float64(8),
		},
		{
			name: "mocks reassign module.exports",
			req: execution.Request{
				Code:    "({a}) => a",
				Mocks:   "module.exports = { helper: 1 };",
				Context: map[string]any{"a": 7},
			},
			want: float64(7),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e, _ := newEngine(&recordingPool{})
			res := e.Execute(context.Background(), tt.req)
			require.True(t, res.OK(), "%v", res.Err)
			assert.Equal(t, tt.want, res.Value)
		})
	}
}

func TestExecuteKeepsRequestID(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(&recordingPool{})
	ctx := engine.ContextWithRequestID(context.Background(), "req-42")
	assert.Equal(t, "req-42", engine.RequestID(ctx))

	res := e.Execute(ctx, execution.Request{Code: "() => 1"})
	require.True(t, res.OK(), "%v", res.Err)
	assert.Equal(t, "req-42", res.RequestID)
}

func TestExecuteLocalLua(t *testing.T) {
	t.Parallel()

	p := &recordingPool{}
	e, _ := newEngine(p)

	res := e.Execute(context.Background(), execution.Request{
		Code:     "function(ctx) return ctx.a * ctx.b end",
		Context:  map[string]any{"a": 4, "b": 5},
		Language: execution.LanguageLua,
	})
	require.True(t, res.OK(), "%v", res.Err)
	assert.Equal(t, float64(20), res.Value)
	assert.Equal(t, 0, p.dos)
}

func TestExecuteRemoteNeverBuildsSandbox(t *testing.T) {
	t.Parallel()

	s := &evalSession{value: float64(5)}
	p := &recordingPool{session: s}
	e, f := newEngine(p)

	res := e.Execute(context.Background(), execution.Request{
		Code:     "({a, b}) => a + b",
		Context:  map[string]any{"a": 2, "b": 3},
		Endpoint: "localhost:9229",
	})
	require.True(t, res.OK(), "%v", res.Err)
	assert.Equal(t, float64(5), res.Value)
	assert.Equal(t, 1, p.dos)
	assert.Equal(t, 0, f.built, "remote requests never build a sandbox")
	require.Len(t, s.exprs, 1)
	assert.Contains(t, s.exprs[0], "const __field = (({a, b}) => a + b);")
}

func TestExecuteBlankCode(t *testing.T) {
	t.Parallel()

	p := &recordingPool{}
	e, f := newEngine(p)

	res := e.Execute(context.Background(), execution.Request{Code: "   ", Endpoint: "localhost"})
	require.False(t, res.OK())
	assert.Equal(t, execution.KindValidation, res.Err.Kind)
	assert.Equal(t, 0, p.dos)
	assert.Equal(t, 0, f.built)
}

func TestExecuteRemoteLuaRejected(t *testing.T) {
	t.Parallel()

	p := &recordingPool{}
	e, _ := newEngine(p)

	res := e.Execute(context.Background(), execution.Request{
		Code:     "function() return 1 end",
		Language: execution.LanguageLua,
		Endpoint: "localhost:9229",
	})
	require.False(t, res.OK())
	assert.Equal(t, execution.KindValidation, res.Err.Kind)
	assert.Equal(t, 0, p.dos)
}

func TestExecuteRealTranspilerRejectsInvalidSource(t *testing.T) {
	t.Parallel()

	p := &recordingPool{}
	e, f := newEngine(p,
		engine.WithAssembler(assembler.New(assembler.WithTranspiler(transpile.NewTypeScript()))))

	res := e.Execute(context.Background(), execution.Request{
		Code:         "({a}) => a +",
		Context:      map[string]any{"a": 1},
		Preprocessor: execution.PreprocessTranspile,
	})
	require.False(t, res.OK())
	assert.Equal(t, execution.KindCompilation, res.Err.Kind)
	assert.Equal(t, 0, f.built, "nothing runs after a compile failure")

	res = e.Execute(context.Background(), execution.Request{
		Code:         "({a}: {a: number}) => a * 2",
		Context:      map[string]any{"a": 21},
		Preprocessor: execution.PreprocessTranspile,
	})
	require.True(t, res.OK(), "%v", res.Err)
	assert.Equal(t, float64(42), res.Value)
}

func TestExecuteCompileErrorRunsNothing(t *testing.T) {
	t.Parallel()

	failing := transpile.Func(func(context.Context, string, string) (string, error) {
		return "", &transpile.Error{Message: "typescript compilation failed", Err: errors.New("';' expected")}
	})

	for _, purge := range []bool{false, true} {
		t.Run(strconv.FormatBool(purge), func(t *testing.T) {
			t.Parallel()

			p := &recordingPool{session: &evalSession{}}
			e, f := newEngine(p,
				engine.WithAssembler(assembler.New(assembler.WithTranspiler(failing))),
				engine.WithPurgeOnCompileError(purge))

			res := e.Execute(context.Background(), execution.Request{
				Code:         "(x: ) =>",
				Preprocessor: execution.PreprocessTranspile,
				Endpoint:     "localhost:9229",
			})
			require.False(t, res.OK())
			assert.Equal(t, execution.KindCompilation, res.Err.Kind)
			assert.Equal(t, 0, p.dos)
			assert.Equal(t, 0, f.built)
			if purge {
				assert.Equal(t, 1, p.purges)
			} else {
				assert.Equal(t, 0, p.purges)
			}
		})
	}
}

func TestExecuteRemoteErrorsKeepKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		poolErr error
		evalErr error
		want    execution.Kind
	}{
		{"evaluation", nil, execution.Errorf(execution.KindEvaluation, "Error: boom"), execution.KindEvaluation},
		{"protocol", nil, execution.Errorf(execution.KindProtocol, "evaluation timed out"), execution.KindProtocol},
		{"connection", execution.Errorf(execution.KindConnection, "failed to connect to localhost:9229"), nil, execution.KindConnection},
		{"unclassified", nil, errors.New("weird"), execution.KindEvaluation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := &recordingPool{session: &evalSession{err: tt.evalErr}, err: tt.poolErr}
			e, _ := newEngine(p)

			res := e.Execute(context.Background(), execution.Request{Code: "() => 1", Endpoint: "localhost"})
			require.False(t, res.OK())
			assert.Equal(t, tt.want, res.Err.Kind)
		})
	}
}

func TestExecuteDiagnostics(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(&recordingPool{})
	res := e.Execute(context.Background(), execution.Request{
		Code:                "() => typeof missing",
		MockDependencyNames: []string{"missing"},
	})
	require.True(t, res.OK(), "%v", res.Err)
	assert.Equal(t, "undefined", res.Value)
	require.Len(t, res.Diagnostics, 1)
}

func TestExecuteLocalThrow(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(&recordingPool{})
	res := e.Execute(context.Background(), execution.Request{
		Code: "() => { throw new Error('boom'); }",
	})
	require.False(t, res.OK())
	assert.Equal(t, execution.KindEvaluation, res.Err.Kind)
	assert.Contains(t, res.Err.Detail(), "Error: boom")
}

func TestExecuteLocalTimeout(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(&recordingPool{}, engine.WithSandboxTimeout(50*time.Millisecond))
	res := e.Execute(context.Background(), execution.Request{Code: "() => { for (;;) {} }"})
	require.False(t, res.OK())
	assert.Equal(t, execution.KindEvaluation, res.Err.Kind)
}

func TestExecuteWithoutPool(t *testing.T) {
	t.Parallel()

	res := engine.New().Execute(context.Background(), execution.Request{Code: "() => 1", Endpoint: "localhost"})
	require.False(t, res.OK())
	assert.Equal(t, execution.KindConnection, res.Err.Kind)
}

func TestExecuteAgainstInspector(t *testing.T) {
	t.Parallel()

	srv := inspectortest.NewServer(t, func(expr string) inspectortest.Reply {
		if strings.Contains(expr, "throw") {
			return inspectortest.Reply{Exception: "Error: remote boom"}
		}
		return inspectortest.Reply{Value: 5}
	})

	p := pool.New(pool.InspectorDialer{})
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	e := engine.New(engine.WithPool(p))
	ctx := context.Background()

	res := e.Execute(ctx, execution.Request{Code: "({a, b}) => a + b", Endpoint: srv.WebSocketURL(),
		Context: map[string]any{"a": 2, "b": 3}})
	require.True(t, res.OK(), "%v", res.Err)
	assert.Equal(t, float64(5), res.Value)

	res = e.Execute(ctx, execution.Request{Code: "() => { throw new Error('x'); }", Endpoint: srv.WebSocketURL()})
	require.False(t, res.OK())
	assert.Equal(t, execution.KindEvaluation, res.Err.Kind)
	assert.Contains(t, res.Err.Detail(), "remote boom")
	assert.Equal(t, 1, srv.Dials(), "evaluation errors keep the session")
}

func TestExecuteUnreachable(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	p := pool.New(pool.InspectorDialer{}, pool.WithDialTimeout(2*time.Second))
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	res := engine.New(engine.WithPool(p)).Execute(context.Background(),
		execution.Request{Code: "() => 1", Endpoint: addr})
	require.False(t, res.OK())
	assert.Equal(t, execution.KindConnection, res.Err.Kind)
	assert.Contains(t, res.Err.Detail(), "failed to connect to "+addr)
}
