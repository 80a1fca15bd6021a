package sandbox

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/runbok/internal/execution"
)

func runJS(t *testing.T, program string, opts ...Option) (any, *JavaScript, error) {
	t.Helper()

	s, err := NewJavaScript(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := s.Run(ctx, program)
	return v, s, err
}

// wrapped mirrors the shape the assembler emits.
const wrapped = `(async function () {
const module = { exports: {} };
let exports = module.exports;
const __context = {"a":2,"b":3};
const __field = (({a, b}) => a + b);
exports.__result = __field(__context);
return await module.exports.__result;
})()`

func TestJavaScriptRunWrappedProgram(t *testing.T) {
	t.Parallel()

	v, _, err := runJS(t, wrapped)
	require.NoError(t, err)
	assert.Equal(t, float64(5), v)
}

func TestJavaScriptValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		program string
		want    any
	}{
		{"undefined", "undefined", nil},
		{"null", "null", nil},
		{"string", "'hi'", "hi"},
		{"bool", "true", true},
		{"float", "1.5", 1.5},
		{"nan", "NaN", "NaN"},
		{"infinity", "-Infinity", "-Infinity"},
		{"object", "({a: [1, 'x', null], b: {c: true}})",
			map[string]any{"a": []any{float64(1), "x", nil}, "b": map[string]any{"c": true}}},
		{"function", "(() => 1)", nil},
		{"resolved promise", "Promise.resolve(7)", float64(7)},
		{"async chain", "(async () => { const x = await Promise.resolve(2); return x * 3; })()", float64(6)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v, _, err := runJS(t, tt.program)
			require.NoError(t, err)
			assert.Equal(t, tt.want, v)
		})
	}
}

func TestJavaScriptThrow(t *testing.T) {
	t.Parallel()

	_, _, err := runJS(t, "throw new TypeError('bad input')")
	require.Error(t, err)
	assert.True(t, execution.IsKind(err, execution.KindEvaluation))
	assert.Contains(t, err.Error(), "TypeError: bad input")
}

func TestJavaScriptRejection(t *testing.T) {
	t.Parallel()

	_, _, err := runJS(t, "(async () => { throw new Error('nope'); })()")
	require.Error(t, err)
	assert.True(t, execution.IsKind(err, execution.KindEvaluation))
	assert.Contains(t, err.Error(), "Error: nope")
}

func TestJavaScriptPendingPromise(t *testing.T) {
	t.Parallel()

	_, _, err := runJS(t, "new Promise(() => {})")
	require.Error(t, err)
	assert.True(t, execution.IsKind(err, execution.KindEvaluation))
	assert.Contains(t, err.Error(), "promise did not settle")
}

func TestJavaScriptTimeout(t *testing.T) {
	t.Parallel()

	s, err := NewJavaScript()
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = s.Run(ctx, "for (;;) {}")
	require.Error(t, err)
	assert.True(t, execution.IsKind(err, execution.KindEvaluation))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestJavaScriptNoHostAccess(t *testing.T) {
	t.Parallel()

	v, _, err := runJS(t, "[typeof require, typeof process, typeof fetch]")
	require.NoError(t, err)
	assert.Equal(t, []any{"undefined", "undefined", "undefined"}, v)
}

func TestJavaScriptConsole(t *testing.T) {
	t.Parallel()

	_, s, err := runJS(t, "console.log('a', 1, {b: 2}); console.error('oops'); 0")
	require.NoError(t, err)
	assert.Equal(t, []string{`a 1 {"b":2}`, "oops"}, s.Logs())
}

func TestJavaScriptSingleUse(t *testing.T) {
	t.Parallel()

	s, err := NewJavaScript()
	require.NoError(t, err)

	_, err = s.Run(context.Background(), "1")
	require.NoError(t, err)
	_, err = s.Run(context.Background(), "1")
	assert.ErrorIs(t, err, ErrSpent)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestJavaScriptClosed(t *testing.T) {
	t.Parallel()

	s, err := NewJavaScript()
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Run(context.Background(), "1")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestJavaScriptFetch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"method":"` + r.Method + `","auth":"` + r.Header.Get("Authorization") + `"}`))
	}))
	defer srv.Close()

	program := `(async () => {
		const res = await fetch("` + srv.URL + `", {method: "POST", headers: {Authorization: "t"}, body: "x"});
		const data = await res.json();
		return {ok: res.ok, status: res.status, ct: res.headers["content-type"], data};
	})()`

	v, _, err := runJS(t, program, WithCapabilities(CapabilityFetch))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"ok":     true,
		"status": float64(200),
		"ct":     "application/json",
		"data":   map[string]any{"method": "POST", "auth": "t"},
	}, v)
}

func TestJavaScriptFetchFailureRejects(t *testing.T) {
	t.Parallel()

	program := `(async () => {
		try { await fetch("file:///etc/passwd"); return "no"; }
		catch (e) { return e.message; }
	})()`
	v, _, err := runJS(t, program, WithCapabilities(CapabilityFetch))
	require.NoError(t, err)
	assert.Contains(t, v, "unsupported url scheme")
}

func TestJavaScriptUnknownCapability(t *testing.T) {
	t.Parallel()

	_, err := NewJavaScript(WithCapabilities("filesystem"))
	var capErr *CapabilityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, Capability("filesystem"), capErr.Capability)
}

func TestFactory(t *testing.T) {
	t.Parallel()

	f := NewFactory(WithCapabilities(CapabilityFetch))

	js, err := f.New(execution.LanguageJavaScript)
	require.NoError(t, err)
	v, err := js.Run(context.Background(), "typeof fetch")
	require.NoError(t, err)
	assert.Equal(t, "function", v)
	require.NoError(t, js.Close())

	lua, err := f.New(execution.LanguageLua)
	require.NoError(t, err)
	v, err = lua.Run(context.Background(), "return type(fetch)")
	require.NoError(t, err)
	assert.Equal(t, "function", v)
	require.NoError(t, lua.Close())

	_, err = NewFactory(WithCapabilities("shell")).New(execution.LanguageLua)
	assert.Error(t, err)

	_, err = f.New(execution.Language(99))
	assert.True(t, execution.IsKind(err, execution.KindValidation))
}
