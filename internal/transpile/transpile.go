// Package transpile turns TypeScript field snippets into JavaScript the
// execution engine can run.
package transpile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"

	typescript "github.com/clarkmcc/go-typescript"
	"github.com/dop251/goja/parser"
	"github.com/tidwall/gjson"
	"github.com/tidwall/jsonc"
)

// ConfigFile is the project file whose compilerOptions are merged over the
// defaults.
const ConfigFile = "tsconfig.json"

// Transpiler converts source to JavaScript. contextDir, when non-empty, is
// the directory the source belongs to.
type Transpiler interface {
	Transpile(ctx context.Context, source, contextDir string) (string, error)
}

// Func adapts a function to Transpiler.
type Func func(ctx context.Context, source, contextDir string) (string, error)

// Transpile implements Transpiler.
func (f Func) Transpile(ctx context.Context, source, contextDir string) (string, error) {
	return f(ctx, source, contextDir)
}

// Error reports a failed transpilation.
type Error struct {
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// DefaultCompileOptions returns the compiler options used when no project
// configuration overrides them.
func DefaultCompileOptions() map[string]any {
	return map[string]any{
		"target":          "ES2020",
		"module":          "CommonJS",
		"esModuleInterop": true,
		"skipLibCheck":    true,
	}
}

// pinned options always win over project configuration; the engine relies
// on CommonJS output.
var pinned = map[string]any{
	"module": "CommonJS",
	"noEmit": false,
}

// TypeScript transpiles with the TypeScript compiler embedded in
// go-typescript.
type TypeScript struct {
	logger *slog.Logger
	base   map[string]any
}

// Option configures a TypeScript transpiler.
type Option func(*TypeScript)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *TypeScript) {
		t.logger = l
	}
}

// WithCompileOptions overrides default compiler options.
func WithCompileOptions(opts map[string]any) Option {
	return func(t *TypeScript) {
		maps.Copy(t.base, opts)
	}
}

// NewTypeScript creates a TypeScript transpiler.
func NewTypeScript(opts ...Option) *TypeScript {
	t := &TypeScript{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		base:   DefaultCompileOptions(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Transpile implements Transpiler.
func (t *TypeScript) Transpile(ctx context.Context, source, contextDir string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	opts, err := t.CompileOptions(contextDir)
	if err != nil {
		return "", err
	}

	out, err := typescript.TranspileString(source, typescript.WithCompileOptions(opts))
	if err != nil {
		return "", &Error{Message: "typescript compilation failed", Err: err}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := checkSyntax(out); err != nil {
		return "", &Error{Message: "typescript compilation failed", Err: err}
	}
	return out, nil
}

// checkSyntax parses the emitted JavaScript. The embedded compiler emits
// output even for malformed source, so syntax errors surface here. The
// output is parsed inside an async function body, where it will run.
func checkSyntax(js string) error {
	_, err := parser.ParseFile(nil, "field.js", "(async function () {\n"+js+"\n})", 0)
	return err
}

// CompileOptions returns the effective options for contextDir: defaults,
// then compilerOptions from contextDir's tsconfig.json, then pinned options.
// A missing tsconfig.json is not an error.
func (t *TypeScript) CompileOptions(contextDir string) (map[string]any, error) {
	opts := maps.Clone(t.base)

	if contextDir != "" {
		project, err := readCompilerOptions(filepath.Join(contextDir, ConfigFile))
		if err != nil {
			return nil, err
		}
		if len(project) > 0 {
			t.logger.Debug("merged project compiler options", "dir", contextDir, "count", len(project))
		}
		maps.Copy(opts, project)
	}

	maps.Copy(opts, pinned)
	return opts, nil
}

func readCompilerOptions(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	// tsconfig.json commonly carries comments and trailing commas.
	data = jsonc.ToJSON(data)
	if !gjson.ValidBytes(data) {
		return nil, &Error{Message: fmt.Sprintf("invalid JSON in %s", path)}
	}

	co := gjson.GetBytes(data, "compilerOptions")
	if !co.IsObject() {
		return nil, nil
	}
	opts, _ := co.Value().(map[string]any)
	return opts, nil
}
