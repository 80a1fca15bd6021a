// Package assembler turns an execution request into the program text a
// sandbox or remote session evaluates.
package assembler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"github.com/dshills/runbok/internal/execution"
	"github.com/dshills/runbok/internal/transpile"
)

// Program is an assembled, ready-to-evaluate script.
type Program struct {
	Text        string
	Language    execution.Language
	Diagnostics []string
}

// Assembler builds programs from requests.
type Assembler struct {
	transpiler transpile.Transpiler
	logger     *slog.Logger
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithTranspiler sets the transpiler used for PreprocessTranspile requests.
func WithTranspiler(t transpile.Transpiler) Option {
	return func(a *Assembler) {
		a.transpiler = t
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Assembler) {
		a.logger = l
	}
}

// New creates an Assembler.
func New(opts ...Option) *Assembler {
	a := &Assembler{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble builds the program for req. Invalid requests fail with a
// ValidationError and transpile failures with a CompilationError.
func (a *Assembler) Assemble(ctx context.Context, req execution.Request) (Program, error) {
	if strings.TrimSpace(req.Code) == "" {
		return Program{}, execution.Errorf(execution.KindValidation, "code is required")
	}

	switch req.Language {
	case execution.LanguageLua:
		if req.Preprocessor != execution.PreprocessNone {
			return Program{}, execution.Errorf(execution.KindValidation,
				"preprocessor %s is not supported for lua", req.Preprocessor)
		}
		return assembleLua(req)
	case execution.LanguageJavaScript:
		return a.assembleJS(ctx, req)
	default:
		return Program{}, execution.Errorf(execution.KindValidation, "unsupported language %v", req.Language)
	}
}

func (a *Assembler) assembleJS(ctx context.Context, req execution.Request) (Program, error) {
	prog := Program{Language: execution.LanguageJavaScript}

	names, diags, err := checkNames(req, isJSIdentifier)
	if err != nil {
		return Program{}, err
	}
	prog.Diagnostics = diags

	contextJSON, err := encodeContext(req.Context)
	if err != nil {
		return Program{}, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "const __context = %s;\n", contextJSON)
	if len(names) > 0 {
		fmt.Fprintf(&b, "const { %s } = __context;\n", strings.Join(names, ", "))
	}
	writeSection(&b, req.Imports)
	writeSection(&b, req.Mocks)
	// The code sits on its own lines so a trailing line comment cannot
	// swallow the terminator.
	fmt.Fprintf(&b, "const __field =\n%s\n;\n", strings.TrimSpace(req.Code))
	b.WriteString("const __result = __field(__context);\n")

	body := b.String()
	if req.Preprocessor == execution.PreprocessTranspile {
		if a.transpiler == nil {
			return Program{}, execution.Errorf(execution.KindValidation, "transpile requested but no transpiler is configured")
		}
		out, err := a.transpiler.Transpile(ctx, body, req.ContextDir)
		if err != nil {
			a.logger.Debug("transpile failed", "error", err)
			return Program{}, execution.Wrap(execution.KindCompilation, err, "compilation failed")
		}
		body = out
	}

	prog.Text = wrapJS(body)
	return prog, nil
}

// requireShim resolves require to the host's CommonJS loader when one
// exists; inside the sandbox it stays undefined.
const requireShim = `const require = typeof globalThis.require === "function"
	? globalThis.require
	: (typeof process !== "undefined" && process.mainModule
		? process.mainModule.require.bind(process.mainModule)
		: undefined);
`

func wrapJS(body string) string {
	var b strings.Builder
	b.WriteString("(async function () {\n")
	b.WriteString("const module = { exports: {} };\n")
	b.WriteString("let exports = module.exports;\n")
	b.WriteString(requireShim)
	b.WriteString(body)
	if !strings.HasSuffix(body, "\n") {
		b.WriteByte('\n')
	}
	b.WriteString("return await __result;\n")
	b.WriteString("})()")
	return b.String()
}

func writeSection(b *strings.Builder, s string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return
	}
	b.WriteString(s)
	b.WriteByte('\n')
}

func encodeContext(ctx map[string]any) (string, error) {
	if ctx == nil {
		return "{}", nil
	}
	data, err := json.Marshal(ctx)
	if err != nil {
		return "", execution.Wrap(execution.KindValidation, err, "context is not JSON-serializable")
	}
	return string(data), nil
}

// checkNames validates mock dependency names and reports names absent from
// the context. Duplicates are dropped, first occurrence wins.
func checkNames(req execution.Request, valid func(string) bool) ([]string, []string, error) {
	var (
		names []string
		diags []string
		seen  = make(map[string]bool)
	)
	for _, raw := range req.MockDependencyNames {
		name := strings.TrimSpace(raw)
		if name == "" || seen[name] {
			continue
		}
		if !valid(name) {
			return nil, nil, execution.Errorf(execution.KindValidation,
				"invalid mock dependency name %q", raw)
		}
		seen[name] = true
		names = append(names, name)
		if _, ok := req.Context[name]; !ok {
			diags = append(diags, fmt.Sprintf("mock dependency %q is not present in the context", name))
		}
	}
	return names, diags, nil
}

var jsIdentifier = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

var jsReserved = map[string]bool{
	"break": true, "case": true, "catch": true, "class": true, "const": true,
	"continue": true, "debugger": true, "default": true, "delete": true,
	"do": true, "else": true, "enum": true, "export": true, "extends": true,
	"false": true, "finally": true, "for": true, "function": true, "if": true,
	"import": true, "in": true, "instanceof": true, "new": true, "null": true,
	"return": true, "super": true, "switch": true, "this": true, "throw": true,
	"true": true, "try": true, "typeof": true, "var": true, "void": true,
	"while": true, "with": true, "yield": true, "let": true, "static": true,
	"await": true, "implements": true, "interface": true, "package": true,
	"private": true, "protected": true, "public": true,
}

func isJSIdentifier(s string) bool {
	return jsIdentifier.MatchString(s) && !jsReserved[s]
}
