// Package execution defines the request and result types shared by the
// execution engine and the error taxonomy every failure is classified into.
package execution

import (
	"strings"
)

// Preprocessor selects the optional source transformation applied before
// execution.
type Preprocessor int

const (
	// PreprocessNone runs the assembled source as-is.
	PreprocessNone Preprocessor = iota
	// PreprocessTranspile runs the assembled source through the transpiler.
	PreprocessTranspile
)

// String returns a string representation of the preprocessor.
func (p Preprocessor) String() string {
	switch p {
	case PreprocessNone:
		return "none"
	case PreprocessTranspile:
		return "transpile"
	default:
		return "unknown"
	}
}

// ParsePreprocessor parses a preprocessor name. The empty string means none.
func ParsePreprocessor(s string) (Preprocessor, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return PreprocessNone, nil
	case "transpile", "ts", "typescript":
		return PreprocessTranspile, nil
	default:
		return PreprocessNone, Errorf(KindValidation, "unknown preprocessor %q", s)
	}
}

// Language is the scripting language of a field snippet.
type Language int

const (
	// LanguageJavaScript is the default snippet language.
	LanguageJavaScript Language = iota
	// LanguageLua runs snippets in the local Lua sandbox.
	LanguageLua
)

// String returns a string representation of the language.
func (l Language) String() string {
	switch l {
	case LanguageJavaScript:
		return "javascript"
	case LanguageLua:
		return "lua"
	default:
		return "unknown"
	}
}

// ParseLanguage parses a language name. The empty string means JavaScript.
func ParseLanguage(s string) (Language, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "js", "javascript", "typescript", "ts":
		return LanguageJavaScript, nil
	case "lua":
		return LanguageLua, nil
	default:
		return LanguageJavaScript, Errorf(KindValidation, "unknown language %q", s)
	}
}

// Request is one execution of a field snippet.
type Request struct {
	// Code is the field's function expression, e.g. "({a, b}) => a + b".
	Code string

	// Imports is emitted verbatim before the mocks.
	Imports string

	// Mocks is emitted verbatim after the imports.
	Mocks string

	// MockDependencyNames are destructured out of the context ahead of the
	// imports so mocks can reference them.
	MockDependencyNames []string

	// Context is the input object passed to the field function.
	Context map[string]any

	// Endpoint is the raw endpoint input. Nil or blank runs locally.
	Endpoint any

	Preprocessor Preprocessor
	Language     Language

	// ContextDir is forwarded to the transpiler for project-level options.
	ContextDir string
}

// Result is the outcome of an execution: a value on success, a classified
// error otherwise.
type Result struct {
	Value any
	Err   *Error

	// RequestID identifies the execution in logs.
	RequestID string

	// Diagnostics are non-fatal notes produced while assembling.
	Diagnostics []string
}

// Success returns a successful result.
func Success(value any) Result {
	return Result{Value: value}
}

// Failure returns a failed result from any error. Errors without a kind are
// classified as evaluation errors.
func Failure(err error) Result {
	return Result{Err: Wrap(KindEvaluation, err, "")}
}

// OK reports whether the result is a success.
func (r Result) OK() bool {
	return r.Err == nil
}
