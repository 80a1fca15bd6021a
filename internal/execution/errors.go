package execution

import (
	"errors"
	"fmt"
)

// Kind classifies a failed execution.
type Kind int

const (
	// KindValidation means the request itself is malformed.
	KindValidation Kind = iota + 1
	// KindCompilation means the transpiler rejected the source.
	KindCompilation
	// KindEvaluation means the user code threw or rejected.
	KindEvaluation
	// KindConnection means the remote target could not be reached.
	KindConnection
	// KindProtocol means the session broke mid-conversation.
	KindProtocol
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindCompilation:
		return "CompilationError"
	case KindEvaluation:
		return "EvaluationError"
	case KindConnection:
		return "ConnectionError"
	case KindProtocol:
		return "ProtocolError"
	default:
		return "UnknownError"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Error is a classified execution failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Detail returns the human-readable part of the error without the kind.
func (e *Error) Detail() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return e.Message + ": " + e.Err.Error()
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return ""
	}
}

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: k})
// tests classification.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Errorf creates a classified error with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. If err already carries a kind it is returned
// unchanged so classification never degrades on the way up.
func Wrap(kind Kind, err error, message string) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind carried by err, or zero if unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
