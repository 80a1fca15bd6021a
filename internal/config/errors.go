package config

import (
	"errors"
	"fmt"
	"strings"
)

// ErrFileNotFound is returned when a named config file doesn't exist.
var ErrFileNotFound = errors.New("config file not found")

// Problem classifies why a setting was rejected.
type Problem uint8

const (
	ProblemUnknownSetting Problem = iota
	ProblemWrongType
	ProblemOutOfRange
	ProblemUnsupported
	ProblemMissing
)

var problemNames = [...]string{
	ProblemUnknownSetting: "unknown setting",
	ProblemWrongType:      "wrong type",
	ProblemOutOfRange:     "out of range",
	ProblemUnsupported:    "unsupported value",
	ProblemMissing:        "missing",
}

func (p Problem) String() string {
	if int(p) < len(problemNames) {
		return problemNames[p]
	}
	return fmt.Sprintf("problem(%d)", uint8(p))
}

// ValidationError reports one rejected setting, named by its dotted path
// (for example "pool.idle_timeout").
type ValidationError struct {
	Setting string
	Problem Problem
	Detail  string
	Value   any
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("config ")
	b.WriteString(e.Setting)
	b.WriteString(": ")
	b.WriteString(e.Problem.String())
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Value != nil {
		fmt.Fprintf(&b, " (got %v)", e.Value)
	}
	return b.String()
}
