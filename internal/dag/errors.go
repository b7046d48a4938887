package dag

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidGraph  = errors.New("invalid dependency graph")
	ErrCycleFound    = errors.New("circular dependency")
	ErrScopeNotFound = errors.New("scope not found")
)

// GraphError wraps deterministic graph failures.
//
// Path is set for cycle errors and holds the witness, first node repeated at
// the end.
type GraphError struct {
	Kind error
	Msg  string
	Path []string
}

func (e *GraphError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *GraphError) Unwrap() error { return e.Kind }

func invalidf(format string, args ...any) error {
	return &GraphError{Kind: ErrInvalidGraph, Msg: fmt.Sprintf(format, args...)}
}

func cycleError(path []string) error {
	msg := "cycle"
	if len(path) > 0 {
		msg = strings.Join(path, " -> ")
	}
	return &GraphError{Kind: ErrCycleFound, Msg: msg, Path: path}
}

func scopeError(scope string) error {
	return &GraphError{Kind: ErrScopeNotFound, Msg: fmt.Sprintf("%q is not a workspace package", scope)}
}
