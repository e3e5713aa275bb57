package nn

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrLayerNotFound = errors.New("layer not found")
	ErrDuplicateName = errors.New("duplicate layer name")
	ErrCycle         = errors.New("cycle detected")
	ErrInvalidGraph  = errors.New("invalid layer graph")
	ErrShape         = errors.New("shape mismatch")
)

// GraphError wraps graph construction and validation failures.
type GraphError struct {
	Kind error
	Msg  string
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

func notFound(name string) error {
	return &GraphError{Kind: ErrLayerNotFound, Msg: fmt.Sprintf("%q", name)}
}

func shapef(format string, args ...any) error {
	return &GraphError{Kind: ErrShape, Msg: fmt.Sprintf(format, args...)}
}

func cycleError(path []string) error {
	msg := "cycle"
	if len(path) > 0 {
		msg = "cycle through " + strings.Join(path, ", ")
	}
	return &GraphError{Kind: ErrCycle, Msg: msg}
}
