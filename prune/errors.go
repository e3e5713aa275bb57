package prune

import (
	"errors"
	"fmt"
)

// Error kinds returned by surgery operations. Match them with errors.Is.
var (
	ErrIndexOutOfRange     = errors.New("channel index out of range")
	ErrFullAxisDeletion    = errors.New("deletion would remove every channel")
	ErrStructuralConflict  = errors.New("structural conflict")
	ErrUnsupportedTopology = errors.New("unsupported topology")
	ErrShapeMismatch       = errors.New("shape mismatch")
)

// SurgeryError reports a rejected surgery call. Nothing is committed when one
// is returned.
type SurgeryError struct {
	Kind  error
	Op    string
	Layer string
	Msg   string
}

func (e *SurgeryError) Error() string {
	if e == nil {
		return ""
	}
	s := e.Op
	if e.Layer != "" {
		s += " " + e.Layer
	}
	s += ": " + e.Kind.Error()
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	return s
}

func (e *SurgeryError) Unwrap() error { return e.Kind }

func surgeryErr(kind error, op, layer, format string, args ...any) error {
	return &SurgeryError{Kind: kind, Op: op, Layer: layer, Msg: fmt.Sprintf(format, args...)}
}
