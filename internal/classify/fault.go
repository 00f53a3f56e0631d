package classify

import (
	"errors"
	"fmt"
)

// Fault is the structured failure the driver port and step executor
// surface instead of bare errors. It carries everything Classify
// needs, so callers never parse error strings twice.
type Fault struct {
	Kind    ExceptionKind
	Message string
	Phase   Phase
}

// NewFault builds a Fault for the given kind, phase, and message.
func NewFault(kind ExceptionKind, phase Phase, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Phase: phase, Message: fmt.Sprintf(format, args...)}
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s (%s): %s", f.Kind, f.Phase, f.Message)
}

// ClassifyError classifies any error. Structured Faults use their
// recorded kind and phase; plain errors fall back to message
// heuristics with an unknown kind.
func ClassifyError(err error, attempt int) Verdict {
	var f *Fault
	if errors.As(err, &f) {
		return Classify(f.Kind, f.Message, f.Phase, attempt)
	}
	return Classify(KindUnknown, err.Error(), "", attempt)
}

// Summary returns the first line of an error message for run records.
func Summary(err error) string {
	if err == nil {
		return ""
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Message
	}
	return err.Error()
}
