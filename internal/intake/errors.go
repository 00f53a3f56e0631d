package intake

import (
	"errors"
	"fmt"

	"qanerd/internal/agent"
	"qanerd/internal/artifact"
	"qanerd/internal/orchestrator"
	"qanerd/internal/scheduler"
	"qanerd/internal/store"
)

// ErrorKind is the closed set of error kinds surfaced by the v1
// contract. Transports map kinds to their own status codes.
type ErrorKind string

const (
	KindValidation   ErrorKind = "VALIDATION"
	KindNotFound     ErrorKind = "NOT_FOUND"
	KindConflict     ErrorKind = "CONFLICT"
	KindBackpressure ErrorKind = "BACKPRESSURE"
	KindTooLarge     ErrorKind = "TOO_LARGE"
	KindInvalidKind  ErrorKind = "INVALID_KIND"
	KindInvalidCron  ErrorKind = "INVALID_CRON"
	KindInternal     ErrorKind = "INTERNAL"
)

// Error is a typed intake failure.
type Error struct {
	Kind    ErrorKind
	Message string
	cause   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Errorf builds a typed error directly, for request validation.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind from any error; unclassified errors read
// INTERNAL.
func KindOf(err error) ErrorKind {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return KindInternal
}

// wrap translates component sentinel errors into typed intake errors.
// Unrecognized errors pass through as INTERNAL.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	var ie *Error
	if errors.As(err, &ie) {
		return err
	}

	kind := KindInternal
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, artifact.ErrNotFound):
		kind = KindNotFound
	case errors.Is(err, store.ErrTerminal), errors.Is(err, orchestrator.ErrConflict),
		errors.Is(err, agent.ErrNotRunning):
		kind = KindConflict
	case errors.Is(err, orchestrator.ErrBackpressure):
		kind = KindBackpressure
	case errors.Is(err, orchestrator.ErrInactive):
		kind = KindValidation
	case errors.Is(err, scheduler.ErrInvalidCron):
		kind = KindInvalidCron
	case errors.Is(err, artifact.ErrTooLarge):
		kind = KindTooLarge
	case errors.Is(err, artifact.ErrInvalidKind):
		kind = KindInvalidKind
	}
	return &Error{Kind: kind, Message: err.Error(), cause: err}
}
