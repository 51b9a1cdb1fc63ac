// Package apperr carries the error taxonomy shared by every layer.
// Collaborators tag failures with a Kind; retry predicates and HTTP
// handlers dispatch on the kind instead of matching error text.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	Unknown Kind = iota
	NotFound
	InvalidState
	Conflict
	InvalidRange
	Forbidden
	LockTimeout
	Upstream
	// Transient marks network/timeout failures that are safe to retry.
	Transient
	// DuplicateKey marks a unique-constraint violation that may be a
	// benign concurrent-creation race rather than a true conflict.
	DuplicateKey
	// PartialReschedule reports a reschedule that cancelled the old
	// appointment but failed to book the new slot.
	PartialReschedule
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case InvalidState:
		return "invalid_state"
	case Conflict:
		return "conflict"
	case InvalidRange:
		return "invalid_range"
	case Forbidden:
		return "forbidden"
	case LockTimeout:
		return "lock_timeout"
	case Upstream:
		return "upstream_failure"
	case Transient:
		return "transient"
	case DuplicateKey:
		return "duplicate_key"
	case PartialReschedule:
		return "partial_reschedule_failure"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a new tagged error.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error with a kind. Wrapping a nil error
// returns nil so call sites can wrap unconditionally.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf reports the kind of the outermost tagged error in err's chain,
// or Unknown when nothing in the chain is tagged.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
