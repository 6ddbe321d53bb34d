package world

import (
	"errors"
	"fmt"
)

// Kind classifies a contract error. Kinds, not concrete types, are the unit of
// error handling at the World surface: callers branch on the kind (via the
// Is* predicates) and treat the message as diagnostic text.
type Kind string

const (
	// KindNotFound indicates the referenced entity does not exist.
	KindNotFound Kind = "not_found"
	// KindConflict indicates a creation collided with an existing unique entity.
	KindConflict Kind = "conflict"
	// KindInvalidState indicates an illegal state machine transition.
	KindInvalidState Kind = "invalid_state"
	// KindInvalidArgument indicates a missing or malformed argument.
	KindInvalidArgument Kind = "invalid_argument"
	// KindNotImplemented indicates the backend does not support the operation.
	KindNotImplemented Kind = "not_implemented"
	// KindInternal indicates a backend failure or unexpected store condition.
	KindInternal Kind = "internal"
)

// Error is the contract error type. It carries a kind and an optional wrapped
// cause; backends wrap unclassifiable store errors as KindInternal.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.err }

// NotFoundf builds a KindNotFound error.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, msg: fmt.Sprintf(format, args...)}
}

// Conflictf builds a KindConflict error.
func Conflictf(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, msg: fmt.Sprintf(format, args...)}
}

// InvalidStatef builds a KindInvalidState error.
func InvalidStatef(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidState, msg: fmt.Sprintf(format, args...)}
}

// InvalidArgumentf builds a KindInvalidArgument error.
func InvalidArgumentf(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidArgument, msg: fmt.Sprintf(format, args...)}
}

// NotImplementedf builds a KindNotImplemented error.
func NotImplementedf(format string, args ...any) *Error {
	return &Error{Kind: KindNotImplemented, msg: fmt.Sprintf(format, args...)}
}

// Internalf builds a KindInternal error wrapping err. The wrapped cause is
// reachable via errors.Unwrap for diagnostics.
func Internalf(err error, format string, args ...any) *Error {
	return &Error{Kind: KindInternal, msg: fmt.Sprintf(format, args...), err: err}
}

// KindOf returns the kind of err, or KindInternal when err does not carry one.
func KindOf(err error) Kind {
	var we *Error
	if errors.As(err, &we) {
		return we.Kind
	}
	return KindInternal
}

// IsNotFound reports whether err is a KindNotFound contract error.
func IsNotFound(err error) bool { return hasKind(err, KindNotFound) }

// IsConflict reports whether err is a KindConflict contract error.
func IsConflict(err error) bool { return hasKind(err, KindConflict) }

// IsInvalidState reports whether err is a KindInvalidState contract error.
func IsInvalidState(err error) bool { return hasKind(err, KindInvalidState) }

// IsInvalidArgument reports whether err is a KindInvalidArgument contract error.
func IsInvalidArgument(err error) bool { return hasKind(err, KindInvalidArgument) }

// IsNotImplemented reports whether err is a KindNotImplemented contract error.
func IsNotImplemented(err error) bool { return hasKind(err, KindNotImplemented) }

func hasKind(err error, kind Kind) bool {
	var we *Error
	return errors.As(err, &we) && we.Kind == kind
}
