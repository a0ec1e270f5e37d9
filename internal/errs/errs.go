// Package errs carries the error taxonomy shared by every engine subsystem.
//
// Each error has a short machine-readable kind code and a human-readable
// message. Callers match on kinds with IsKind/KindOf via errors.As, so
// wrapping with fmt.Errorf("%w") anywhere in between is safe.
package errs

import (
	"errors"
	"fmt"
)

// Kind categorizes an error for programmatic handling.
type Kind string

const (
	// KindValidation marks malformed rule/goal/timer/lookup input. The
	// offending operation is rejected; the engine keeps running.
	KindValidation Kind = "validation"

	// KindNotFound marks an unknown rule/group/fact/timer id on an
	// operation that requires it.
	KindNotFound Kind = "not_found"

	// KindConflict marks a duplicate id on create.
	KindConflict Kind = "conflict"

	// KindUnavailable marks a request for an optional subsystem
	// (versioning, audit, persistence) that is not configured.
	KindUnavailable Kind = "service_unavailable"

	// KindDataResolution marks a failed external lookup. Propagation is
	// governed by the lookup's onError policy.
	KindDataResolution Kind = "data_resolution"

	// KindServiceCall marks a failed call_service action. Remaining
	// actions of that fire are aborted; prior side effects persist.
	KindServiceCall Kind = "service_call"

	// KindStorage marks a storage adapter failure. The engine continues
	// to operate on in-memory state.
	KindStorage Kind = "storage"

	// KindStopped marks an operation attempted after engine shutdown.
	KindStopped Kind = "engine_stopped"

	// KindInternal marks an unexpected invariant violation.
	KindInternal Kind = "internal"
)

// Error is the taxonomy error type.
type Error struct {
	Kind    Kind
	Message string
	Err     error // wrapped cause, may be nil
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause to errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error with the given kind and formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind and message. Returns nil if err is nil.
func Wrap(kind Kind, err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// Wrapf annotates err with a kind and formatted message. Returns nil if
// err is nil.
func Wrapf(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Validationf creates a validation error.
func Validationf(format string, args ...any) *Error {
	return Newf(KindValidation, format, args...)
}

// NotFoundf creates a not-found error.
func NotFoundf(format string, args ...any) *Error {
	return Newf(KindNotFound, format, args...)
}

// Conflictf creates a conflict error.
func Conflictf(format string, args ...any) *Error {
	return Newf(KindConflict, format, args...)
}

// Unavailablef creates a service-unavailable error.
func Unavailablef(format string, args ...any) *Error {
	return Newf(KindUnavailable, format, args...)
}

// Internalf creates an internal error.
func Internalf(format string, args ...any) *Error {
	return Newf(KindInternal, format, args...)
}

// Stopped creates the error returned by public engine APIs after Stop.
func Stopped() *Error {
	return New(KindStopped, "engine is stopped")
}

// KindOf returns the kind of err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return IsKind(err, KindValidation) }

// IsConflict reports whether err is a conflict error.
func IsConflict(err error) bool { return IsKind(err, KindConflict) }

// IsUnavailable reports whether err marks an unconfigured subsystem.
func IsUnavailable(err error) bool { return IsKind(err, KindUnavailable) }

// IsStopped reports whether err was raised after engine shutdown.
func IsStopped(err error) bool { return IsKind(err, KindStopped) }
