package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the stable semantic classes that
// cross package boundaries. Kinds map 1:1 to the numeric error classes
// exposed at the external API boundary.
type Kind uint8

const (
	Unknown Kind = iota
	Validation
	NotFound
	AlreadyExists
	Conflict
	QuotaExceeded
	DimensionMismatch
	Corruption
	TransientStorage
	PermanentStorage
	CircuitOpen
	Timeout
	Cancelled
	Internal
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case AlreadyExists:
		return "already_exists"
	case Conflict:
		return "conflict"
	case QuotaExceeded:
		return "quota_exceeded"
	case DimensionMismatch:
		return "dimension_mismatch"
	case Corruption:
		return "corruption"
	case TransientStorage:
		return "transient_storage"
	case PermanentStorage:
		return "permanent_storage"
	case CircuitOpen:
		return "circuit_open"
	case Timeout:
		return "timeout"
	case Cancelled:
		return "cancelled"
	case Internal:
		return "internal"
	}
	return "unknown"
}

// Code returns the stable numeric class for the external boundary.
func (k Kind) Code() int { return int(k) }

// Error is the concrete error type carried across Strata packages. It
// wraps an optional cause and supports errors.Is/errors.As matching on
// both the kind and the cause chain.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "wal.append"
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Op != "" && e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	case e.Err != nil:
		return e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches against another *Error by kind, so
// errors.Is(err, errs.E(errs.NotFound, "", "")) style sentinels work.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// E builds a new error of the given kind.
func E(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Ef builds a new error of the given kind with a formatted message.
func Ef(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and operation to a cause. Returns nil if err is
// nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrapf is Wrap with an additional message.
func Wrapf(kind Kind, op string, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from an error chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsNotFound reports whether the error is a NotFound.
func IsNotFound(err error) bool { return IsKind(err, NotFound) }

// IsConflict reports whether the error is a manifest CAS Conflict.
func IsConflict(err error) bool { return IsKind(err, Conflict) }

// IsCorruption reports whether the error is a Corruption.
func IsCorruption(err error) bool { return IsKind(err, Corruption) }

// Retryable reports whether the error may succeed on retry. Transient
// storage errors and open circuits qualify; validation, permanent
// storage, and corruption never do.
func Retryable(err error) bool {
	switch KindOf(err) {
	case TransientStorage, CircuitOpen, Timeout:
		return true
	}
	return false
}
