// Package syncerr classifies failures crossing component boundaries so callers
// can tell retryable errors from fatal ones.
package syncerr

import (
	"errors"
	"fmt"
)

// Kind is the category of a synchronization failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation is a malformed request. Never retried.
	KindValidation
	// KindConflict is resolved by policy and never surfaced as a failure.
	KindConflict
	// KindTransient covers provider timeouts and connectivity problems.
	KindTransient
	// KindVerification means a write was applied but could not be confirmed.
	KindVerification
	// KindCorruption means persisted state (usually the WAL) is unreadable.
	KindCorruption
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient_provider"
	case KindVerification:
		return "verification"
	case KindCorruption:
		return "corruption"
	default:
		return "unknown"
	}
}

// Error carries a Kind and the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, syncerr.ErrValidation) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Err == nil && t.Op == "" && t.Kind == e.Kind
}

// Kind markers usable with errors.Is.
var (
	ErrValidation   = &Error{Kind: KindValidation}
	ErrConflict     = &Error{Kind: KindConflict}
	ErrTransient    = &Error{Kind: KindTransient}
	ErrVerification = &Error{Kind: KindVerification}
	ErrCorruption   = &Error{Kind: KindCorruption}
)

func Validation(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

func Conflict(op, format string, args ...any) error {
	return &Error{Kind: KindConflict, Op: op, Err: fmt.Errorf(format, args...)}
}

func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

func Verification(op, format string, args ...any) error {
	return &Error{Kind: KindVerification, Op: op, Err: fmt.Errorf(format, args...)}
}

func Corruption(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindCorruption, Op: op, Err: err}
}

// KindOf returns the kind of the outermost classified error in the chain.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether an operation failing with err may be retried.
// Unclassified errors are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindValidation, KindConflict, KindCorruption:
		return false
	default:
		return true
	}
}
