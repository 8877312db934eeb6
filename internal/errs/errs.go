// Package errs defines the error taxonomy shared by the buffer, index,
// store, and memory-manager layers, modeled on vecgo's Op/Err wrapping.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and HTTP status mapping. The
// taxonomy matches the core's error handling design: validation, not-found,
// capacity, dimension-mismatch, permission, rate-limited, dependency,
// internal.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindCapacity
	KindDimensionMismatch
	KindPermission
	KindRateLimited
	KindDependency
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not-found"
	case KindCapacity:
		return "capacity"
	case KindDimensionMismatch:
		return "dimension-mismatch"
	case KindPermission:
		return "permission"
	case KindRateLimited:
		return "rate-limited"
	case KindDependency:
		return "dependency"
	default:
		return "internal"
	}
}

// Error wraps an underlying error with an operation name and a Kind, the
// way vecgo.Error wraps Op+Err.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("memoria.%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New constructs a new Error.
func New(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// Wrap tags an existing error with an operation name, preserving its Kind
// if it already carries one, otherwise defaulting to internal.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return &Error{Op: op, Kind: e.Kind, Err: err}
	}
	return &Error{Op: op, Kind: KindInternal, Err: err}
}

// KindOf extracts the Kind from err, defaulting to KindInternal if err does
// not carry one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err (or any error it wraps) has the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Sentinel errors for common conditions, wrapped with New at the call site
// so callers get both a Kind and a stable comparable error via errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	ErrBufferFull        = errors.New("buffer full")
	ErrPersonaNotFound   = errors.New("persona not found")
	ErrInvalidConfig     = errors.New("invalid configuration")
)
