// Package errs defines the error kinds shared by every engine component.
// Fallible operations return an error that unwraps to exactly one of these
// sentinels; callers classify it with errors.Is.
package errs

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrOutOfBounds        = errors.New("out of bounds")
	ErrCapacityExceeded   = errors.New("capacity exceeded")
	ErrFormatInvalid      = errors.New("invalid format")
	ErrIncompatibleConfig = errors.New("incompatible configuration")
)

type kindError struct {
	kind error
	msg  string
}

func (e kindError) Error() string {
	return e.msg
}

func (e kindError) Unwrap() error {
	return e.kind
}

// New returns an error with a descriptive message that unwraps to kind.
func New(kind error, format string, args ...any) error {
	return kindError{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Kind names the sentinel err wraps, or "internal" when it wraps none.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrOutOfBounds):
		return "out_of_bounds"
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, ErrFormatInvalid):
		return "format_invalid"
	case errors.Is(err, ErrIncompatibleConfig):
		return "incompatible_config"
	default:
		return "internal"
	}
}
