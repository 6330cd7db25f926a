// Package ingesterrors contains the generic errors returned by the coordination primitives and the ingester.
// Callers should recover them with errors.As rather than comparing error strings.
package ingesterrors

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// ErrInvalidArgument is returned when a caller violates a precondition, e.g. asking a gate for more
// than its total capacity. Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the argument referred to, e.g., "weight"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message explaining why the value is invalid
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %v is invalid for argument %q", err.Value, err.Name)
	}
	return fmt.Sprintf("value %v is invalid for argument %q; %s", err.Value, err.Name, err.Message)
}

// ErrClosed is returned when an operation is attempted on a resource that has already been closed.
type ErrClosed struct {
	Type    string // Resource type, e.g., "session"
	Message string
}

func (err *ErrClosed) Error() (s string) {
	s = fmt.Sprintf("%s is closed", err.Type)
	if err.Message != "" {
		s = s + fmt.Sprintf("; %s", err.Message)
	}
	return
}

// ErrNotFound is a generic error to be returned whenever some resource isn't found.
type ErrNotFound struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// IsInvalidArgument reports whether any error in err's chain is an *ErrInvalidArgument.
func IsInvalidArgument(err error) bool {
	var e *ErrInvalidArgument
	return errors.As(err, &e)
}

// IsClosed reports whether any error in err's chain is an *ErrClosed.
func IsClosed(err error) bool {
	var e *ErrClosed
	return errors.As(err, &e)
}

// IsNotFound reports whether any error in err's chain is an *ErrNotFound.
func IsNotFound(err error) bool {
	var e *ErrNotFound
	return errors.As(err, &e)
}

// IsCallerCancellation returns true if err was caused by ctx itself being cancelled or timing out.
// Such errors are an expected way for a wait to end and should not be treated as failures.
func IsCallerCancellation(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
