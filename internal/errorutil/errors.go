// Package errorutil provides error helpers shared across the sipua packages.
package errorutil

import (
	"errors"
	"fmt"
	"strings"
)

// Error is a string type that implements the error interface.
// It is used for sentinel errors declared as constants.
type Error string

func (s Error) Error() string { return string(s) }

// ErrInvalidArgument is an error returned when an invalid argument is provided.
const ErrInvalidArgument Error = "invalid argument"

// ErrInvalidState is an error returned when an operation is invoked on an
// entity whose current state forbids it. It marks a contract violation by
// the caller, not a runtime condition to retry.
const ErrInvalidState Error = "invalid state"

// NewWrapperError creates or wraps an error with a sentinel error.
// It supports multiple argument patterns:
//   - No args: returns sentinel
//   - error arg: wraps with sentinel (unless already wrapped)
//   - string arg: formats as message with sentinel
//   - string + args: formats with Sprintf then wraps with sentinel
func NewWrapperError(sentinel error, args ...any) error {
	if len(args) == 0 {
		return sentinel
	}
	switch v := args[0].(type) {
	case error:
		if errors.Is(v, sentinel) {
			return v
		}
		return fmt.Errorf("%w: %w", sentinel, v)
	case string:
		if len(args) == 1 {
			return fmt.Errorf("%w: %s", sentinel, v)
		}
		return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(v, args[1:]...))
	default:
		return sentinel
	}
}

// NewInvalidArgumentError creates a new error with [ErrInvalidArgument] or
// wraps provided error with [ErrInvalidArgument].
func NewInvalidArgumentError(args ...any) error {
	return NewWrapperError(ErrInvalidArgument, args...)
}

// NewInvalidStateError creates a new error with [ErrInvalidState] or
// wraps provided error with [ErrInvalidState].
func NewInvalidStateError(args ...any) error {
	return NewWrapperError(ErrInvalidState, args...)
}

// Join combines errors into a single error.
func Join(errs ...error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	return &multiError{errs: errs}
}

// JoinPrefix combines errors under a common prefix message.
func JoinPrefix(prefix string, errs ...error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return fmt.Errorf("%s: %w", strings.TrimRight(prefix, ":"), errs[0])
	}
	return &multiError{prefix: prefix, errs: errs}
}

type multiError struct {
	prefix string
	errs   []error
}

func (e *multiError) Error() string {
	if len(e.errs) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(e.prefix)
	for _, err := range e.errs {
		if err == nil {
			continue
		}
		sb.WriteString("\n  - ")
		sb.WriteString(strings.ReplaceAll(err.Error(), "\n", "\n    "))
	}
	return sb.String()
}

func (e *multiError) Unwrap() []error { return e.errs }
