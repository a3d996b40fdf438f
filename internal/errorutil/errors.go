// Package errorutil provides sentinel error helpers for the transaction layer.
package errorutil

//go:generate errtrace -w .

import (
	"errors"
	"fmt"
	"strings"
)

// Error is a string type that implements the error interface.
// It is used to declare constant sentinel errors.
type Error string

func (s Error) Error() string { return string(s) }

// ErrInvalidArgument is an error returned when an invalid argument is provided.
const ErrInvalidArgument Error = "invalid argument"

// NewWrapperError attaches details to a sentinel error.
//
// With no args it returns sentinel itself. An error arg is wrapped so that both errors match
// [errors.Is], unless it already wraps sentinel. A string arg is used as a format
// for the rest of args.
func NewWrapperError(sentinel error, args ...any) error {
	if len(args) == 0 {
		return sentinel //errtrace:skip
	}

	var detail string
	switch v := args[0].(type) {
	case error:
		if errors.Is(v, sentinel) {
			return v //errtrace:skip
		}
		return fmt.Errorf("%w: %w", sentinel, v) //errtrace:skip
	case string:
		detail = v
		if len(args) > 1 {
			detail = fmt.Sprintf(v, args[1:]...)
		}
	default:
		return sentinel //errtrace:skip
	}
	return fmt.Errorf("%w: %s", sentinel, detail) //errtrace:skip
}

// NewInvalidArgumentError creates a new error with [ErrInvalidArgument] or
// wraps provided error with [ErrInvalidArgument].
func NewInvalidArgumentError(args ...any) error {
	return NewWrapperError(ErrInvalidArgument, args...) //errtrace:skip
}

// JoinPrefix joins errs into one error.
// A single error renders inline after prefix, several errors render as an indented list.
// Nil errors are skipped, JoinPrefix returns nil if nothing is left.
func JoinPrefix(prefix string, errs ...error) error {
	errs = compact(errs)
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return fmt.Errorf("%s: %w", strings.TrimSuffix(prefix, ":"), errs[0]) //errtrace:skip
	default:
		return &listError{prefix: prefix, errs: errs} //errtrace:skip
	}
}

func compact(errs []error) []error {
	out := errs[:0:0]
	for _, err := range errs {
		if err != nil {
			out = append(out, err)
		}
	}
	return out
}

type listError struct {
	prefix string
	errs   []error
}

func (e *listError) Error() string {
	lines := make([]string, 0, len(e.errs)+1)
	lines = append(lines, e.prefix)
	for _, err := range e.errs {
		lines = append(lines, "  - "+strings.ReplaceAll(err.Error(), "\n", "\n    "))
	}
	return strings.Join(lines, "\n")
}

func (e *listError) Unwrap() []error { return e.errs }
