package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation marks malformed input rejected before any state mutation.
	ErrValidation = errors.New("validation failed")
	// ErrConflict marks an operation against a state that no longer admits it.
	ErrConflict = errors.New("conflict")
	// ErrPolicyViolation marks an action forbidden by approval policy.
	ErrPolicyViolation = errors.New("policy violation")
)

// Error carries one of the sentinel kinds together with the failing operation.
type Error struct {
	Kind error
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Kind != nil {
		msg = e.Kind.Error()
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

// Unwrap exposes both the kind and the optional cause to errors.Is.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// Validation builds a validation error.
func Validation(op, format string, args ...any) error {
	return &Error{Kind: ErrValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Conflict builds a conflict error.
func Conflict(op, format string, args ...any) error {
	return &Error{Kind: ErrConflict, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// PolicyViolation builds a policy violation error.
func PolicyViolation(op, format string, args ...any) error {
	return &Error{Kind: ErrPolicyViolation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// NotFound builds a not found error for the named entity.
func NotFound(op, entity string, id any) error {
	return &Error{Kind: ErrNotFound, Op: op, Msg: fmt.Sprintf("%s %v not found", entity, id)}
}

// Wrap attaches a kind to an existing error.
func Wrap(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Msg: err.Error(), Err: err}
}
