// Package fault defines the error taxonomy shared by the lifecycle and
// transaction services. Callers classify failures with errors.Is against the
// kind sentinels; the wrapped cause stays reachable through errors.As/Unwrap.
package fault

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed or missing input. Always caller-fixable.
	ErrValidation = errors.New("validation error")
	// ErrForbidden marks a caller lacking the role or relationship an edge requires.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidState marks an operation that is not legal from the current lifecycle state.
	ErrInvalidState = errors.New("invalid state")
	// ErrConflict marks a lost race against another committed operation. Expected, not exceptional.
	ErrConflict = errors.New("conflict")
	// ErrNotFound marks a referenced entity that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrGateway marks a failed or timed-out payment gateway call.
	ErrGateway = errors.New("gateway error")
)

// Error carries a kind sentinel, a user-presentable message, and an optional cause.
type Error struct {
	kind error
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// Is matches the kind sentinel so errors.Is(err, fault.ErrConflict) works
// regardless of wrapping depth.
func (e *Error) Is(target error) bool { return target == e.kind }

func newf(kind error, format string, args ...any) error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

func Validationf(format string, args ...any) error   { return newf(ErrValidation, format, args...) }
func Forbiddenf(format string, args ...any) error    { return newf(ErrForbidden, format, args...) }
func InvalidStatef(format string, args ...any) error { return newf(ErrInvalidState, format, args...) }
func Conflictf(format string, args ...any) error     { return newf(ErrConflict, format, args...) }
func NotFoundf(format string, args ...any) error     { return newf(ErrNotFound, format, args...) }

// Gateway wraps an underlying transport failure from the payment gateway.
func Gateway(msg string, err error) error {
	return &Error{kind: ErrGateway, msg: msg, err: err}
}
