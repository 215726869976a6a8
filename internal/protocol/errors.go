package protocol

import (
	"errors"
	"fmt"
)

// Error kinds. Fatal kinds abort the current call; recoverable kinds are
// folded into false returns by the bridges.
var (
	ErrProtocol    = errors.New("protocol error")
	ErrConfig      = errors.New("config error")
	ErrConsistency = errors.New("consistency error")
	ErrUnavailable = errors.New("transient unavailable")
	ErrShutdown    = errors.New("transport shutdown")
)

// Error is a fatal error tied to one offending field.
type Error struct {
	Kind     error
	Op       string
	Field    string
	Expected any
	Actual   any
	Reason   string
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Field != "" {
		msg += ": " + e.Field
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Expected != nil || e.Actual != nil {
		msg += fmt.Sprintf(" (expected=%v actual=%v)", e.Expected, e.Actual)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// Mismatch builds an error of the given kind for a field whose value differs
// from the expected one.
func Mismatch(kind error, op, field string, expected, actual any) error {
	return &Error{Kind: kind, Op: op, Field: field, Expected: expected, Actual: actual}
}

func Protocolf(op, field, format string, args ...any) error {
	return &Error{Kind: ErrProtocol, Op: op, Field: field, Reason: fmt.Sprintf(format, args...)}
}

func Configf(op, field, format string, args ...any) error {
	return &Error{Kind: ErrConfig, Op: op, Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsFatal reports whether err carries one of the fatal kinds.
func IsFatal(err error) bool {
	return errors.Is(err, ErrProtocol) ||
		errors.Is(err, ErrConfig) ||
		errors.Is(err, ErrConsistency)
}

// IsRecoverable reports whether err should be reported as a false return.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrShutdown)
}
