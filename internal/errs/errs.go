package errs

import (
	"errors"
	"fmt"
	"time"
)

// Code is a failure kind surfaced by the page core.
type Code string

const (
	Timeout         Code = "timeout"
	Actionability   Code = "actionability"
	RenderTimeout   Code = "render_timeout"
	ClosedSession   Code = "closed_session"
	StrictMode      Code = "strict_mode"
	Navigation      Code = "navigation"
	InvalidArgument Code = "invalid_argument"
	Canceled        Code = "canceled"
	Internal        Code = "internal"
)

// Actionability reasons.
const (
	ReasonNotFound      = "not-found"
	ReasonDetached      = "detached"
	ReasonHidden        = "hidden"
	ReasonObscured      = "obscured"
	ReasonPointerEvents = "pointer-events"
	ReasonDisabled      = "disabled"
)

// Diagnostic is the state last observed before a failure.
type Diagnostic struct {
	LastObserved string
	Elapsed      time.Duration
	Timeout      time.Duration
	Attempts     int
}

func (d *Diagnostic) String() string {
	if d == nil {
		return ""
	}
	return fmt.Sprintf("last observed: %s; elapsed %s of %s after %d attempt(s)",
		d.LastObserved, d.Elapsed.Round(time.Millisecond), d.Timeout, d.Attempts)
}

// Error is a coded failure.
type Error struct {
	Code    Code
	Message string
	Reason  string
	Diag    *Diagnostic
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	if e.Diag != nil {
		msg += ": " + e.Diag.String()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New creates a coded error with message.
func New(code Code, message string) error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a coded error with message and cause.
func Wrap(code Code, message string, cause error) error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     cause,
	}
}

// Closed is the error every operation on a closed session resolves to.
func Closed(sessionID string) error {
	return &Error{
		Code:    ClosedSession,
		Message: "page session " + sessionID + " is closed",
	}
}

// CodeOf returns the error code, defaulting to internal.
func CodeOf(err error) Code {
	if err == nil {
		return Internal
	}
	var coded *Error
	if errors.As(err, &coded) {
		if coded.Code == "" {
			return Internal
		}
		return coded.Code
	}
	return Internal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// ReasonOf returns the actionability reason attached to err, if any.
func ReasonOf(err error) string {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Reason
	}
	return ""
}

// DiagnosticOf returns the diagnostic snapshot attached to err, if any.
func DiagnosticOf(err error) *Diagnostic {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Diag
	}
	return nil
}

// IsTerminal reports whether a polling loop must stop on err instead of
// treating it as a transient observation.
func IsTerminal(err error) bool {
	switch CodeOf(err) {
	case StrictMode, ClosedSession, InvalidArgument, Canceled:
		return true
	default:
		return false
	}
}
