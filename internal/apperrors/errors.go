// Package apperrors implements the daemon's closed error taxonomy.
//
// Every error that crosses a component boundary, or the wire to a client,
// is an *Error carrying one of the Kind values below. Callers compare
// kinds with KindOf(err) or Is(err, kind), never with string matching on
// Error().
package apperrors

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind is a closed enumeration of error categories, used both internally
// and on the control-plane wire.
type Kind string

const (
	InvalidConfig     Kind = "InvalidConfig"
	NotFound          Kind = "NotFound"
	AlreadyExists     Kind = "AlreadyExists"
	QueueFull         Kind = "QueueFull"
	NoAvailableWorker Kind = "NoAvailableWorker"
	WorkerStartFailed Kind = "WorkerStartFailed"
	WorkerUnhealthy   Kind = "WorkerUnhealthy"
	Timeout           Kind = "Timeout"
	Cancelled         Kind = "Cancelled"
	Cooldown          Kind = "Cooldown"
	RateLimited       Kind = "RateLimited"
	IO                Kind = "IO"
	Internal          Kind = "Internal"
	UnknownCommand    Kind = "UnknownCommand"
	Conflict          Kind = "Conflict"
)

// Error is the concrete error type carried across component and wire
// boundaries.
type Error struct {
	Kind    Kind           `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an *Error with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an *Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind and message to an underlying error, preserving it
// for Unwrap/errors.Is chains.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithDetails attaches diagnostic details (e.g. per-field validation
// messages) and returns the same *Error for chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// KindOf extracts the Kind from err, defaulting to Internal when err is
// not an *Error.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if err == nil {
		return ""
	}
	return Internal
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// wireError is the §6 wire shape: {kind, message, details?}.
type wireError struct {
	Kind    Kind           `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// MarshalJSON renders the §6/§7 wire shape, dropping the unexported cause.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireError{Kind: e.Kind, Message: e.Message, Details: e.Details})
}

// UnmarshalJSON parses the §6/§7 wire shape back into an *Error.
func (e *Error) UnmarshalJSON(data []byte) error {
	var w wireError
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.Kind, e.Message, e.Details = w.Kind, w.Message, w.Details
	return nil
}
