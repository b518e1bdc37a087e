package listsync

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrValidation  = errors.New("validation failed")
	ErrUnreachable = errors.New("server unreachable")
	ErrClosed      = errors.New("engine closed")
	ErrStreamDown  = errors.New("stream connection failed")
)

// ValidationError rejects a mutation before dispatch. No ledger entry is
// created and nothing reaches the network.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ServerError is a 4xx/5xx response to a write. Detail carries the
// server-provided message when present.
type ServerError struct {
	Status int
	Detail string
}

func (e *ServerError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("server error %d: %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("server error %d", e.Status)
}

// ClientFault reports whether the failure is a 4xx rejection as opposed to
// a server-side 5xx.
func (e *ServerError) ClientFault() bool {
	return e.Status >= 400 && e.Status < 500
}

// UserMessage returns the server detail text, or a generic fallback when
// the server provided none.
func (e *ServerError) UserMessage() string {
	if e.Detail != "" {
		return e.Detail
	}
	if e.ClientFault() {
		return "The change was rejected by the server."
	}
	return "Something went wrong on the server. Please try again."
}
