// Package fault defines the error taxonomy shared across the service.
//
// Sentinel errors classify failures so handlers can map them to the right
// response without string matching. Wrap with fmt.Errorf("...: %w", err) and
// test with errors.Is.
package fault

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound marks an unknown entity or version id. Surfaced verbatim,
	// never retried.
	ErrNotFound = errors.New("not found")

	// ErrStoreUnavailable marks an I/O failure against the automation store
	// or the local snapshot backend. Retryable by the caller.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrParse marks a document that does not parse into the expected
	// structural shape. Callers degrade locally instead of failing.
	ErrParse = errors.New("parse failure")
)

// AgentError reports a failed or unusable conversation agent call.
type AgentError struct {
	Role    string
	AgentID string
	Op      string
	Detail  string
	Err     error
}

func (e *AgentError) Error() string {
	who := e.Role
	if who == "" {
		who = e.AgentID
	}
	if who == "" {
		who = "agent"
	}
	msg := fmt.Sprintf("agent %s: %s failed", who, e.Op)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AgentError) Unwrap() error { return e.Err }

// NotFoundf builds an ErrNotFound with context.
func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

// StoreUnavailablef builds an ErrStoreUnavailable with context.
func StoreUnavailablef(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrStoreUnavailable)...)
}

// Parsef builds an ErrParse with context.
func Parsef(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrParse)...)
}
