package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced across component boundaries.
var (
	// ErrNoCapableAgent means no registered agent, healthy or degraded,
	// can serve the task type. Terminal, never retried.
	ErrNoCapableAgent = errors.New("no_capable_agent")

	// ErrTaskNotCancelable is returned when cancel targets a task that is
	// already running or terminal.
	ErrTaskNotCancelable = errors.New("task not cancelable")

	// ErrTaskNotFound is returned for unknown task ids.
	ErrTaskNotFound = errors.New("task not found")

	// ErrNotFound signals a recall miss (no live fact or message matched).
	ErrNotFound = errors.New("not found")

	// ErrAllBackendsFailed is the gateway's terminal error after the whole
	// fallback chain has been exhausted.
	ErrAllBackendsFailed = errors.New("all provider backends failed")
)

// TransientError marks a failure worth retrying: network trouble, provider
// rate limits, execution timeouts.
type TransientError struct {
	Reason string
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("transient: %s", e.Reason)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(reason string, err error) error {
	return &TransientError{Reason: reason, Err: err}
}

// IsTransient reports whether err is retryable by the orchestrator. The
// outermost classification wins: a terminal wrapper around a transient cause
// stays terminal, so wrapping an error re-classifies it.
func IsTransient(err error) bool {
	for err != nil {
		switch err.(type) {
		case *TransientError:
			return true
		case *TerminalError:
			return false
		}
		err = errors.Unwrap(err)
	}
	return false
}

// TerminalError marks a failure that retrying cannot fix: invalid payload,
// capability mismatch.
type TerminalError struct {
	Reason string
	Err    error
}

func (e *TerminalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("terminal: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("terminal: %s", e.Reason)
}

func (e *TerminalError) Unwrap() error { return e.Err }

// Terminal wraps err as non-retryable.
func Terminal(reason string, err error) error {
	return &TerminalError{Reason: reason, Err: err}
}

// ConfigurationError rejects an invalid cycle plan update synchronously.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %q: %s", e.Field, e.Reason)
}

// ParseError rejects a command before it reaches any component. Parsing is
// total: unknown verbs or malformed arguments produce a ParseError carrying
// nearest-verb suggestions, never a panic.
type ParseError struct {
	Raw         string
	Reason      string
	Suggestions []string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cannot parse %q: %s", e.Raw, e.Reason)
}
