// Package faults defines the engine's error taxonomy.
//
// Every failure the engine surfaces is one of these types so callers can
// branch with errors.As instead of matching strings.
package faults

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ValidationError is a malformed task or DAG. It is fatal and always
// reported before anything is scheduled.
type ValidationError struct {
	Subject string
	Reason  string
	Err     error
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("validation failed for %s: %s", e.Subject, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ExecutorError is an error reported by an external executor.
type ExecutorError struct {
	Role      string
	Instance  string
	Transient bool
	Err       error
}

func (e *ExecutorError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s executor error (role %s, instance %s): %v", kind, e.Role, e.Instance, e.Err)
}

func (e *ExecutorError) Unwrap() error { return e.Err }

// TimeoutError is a node or gate that outlived its deadline.
type TimeoutError struct {
	Subject string
	After   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Subject, e.After)
}

// GateRejection is a quality gate that recorded a reject decision.
type GateRejection struct {
	GateID     string
	Checkpoint string
	Role       string
	Reason     string
}

func (e *GateRejection) Error() string {
	return fmt.Sprintf("gate %s (%s) rejected by %s: %s", e.GateID, e.Checkpoint, e.Role, e.Reason)
}

// ConflictUnresolved is a conflict that could not be settled automatically
// and was handed to an authority.
type ConflictUnresolved struct {
	Subject  string
	Category string
	Stances  []string
	TicketID string
}

func (e *ConflictUnresolved) Error() string {
	return fmt.Sprintf("%s conflict on %q unresolved (%s), escalated as %s",
		e.Category, e.Subject, strings.Join(e.Stances, " vs "), e.TicketID)
}

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// IsTransient reports whether err should be retried. Timeouts and errors
// explicitly marked transient qualify; cancellation never does.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	var ee *ExecutorError
	if errors.As(err, &ee) {
		return ee.Transient
	}
	var to *TimeoutError
	if errors.As(err, &to) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
