package api

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors. Typed errors below unwrap to one of these so callers can
// use errors.Is without caring about the details.
var (
	ErrMalformedEvent    = errors.New("malformed event")
	ErrUnroutedEvent     = errors.New("unrouted event")
	ErrRetryableAction   = errors.New("retryable action failure")
	ErrPermanentAction   = errors.New("permanent action failure")
	ErrDuplicateApproval = errors.New("approval already open for execution")
	ErrAlreadyDecided    = errors.New("approval already decided")
	ErrExecutionTimeout  = errors.New("execution timed out")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrUnknownAction     = errors.New("unknown action")
	ErrUnknownWorkflow   = errors.New("unknown workflow type")
	ErrTerminalExecution = errors.New("execution is in a terminal state")
)

// MalformedEventError reports a payload missing required fields or from an
// unknown source.
type MalformedEventError struct {
	Source  SourceType
	Missing []string
	Reason  string
}

func (e *MalformedEventError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "malformed %s event", e.Source)
	if len(e.Missing) > 0 {
		fmt.Fprintf(&b, ": missing %s", strings.Join(e.Missing, ", "))
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	return b.String()
}

func (e *MalformedEventError) Unwrap() error { return ErrMalformedEvent }

// UnroutedEventError reports that no routing rule matched an event.
type UnroutedEventError struct {
	EventID string
}

func (e *UnroutedEventError) Error() string {
	return fmt.Sprintf("no workflow matches event %s", e.EventID)
}

func (e *UnroutedEventError) Unwrap() error { return ErrUnroutedEvent }

// RetryableActionError is a transient action failure.
type RetryableActionError struct {
	Action ActionName
	Detail string
}

func (e *RetryableActionError) Error() string {
	return fmt.Sprintf("action %s failed (retryable): %s", e.Action, e.Detail)
}

func (e *RetryableActionError) Unwrap() error { return ErrRetryableAction }

// PermanentActionError is an action failure that must not be retried.
type PermanentActionError struct {
	Action ActionName
	Detail string
}

func (e *PermanentActionError) Error() string {
	return fmt.Sprintf("action %s failed (permanent): %s", e.Action, e.Detail)
}

func (e *PermanentActionError) Unwrap() error { return ErrPermanentAction }

// DuplicateApprovalError is returned when an execution already has an open
// approval request.
type DuplicateApprovalError struct {
	ExecutionID   string
	OpenRequestID string
}

func (e *DuplicateApprovalError) Error() string {
	return fmt.Sprintf("execution %s already has open approval %s", e.ExecutionID, e.OpenRequestID)
}

func (e *DuplicateApprovalError) Unwrap() error { return ErrDuplicateApproval }

// AlreadyDecidedError is returned when a decision is recorded against a
// request that is no longer pending.
type AlreadyDecidedError struct {
	RequestID string
	Decision  Decision
}

func (e *AlreadyDecidedError) Error() string {
	return fmt.Sprintf("approval %s already %s", e.RequestID, e.Decision)
}

func (e *AlreadyDecidedError) Unwrap() error { return ErrAlreadyDecided }

// ExecutionTimeoutError describes an execution moved to StateTimedOut.
type ExecutionTimeoutError struct {
	ExecutionID string
	State       State
	Elapsed     time.Duration
	Timeout     time.Duration
}

func (e *ExecutionTimeoutError) Error() string {
	return fmt.Sprintf("execution %s spent %s in %s (limit %s)", e.ExecutionID, e.Elapsed.Round(time.Second), e.State, e.Timeout)
}

func (e *ExecutionTimeoutError) Unwrap() error { return ErrExecutionTimeout }
