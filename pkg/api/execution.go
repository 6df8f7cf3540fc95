package api

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a workflow execution.
type State string

const (
	StateCreated          State = "created"
	StateRunning          State = "running"
	StateAwaitingApproval State = "awaiting_approval"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
	StateTimedOut         State = "timed_out"
)

// NonTerminalStates lists the states an execution may still leave.
var NonTerminalStates = []State{StateCreated, StateRunning, StateAwaitingApproval}

// Terminal reports whether s is a final state. Terminal states are immutable.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut:
		return true
	}
	return false
}

var transitions = map[State]map[State]bool{
	StateCreated: {
		StateRunning:  true,
		StateFailed:   true,
		StateTimedOut: true,
	},
	StateRunning: {
		StateRunning:          true,
		StateAwaitingApproval: true,
		StateCompleted:        true,
		StateFailed:           true,
		StateTimedOut:         true,
	},
	StateAwaitingApproval: {
		StateRunning:  true,
		StateFailed:   true,
		StateTimedOut: true,
	},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to State) bool {
	return transitions[from][to]
}

// FailureReason records why an execution reached StateFailed or
// StateTimedOut.
type FailureReason string

const (
	ReasonRejected         FailureReason = "rejected"
	ReasonCancelled        FailureReason = "cancelled"
	ReasonRetriesExhausted FailureReason = "retries_exhausted"
	ReasonPermanentFailure FailureReason = "permanent_failure"
	ReasonApprovalExpired  FailureReason = "approval_expired"
	ReasonTimeout          FailureReason = "timeout"
	ReasonDispatchFailed   FailureReason = "dispatch_failed"
)

// Transition is one append-only history entry.
type Transition struct {
	From   State
	To     State
	At     time.Time
	Detail string
}

// WorkflowExecution is one run of a workflow triggered by an Event.
//
// Executions are owned by the engine. Other components refer to them by ID.
// Writes are guarded by Version: a store only accepts an update whose Version
// matches the stored one.
type WorkflowExecution struct {
	ID            string
	WorkflowType  string
	EventID       string
	CorrelationID string

	State   State
	History []Transition

	// CurrentStep is the index of the step being executed or gated.
	// It equals len(steps) once the execution completes.
	CurrentStep int

	// ApprovedStep is the index of the step whose approval was granted,
	// or -1 when the current step has not been approved.
	ApprovedStep int

	// PendingInvocationID is the invocation whose result the engine is
	// waiting for. Results for any other invocation are discarded.
	PendingInvocationID string

	RetryCount  int
	NextRetryAt *time.Time

	FailureReason FailureReason

	// StateEnteredAt is when the execution entered its current state.
	// Self-transitions (running -> running) do not move it.
	StateEnteredAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
	Version   int64
}

// NewExecution returns an execution in StateCreated with an empty history.
func NewExecution(id, workflowType string, ev *Event, now time.Time) *WorkflowExecution {
	exec := &WorkflowExecution{
		ID:             id,
		WorkflowType:   workflowType,
		State:          StateCreated,
		ApprovedStep:   -1,
		StateEnteredAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if ev != nil {
		exec.EventID = ev.ID
		exec.CorrelationID = ev.CorrelationID
	}
	return exec
}

// Transition moves the execution to state `to`, appending a history entry.
// It returns an error wrapping ErrInvalidTransition if the edge is illegal.
func (e *WorkflowExecution) Transition(to State, at time.Time, detail string) (Transition, error) {
	if !CanTransition(e.State, to) {
		return Transition{}, fmt.Errorf("%w: %s -> %s (execution %s)", ErrInvalidTransition, e.State, to, e.ID)
	}
	tr := Transition{From: e.State, To: to, At: at, Detail: detail}
	e.History = append(e.History, tr)
	if to != e.State {
		e.StateEnteredAt = at
	}
	e.State = to
	e.UpdatedAt = at
	return tr, nil
}

// Fail transitions the execution to StateFailed with the given reason.
func (e *WorkflowExecution) Fail(reason FailureReason, at time.Time, detail string) (Transition, error) {
	tr, err := e.Transition(StateFailed, at, string(reason)+": "+detail)
	if err != nil {
		return tr, err
	}
	e.FailureReason = reason
	e.NextRetryAt = nil
	e.PendingInvocationID = ""
	return tr, nil
}

// Clone returns a deep copy of e.
func (e *WorkflowExecution) Clone() *WorkflowExecution {
	if e == nil {
		return nil
	}
	c := *e
	c.History = append([]Transition(nil), e.History...)
	if e.NextRetryAt != nil {
		t := *e.NextRetryAt
		c.NextRetryAt = &t
	}
	return &c
}

// ValidateHistory checks that history is a legal path through the state
// machine starting from StateCreated, with no entries after a terminal state.
func ValidateHistory(history []Transition) error {
	cur := StateCreated
	for i, tr := range history {
		if tr.From != cur {
			return fmt.Errorf("%w: entry %d starts at %s, expected %s", ErrInvalidTransition, i, tr.From, cur)
		}
		if !CanTransition(tr.From, tr.To) {
			return fmt.Errorf("%w: entry %d %s -> %s", ErrInvalidTransition, i, tr.From, tr.To)
		}
		cur = tr.To
	}
	return nil
}
