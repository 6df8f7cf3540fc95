package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/steward/pkg/api"
)

var (
	// ErrNotFound is returned when an event, execution or approval does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a versioned update loses a race.
	ErrConflict = errors.New("version conflict")

	// ErrDuplicateEvent is returned when an event with the same
	// (source, external id) has already been stored.
	ErrDuplicateEvent = errors.New("duplicate event")
)

// EventStore persists accepted events and unrouted outcomes.
type EventStore interface {
	// SaveEvent stores ev. It returns ErrDuplicateEvent when ev.ExternalID is
	// non-empty and already recorded for ev.Source.
	SaveEvent(ctx context.Context, ev *api.Event) error
	GetEvent(ctx context.Context, id string) (*api.Event, error)
	FindByExternalID(ctx context.Context, source api.SourceType, externalID string) (*api.Event, error)

	RecordUnrouted(ctx context.Context, rec api.UnroutedRecord) error
	ListUnrouted(ctx context.Context, limit int) ([]api.UnroutedRecord, error)

	// ListEventsBefore returns purgeable events received before cutoff, oldest
	// first. Events referenced by a non-terminal execution are never returned.
	ListEventsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*api.Event, error)

	// PurgeEventsBefore deletes purgeable events and unrouted records older
	// than cutoff and returns the number of events removed.
	PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int, error)

	// PurgeEvents deletes the listed events that are still purgeable and
	// returns the number removed. Unknown ids are ignored.
	PurgeEvents(ctx context.Context, ids []string) (int, error)

	// PurgeUnroutedBefore deletes unrouted records older than cutoff.
	PurgeUnroutedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// ExecutionFilter selects executions. Zero values mean "no filter".
type ExecutionFilter struct {
	WorkflowType string
	EventID      string
	States       []api.State

	// DueBefore selects executions whose NextRetryAt is at or before it.
	DueBefore *time.Time

	// EnteredBefore selects executions that entered their current state
	// strictly before it.
	EnteredBefore *time.Time

	// After resumes a listing past the given position. Results are always
	// ordered by (CreatedAt, ID).
	After *Cursor

	Limit int
}

// Cursor is a position in an execution listing.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// CursorOf returns the position just past exec.
func CursorOf(exec *api.WorkflowExecution) *Cursor {
	return &Cursor{CreatedAt: exec.CreatedAt, ID: exec.ID}
}

// ExecutionStore persists workflow executions and their history.
type ExecutionStore interface {
	// CreateExecution stores a new execution and sets its Version to 1.
	CreateExecution(ctx context.Context, exec *api.WorkflowExecution) error
	GetExecution(ctx context.Context, id string) (*api.WorkflowExecution, error)

	// UpdateExecution replaces the stored execution if its Version matches
	// exec.Version, appending any history entries the store does not have
	// yet. On success exec.Version is incremented. A stale version yields
	// ErrConflict.
	UpdateExecution(ctx context.Context, exec *api.WorkflowExecution) error

	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*api.WorkflowExecution, error)
}

// ApprovalFilter selects approval requests. Zero values mean "no filter".
type ApprovalFilter struct {
	ExecutionID   string
	Decision      api.Decision
	ExpiresBefore *time.Time
	Limit         int
}

// ApprovalStore persists approval requests.
type ApprovalStore interface {
	// CreateApproval stores req. If the execution already has a pending
	// request it returns *api.DuplicateApprovalError and stores nothing.
	CreateApproval(ctx context.Context, req *api.ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (*api.ApprovalRequest, error)

	// OpenApproval returns the pending request for an execution, or ErrNotFound.
	OpenApproval(ctx context.Context, executionID string) (*api.ApprovalRequest, error)

	// DecideApproval moves a pending request to decision. If the request is
	// no longer pending it returns the stored request and
	// *api.AlreadyDecidedError.
	DecideApproval(ctx context.Context, id string, decision api.Decision, by string, at time.Time) (*api.ApprovalRequest, error)

	ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*api.ApprovalRequest, error)
}

// Persistence bundles the store interfaces so components can depend on a
// single value.
type Persistence struct {
	Events     EventStore
	Executions ExecutionStore
	Approvals  ApprovalStore
}

// Store is implemented by backends that provide every store interface.
type Store interface {
	EventStore
	ExecutionStore
	ApprovalStore
}

// FromStore returns a Persistence where every interface is served by s.
func FromStore(s Store) Persistence {
	return Persistence{Events: s, Executions: s, Approvals: s}
}

func stateIn(s api.State, states []api.State) bool {
	if len(states) == 0 {
		return true
	}
	for _, x := range states {
		if x == s {
			return true
		}
	}
	return false
}
