// Package engine drives workflow executions through their state machine.
//
// The engine keeps no per-execution state in memory. Every change is a
// read-modify-write of the stored execution guarded by its version, so any
// number of engine instances (one per worker process) can act on the same
// execution; the loser of a race reloads and re-evaluates. Side effects
// (enqueueing an invocation, opening an approval request, notifying
// observers) happen only after the write has committed.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/steward/internal/approval"
	"github.com/petrijr/steward/internal/backoff"
	"github.com/petrijr/steward/internal/persistence"
	"github.com/petrijr/steward/internal/taskqueue"
	"github.com/petrijr/steward/pkg/api"
)

// Defaults for Config fields left zero.
const (
	DefaultConflictRetries = 16
	DefaultStaleAfter      = time.Minute
	DefaultSweepBatch      = 500
)

// ApprovalGate is the part of the approval gate the engine drives.
type ApprovalGate interface {
	Request(ctx context.Context, executionID, summary string, opts ...approval.RequestOption) (*api.ApprovalRequest, error)
	Withdraw(ctx context.Context, executionID, by string) error
}

// Config describes how to construct an Engine.
type Config struct {
	Persistence persistence.Persistence
	Queue       taskqueue.Queue
	Gate        ApprovalGate

	Observer api.Observer
	Logger   *slog.Logger

	// Backoff builds the retry strategy of a workflow type. Defaults to
	// backoff.ForPolicy (exponential, capped, full jitter).
	Backoff func(api.BackoffPolicy) backoff.Strategy

	// ConflictRetries bounds the reload-and-retry loop on version conflicts.
	ConflictRetries int

	// StaleAfter is how long SweepDue waits before it repairs an execution
	// whose follow-up effect seems to have been lost.
	StaleAfter time.Duration

	// SweepBatch is the page size sweeps list executions with.
	SweepBatch int

	Now   func() time.Time
	NewID func() string
}

// Engine implements the workflow state machine.
type Engine struct {
	workflows  *workflowRegistry
	events     persistence.EventStore
	executions persistence.ExecutionStore
	approvals  persistence.ApprovalStore
	queue      taskqueue.Queue
	gate       ApprovalGate

	observer api.Observer
	logger   *slog.Logger
	backoff  func(api.BackoffPolicy) backoff.Strategy

	conflictRetries int
	staleAfter      time.Duration
	sweepBatch      int
	now             func() time.Time
	newID           func() string
}

var _ approval.DecisionHandler = (*Engine)(nil)

// New returns an Engine. Persistence.Executions and Queue are required.
// Without a Gate, workflows with approval steps cannot be started.
func New(cfg Config) *Engine {
	e := &Engine{
		workflows:       newWorkflowRegistry(),
		events:          cfg.Persistence.Events,
		executions:      cfg.Persistence.Executions,
		approvals:       cfg.Persistence.Approvals,
		queue:           cfg.Queue,
		gate:            cfg.Gate,
		observer:        cfg.Observer,
		logger:          cfg.Logger,
		backoff:         cfg.Backoff,
		conflictRetries: cfg.ConflictRetries,
		staleAfter:      cfg.StaleAfter,
		sweepBatch:      cfg.SweepBatch,
		now:             cfg.Now,
		newID:           cfg.NewID,
	}
	if e.observer == nil {
		e.observer = api.NoopObserver{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.backoff == nil {
		e.backoff = backoff.ForPolicy
	}
	if e.conflictRetries <= 0 {
		e.conflictRetries = DefaultConflictRetries
	}
	if e.staleAfter <= 0 {
		e.staleAfter = DefaultStaleAfter
	}
	if e.sweepBatch <= 0 {
		e.sweepBatch = DefaultSweepBatch
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = api.NewID
	}
	return e
}

// RegisterWorkflow validates def, applies defaults and registers it.
func (e *Engine) RegisterWorkflow(def api.WorkflowDefinition) error {
	for _, s := range def.Steps {
		if s.RequiresApproval && e.gate == nil {
			return fmt.Errorf("workflow %q: step %q requires approval but the engine has no approval gate", def.Name, s.Name)
		}
	}
	return e.workflows.Register(def)
}

// Workflow returns the registered (normalized) definition for name.
func (e *Engine) Workflow(name string) (api.WorkflowDefinition, error) {
	return e.workflows.Get(name)
}

// HasWorkflow reports whether name is registered.
func (e *Engine) HasWorkflow(name string) bool {
	_, err := e.workflows.Get(name)
	return err == nil
}

// WorkflowTypes returns the registered workflow names, sorted.
func (e *Engine) WorkflowTypes() []string {
	return e.workflows.Names()
}

// GetExecution returns the stored execution.
func (e *Engine) GetExecution(ctx context.Context, id string) (*api.WorkflowExecution, error) {
	return e.executions.GetExecution(ctx, id)
}

// ListExecutions returns stored executions matching filter.
func (e *Engine) ListExecutions(ctx context.Context, filter persistence.ExecutionFilter) ([]*api.WorkflowExecution, error) {
	return e.executions.ListExecutions(ctx, filter)
}

// effects are applied after a successful write.
type effects struct {
	enqueue   *api.ActionInvocation
	approval  *approvalEffect
	withdraw  bool
	committed []api.Transition
}

type approvalEffect struct {
	step    int
	summary string
}

// mutateFunc inspects and changes exec. Returning nil effects means there
// is nothing to write.
type mutateFunc func(exec *api.WorkflowExecution, def api.WorkflowDefinition, now time.Time) (*effects, error)

// mutate loads the execution, applies fn and writes the result with a
// version check, reloading on conflict.
func (e *Engine) mutate(ctx context.Context, id string, fn mutateFunc) (*api.WorkflowExecution, *effects, error) {
	for attempt := 0; ; attempt++ {
		exec, err := e.executions.GetExecution(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		def, err := e.workflows.Get(exec.WorkflowType)
		if err != nil && !exec.State.Terminal() {
			return exec, nil, err
		}

		now := e.now()
		before := len(exec.History)
		fx, err := fn(exec, def, now)
		if err != nil || fx == nil {
			return exec, nil, err
		}
		exec.UpdatedAt = now

		err = e.executions.UpdateExecution(ctx, exec)
		if errors.Is(err, persistence.ErrConflict) && attempt < e.conflictRetries {
			continue
		}
		if err != nil {
			return exec, nil, fmt.Errorf("update execution %s: %w", id, err)
		}
		fx.committed = append(fx.committed, exec.History[before:]...)
		return exec, fx, nil
	}
}

// apply performs the effects of a committed write.
func (e *Engine) apply(ctx context.Context, exec *api.WorkflowExecution, fx *effects) {
	if fx == nil {
		return
	}
	for _, tr := range fx.committed {
		e.observer.OnTransition(ctx, exec, tr)
	}
	if fx.withdraw && e.gate != nil {
		if err := e.gate.Withdraw(ctx, exec.ID, "system"); err != nil {
			e.logger.WarnContext(ctx, "withdraw approval failed",
				slog.String("execution_id", exec.ID),
				slog.Any("error", err),
			)
		}
	}
	if fx.enqueue != nil {
		e.enqueue(ctx, exec, fx.enqueue)
	}
	if fx.approval != nil {
		e.requestApproval(ctx, exec, fx.approval)
	}
}

func (e *Engine) enqueue(ctx context.Context, exec *api.WorkflowExecution, inv *api.ActionInvocation) {
	inv.Input = e.stepInput(ctx, exec, inv)
	err := e.queue.Enqueue(ctx, inv)
	if err == nil || errors.Is(err, taskqueue.ErrDuplicate) {
		return
	}
	e.logger.ErrorContext(ctx, "enqueue invocation failed",
		slog.String("execution_id", exec.ID),
		slog.String("invocation_id", inv.ID),
		slog.String("action", string(inv.Action)),
		slog.Any("error", err),
	)

	// Leave the execution due so the next SweepDue dispatches again.
	_, _, merr := e.mutate(ctx, exec.ID, func(x *api.WorkflowExecution, _ api.WorkflowDefinition, now time.Time) (*effects, error) {
		if x.State != api.StateRunning || x.PendingInvocationID != inv.ID {
			return nil, nil
		}
		x.PendingInvocationID = ""
		x.NextRetryAt = &now
		return &effects{}, nil
	})
	if merr != nil {
		e.logger.ErrorContext(ctx, "mark execution for redispatch failed",
			slog.String("execution_id", exec.ID),
			slog.Any("error", merr),
		)
	}
}

func (e *Engine) requestApproval(ctx context.Context, exec *api.WorkflowExecution, a *approvalEffect) {
	_, err := e.gate.Request(ctx, exec.ID, a.summary, approval.WithStep(a.step))
	var dup *api.DuplicateApprovalError
	if err == nil || errors.As(err, &dup) {
		return
	}
	// SweepDue opens the request later.
	e.logger.ErrorContext(ctx, "open approval request failed",
		slog.String("execution_id", exec.ID),
		slog.Int("step", a.step),
		slog.Any("error", err),
	)
}

// stepInput merges the step's static input with the triggering event.
func (e *Engine) stepInput(ctx context.Context, exec *api.WorkflowExecution, inv *api.ActionInvocation) map[string]any {
	in := make(map[string]any, len(inv.Input)+4)
	for k, v := range inv.Input {
		in[k] = v
	}
	in["event_id"] = exec.EventID
	in["correlation_id"] = exec.CorrelationID
	in["idempotency_key"] = inv.IdempotencyKey()

	if e.events == nil || exec.EventID == "" {
		return in
	}
	ev, err := e.events.GetEvent(ctx, exec.EventID)
	if err != nil {
		e.logger.WarnContext(ctx, "load event for step input failed",
			slog.String("execution_id", exec.ID),
			slog.String("event_id", exec.EventID),
			slog.Any("error", err),
		)
		return in
	}
	in["event"] = ev.Payload
	in["source"] = string(ev.Source)
	return in
}
