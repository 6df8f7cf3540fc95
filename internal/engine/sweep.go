package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/petrijr/steward/internal/persistence"
	"github.com/petrijr/steward/pkg/api"
)

// SweepTimeouts moves every non-terminal execution that has stayed in its
// current state longer than its workflow's timeout to timed_out. Timeouts
// are only ever detected here, never by a worker. It returns the number of
// executions timed out.
func (e *Engine) SweepTimeouts(ctx context.Context, now time.Time) (int, error) {
	timedOut := 0
	for _, name := range e.workflows.Names() {
		def, err := e.workflows.Get(name)
		if err != nil {
			continue
		}
		cutoff := now.Add(-def.Timeout)
		err = e.scan(ctx, persistence.ExecutionFilter{
			WorkflowType:  name,
			States:        api.NonTerminalStates,
			EnteredBefore: &cutoff,
		}, func(candidate *api.WorkflowExecution) {
			if e.timeOutExecution(ctx, candidate.ID, now) {
				timedOut++
			}
		})
		if err != nil {
			return timedOut, err
		}
	}
	return timedOut, nil
}

func (e *Engine) timeOutExecution(ctx context.Context, id string, now time.Time) bool {
	stored, fx, err := e.mutate(ctx, id, func(x *api.WorkflowExecution, _ api.WorkflowDefinition, _ time.Time) (*effects, error) {
		if x.State.Terminal() || !e.expired(x, now) {
			return nil, nil
		}
		wasAwaiting := x.State == api.StateAwaitingApproval
		if err := timeOut(x, now, e.timeoutOf(x)); err != nil {
			return nil, err
		}
		return &effects{withdraw: wasAwaiting}, nil
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "time out execution failed",
			slog.String("execution_id", id),
			slog.Any("error", err),
		)
		return false
	}
	if fx == nil {
		return false
	}
	e.apply(ctx, stored, fx)
	return true
}

// scan pages through every execution matching f in creation order.
func (e *Engine) scan(ctx context.Context, f persistence.ExecutionFilter, fn func(*api.WorkflowExecution)) error {
	f.Limit = e.sweepBatch
	for {
		page, err := e.executions.ListExecutions(ctx, f)
		if err != nil {
			return err
		}
		for _, x := range page {
			fn(x)
		}
		if len(page) < f.Limit {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		f.After = persistence.CursorOf(page[len(page)-1])
	}
}

func (e *Engine) timeoutOf(exec *api.WorkflowExecution) time.Duration {
	def, err := e.workflows.Get(exec.WorkflowType)
	if err != nil {
		return api.DefaultTimeout
	}
	return def.Timeout
}

func (e *Engine) expired(exec *api.WorkflowExecution, now time.Time) bool {
	return !exec.State.Terminal() && now.Sub(exec.StateEnteredAt) > e.timeoutOf(exec)
}

// SweepDue resumes suspended work that needs no human:
//
//   - running executions whose next-retry-at has passed get their current
//     step dispatched again;
//   - created executions older than StaleAfter (the starter crashed between
//     creating and starting them) are started;
//   - awaiting_approval executions older than StaleAfter whose approval
//     request was never opened, or was decided without the decision being
//     applied, are repaired.
//
// It returns the number of executions acted on.
func (e *Engine) SweepDue(ctx context.Context, now time.Time) (int, error) {
	acted := 0

	err := e.scan(ctx, persistence.ExecutionFilter{
		States:    []api.State{api.StateRunning},
		DueBefore: &now,
	}, func(candidate *api.WorkflowExecution) {
		ok, err := e.redispatch(ctx, candidate.ID, now)
		if err != nil {
			e.logger.ErrorContext(ctx, "redispatch failed",
				slog.String("execution_id", candidate.ID),
				slog.Any("error", err),
			)
			return
		}
		if ok {
			acted++
		}
	})
	if err != nil {
		return acted, err
	}

	stale := now.Add(-e.staleAfter)
	err = e.scan(ctx, persistence.ExecutionFilter{
		States:        []api.State{api.StateCreated, api.StateAwaitingApproval},
		EnteredBefore: &stale,
	}, func(x *api.WorkflowExecution) {
		var ok bool
		var err error
		switch x.State {
		case api.StateCreated:
			err = e.Start(ctx, x)
			ok = err == nil
		case api.StateAwaitingApproval:
			ok, err = e.reconcileApproval(ctx, x)
		}
		if err != nil {
			e.logger.ErrorContext(ctx, "repair execution failed",
				slog.String("execution_id", x.ID),
				slog.String("state", string(x.State)),
				slog.Any("error", err),
			)
			return
		}
		if ok {
			acted++
		}
	})
	return acted, err
}

func (e *Engine) redispatch(ctx context.Context, id string, now time.Time) (bool, error) {
	stored, fx, err := e.mutate(ctx, id, func(x *api.WorkflowExecution, def api.WorkflowDefinition, _ time.Time) (*effects, error) {
		if x.State != api.StateRunning || x.NextRetryAt == nil || x.NextRetryAt.After(now) {
			return nil, nil
		}
		return &effects{enqueue: e.dispatch(x, def.Steps[x.CurrentStep], x.CurrentStep, now)}, nil
	})
	if err != nil || fx == nil {
		return false, err
	}
	e.apply(ctx, stored, fx)
	return true, nil
}

// reconcileApproval repairs an execution stuck in awaiting_approval.
func (e *Engine) reconcileApproval(ctx context.Context, x *api.WorkflowExecution) (bool, error) {
	if e.approvals == nil || e.gate == nil {
		return false, nil
	}
	reqs, err := e.approvals.ListApprovals(ctx, persistence.ApprovalFilter{ExecutionID: x.ID})
	if err != nil {
		return false, err
	}

	var latest *api.ApprovalRequest
	for _, r := range reqs {
		if r.Step == x.CurrentStep && !r.RequestedAt.Before(x.StateEnteredAt) {
			latest = r
		}
	}
	switch {
	case latest == nil:
		def, err := e.workflows.Get(x.WorkflowType)
		if err != nil {
			return false, err
		}
		sd := def.Steps[x.CurrentStep]
		summary := sd.Summary
		if summary == "" {
			summary = def.Name + ": " + sd.Name
		}
		e.requestApproval(ctx, x, &approvalEffect{step: x.CurrentStep, summary: summary})
		return true, nil
	case latest.Open():
		return false, nil
	default:
		err := e.HandleDecision(ctx, latest)
		if errors.Is(err, persistence.ErrNotFound) {
			return false, nil
		}
		return err == nil, err
	}
}
