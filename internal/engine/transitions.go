package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/steward/pkg/api"
)

// Start persists a new execution (if it has not been stored yet) and moves
// it from created to running, dispatching its first step.
func (e *Engine) Start(ctx context.Context, exec *api.WorkflowExecution) error {
	if _, err := e.workflows.Get(exec.WorkflowType); err != nil {
		return err
	}
	if exec.Version == 0 {
		if exec.ID == "" {
			exec.ID = e.newID()
		}
		if err := e.executions.CreateExecution(ctx, exec); err != nil {
			return fmt.Errorf("create execution: %w", err)
		}
	}

	stored, fx, err := e.mutate(ctx, exec.ID, func(x *api.WorkflowExecution, def api.WorkflowDefinition, now time.Time) (*effects, error) {
		if x.State != api.StateCreated {
			return nil, nil
		}
		return e.advance(x, def, 0, now, "started")
	})
	if err != nil {
		return err
	}
	e.apply(ctx, stored, fx)
	*exec = *stored
	return nil
}

// advance positions exec at step and dispatches it: the execution moves to
// running with a new pending invocation, to awaiting_approval when the step
// is gated and not yet approved, or to completed past the last step.
func (e *Engine) advance(exec *api.WorkflowExecution, def api.WorkflowDefinition, step int, now time.Time, detail string) (*effects, error) {
	exec.CurrentStep = step
	exec.NextRetryAt = nil
	exec.PendingInvocationID = ""

	if step >= len(def.Steps) {
		exec.CurrentStep = len(def.Steps)
		exec.ApprovedStep = -1
		if _, err := exec.Transition(api.StateCompleted, now, detail+"; all steps done"); err != nil {
			return nil, err
		}
		return &effects{}, nil
	}

	sd := def.Steps[step]
	if sd.RequiresApproval && exec.ApprovedStep != step {
		if _, err := exec.Transition(api.StateAwaitingApproval, now, fmt.Sprintf("%s; step %q awaits approval", detail, sd.Name)); err != nil {
			return nil, err
		}
		summary := sd.Summary
		if summary == "" {
			summary = fmt.Sprintf("%s: %s", def.Name, sd.Name)
		}
		return &effects{approval: &approvalEffect{step: step, summary: summary}}, nil
	}

	if _, err := exec.Transition(api.StateRunning, now, fmt.Sprintf("%s; dispatching step %q", detail, sd.Name)); err != nil {
		return nil, err
	}
	return &effects{enqueue: e.dispatch(exec, sd, step, now)}, nil
}

// dispatch creates the invocation for step and records it as pending.
// It does not append history.
func (e *Engine) dispatch(exec *api.WorkflowExecution, sd api.StepDefinition, step int, now time.Time) *api.ActionInvocation {
	inv := &api.ActionInvocation{
		ID:          e.newID(),
		ExecutionID: exec.ID,
		Step:        step,
		Action:      sd.Action,
		Input:       sd.Input,
		Attempt:     exec.RetryCount + 1,
		ScheduledAt: now,
		CreatedAt:   now,
	}
	exec.PendingInvocationID = inv.ID
	exec.NextRetryAt = nil
	return inv
}

// HandleResult applies the outcome of an invocation. Results for an
// invocation the execution no longer waits for (redeliveries, results that
// arrive after a cancel or timeout) are discarded.
func (e *Engine) HandleResult(ctx context.Context, inv *api.ActionInvocation, res api.Result) error {
	if inv.ExecutionID == "" {
		return nil
	}
	stored, fx, err := e.mutate(ctx, inv.ExecutionID, func(x *api.WorkflowExecution, def api.WorkflowDefinition, now time.Time) (*effects, error) {
		if x.State != api.StateRunning || x.PendingInvocationID != inv.ID {
			e.logger.InfoContext(ctx, "invocation result discarded",
				slog.String("execution_id", x.ID),
				slog.String("invocation_id", inv.ID),
				slog.String("state", string(x.State)),
			)
			return nil, nil
		}
		sd := def.Steps[x.CurrentStep]

		switch res.Status {
		case api.ResultSuccess:
			x.ApprovedStep = -1
			return e.advance(x, def, x.CurrentStep+1, now, fmt.Sprintf("step %q succeeded", sd.Name))

		case api.ResultRetryableFailure:
			if x.RetryCount >= def.MaxRetries {
				if _, err := x.Fail(api.ReasonRetriesExhausted, now, res.Err(sd.Action).Error()); err != nil {
					return nil, err
				}
				return &effects{}, nil
			}
			x.RetryCount++
			due := now.Add(e.backoff(def.Backoff).Delay(x.RetryCount))
			x.NextRetryAt = &due
			x.PendingInvocationID = ""
			detail := fmt.Sprintf("retry %d/%d of step %q at %s: %s",
				x.RetryCount, def.MaxRetries, sd.Name, due.UTC().Format(time.RFC3339Nano), res.Detail)
			if _, err := x.Transition(api.StateRunning, now, detail); err != nil {
				return nil, err
			}
			return &effects{}, nil

		default:
			if _, err := x.Fail(api.ReasonPermanentFailure, now, res.Err(sd.Action).Error()); err != nil {
				return nil, err
			}
			return &effects{}, nil
		}
	})
	if err != nil {
		return err
	}
	e.apply(ctx, stored, fx)
	return nil
}

// HandleDecision resumes or fails an execution waiting on req. Decisions
// for a step the execution is not waiting on are discarded.
func (e *Engine) HandleDecision(ctx context.Context, req *api.ApprovalRequest) error {
	stored, fx, err := e.mutate(ctx, req.ExecutionID, func(x *api.WorkflowExecution, def api.WorkflowDefinition, now time.Time) (*effects, error) {
		if x.State != api.StateAwaitingApproval || x.CurrentStep != req.Step {
			e.logger.InfoContext(ctx, "approval decision discarded",
				slog.String("execution_id", x.ID),
				slog.String("approval_id", req.ID),
				slog.String("state", string(x.State)),
			)
			return nil, nil
		}

		switch req.Decision {
		case api.DecisionApproved:
			x.ApprovedStep = req.Step
			return e.advance(x, def, req.Step, now, "approved by "+req.DecidedBy)
		case api.DecisionRejected:
			if _, err := x.Fail(api.ReasonRejected, now, "rejected by "+req.DecidedBy); err != nil {
				return nil, err
			}
			return &effects{}, nil
		case api.DecisionExpired:
			detail := "approval request " + req.ID + " expired"
			if _, err := x.Fail(api.ReasonApprovalExpired, now, detail); err != nil {
				return nil, err
			}
			return &effects{}, nil
		}
		return nil, nil
	})
	if err != nil {
		return err
	}
	e.apply(ctx, stored, fx)
	return nil
}

// Cancel fails a non-terminal execution with reason cancelled. Any open
// approval request is withdrawn and in-flight results are discarded when
// they arrive.
func (e *Engine) Cancel(ctx context.Context, id, detail string) (*api.WorkflowExecution, error) {
	if detail == "" {
		detail = "cancelled by request"
	}
	stored, fx, err := e.mutate(ctx, id, func(x *api.WorkflowExecution, _ api.WorkflowDefinition, now time.Time) (*effects, error) {
		if x.State.Terminal() {
			return nil, fmt.Errorf("cancel %s: %w (%s)", x.ID, api.ErrTerminalExecution, x.State)
		}
		wasAwaiting := x.State == api.StateAwaitingApproval
		if _, err := x.Fail(api.ReasonCancelled, now, detail); err != nil {
			return nil, err
		}
		return &effects{withdraw: wasAwaiting}, nil
	})
	if err != nil {
		return stored, err
	}
	e.apply(ctx, stored, fx)
	return stored, nil
}

// timeOut moves exec to timed_out.
func timeOut(exec *api.WorkflowExecution, now time.Time, timeout time.Duration) error {
	terr := &api.ExecutionTimeoutError{
		ExecutionID: exec.ID,
		State:       exec.State,
		Elapsed:     now.Sub(exec.StateEnteredAt),
		Timeout:     timeout,
	}
	if _, err := exec.Transition(api.StateTimedOut, now, string(api.ReasonTimeout)+": "+terr.Error()); err != nil {
		return err
	}
	exec.FailureReason = api.ReasonTimeout
	exec.NextRetryAt = nil
	exec.PendingInvocationID = ""
	return nil
}
