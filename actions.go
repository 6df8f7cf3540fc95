package steward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/petrijr/steward/internal/action"
	"github.com/petrijr/steward/pkg/api"
)

// DomainActions lists the connector-backed actions workflows may use, in a
// stable order.
var DomainActions = []ActionName{
	api.ActionSendMessage,
	api.ActionDraftReply,
	api.ActionSendEmail,
	api.ActionCreateTask,
	api.ActionUpdateTask,
	api.ActionPostStatusReport,
	api.ActionScheduleMeeting,
}

// ErrPermanent marks an error returned from an ActionFunc as not worth
// retrying. Wrap it with fmt.Errorf("...: %w", steward.ErrPermanent).
var ErrPermanent = api.ErrPermanentAction

// ActionFunc adapts a function returning (output, error) to an action
// handler. A nil error is a success. Errors wrapping ErrPermanent are
// permanent failures, everything else is retryable.
//
// Example:
//
//	steward.ActionFunc(func(ctx context.Context, req steward.ActionRequest) (map[string]any, error) {
//	    id, err := mail.Send(ctx, req.Input["to"], req.Input["body"], req.IdempotencyKey)
//	    if errors.Is(err, mail.ErrNoSuchMailbox) {
//	        return nil, fmt.Errorf("%w: %v", steward.ErrPermanent, err)
//	    }
//	    return map[string]any{"message_id": id}, err
//	})
func ActionFunc(fn func(ctx context.Context, req ActionRequest) (map[string]any, error)) ActionHandler {
	if fn == nil {
		panic("steward: ActionFunc with nil function")
	}
	return action.HandlerFunc(func(ctx context.Context, req action.Request) api.Result {
		out, err := fn(ctx, req)
		return resultOf(out, err)
	})
}

func resultOf(out map[string]any, err error) api.Result {
	switch {
	case err == nil:
		return api.Success(out)
	case errors.Is(err, api.ErrPermanentAction):
		return api.PermanentFailure(err.Error())
	default:
		return api.RetryableFailure(err.Error())
	}
}

// RecoverPanics turns a panic inside h into a permanent failure.
func RecoverPanics(h ActionHandler) ActionHandler {
	return action.HandlerFunc(func(ctx context.Context, req action.Request) (res api.Result) {
		defer func() {
			if r := recover(); r != nil {
				res = api.PermanentFailure(fmt.Sprintf("action %s panicked: %v", req.Action, r))
			}
		}()
		return h.Execute(ctx, req)
	})
}

// DryRun returns a handler that only logs the request and succeeds. It
// stands in for connectors during local runs.
func DryRun(logger *slog.Logger) ActionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return action.HandlerFunc(func(ctx context.Context, req action.Request) api.Result {
		logger.InfoContext(ctx, "dry-run action",
			slog.String("action", string(req.Action)),
			slog.String("execution_id", req.ExecutionID),
			slog.Int("step", req.Step),
			slog.Int("attempt", req.Attempt),
			slog.String("idempotency_key", req.IdempotencyKey),
		)
		return api.Success(map[string]any{"dry_run": true})
	})
}

// RegisterDryRun binds DryRun to every domain action reg has no handler for.
func RegisterDryRun(reg *action.Registry, logger *slog.Logger) error {
	h := DryRun(logger)
	var errs []error
	for _, name := range DomainActions {
		if _, ok := reg.Lookup(name); ok {
			continue
		}
		errs = append(errs, reg.Register(name, h))
	}
	return errors.Join(errs...)
}
