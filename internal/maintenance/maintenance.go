// Package maintenance binds the periodic maintenance actions to the
// components that do the work. The scheduler enqueues these actions like any
// other invocation; workers run them through the action registry.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/steward/internal/action"
	"github.com/petrijr/steward/internal/persistence"
	"github.com/petrijr/steward/pkg/api"
)

// Defaults for Config fields left zero.
const (
	DefaultRetention  = 90 * 24 * time.Hour
	DefaultPurgeBatch = 500

	maxPurgeRounds = 100
)

// Sweeper is the part of the engine the sweeps drive.
type Sweeper interface {
	SweepTimeouts(ctx context.Context, now time.Time) (int, error)
	SweepDue(ctx context.Context, now time.Time) (int, error)
}

// ApprovalExpirer expires approval requests past their deadline.
type ApprovalExpirer interface {
	ExpireStale(ctx context.Context, now time.Time) (int, error)
}

// Archiver keeps a copy of events before they are purged.
type Archiver interface {
	ArchiveEvents(ctx context.Context, events []*api.Event) error
}

// Config wires the maintenance actions.
type Config struct {
	Engine Sweeper
	Gate   ApprovalExpirer
	Events persistence.EventStore

	// Archiver is optional. When nil, purged events are not archived.
	Archiver Archiver

	// Retention is how long events are kept. The "retention" input of a
	// purge invocation (a duration string) overrides it.
	Retention  time.Duration
	PurgeBatch int

	Logger *slog.Logger
	Now    func() time.Time
}

// Tasks implements the maintenance actions.
type Tasks struct {
	cfg Config
}

// New returns Tasks with defaults applied.
func New(cfg Config) *Tasks {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.PurgeBatch <= 0 {
		cfg.PurgeBatch = DefaultPurgeBatch
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Tasks{cfg: cfg}
}

// Register adds every configured maintenance action to reg. Actions whose
// collaborator is missing are skipped.
func (t *Tasks) Register(reg *action.Registry) error {
	var errs []error
	if t.cfg.Engine != nil {
		errs = append(errs,
			reg.RegisterFunc(api.ActionSweepTimeouts, t.SweepTimeouts),
			reg.RegisterFunc(api.ActionSweepDue, t.SweepDue),
		)
	}
	if t.cfg.Gate != nil {
		errs = append(errs, reg.RegisterFunc(api.ActionExpireApprovals, t.ExpireApprovals))
	}
	if t.cfg.Events != nil {
		errs = append(errs, reg.RegisterFunc(api.ActionPurgeEvents, t.PurgeEvents))
	}
	return errors.Join(errs...)
}

// SweepTimeouts times out executions held in a state past their limit.
func (t *Tasks) SweepTimeouts(ctx context.Context, _ action.Request) api.Result {
	n, err := t.cfg.Engine.SweepTimeouts(ctx, t.cfg.Now())
	return t.result(ctx, "sweep_timeouts", "timed_out", n, err)
}

// SweepDue redispatches due retries and repairs stalled executions.
func (t *Tasks) SweepDue(ctx context.Context, _ action.Request) api.Result {
	n, err := t.cfg.Engine.SweepDue(ctx, t.cfg.Now())
	return t.result(ctx, "sweep_due", "resumed", n, err)
}

// ExpireApprovals rejects approval requests past their expiry.
func (t *Tasks) ExpireApprovals(ctx context.Context, _ action.Request) api.Result {
	n, err := t.cfg.Gate.ExpireStale(ctx, t.cfg.Now())
	return t.result(ctx, "expire_approvals", "expired", n, err)
}

// PurgeEvents deletes events older than the retention period, archiving
// each batch first when an archiver is configured. Events still referenced
// by a live execution are kept.
func (t *Tasks) PurgeEvents(ctx context.Context, req action.Request) api.Result {
	retention := t.cfg.Retention
	if s, ok := req.Input["retention"].(string); ok && s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return api.PermanentFailure(fmt.Sprintf("invalid retention %q", s))
		}
		retention = d
	}
	cutoff := t.cfg.Now().Add(-retention)

	n, err := t.purge(ctx, cutoff)
	return t.result(ctx, "purge_events", "purged", n, err)
}

func (t *Tasks) purge(ctx context.Context, cutoff time.Time) (int, error) {
	if t.cfg.Archiver == nil {
		return t.cfg.Events.PurgeEventsBefore(ctx, cutoff)
	}

	total := 0
	for range maxPurgeRounds {
		batch, err := t.cfg.Events.ListEventsBefore(ctx, cutoff, t.cfg.PurgeBatch)
		if err != nil {
			return total, fmt.Errorf("list purgeable events: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		if err := t.cfg.Archiver.ArchiveEvents(ctx, batch); err != nil {
			return total, fmt.Errorf("archive events: %w", err)
		}

		// Only the archived ids go; later arrivals wait for the next batch.
		ids := make([]string, len(batch))
		for i, ev := range batch {
			ids[i] = ev.ID
		}
		n, err := t.cfg.Events.PurgeEvents(ctx, ids)
		total += n
		if err != nil {
			return total, fmt.Errorf("purge events: %w", err)
		}
		if n == 0 || len(batch) < t.cfg.PurgeBatch {
			break
		}
	}
	if _, err := t.cfg.Events.PurgeUnroutedBefore(ctx, cutoff); err != nil {
		return total, fmt.Errorf("purge unrouted: %w", err)
	}
	return total, nil
}

func (t *Tasks) result(ctx context.Context, task, key string, n int, err error) api.Result {
	if err != nil {
		t.cfg.Logger.ErrorContext(ctx, "maintenance task failed",
			slog.String("task", task),
			slog.Int(key, n),
			slog.String("error", err.Error()),
		)
		return api.RetryableFailure(err.Error())
	}
	if n > 0 {
		t.cfg.Logger.InfoContext(ctx, "maintenance task done",
			slog.String("task", task),
			slog.Int(key, n),
		)
	}
	return api.Success(map[string]any{key: n})
}
