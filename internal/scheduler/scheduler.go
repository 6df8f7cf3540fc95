// Package scheduler enqueues maintenance invocations on a fixed schedule.
//
// Every process may run a scheduler. Invocation ids are derived from the
// entry name and the schedule slot, so when several schedulers fire the same
// slot the queue keeps only the first enqueue.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/petrijr/steward/internal/taskqueue"
	"github.com/petrijr/steward/pkg/api"
)

// cronParser accepts standard 5-field expressions and descriptors such as
// "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Entry is one periodic maintenance invocation.
type Entry struct {
	Name   string
	Spec   string
	Action api.ActionName
	Input  map[string]any
}

// DefaultEntries returns the standard maintenance schedule.
func DefaultEntries() []Entry {
	return []Entry{
		{Name: "sweep-timeouts", Spec: "@every 1m", Action: api.ActionSweepTimeouts},
		{Name: "sweep-due", Spec: "@every 10s", Action: api.ActionSweepDue},
		{Name: "expire-approvals", Spec: "@every 5m", Action: api.ActionExpireApprovals},
		{Name: "purge-events", Spec: "@daily", Action: api.ActionPurgeEvents},
	}
}

// Config configures a Scheduler.
type Config struct {
	Queue   taskqueue.Queue
	Entries []Entry
	Logger  *slog.Logger
}

type scheduled struct {
	entry    Entry
	schedule cronlib.Schedule
}

// Scheduler fires entries through robfig/cron.
type Scheduler struct {
	queue   taskqueue.Queue
	entries []scheduled
	logger  *slog.Logger
	cron    *cronlib.Cron
}

// New validates the entries and returns a Scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Queue == nil {
		return nil, errors.New("scheduler: queue is required")
	}
	s := &Scheduler{queue: cfg.Queue, logger: cfg.Logger}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	seen := make(map[string]bool, len(cfg.Entries))
	for _, e := range cfg.Entries {
		if e.Name == "" {
			return nil, errors.New("scheduler: entry name is required")
		}
		if seen[e.Name] {
			return nil, fmt.Errorf("scheduler: duplicate entry %q", e.Name)
		}
		seen[e.Name] = true
		if !e.Action.Maintenance() {
			return nil, fmt.Errorf("scheduler: entry %q: %q is not a maintenance action", e.Name, e.Action)
		}
		sched, err := ParseSchedule(e.Spec)
		if err != nil {
			return nil, fmt.Errorf("scheduler: entry %q: %w", e.Name, err)
		}
		s.entries = append(s.entries, scheduled{entry: e, schedule: sched})
	}

	s.cron = cronlib.New(
		cronlib.WithLocation(time.UTC),
		cronlib.WithParser(cronParser),
		cronlib.WithChain(cronlib.Recover(cronLogger{s.logger})),
	)
	for _, sc := range s.entries {
		s.cron.Schedule(sc.schedule, cronlib.FuncJob(func() {
			// cron jobs carry no context; each fire is bounded on its own.
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := s.Fire(ctx, sc.entry, time.Now()); err != nil {
				s.logger.Error("scheduled enqueue failed",
					slog.String("entry", sc.entry.Name),
					slog.String("error", err.Error()),
				)
			}
		}))
	}
	return s, nil
}

// Run starts the cron loop and blocks until ctx is cancelled, then waits
// for running fires to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	s.logger.Info("scheduler started", slog.Int("entries", len(s.entries)))
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
	return nil
}

// Fire enqueues the invocation of e for the slot containing at. Firing a
// slot that was already enqueued is not an error.
func (s *Scheduler) Fire(ctx context.Context, e Entry, at time.Time) error {
	slot := Slot(s.scheduleOf(e), at)
	inv := &api.ActionInvocation{
		ID:          fmt.Sprintf("%s@%s", e.Name, slot.UTC().Format(time.RFC3339)),
		Action:      e.Action,
		Input:       e.Input,
		Attempt:     1,
		ScheduledAt: at,
	}
	err := s.queue.Enqueue(ctx, inv)
	if errors.Is(err, taskqueue.ErrDuplicate) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", inv.ID, err)
	}
	s.logger.Debug("maintenance enqueued",
		slog.String("entry", e.Name),
		slog.String("invocation_id", inv.ID),
	)
	return nil
}

func (s *Scheduler) scheduleOf(e Entry) cronlib.Schedule {
	for _, sc := range s.entries {
		if sc.entry.Name == e.Name {
			return sc.schedule
		}
	}
	if sched, err := ParseSchedule(e.Spec); err == nil {
		return sched
	}
	return nil
}

// Slot returns the start of the schedule period containing at. Fixed
// intervals are aligned to the Unix epoch; cron expressions to the minute.
func Slot(sched cronlib.Schedule, at time.Time) time.Time {
	if every, ok := sched.(cronlib.ConstantDelaySchedule); ok && every.Delay > 0 {
		return at.Truncate(every.Delay)
	}
	return at.Truncate(time.Minute)
}

// Entries returns the configured entries.
func (s *Scheduler) Entries() []Entry {
	out := make([]Entry, len(s.entries))
	for i, sc := range s.entries {
		out[i] = sc.entry
	}
	return out
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
