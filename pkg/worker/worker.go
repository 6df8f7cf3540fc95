package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/steward/internal/action"
	"github.com/petrijr/steward/internal/taskqueue"
	"github.com/petrijr/steward/pkg/api"
)

// Defaults for Config fields left zero.
const (
	DefaultConcurrency       = 1
	DefaultPollInterval      = 500 * time.Millisecond
	DefaultActionTimeout     = 2 * time.Minute
	DefaultHeartbeatInterval = 30 * time.Second
)

// Executor runs an action. *action.Registry implements it.
type Executor interface {
	Execute(ctx context.Context, req action.Request) api.Result
}

// ResultHandler receives action outcomes. *engine.Engine implements it.
type ResultHandler interface {
	HandleResult(ctx context.Context, inv *api.ActionInvocation, res api.Result) error
}

// Config controls a Worker.
type Config struct {
	// WorkerID identifies the lease owner. Defaults to "worker-<uuid>".
	WorkerID string

	// Concurrency is the number of loops Run starts.
	Concurrency int

	// PollInterval is how long an idle loop sleeps before claiming again.
	PollInterval time.Duration

	// ActionTimeout bounds a single action execution.
	ActionTimeout time.Duration

	// HeartbeatInterval is how often the lease is renewed while an action
	// runs. It must be well below the queue's visibility timeout.
	HeartbeatInterval time.Duration

	Observer api.Observer
	Logger   *slog.Logger
}

// Worker pulls invocations from a Queue and executes them.
type Worker struct {
	queue    taskqueue.Queue
	executor Executor
	results  ResultHandler

	id          string
	concurrency int
	poll        time.Duration
	timeout     time.Duration
	heartbeat   time.Duration

	observer api.Observer
	logger   *slog.Logger

	claims atomic.Uint64
}

// New creates a Worker.
func New(queue taskqueue.Queue, executor Executor, results ResultHandler, cfg Config) *Worker {
	w := &Worker{
		queue:       queue,
		executor:    executor,
		results:     results,
		id:          cfg.WorkerID,
		concurrency: cfg.Concurrency,
		poll:        cfg.PollInterval,
		timeout:     cfg.ActionTimeout,
		heartbeat:   cfg.HeartbeatInterval,
		observer:    cfg.Observer,
		logger:      cfg.Logger,
	}
	if w.id == "" {
		w.id = "worker-" + uuid.NewString()
	}
	if w.concurrency <= 0 {
		w.concurrency = DefaultConcurrency
	}
	if w.poll <= 0 {
		w.poll = DefaultPollInterval
	}
	if w.timeout <= 0 {
		w.timeout = DefaultActionTimeout
	}
	if w.heartbeat <= 0 {
		w.heartbeat = DefaultHeartbeatInterval
	}
	if w.observer == nil {
		w.observer = api.NoopObserver{}
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	w.logger = w.logger.With(slog.String("worker_id", w.id))
	return w
}

// ID returns the id of w. Each claim is leased to its own owner,
// "<id>/<n>", so concurrent loops of one worker never share a lease.
func (w *Worker) ID() string { return w.id }

// Run processes invocations until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for range w.concurrency {
		g.Go(func() error {
			w.loop(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	for {
		processed, _ := w.ProcessOne(ctx)
		if ctx.Err() != nil {
			return
		}
		if processed {
			continue
		}
		t := time.NewTimer(w.poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// ProcessOne claims and runs a single invocation.
// It returns processed == false when nothing was due. When processed is
// true, a non-nil error means the outcome was not fully recorded; the
// invocation will be delivered again once its lease expires.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	owner := fmt.Sprintf("%s/%d", w.id, w.claims.Add(1))
	inv, err := w.queue.Claim(ctx, owner)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.ErrorContext(ctx, "claim failed", slog.String("error", err.Error()))
		}
		return false, err
	}
	if inv == nil {
		return false, nil
	}

	log := w.logger.With(
		slog.String("invocation_id", inv.ID),
		slog.String("action", string(inv.Action)),
		slog.String("execution_id", inv.ExecutionID),
		slog.Int("attempt", inv.Attempt),
	)

	start := time.Now()
	res, lost := w.execute(ctx, inv, owner, log)
	elapsed := time.Since(start)
	w.observer.OnInvocationFinished(ctx, inv, res, elapsed)

	if lost == nil {
		// Make sure nobody took the invocation over while the action ran.
		lost = w.queue.Extend(ctx, inv.ID, owner)
	}
	if lost != nil {
		log.WarnContext(ctx, "lease lost, dropping result",
			slog.String("status", string(res.Status)),
			slog.String("error", lost.Error()),
		)
		return true, lost
	}

	if inv.ExecutionID != "" && w.results != nil {
		if err := w.results.HandleResult(ctx, inv, res); err != nil {
			log.ErrorContext(ctx, "engine rejected result", slog.String("error", err.Error()))
			return true, err
		}
	}

	if res.Succeeded() {
		err = w.queue.Complete(ctx, inv.ID, owner, res)
	} else {
		err = w.queue.Fail(ctx, inv.ID, owner, res)
	}
	if err != nil {
		log.ErrorContext(ctx, "acknowledge failed", slog.String("error", err.Error()))
		return true, err
	}

	log.DebugContext(ctx, "invocation finished",
		slog.String("status", string(res.Status)),
		slog.Duration("elapsed", elapsed),
	)
	return true, nil
}

// execute runs the action while a heartbeat renews the lease. A non-nil
// lost error means the heartbeat found the lease gone.
func (w *Worker) execute(ctx context.Context, inv *api.ActionInvocation, owner string, log *slog.Logger) (res api.Result, lost error) {
	actx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	hbDone := make(chan struct{})
	hbErr := make(chan error, 1)
	go func() {
		defer close(hbErr)
		ticker := time.NewTicker(w.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-hbDone:
				return
			case <-ticker.C:
				err := w.queue.Extend(ctx, inv.ID, owner)
				if err == nil {
					continue
				}
				if leaseGone(err) {
					hbErr <- err
					cancel()
					return
				}
				log.WarnContext(ctx, "lease renewal failed", slog.String("error", err.Error()))
			}
		}
	}()

	res = w.invoke(actx, inv)
	close(hbDone)
	lost = <-hbErr

	if !res.Succeeded() && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		res = api.RetryableFailure(fmt.Sprintf("action timed out after %s", w.timeout))
	}
	return res, lost
}

func (w *Worker) invoke(ctx context.Context, inv *api.ActionInvocation) (res api.Result) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.ErrorContext(ctx, "action panicked",
				slog.String("invocation_id", inv.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			res = api.PermanentFailure(fmt.Sprintf("panic: %v", r))
		}
	}()
	return w.executor.Execute(ctx, action.RequestFor(inv))
}

func leaseGone(err error) bool {
	return errors.Is(err, taskqueue.ErrLeaseLost) ||
		errors.Is(err, taskqueue.ErrAlreadyFinished) ||
		errors.Is(err, taskqueue.ErrNotFound)
}
