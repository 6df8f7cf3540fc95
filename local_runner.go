package steward

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// LocalRunner runs an in-memory Bundle with worker goroutines in the
// current process, for development and debugging. Domain actions without
// a registered handler are served by DryRun.
//
// Typical usage:
//
//	runner, _ := steward.NewLocalRunner(steward.BundleConfig{Workflows: defs, Rules: rules})
//	_ = runner.RegisterAction(steward.ActionSendMessage, myChatConnector)
//	_ = runner.StartWorkers(ctx, 2)
//	defer runner.Stop()
//
//	_, exec, _ := runner.Ingest(ctx, raw)
//	exec, _ = runner.WaitFor(ctx, exec.ID, steward.StateCompleted)
type LocalRunner struct {
	*Bundle

	poll time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRunner builds the in-memory bundle. The scheduler is not started;
// call Sweep to run the maintenance passes on demand.
func NewLocalRunner(cfg BundleConfig) (*LocalRunner, error) {
	b, err := NewMemoryBundle(cfg)
	if err != nil {
		return nil, err
	}
	poll := cfg.Worker.PollInterval
	if poll <= 0 {
		poll = 10 * time.Millisecond
	}
	return &LocalRunner{Bundle: b, poll: poll}, nil
}

// StartWorkers starts concurrency goroutines that call Worker.ProcessOne
// until Stop is called.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("steward: LocalRunner already started")
	}
	if err := RegisterDryRun(r.Actions, r.logger); err != nil {
		return err
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(concurrency)
	for range concurrency {
		go func() {
			defer r.wg.Done()
			for {
				processed, err := r.Worker.ProcessOne(ctx)
				if ctx.Err() != nil {
					return
				}
				if err != nil {
					// The worker already logged it; the invocation comes
					// back once its lease expires.
					continue
				}
				if !processed {
					select {
					case <-ctx.Done():
						return
					case <-time.After(r.poll):
					}
				}
			}
		}()
	}
	return nil
}

// Stop cancels all worker goroutines started by StartWorkers and waits
// for them to exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// Sweep runs the timeout sweep, the due sweep and approval expiry once,
// as the scheduler would.
func (r *LocalRunner) Sweep(ctx context.Context, now time.Time) error {
	if _, err := r.Engine.SweepTimeouts(ctx, now); err != nil {
		return err
	}
	if _, err := r.Gate.ExpireStale(ctx, now); err != nil {
		return err
	}
	_, err := r.Engine.SweepDue(ctx, now)
	return err
}

// WaitFor polls the execution until it reaches one of states or any
// terminal state, or ctx is done.
func (r *LocalRunner) WaitFor(ctx context.Context, id string, states ...State) (*WorkflowExecution, error) {
	for {
		exec, err := r.Engine.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		if exec.State.Terminal() {
			return exec, nil
		}
		for _, s := range states {
			if exec.State == s {
				return exec, nil
			}
		}
		select {
		case <-ctx.Done():
			return exec, fmt.Errorf("wait for execution %s (state %s): %w", id, exec.State, ctx.Err())
		case <-time.After(r.poll):
		}
	}
}
