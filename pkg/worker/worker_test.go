package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petrijr/steward/internal/action"
	"github.com/petrijr/steward/internal/engine"
	"github.com/petrijr/steward/internal/persistence"
	"github.com/petrijr/steward/internal/taskqueue"
	"github.com/petrijr/steward/pkg/api"
)

type rig struct {
	ctx      context.Context
	store    *persistence.InMemoryStore
	queue    *taskqueue.InMemoryQueue
	engine   *engine.Engine
	registry *action.Registry
	metrics  *api.BasicMetrics
}

func newRig(t *testing.T, visibility time.Duration) *rig {
	t.Helper()

	store := persistence.NewInMemoryStore()
	queue := taskqueue.NewInMemoryQueue(taskqueue.Config{VisibilityTimeout: visibility})
	eng := engine.New(engine.Config{
		Persistence: persistence.FromStore(store),
		Queue:       queue,
	})
	return &rig{
		ctx:      context.Background(),
		store:    store,
		queue:    queue,
		engine:   eng,
		registry: action.NewRegistry(),
		metrics:  &api.BasicMetrics{},
	}
}

func (r *rig) handle(t *testing.T, name api.ActionName, fn func(ctx context.Context, req action.Request) api.Result) {
	t.Helper()
	if err := r.registry.RegisterFunc(name, fn); err != nil {
		t.Fatalf("RegisterFunc failed: %v", err)
	}
}

// start registers a one-step workflow around act and starts an execution.
func (r *rig) start(t *testing.T, act api.ActionName) *api.WorkflowExecution {
	t.Helper()

	wf := "wf-" + string(act)
	if !r.engine.HasWorkflow(wf) {
		if err := r.engine.RegisterWorkflow(api.WorkflowDefinition{
			Name:       wf,
			MaxRetries: 3,
			Steps:      []api.StepDefinition{{Name: "only", Action: act}},
		}); err != nil {
			t.Fatalf("RegisterWorkflow failed: %v", err)
		}
	}

	ev := &api.Event{
		ID:            api.NewID(),
		Source:        api.SourceChat,
		ReceivedAt:    time.Now(),
		Payload:       map[string]any{"channel": "C1", "type": "message"},
		CorrelationID: "corr-1",
	}
	if err := r.store.SaveEvent(r.ctx, ev); err != nil {
		t.Fatalf("SaveEvent failed: %v", err)
	}
	exec := api.NewExecution(api.NewID(), wf, ev, time.Now())
	if err := r.engine.Start(r.ctx, exec); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return exec
}

func (r *rig) worker(cfg Config) *Worker {
	cfg.Observer = r.metrics
	return New(r.queue, r.registry, r.engine, cfg)
}

func (r *rig) execution(t *testing.T, id string) *api.WorkflowExecution {
	t.Helper()
	exec, err := r.engine.GetExecution(r.ctx, id)
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	return exec
}

func TestProcessOne_EmptyQueue(t *testing.T) {
	r := newRig(t, time.Minute)
	w := r.worker(Config{WorkerID: "w1"})

	processed, err := w.ProcessOne(r.ctx)
	if err != nil {
		t.Fatalf("ProcessOne failed: %v", err)
	}
	if processed {
		t.Fatalf("expected nothing to process")
	}
}

func TestProcessOne_SuccessCompletesExecution(t *testing.T) {
	r := newRig(t, time.Minute)
	var gotKey, gotCorr string
	r.handle(t, api.ActionSendMessage, func(_ context.Context, req action.Request) api.Result {
		gotKey = req.IdempotencyKey
		gotCorr, _ = req.Input["correlation_id"].(string)
		return api.Success(map[string]any{"ts": "1700.2"})
	})
	exec := r.start(t, api.ActionSendMessage)
	w := r.worker(Config{WorkerID: "w1"})

	processed, err := w.ProcessOne(r.ctx)
	if err != nil || !processed {
		t.Fatalf("ProcessOne = %v, %v", processed, err)
	}

	got := r.execution(t, exec.ID)
	if got.State != api.StateCompleted {
		t.Fatalf("expected completed, got %s", got.State)
	}
	if gotCorr != "corr-1" {
		t.Fatalf("expected correlation id in input, got %q", gotCorr)
	}

	inv, err := r.queue.Get(r.ctx, gotKey)
	if err != nil {
		t.Fatalf("Get invocation %q failed: %v", gotKey, err)
	}
	if inv.Status != api.InvocationSucceeded {
		t.Fatalf("expected invocation succeeded, got %s", inv.Status)
	}
	if n := r.metrics.Snapshot().Invocations; n != 1 {
		t.Fatalf("expected 1 finished invocation, got %d", n)
	}
}

func TestProcessOne_PanicIsPermanentFailure(t *testing.T) {
	r := newRig(t, time.Minute)
	r.handle(t, api.ActionCreateTask, func(context.Context, action.Request) api.Result {
		panic("tracker client exploded")
	})
	exec := r.start(t, api.ActionCreateTask)
	w := r.worker(Config{WorkerID: "w1"})

	if _, err := w.ProcessOne(r.ctx); err != nil {
		t.Fatalf("ProcessOne failed: %v", err)
	}

	got := r.execution(t, exec.ID)
	if got.State != api.StateFailed || got.FailureReason != api.ReasonPermanentFailure {
		t.Fatalf("expected failed/permanent_failure, got %s/%s", got.State, got.FailureReason)
	}
	if n, _ := r.queue.Len(r.ctx); n != 0 {
		t.Fatalf("expected empty queue, got %d", n)
	}
}

func TestProcessOne_TimeoutIsRetryable(t *testing.T) {
	r := newRig(t, time.Minute)
	r.handle(t, api.ActionDraftReply, func(ctx context.Context, _ action.Request) api.Result {
		<-ctx.Done()
		return api.PermanentFailure(ctx.Err().Error())
	})
	exec := r.start(t, api.ActionDraftReply)
	w := r.worker(Config{WorkerID: "w1", ActionTimeout: 20 * time.Millisecond})

	if _, err := w.ProcessOne(r.ctx); err != nil {
		t.Fatalf("ProcessOne failed: %v", err)
	}

	got := r.execution(t, exec.ID)
	if got.State != api.StateRunning || got.RetryCount != 1 || got.NextRetryAt == nil {
		t.Fatalf("expected a scheduled retry, got state=%s retries=%d next=%v", got.State, got.RetryCount, got.NextRetryAt)
	}
}

func TestProcessOne_HeartbeatKeepsLease(t *testing.T) {
	r := newRig(t, 40*time.Millisecond)
	release := make(chan struct{})
	started := make(chan struct{})
	r.handle(t, api.ActionPostStatusReport, func(context.Context, action.Request) api.Result {
		close(started)
		<-release
		return api.Success(nil)
	})
	exec := r.start(t, api.ActionPostStatusReport)
	w := r.worker(Config{WorkerID: "w1", HeartbeatInterval: 10 * time.Millisecond})

	done := make(chan error, 1)
	go func() {
		_, err := w.ProcessOne(r.ctx)
		done <- err
	}()

	<-started
	time.Sleep(120 * time.Millisecond)
	stolen, err := r.queue.Claim(r.ctx, "w2")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if stolen != nil {
		t.Fatalf("invocation was redelivered while its worker was alive")
	}
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("ProcessOne failed: %v", err)
	}
	if got := r.execution(t, exec.ID); got.State != api.StateCompleted {
		t.Fatalf("expected completed, got %s", got.State)
	}
}

func TestProcessOne_LostLeaseDropsResult(t *testing.T) {
	r := newRig(t, 20*time.Millisecond)
	var thief *api.ActionInvocation
	r.handle(t, api.ActionUpdateTask, func(ctx context.Context, _ action.Request) api.Result {
		time.Sleep(40 * time.Millisecond)
		thief, _ = r.queue.Claim(ctx, "w2")
		return api.Success(nil)
	})
	exec := r.start(t, api.ActionUpdateTask)
	w := r.worker(Config{WorkerID: "w1", HeartbeatInterval: time.Hour})

	processed, err := w.ProcessOne(r.ctx)
	if !processed || !errors.Is(err, taskqueue.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v, %v", processed, err)
	}
	if thief == nil {
		t.Fatalf("expected the expired lease to be reclaimed")
	}

	got := r.execution(t, exec.ID)
	if got.State != api.StateRunning || got.PendingInvocationID != thief.ID {
		t.Fatalf("expected execution still waiting for %s, got %s/%s", thief.ID, got.State, got.PendingInvocationID)
	}
}

func TestProcessOne_SiblingReclaimFencesFirstClaim(t *testing.T) {
	r := newRig(t, 20*time.Millisecond)
	var w *Worker
	var calls atomic.Int64
	var second error
	secondRunning := make(chan struct{})
	secondDone := make(chan struct{})
	release := make(chan struct{})
	r.handle(t, api.ActionSendEmail, func(context.Context, action.Request) api.Result {
		if calls.Add(1) == 2 {
			close(secondRunning)
			<-release
			return api.Success(nil)
		}
		// The lease lapses and another loop of the same worker takes over.
		time.Sleep(40 * time.Millisecond)
		go func() {
			defer close(secondDone)
			_, second = w.ProcessOne(r.ctx)
		}()
		<-secondRunning
		return api.Success(nil)
	})
	exec := r.start(t, api.ActionSendEmail)
	w = r.worker(Config{WorkerID: "w1", HeartbeatInterval: time.Hour})

	processed, err := w.ProcessOne(r.ctx)
	if !processed || !errors.Is(err, taskqueue.ErrLeaseLost) {
		t.Fatalf("expected the first claim to lose its lease, got %v, %v", processed, err)
	}
	if got := r.execution(t, exec.ID); got.State != api.StateRunning {
		t.Fatalf("stale claim must not report, execution is %s", got.State)
	}

	close(release)
	<-secondDone
	if second != nil {
		t.Fatalf("reclaiming loop failed: %v", second)
	}
	got := r.execution(t, exec.ID)
	if got.State != api.StateCompleted || got.RetryCount != 0 {
		t.Fatalf("expected completed without retries, got %s (retries=%d)", got.State, got.RetryCount)
	}
}

func TestProcessOne_MaintenanceSkipsEngine(t *testing.T) {
	r := newRig(t, time.Minute)
	var ran atomic.Bool
	r.handle(t, api.ActionSweepDue, func(context.Context, action.Request) api.Result {
		ran.Store(true)
		return api.Success(map[string]any{"repaired": 0})
	})
	if err := r.queue.Enqueue(r.ctx, &api.ActionInvocation{ID: "sweep-1", Action: api.ActionSweepDue}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	w := r.worker(Config{WorkerID: "w1"})

	if _, err := w.ProcessOne(r.ctx); err != nil {
		t.Fatalf("ProcessOne failed: %v", err)
	}
	if !ran.Load() {
		t.Fatalf("expected maintenance handler to run")
	}
	inv, err := r.queue.Get(r.ctx, "sweep-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if inv.Status != api.InvocationSucceeded {
		t.Fatalf("expected succeeded, got %s", inv.Status)
	}
}

func TestRun_DrainsQueueConcurrently(t *testing.T) {
	r := newRig(t, time.Minute)
	var calls atomic.Int64
	r.handle(t, api.ActionSendEmail, func(context.Context, action.Request) api.Result {
		calls.Add(1)
		return api.Success(nil)
	})

	const n = 12
	ids := make([]string, 0, n)
	for range n {
		ids = append(ids, r.start(t, api.ActionSendEmail).ID)
	}

	ctx, cancel := context.WithCancel(r.ctx)
	w := r.worker(Config{WorkerID: "pool", Concurrency: 4, PollInterval: 5 * time.Millisecond})
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()

	allDone := func() bool {
		for _, id := range ids {
			if r.execution(t, id).State != api.StateCompleted {
				return false
			}
		}
		return true
	}
	deadline := time.Now().Add(2 * time.Second)
	for !allDone() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("Run returned %v", err)
	}

	if !allDone() {
		t.Fatalf("not every execution completed")
	}
	if got := calls.Load(); got != n {
		t.Fatalf("expected %d action calls, got %d", n, got)
	}
}
