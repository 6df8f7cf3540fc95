package engine

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petrijr/steward/internal/approval"
	"github.com/petrijr/steward/internal/backoff"
	"github.com/petrijr/steward/internal/persistence"
	"github.com/petrijr/steward/internal/taskqueue"
	"github.com/petrijr/steward/internal/testutil"
	"github.com/petrijr/steward/pkg/api"
)

type storeFactory func(t *testing.T) persistence.Store

func inMemoryStore(*testing.T) persistence.Store {
	return persistence.NewInMemoryStore()
}

func sqliteStore(t *testing.T) persistence.Store {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	return store
}

var storeFactories = map[string]storeFactory{
	"in-memory": inMemoryStore,
	"sqlite":    sqliteStore,
}

// forEachStore runs fn once per persistence backend.
func forEachStore(t *testing.T, fn func(t *testing.T, h *harness)) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			fn(t, newHarness(t, factory(t)))
		})
	}
}

// harness wires an engine to a store, an in-memory queue and a gate that
// all share one fake clock. Backoff is deterministic (no jitter).
type harness struct {
	t       *testing.T
	ctx     context.Context
	clock   *testutil.Clock
	store   persistence.Store
	queue   taskqueue.Queue
	gate    *approval.Gate
	engine  *Engine
	metrics *api.BasicMetrics
}

func newHarness(t *testing.T, store persistence.Store) *harness {
	t.Helper()

	clock := testutil.NewClock()
	metrics := &api.BasicMetrics{}
	queue := taskqueue.NewInMemoryQueue(taskqueue.Config{VisibilityTimeout: time.Minute, Now: clock.Now})
	gate := approval.NewGate(approval.Config{
		Store:    store,
		Observer: metrics,
		Now:      clock.Now,
	})
	eng := New(Config{
		Persistence: persistence.FromStore(store),
		Queue:       queue,
		Gate:        gate,
		Observer:    metrics,
		Now:         clock.Now,
		Backoff: func(p api.BackoffPolicy) backoff.Strategy {
			return backoff.NewExponential(p.Initial, p.Max)
		},
	})
	gate.SetHandler(eng)

	return &harness{
		t:       t,
		ctx:     context.Background(),
		clock:   clock,
		store:   store,
		queue:   queue,
		gate:    gate,
		engine:  eng,
		metrics: metrics,
	}
}

func (h *harness) register(def api.WorkflowDefinition) {
	h.t.Helper()
	if err := h.engine.RegisterWorkflow(def); err != nil {
		h.t.Fatalf("RegisterWorkflow failed: %v", err)
	}
}

// start stores an event and starts a new execution of wfType for it.
func (h *harness) start(wfType string) *api.WorkflowExecution {
	h.t.Helper()

	ev := &api.Event{
		ID:            api.NewID(),
		Source:        api.SourceEmail,
		ReceivedAt:    h.clock.Now(),
		Payload:       map[string]any{"message_id": "m-1", "from": "ceo@example.com", "subject": "Q3"},
		CorrelationID: "thread-1",
	}
	if err := h.store.SaveEvent(h.ctx, ev); err != nil {
		h.t.Fatalf("SaveEvent failed: %v", err)
	}
	exec := api.NewExecution(api.NewID(), wfType, ev, h.clock.Now())
	if err := h.engine.Start(h.ctx, exec); err != nil {
		h.t.Fatalf("Start failed: %v", err)
	}
	return exec
}

// claim takes the next due invocation, failing the test if there is none.
func (h *harness) claim() *api.ActionInvocation {
	h.t.Helper()
	inv, err := h.queue.Claim(h.ctx, "worker-1")
	if err != nil {
		h.t.Fatalf("Claim failed: %v", err)
	}
	if inv == nil {
		h.t.Fatalf("expected a due invocation, queue had none")
	}
	return inv
}

// expectEmptyQueue fails the test if an invocation is due.
func (h *harness) expectEmptyQueue() {
	h.t.Helper()
	inv, err := h.queue.Claim(h.ctx, "worker-1")
	if err != nil {
		h.t.Fatalf("Claim failed: %v", err)
	}
	if inv != nil {
		h.t.Fatalf("expected no due invocation, got %s (%s)", inv.ID, inv.Action)
	}
}

// report feeds res to the engine and acknowledges the invocation.
func (h *harness) report(inv *api.ActionInvocation, res api.Result) {
	h.t.Helper()
	if err := h.engine.HandleResult(h.ctx, inv, res); err != nil {
		h.t.Fatalf("HandleResult failed: %v", err)
	}
	var err error
	if res.Succeeded() {
		err = h.queue.Complete(h.ctx, inv.ID, inv.Owner, res)
	} else {
		err = h.queue.Fail(h.ctx, inv.ID, inv.Owner, res)
	}
	if err != nil {
		h.t.Fatalf("queue report failed: %v", err)
	}
}

func (h *harness) get(id string) *api.WorkflowExecution {
	h.t.Helper()
	exec, err := h.engine.GetExecution(h.ctx, id)
	if err != nil {
		h.t.Fatalf("GetExecution failed: %v", err)
	}
	return exec
}

func (h *harness) sweepDue() int {
	h.t.Helper()
	n, err := h.engine.SweepDue(h.ctx, h.clock.Now())
	if err != nil {
		h.t.Fatalf("SweepDue failed: %v", err)
	}
	return n
}

// states returns the to-states of exec's history.
func states(exec *api.WorkflowExecution) []api.State {
	out := make([]api.State, len(exec.History))
	for i, tr := range exec.History {
		out[i] = tr.To
	}
	return out
}

func singleStep(name string, action api.ActionName) api.WorkflowDefinition {
	return api.WorkflowDefinition{
		Name:  name,
		Steps: []api.StepDefinition{{Name: "only", Action: action}},
	}
}
