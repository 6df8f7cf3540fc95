package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/steward/pkg/api"
)

// runStoreSuite exercises the Store contract against any backend. newStore
// must return an empty store.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("EventDedup", func(t *testing.T) { testEventDedup(t, newStore(t)) })
	t.Run("Unrouted", func(t *testing.T) { testUnrouted(t, newStore(t)) })
	t.Run("ExecutionCAS", func(t *testing.T) { testExecutionCAS(t, newStore(t)) })
	t.Run("ExecutionList", func(t *testing.T) { testExecutionList(t, newStore(t)) })
	t.Run("ApprovalSingleOpen", func(t *testing.T) { testApprovalSingleOpen(t, newStore(t)) })
	t.Run("ApprovalConcurrentCreate", func(t *testing.T) { testApprovalConcurrentCreate(t, newStore(t)) })
	t.Run("PurgeKeepsActive", func(t *testing.T) { testPurgeKeepsActive(t, newStore(t)) })
	t.Run("PurgeByID", func(t *testing.T) { testPurgeByID(t, newStore(t)) })
}

var t0 = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

func testEvent(id, externalID string, at time.Time) *api.Event {
	return &api.Event{
		ID:            id,
		Source:        api.SourceEmail,
		ExternalID:    externalID,
		Kind:          "message",
		ReceivedAt:    at,
		Payload:       map[string]any{"subject": "Quarterly report", "from": "boss@example.com"},
		CorrelationID: "corr-" + id,
	}
}

func testEventDedup(t *testing.T, s Store) {
	ctx := context.Background()

	require.NoError(t, s.SaveEvent(ctx, testEvent("ev-1", "msg-1", t0)))
	err := s.SaveEvent(ctx, testEvent("ev-2", "msg-1", t0))
	require.ErrorIs(t, err, ErrDuplicateEvent)

	// Events without an external id never collide.
	require.NoError(t, s.SaveEvent(ctx, testEvent("ev-3", "", t0)))
	require.NoError(t, s.SaveEvent(ctx, testEvent("ev-4", "", t0)))

	got, err := s.FindByExternalID(ctx, api.SourceEmail, "msg-1")
	require.NoError(t, err)
	require.Equal(t, "ev-1", got.ID)
	require.Equal(t, "Quarterly report", got.Payload["subject"])
	require.True(t, got.ReceivedAt.Equal(t0))

	_, err = s.FindByExternalID(ctx, api.SourceChat, "msg-1")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetEvent(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func testUnrouted(t *testing.T, s Store) {
	ctx := context.Background()
	rec := api.UnroutedRecord{EventID: "ev-1", CorrelationID: "c", Source: api.SourceChat, RecordedAt: t0, Reason: "no rule"}
	require.NoError(t, s.RecordUnrouted(ctx, rec))

	got, err := s.ListUnrouted(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "ev-1", got[0].EventID)
	require.Equal(t, api.SourceChat, got[0].Source)
}

func testExecutionCAS(t *testing.T, s Store) {
	ctx := context.Background()

	exec := api.NewExecution("ex-1", "triage", testEvent("ev-1", "", t0), t0)
	require.NoError(t, s.CreateExecution(ctx, exec))
	require.EqualValues(t, 1, exec.Version)

	a, err := s.GetExecution(ctx, "ex-1")
	require.NoError(t, err)
	b, err := s.GetExecution(ctx, "ex-1")
	require.NoError(t, err)
	require.Equal(t, -1, a.ApprovedStep)

	_, err = a.Transition(api.StateRunning, t0.Add(time.Second), "start")
	require.NoError(t, err)
	require.NoError(t, s.UpdateExecution(ctx, a))
	require.EqualValues(t, 2, a.Version)

	// b is stale now.
	_, err = b.Transition(api.StateFailed, t0.Add(time.Second), "cancelled")
	require.NoError(t, err)
	require.ErrorIs(t, s.UpdateExecution(ctx, b), ErrConflict)

	next := t0.Add(time.Minute)
	a.NextRetryAt = &next
	a.RetryCount = 1
	_, err = a.Transition(api.StateRunning, t0.Add(2*time.Second), "retry")
	require.NoError(t, err)
	require.NoError(t, s.UpdateExecution(ctx, a))

	got, err := s.GetExecution(ctx, "ex-1")
	require.NoError(t, err)
	require.Equal(t, api.StateRunning, got.State)
	require.Len(t, got.History, 2)
	require.NoError(t, api.ValidateHistory(got.History))
	require.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.NextRetryAt)
	require.True(t, got.NextRetryAt.Equal(next))
	require.True(t, got.StateEnteredAt.Equal(t0.Add(time.Second)))

	missing := api.NewExecution("nope", "triage", nil, t0)
	require.ErrorIs(t, s.UpdateExecution(ctx, missing), ErrNotFound)

	_, err = s.GetExecution(ctx, "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func testExecutionList(t *testing.T, s Store) {
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e := api.NewExecution(fmt.Sprintf("ex-%d", i), "triage", nil, t0.Add(time.Duration(i)*time.Second))
		require.NoError(t, s.CreateExecution(ctx, e))
		if i > 0 {
			_, err := e.Transition(api.StateRunning, t0.Add(time.Minute), "")
			require.NoError(t, err)
			due := t0.Add(time.Duration(i) * time.Minute)
			e.NextRetryAt = &due
			require.NoError(t, s.UpdateExecution(ctx, e))
		}
	}
	other := api.NewExecution("ex-other", "status-report", nil, t0)
	require.NoError(t, s.CreateExecution(ctx, other))

	running, err := s.ListExecutions(ctx, ExecutionFilter{States: []api.State{api.StateRunning}})
	require.NoError(t, err)
	require.Len(t, running, 2)
	require.Equal(t, "ex-1", running[0].ID)
	require.Len(t, running[0].History, 1)

	cutoff := t0.Add(90 * time.Second)
	due, err := s.ListExecutions(ctx, ExecutionFilter{DueBefore: &cutoff})
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "ex-1", due[0].ID)

	byType, err := s.ListExecutions(ctx, ExecutionFilter{WorkflowType: "status-report"})
	require.NoError(t, err)
	require.Len(t, byType, 1)

	limited, err := s.ListExecutions(ctx, ExecutionFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)

	next, err := s.ListExecutions(ctx, ExecutionFilter{After: CursorOf(limited[1]), Limit: 2})
	require.NoError(t, err)
	require.Len(t, next, 2)
	require.NotEqual(t, limited[1].ID, next[0].ID)
	require.False(t, next[0].CreatedAt.Before(limited[1].CreatedAt))

	// ex-0 entered created at t0; the others entered running later.
	before := t0.Add(time.Millisecond)
	stale, err := s.ListExecutions(ctx, ExecutionFilter{WorkflowType: "triage", EnteredBefore: &before})
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, "ex-0", stale[0].ID)
}

func testApprovalSingleOpen(t *testing.T, s Store) {
	ctx := context.Background()
	exp := t0.Add(time.Hour)

	first := &api.ApprovalRequest{ID: "ap-1", ExecutionID: "ex-1", Step: 1, Summary: "send reply", RequestedAt: t0, ExpiresAt: &exp, Decision: api.DecisionPending}
	require.NoError(t, s.CreateApproval(ctx, first))

	second := &api.ApprovalRequest{ID: "ap-2", ExecutionID: "ex-1", Step: 1, RequestedAt: t0, Decision: api.DecisionPending}
	err := s.CreateApproval(ctx, second)
	var dup *api.DuplicateApprovalError
	require.ErrorAs(t, err, &dup)
	require.Equal(t, "ap-1", dup.OpenRequestID)

	open, err := s.OpenApproval(ctx, "ex-1")
	require.NoError(t, err)
	require.Equal(t, "ap-1", open.ID)
	require.NotNil(t, open.ExpiresAt)

	decided, err := s.DecideApproval(ctx, "ap-1", api.DecisionApproved, "alice", t0.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, api.DecisionApproved, decided.Decision)
	require.Equal(t, "alice", decided.DecidedBy)

	again, err := s.DecideApproval(ctx, "ap-1", api.DecisionRejected, "bob", t0.Add(2*time.Minute))
	var already *api.AlreadyDecidedError
	require.ErrorAs(t, err, &already)
	require.Equal(t, api.DecisionApproved, already.Decision)
	require.Equal(t, "alice", again.DecidedBy)

	_, err = s.OpenApproval(ctx, "ex-1")
	require.ErrorIs(t, err, ErrNotFound)

	// Once decided, a new request for the same execution may open.
	require.NoError(t, s.CreateApproval(ctx, second))

	pending, err := s.ListApprovals(ctx, ApprovalFilter{Decision: api.DecisionPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "ap-2", pending[0].ID)

	cutoff := t0.Add(2 * time.Hour)
	expiring, err := s.ListApprovals(ctx, ApprovalFilter{ExpiresBefore: &cutoff})
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	require.Equal(t, "ap-1", expiring[0].ID)

	_, err = s.DecideApproval(ctx, "missing", api.DecisionApproved, "x", t0)
	require.ErrorIs(t, err, ErrNotFound)
}

func testApprovalConcurrentCreate(t *testing.T, s Store) {
	ctx := context.Background()
	const n = 8

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		dups    int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.CreateApproval(ctx, &api.ApprovalRequest{
				ID:          fmt.Sprintf("ap-%d", i),
				ExecutionID: "ex-race",
				RequestedAt: t0,
				Decision:    api.DecisionPending,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, api.ErrDuplicateApproval):
				dups++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, created)
	require.Equal(t, n-1, dups)

	open, err := s.ListApprovals(ctx, ApprovalFilter{ExecutionID: "ex-race", Decision: api.DecisionPending})
	require.NoError(t, err)
	require.Len(t, open, 1)
}

func testPurgeKeepsActive(t *testing.T, s Store) {
	ctx := context.Background()

	old := t0.Add(-100 * 24 * time.Hour)
	require.NoError(t, s.SaveEvent(ctx, testEvent("ev-old-done", "a", old)))
	require.NoError(t, s.SaveEvent(ctx, testEvent("ev-old-active", "b", old)))
	require.NoError(t, s.SaveEvent(ctx, testEvent("ev-new", "c", t0)))
	require.NoError(t, s.RecordUnrouted(ctx, api.UnroutedRecord{EventID: "ev-u", Source: api.SourceChat, RecordedAt: old}))

	done := api.NewExecution("ex-done", "triage", testEvent("ev-old-done", "", old), old)
	require.NoError(t, s.CreateExecution(ctx, done))
	_, err := done.Transition(api.StateRunning, old, "")
	require.NoError(t, err)
	_, err = done.Transition(api.StateCompleted, old, "")
	require.NoError(t, err)
	require.NoError(t, s.UpdateExecution(ctx, done))

	active := api.NewExecution("ex-active", "triage", testEvent("ev-old-active", "", old), old)
	require.NoError(t, s.CreateExecution(ctx, active))

	cutoff := t0.Add(-90 * 24 * time.Hour)
	candidates, err := s.ListEventsBefore(ctx, cutoff, 0)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.Equal(t, "ev-old-done", candidates[0].ID)

	n, err := s.PurgeEventsBefore(ctx, cutoff)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = s.GetEvent(ctx, "ev-old-done")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetEvent(ctx, "ev-old-active")
	require.NoError(t, err)
	_, err = s.GetEvent(ctx, "ev-new")
	require.NoError(t, err)

	unrouted, err := s.ListUnrouted(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, unrouted)

	// The external id of a purged event may be reused.
	require.NoError(t, s.SaveEvent(ctx, testEvent("ev-again", "a", t0)))
}

func testPurgeByID(t *testing.T, s Store) {
	ctx := context.Background()
	old := t0.Add(-100 * 24 * time.Hour)
	for _, id := range []string{"ev-b", "ev-a", "ev-c", "ev-pinned"} {
		require.NoError(t, s.SaveEvent(ctx, testEvent(id, id, old)))
	}
	active := api.NewExecution("ex-active", "triage", testEvent("ev-pinned", "", old), old)
	require.NoError(t, s.CreateExecution(ctx, active))
	require.NoError(t, s.RecordUnrouted(ctx, api.UnroutedRecord{EventID: "ev-u", Source: api.SourceChat, RecordedAt: old}))

	// Same receive time orders by id.
	batch, err := s.ListEventsBefore(ctx, t0, 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	require.Equal(t, "ev-a", batch[0].ID)
	require.Equal(t, "ev-b", batch[1].ID)

	n, err := s.PurgeEvents(ctx, []string{"ev-a", "ev-b", "ev-pinned", "ev-missing"})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	_, err = s.GetEvent(ctx, "ev-c")
	require.NoError(t, err, "events outside the list stay")
	_, err = s.GetEvent(ctx, "ev-pinned")
	require.NoError(t, err)

	n, err = s.PurgeEvents(ctx, nil)
	require.NoError(t, err)
	require.Zero(t, n)

	unrouted, err := s.ListUnrouted(ctx, 0)
	require.NoError(t, err)
	require.Len(t, unrouted, 1, "purging by id leaves unrouted records alone")
	n, err = s.PurgeUnroutedBefore(ctx, t0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
