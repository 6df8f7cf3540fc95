package taskqueue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/steward/internal/testutil"
	"github.com/petrijr/steward/pkg/api"
)

const testVisibility = 30 * time.Second

type queueFactory func(t *testing.T, cfg Config) Queue

func runQueueSuite(t *testing.T, newQueue queueFactory) {
	tests := map[string]func(t *testing.T, q Queue, clock *testutil.Clock){
		"OrderAndEmpty":         testQueueOrder,
		"FutureNotClaimable":    testQueueFuture,
		"LeaseExpiryRedelivers": testQueueLeaseExpiry,
		"ExtendKeepsLease":      testQueueExtend,
		"FailRecordsOutcome":    testQueueFail,
		"DuplicateEnqueue":      testQueueDuplicate,
		"ConcurrentClaims":      testQueueConcurrentClaims,
	}
	for name, fn := range tests {
		t.Run(name, func(t *testing.T) {
			clock := testutil.NewClock()
			q := newQueue(t, Config{VisibilityTimeout: testVisibility, Now: clock.Now})
			fn(t, q, clock)
		})
	}
}

func newInvocation(id string, scheduled time.Time) *api.ActionInvocation {
	return &api.ActionInvocation{
		ID:          id,
		ExecutionID: "ex-" + id,
		Step:        1,
		Action:      api.ActionSendEmail,
		Input:       map[string]any{"to": "ann@example.com", "nested": map[string]any{"k": "v"}},
		Attempt:     1,
		ScheduledAt: scheduled,
	}
}

func testQueueOrder(t *testing.T, q Queue, clock *testutil.Clock) {
	ctx := context.Background()
	now := clock.Now()

	require.NoError(t, q.Enqueue(ctx, newInvocation("b", now.Add(-2*time.Second))))
	require.NoError(t, q.Enqueue(ctx, newInvocation("c", now.Add(-1*time.Second))))
	require.NoError(t, q.Enqueue(ctx, newInvocation("a", now.Add(-3*time.Second))))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	var got []string
	for i := 0; i < 3; i++ {
		inv, err := q.Claim(ctx, "w1")
		require.NoError(t, err)
		require.NotNil(t, inv)
		require.Equal(t, api.InvocationRunning, inv.Status)
		require.Equal(t, "w1", inv.Owner)
		require.Equal(t, 1, inv.Deliveries)
		got = append(got, inv.ID)
	}
	require.Equal(t, []string{"a", "b", "c"}, got)

	inv, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.Nil(t, inv)

	first, err := q.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "ann@example.com", first.Input["to"])
	nested, ok := first.Input["nested"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "v", nested["k"])
}

func testQueueFuture(t *testing.T, q Queue, clock *testutil.Clock) {
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, newInvocation("later", clock.Now().Add(time.Minute))))

	inv, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.Nil(t, inv)

	clock.Advance(time.Minute)
	inv, err = q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, inv)
	require.Equal(t, "later", inv.ID)
}

func testQueueLeaseExpiry(t *testing.T, q Queue, clock *testutil.Clock) {
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, newInvocation("x", time.Time{})))

	first, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, first)

	// Still leased.
	none, err := q.Claim(ctx, "w2")
	require.NoError(t, err)
	require.Nil(t, none)

	clock.Advance(testVisibility + time.Second)

	second, err := q.Claim(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, second)
	require.Equal(t, "x", second.ID)
	require.Equal(t, 2, second.Deliveries)
	require.Equal(t, "w2", second.Owner)

	require.ErrorIs(t, q.Complete(ctx, "x", "w1", api.Success(nil)), ErrLeaseLost)
	require.ErrorIs(t, q.Extend(ctx, "x", "w1"), ErrLeaseLost)

	require.NoError(t, q.Complete(ctx, "x", "w2", api.Success(map[string]any{"message_id": "m-1"})))
	require.ErrorIs(t, q.Complete(ctx, "x", "w2", api.Success(nil)), ErrAlreadyFinished)

	got, err := q.Get(ctx, "x")
	require.NoError(t, err)
	require.Equal(t, api.InvocationSucceeded, got.Status)
	require.Equal(t, api.ResultSuccess, got.ResultStatus)
	require.Equal(t, "m-1", got.Output["message_id"])
	require.NotNil(t, got.CompletedAt)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	// Finished invocations are never redelivered.
	clock.Advance(10 * testVisibility)
	again, err := q.Claim(ctx, "w3")
	require.NoError(t, err)
	require.Nil(t, again)
}

func testQueueExtend(t *testing.T, q Queue, clock *testutil.Clock) {
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, newInvocation("slow", time.Time{})))

	inv, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, inv)

	clock.Advance(testVisibility - time.Second)
	require.NoError(t, q.Extend(ctx, "slow", "w1"))
	clock.Advance(2 * time.Second)

	other, err := q.Claim(ctx, "w2")
	require.NoError(t, err)
	require.Nil(t, other, "extended lease must not be reclaimed")

	require.ErrorIs(t, q.Extend(ctx, "missing", "w1"), ErrNotFound)
}

func testQueueFail(t *testing.T, q Queue, _ *testutil.Clock) {
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, newInvocation("f", time.Time{})))

	inv, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, inv)

	require.NoError(t, q.Fail(ctx, "f", "w1", api.RetryableFailure("smtp 421")))

	got, err := q.Get(ctx, "f")
	require.NoError(t, err)
	require.Equal(t, api.InvocationFailed, got.Status)
	require.Equal(t, api.ResultRetryableFailure, got.ResultStatus)
	require.Equal(t, "smtp 421", got.Error)

	_, err = q.Get(ctx, "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func testQueueDuplicate(t *testing.T, q Queue, _ *testutil.Clock) {
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, newInvocation("d", time.Time{})))
	require.ErrorIs(t, q.Enqueue(ctx, newInvocation("d", time.Time{})), ErrDuplicate)
}

func testQueueConcurrentClaims(t *testing.T, q Queue, clock *testutil.Clock) {
	ctx := context.Background()
	const total = 20
	for i := 0; i < total; i++ {
		require.NoError(t, q.Enqueue(ctx, newInvocation(fmt.Sprintf("inv-%02d", i), clock.Now().Add(-time.Duration(total-i)*time.Second))))
	}

	var (
		mu      sync.Mutex
		claimed = map[string]int{}
		wg      sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			for {
				inv, err := q.Claim(ctx, owner)
				if err != nil {
					t.Errorf("Claim: %v", err)
					return
				}
				if inv == nil {
					return
				}
				mu.Lock()
				claimed[inv.ID]++
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()

	require.Len(t, claimed, total)
	for id, n := range claimed {
		require.Equal(t, 1, n, "invocation %s claimed %d times", id, n)
	}
}
