// Package taskqueue holds action invocations until a worker claims them.
//
// Delivery is at-least-once. A claim takes a lease on the invocation; if the
// lease runs out before the worker reports an outcome, the invocation becomes
// claimable again. Only the current lease holder may report.
package taskqueue

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/steward/pkg/api"
)

var (
	// ErrNotFound is returned for an unknown invocation id.
	ErrNotFound = errors.New("invocation not found")

	// ErrLeaseLost is returned when the caller no longer holds the lease.
	ErrLeaseLost = errors.New("invocation lease lost")

	// ErrAlreadyFinished is returned when reporting on a finished invocation.
	ErrAlreadyFinished = errors.New("invocation already finished")

	// ErrDuplicate is returned when enqueueing an id that already exists.
	ErrDuplicate = errors.New("invocation already enqueued")
)

// DefaultVisibilityTimeout is how long a claim stays valid without Extend.
const DefaultVisibilityTimeout = 5 * time.Minute

// DefaultRetention is how long the in-memory queue keeps finished
// invocations readable through Get.
const DefaultRetention = time.Hour

// Queue is a durable, lease-based job queue.
type Queue interface {
	// Enqueue stores a pending invocation. A zero ScheduledAt means now.
	Enqueue(ctx context.Context, inv *api.ActionInvocation) error

	// Claim leases the oldest due invocation to owner. It returns nil, nil
	// when nothing is due.
	Claim(ctx context.Context, owner string) (*api.ActionInvocation, error)

	// Extend renews owner's lease by the visibility timeout.
	Extend(ctx context.Context, id, owner string) error

	// Complete records a successful outcome.
	Complete(ctx context.Context, id, owner string, res api.Result) error

	// Fail records a failed outcome.
	Fail(ctx context.Context, id, owner string, res api.Result) error

	Get(ctx context.Context, id string) (*api.ActionInvocation, error)

	// Len returns the number of pending and running invocations.
	Len(ctx context.Context) (int, error)
}

// Config is shared by every backend.
type Config struct {
	// VisibilityTimeout is the lease length. Defaults to DefaultVisibilityTimeout.
	VisibilityTimeout time.Duration

	// Retention bounds how long InMemoryQueue keeps finished invocations.
	// Defaults to DefaultRetention. Durable backends keep them.
	Retention time.Duration

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// prepare fills the queue-owned fields of a new invocation.
func prepare(inv *api.ActionInvocation, now time.Time) {
	inv.Status = api.InvocationPending
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = now
	}
	if inv.ScheduledAt.IsZero() {
		inv.ScheduledAt = now
	}
	inv.Owner = ""
	inv.LeaseExpiresAt = nil
	inv.CompletedAt = nil
	inv.Deliveries = 0
}

// finishedStatus maps an action result to the terminal invocation status.
func finishedStatus(res api.Result) api.InvocationStatus {
	if res.Succeeded() {
		return api.InvocationSucceeded
	}
	return api.InvocationFailed
}

// reportError explains why a report from owner was refused.
func reportError(inv *api.ActionInvocation, owner string) error {
	if inv.Status.Finished() {
		return ErrAlreadyFinished
	}
	if inv.Status != api.InvocationRunning || inv.Owner != owner {
		return ErrLeaseLost
	}
	return nil
}
