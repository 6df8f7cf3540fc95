package taskqueue

import (
	"context"
	"sync"
	"time"

	"github.com/petrijr/steward/pkg/api"
)

// InMemoryQueue is a goroutine-safe Queue backed by a map. It is intended
// for tests and single-process use. Finished invocations are dropped once
// they are older than cfg.Retention; after that Get reports ErrNotFound and
// the id may be enqueued again.
type InMemoryQueue struct {
	mu   sync.Mutex
	cfg  Config
	seq  uint64
	invs map[string]*memEntry

	// finished holds ids in completion order.
	finished []finishedRef
}

type finishedRef struct {
	id string
	at time.Time
}

type memEntry struct {
	inv *api.ActionInvocation
	seq uint64
}

var _ Queue = (*InMemoryQueue)(nil)

// NewInMemoryQueue creates an empty queue.
func NewInMemoryQueue(cfg Config) *InMemoryQueue {
	return &InMemoryQueue{
		cfg:  cfg.withDefaults(),
		invs: make(map[string]*memEntry),
	}
}

func (q *InMemoryQueue) Enqueue(_ context.Context, inv *api.ActionInvocation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.evict(q.cfg.Now())
	if _, ok := q.invs[inv.ID]; ok {
		return ErrDuplicate
	}
	prepare(inv, q.cfg.Now())
	q.seq++
	q.invs[inv.ID] = &memEntry{inv: inv.Clone(), seq: q.seq}
	return nil
}

func (q *InMemoryQueue) claimable(e *memEntry) bool {
	now := q.cfg.Now()
	switch e.inv.Status {
	case api.InvocationPending:
		return !e.inv.ScheduledAt.After(now)
	case api.InvocationRunning:
		return e.inv.LeaseExpiresAt != nil && !e.inv.LeaseExpiresAt.After(now)
	}
	return false
}

func (q *InMemoryQueue) Claim(_ context.Context, owner string) (*api.ActionInvocation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var best *memEntry
	for _, e := range q.invs {
		if !q.claimable(e) {
			continue
		}
		if best == nil ||
			e.inv.ScheduledAt.Before(best.inv.ScheduledAt) ||
			(e.inv.ScheduledAt.Equal(best.inv.ScheduledAt) && e.seq < best.seq) {
			best = e
		}
	}
	if best == nil {
		return nil, nil
	}

	lease := q.cfg.Now().Add(q.cfg.VisibilityTimeout)
	best.inv.Status = api.InvocationRunning
	best.inv.Owner = owner
	best.inv.LeaseExpiresAt = &lease
	best.inv.Deliveries++
	return best.inv.Clone(), nil
}

func (q *InMemoryQueue) Extend(_ context.Context, id, owner string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.invs[id]
	if !ok {
		return ErrNotFound
	}
	if err := reportError(e.inv, owner); err != nil {
		return err
	}
	lease := q.cfg.Now().Add(q.cfg.VisibilityTimeout)
	e.inv.LeaseExpiresAt = &lease
	return nil
}

func (q *InMemoryQueue) finish(id, owner string, res api.Result) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.invs[id]
	if !ok {
		return ErrNotFound
	}
	if err := reportError(e.inv, owner); err != nil {
		return err
	}
	now := q.cfg.Now()
	e.inv.Status = finishedStatus(res)
	e.inv.ResultStatus = res.Status
	e.inv.Output = res.Output
	e.inv.Error = ""
	if !res.Succeeded() {
		e.inv.Error = res.Detail
	}
	e.inv.CompletedAt = &now
	e.inv.LeaseExpiresAt = nil
	q.finished = append(q.finished, finishedRef{id: id, at: now})
	q.evict(now)
	return nil
}

// evict drops finished invocations older than the retention window. Caller
// holds q.mu.
func (q *InMemoryQueue) evict(now time.Time) {
	cutoff := now.Add(-q.cfg.Retention)
	n := 0
	for n < len(q.finished) && !q.finished[n].at.After(cutoff) {
		delete(q.invs, q.finished[n].id)
		n++
	}
	if n == 0 {
		return
	}
	q.finished = append(q.finished[:0], q.finished[n:]...)
}

func (q *InMemoryQueue) Complete(_ context.Context, id, owner string, res api.Result) error {
	return q.finish(id, owner, res)
}

func (q *InMemoryQueue) Fail(_ context.Context, id, owner string, res api.Result) error {
	return q.finish(id, owner, res)
}

func (q *InMemoryQueue) Get(_ context.Context, id string) (*api.ActionInvocation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.invs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.inv.Clone(), nil
}

func (q *InMemoryQueue) Len(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, e := range q.invs {
		if !e.inv.Status.Finished() {
			n++
		}
	}
	return n, nil
}
