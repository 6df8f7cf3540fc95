package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/steward/pkg/api"
)

// InMemoryStore is a goroutine-safe Store backed by maps. Values are cloned
// on the way in and out so callers never share state with the store.
type InMemoryStore struct {
	mu sync.RWMutex

	events     map[string]*api.Event
	externalID map[string]string // source + "\x00" + external id -> event id
	unrouted   []api.UnroutedRecord

	executions map[string]*api.WorkflowExecution
	approvals  map[string]*api.ApprovalRequest
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		events:     make(map[string]*api.Event),
		externalID: make(map[string]string),
		executions: make(map[string]*api.WorkflowExecution),
		approvals:  make(map[string]*api.ApprovalRequest),
	}
}

var _ Store = (*InMemoryStore)(nil)

func externalKey(source api.SourceType, externalID string) string {
	return string(source) + "\x00" + externalID
}

func cloneEvent(ev *api.Event) *api.Event {
	c := *ev
	if ev.Payload != nil {
		c.Payload = make(map[string]any, len(ev.Payload))
		for k, v := range ev.Payload {
			c.Payload[k] = v
		}
	}
	return &c
}

func (s *InMemoryStore) SaveEvent(_ context.Context, ev *api.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.ExternalID != "" {
		key := externalKey(ev.Source, ev.ExternalID)
		if _, ok := s.externalID[key]; ok {
			return ErrDuplicateEvent
		}
		s.externalID[key] = ev.ID
	}
	s.events[ev.ID] = cloneEvent(ev)
	return nil
}

func (s *InMemoryStore) GetEvent(_ context.Context, id string) (*api.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEvent(ev), nil
}

func (s *InMemoryStore) FindByExternalID(_ context.Context, source api.SourceType, externalID string) (*api.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.externalID[externalKey(source, externalID)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEvent(s.events[id]), nil
}

func (s *InMemoryStore) RecordUnrouted(_ context.Context, rec api.UnroutedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.unrouted = append(s.unrouted, rec)
	return nil
}

func (s *InMemoryStore) ListUnrouted(_ context.Context, limit int) ([]api.UnroutedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := append([]api.UnroutedRecord(nil), s.unrouted...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// pinnedEvents returns the ids of events referenced by non-terminal
// executions. Caller holds s.mu.
func (s *InMemoryStore) pinnedEvents() map[string]bool {
	pinned := make(map[string]bool)
	for _, e := range s.executions {
		if !e.State.Terminal() {
			pinned[e.EventID] = true
		}
	}
	return pinned
}

func (s *InMemoryStore) purgeable(cutoff time.Time) []*api.Event {
	pinned := s.pinnedEvents()
	var out []*api.Event
	for _, ev := range s.events {
		if ev.ReceivedAt.Before(cutoff) && !pinned[ev.ID] {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	return out
}

func (s *InMemoryStore) ListEventsBefore(_ context.Context, cutoff time.Time, limit int) ([]*api.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evs := s.purgeable(cutoff)
	if limit > 0 && len(evs) > limit {
		evs = evs[:limit]
	}
	out := make([]*api.Event, len(evs))
	for i, ev := range evs {
		out[i] = cloneEvent(ev)
	}
	return out, nil
}

func (s *InMemoryStore) PurgeEventsBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	evs := s.purgeable(cutoff)
	for _, ev := range evs {
		s.deleteEvent(ev)
	}
	s.pruneUnrouted(cutoff)
	return len(evs), nil
}

func (s *InMemoryStore) PurgeEvents(_ context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pinned := s.pinnedEvents()
	n := 0
	for _, id := range ids {
		ev, ok := s.events[id]
		if !ok || pinned[id] {
			continue
		}
		s.deleteEvent(ev)
		n++
	}
	return n, nil
}

func (s *InMemoryStore) PurgeUnroutedBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneUnrouted(cutoff), nil
}

// Caller holds s.mu.
func (s *InMemoryStore) deleteEvent(ev *api.Event) {
	delete(s.events, ev.ID)
	if ev.ExternalID != "" {
		delete(s.externalID, externalKey(ev.Source, ev.ExternalID))
	}
}

// Caller holds s.mu.
func (s *InMemoryStore) pruneUnrouted(cutoff time.Time) int {
	kept := s.unrouted[:0]
	for _, rec := range s.unrouted {
		if !rec.RecordedAt.Before(cutoff) {
			kept = append(kept, rec)
		}
	}
	n := len(s.unrouted) - len(kept)
	s.unrouted = kept
	return n
}

func (s *InMemoryStore) CreateExecution(_ context.Context, exec *api.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[exec.ID]; exists {
		return ErrConflict
	}
	exec.Version = 1
	s.executions[exec.ID] = exec.Clone()
	return nil
}

func (s *InMemoryStore) GetExecution(_ context.Context, id string) (*api.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

func (s *InMemoryStore) UpdateExecution(_ context.Context, exec *api.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.executions[exec.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != exec.Version || len(exec.History) < len(cur.History) {
		return ErrConflict
	}
	exec.Version++
	s.executions[exec.ID] = exec.Clone()
	return nil
}

func (s *InMemoryStore) ListExecutions(_ context.Context, f ExecutionFilter) ([]*api.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*api.WorkflowExecution
	for _, e := range s.executions {
		if f.WorkflowType != "" && e.WorkflowType != f.WorkflowType {
			continue
		}
		if f.EventID != "" && e.EventID != f.EventID {
			continue
		}
		if !stateIn(e.State, f.States) {
			continue
		}
		if f.DueBefore != nil && (e.NextRetryAt == nil || e.NextRetryAt.After(*f.DueBefore)) {
			continue
		}
		if f.EnteredBefore != nil && !e.StateEnteredAt.Before(*f.EnteredBefore) {
			continue
		}
		if f.After != nil && !pastCursor(e, f.After) {
			continue
		}
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func pastCursor(e *api.WorkflowExecution, c *Cursor) bool {
	if e.CreatedAt.Equal(c.CreatedAt) {
		return e.ID > c.ID
	}
	return e.CreatedAt.After(c.CreatedAt)
}

func (s *InMemoryStore) CreateApproval(_ context.Context, req *api.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.approvals {
		if r.ExecutionID == req.ExecutionID && r.Open() {
			return &api.DuplicateApprovalError{ExecutionID: req.ExecutionID, OpenRequestID: r.ID}
		}
	}
	if _, exists := s.approvals[req.ID]; exists {
		return ErrConflict
	}
	s.approvals[req.ID] = req.Clone()
	return nil
}

func (s *InMemoryStore) GetApproval(_ context.Context, id string) (*api.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.approvals[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *InMemoryStore) OpenApproval(_ context.Context, executionID string) (*api.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.approvals {
		if r.ExecutionID == executionID && r.Open() {
			return r.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (s *InMemoryStore) DecideApproval(_ context.Context, id string, decision api.Decision, by string, at time.Time) (*api.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.approvals[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !r.Open() {
		return r.Clone(), &api.AlreadyDecidedError{RequestID: id, Decision: r.Decision}
	}
	r.Decision = decision
	r.DecidedBy = by
	r.DecidedAt = &at
	return r.Clone(), nil
}

func (s *InMemoryStore) ListApprovals(_ context.Context, f ApprovalFilter) ([]*api.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*api.ApprovalRequest
	for _, r := range s.approvals {
		if f.ExecutionID != "" && r.ExecutionID != f.ExecutionID {
			continue
		}
		if f.Decision != "" && r.Decision != f.Decision {
			continue
		}
		if f.ExpiresBefore != nil && (r.ExpiresAt == nil || r.ExpiresAt.After(*f.ExpiresBefore)) {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
