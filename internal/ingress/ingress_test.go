package ingress

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/petrijr/steward/internal/persistence"
	"github.com/petrijr/steward/internal/testutil"
	"github.com/petrijr/steward/pkg/api"
)

func newIngress(t *testing.T, cfg Config) (*Ingress, *persistence.InMemoryStore, *api.BasicMetrics) {
	t.Helper()

	store := persistence.NewInMemoryStore()
	metrics := &api.BasicMetrics{}
	clock := testutil.NewClock()
	cfg.Events = store
	cfg.Observer = metrics
	cfg.Now = clock.Now
	in, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return in, store, metrics
}

func emailPayload(id string) map[string]any {
	return map[string]any{
		"message_id": id,
		"from":       "ceo@example.com",
		"subject":    "Board deck",
		"thread_id":  "thread-42",
	}
}

func TestAccept_ValidEventIsPersisted(t *testing.T) {
	in, store, metrics := newIngress(t, Config{})
	ctx := context.Background()

	ev, err := in.Accept(ctx, RawEvent{Source: api.SourceEmail, Payload: emailPayload("m-1")})
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if ev.ID == "" {
		t.Fatalf("expected an event id")
	}
	if !ev.ReceivedAt.Equal(testutil.Epoch) {
		t.Fatalf("expected ReceivedAt %v, got %v", testutil.Epoch, ev.ReceivedAt)
	}
	if ev.ExternalID != "m-1" {
		t.Fatalf("expected external id m-1, got %q", ev.ExternalID)
	}
	if ev.CorrelationID != "thread-42" {
		t.Fatalf("expected correlation from thread_id, got %q", ev.CorrelationID)
	}

	stored, err := store.GetEvent(ctx, ev.ID)
	if err != nil {
		t.Fatalf("GetEvent failed: %v", err)
	}
	if stored.Payload["subject"] != "Board deck" {
		t.Fatalf("unexpected stored payload: %v", stored.Payload)
	}
	if got := metrics.Snapshot().EventsAccepted; got != 1 {
		t.Fatalf("expected 1 accepted event, got %d", got)
	}
}

func TestAccept_RejectsMalformedPayloads(t *testing.T) {
	cases := []struct {
		name    string
		raw     RawEvent
		missing []string
	}{
		{
			name: "unknown source",
			raw:  RawEvent{Source: "fax", Payload: map[string]any{"x": 1}},
		},
		{
			name: "empty payload",
			raw:  RawEvent{Source: api.SourceChat},
		},
		{
			name:    "email without sender",
			raw:     RawEvent{Source: api.SourceEmail, Payload: map[string]any{"message_id": "m-1"}},
			missing: []string{"from"},
		},
		{
			name:    "chat with blank channel",
			raw:     RawEvent{Source: api.SourceChat, Payload: map[string]any{"channel": "", "text": "hi"}},
			missing: []string{"channel", "type"},
		},
		{
			name:    "tracker without action",
			raw:     RawEvent{Source: api.SourceTaskTracker, Payload: map[string]any{"resource": "issue-1"}},
			missing: []string{"action"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in, store, metrics := newIngress(t, Config{})
			ctx := context.Background()

			ev, err := in.Accept(ctx, tc.raw)
			if ev != nil {
				t.Fatalf("expected no event, got %+v", ev)
			}
			var malformed *api.MalformedEventError
			if !errors.As(err, &malformed) {
				t.Fatalf("expected MalformedEventError, got %v", err)
			}
			if !errors.Is(err, api.ErrMalformedEvent) {
				t.Fatalf("expected errors.Is ErrMalformedEvent")
			}
			if tc.missing != nil && !slices.Equal(malformed.Missing, tc.missing) {
				t.Fatalf("expected missing %v, got %v", tc.missing, malformed.Missing)
			}
			if got := metrics.Snapshot().EventsRejected; got != 1 {
				t.Fatalf("expected 1 rejected event, got %d", got)
			}
			old, err := store.ListEventsBefore(ctx, testutil.Epoch.Add(time.Hour), 10)
			if err != nil {
				t.Fatalf("ListEventsBefore failed: %v", err)
			}
			if len(old) != 0 {
				t.Fatalf("expected nothing stored, got %d events", len(old))
			}
		})
	}
}

func TestAccept_RequiredFieldsOverride(t *testing.T) {
	in, _, _ := newIngress(t, Config{
		RequiredFields: map[api.SourceType][]string{api.SourceChat: {"text"}},
	})

	if _, err := in.Accept(context.Background(), RawEvent{
		Source:  api.SourceChat,
		Payload: map[string]any{"text": "no channel needed"},
	}); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}

	if _, err := New(Config{
		Events:         persistence.NewInMemoryStore(),
		RequiredFields: map[api.SourceType][]string{"fax": {"x"}},
	}); err == nil {
		t.Fatalf("expected error for unknown source override")
	}
}

func TestAccept_DuplicateReturnsStoredEvent(t *testing.T) {
	in, _, metrics := newIngress(t, Config{})
	ctx := context.Background()

	first, err := in.Accept(ctx, RawEvent{Source: api.SourceEmail, Payload: emailPayload("m-7")})
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}

	again, err := in.Accept(ctx, RawEvent{Source: api.SourceEmail, Payload: emailPayload("m-7")})
	if !errors.Is(err, persistence.ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent, got %v", err)
	}
	if again == nil || again.ID != first.ID {
		t.Fatalf("expected the stored event %s, got %+v", first.ID, again)
	}

	// Same provider id from another source is a different event.
	other, err := in.Accept(ctx, RawEvent{
		Source:  api.SourceChat,
		Payload: map[string]any{"channel": "C1", "type": "message", "event_id": "m-7"},
	})
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if other.ID == first.ID {
		t.Fatalf("expected a new event for another source")
	}
	if got := metrics.Snapshot().EventsAccepted; got != 2 {
		t.Fatalf("expected 2 accepted events, got %d", got)
	}
}

func TestAccept_CorrelationAndKind(t *testing.T) {
	in, _, _ := newIngress(t, Config{})
	ctx := context.Background()

	explicit, err := in.Accept(ctx, RawEvent{
		Source:        api.SourceChat,
		Payload:       map[string]any{"channel": "C1", "type": "app_mention", "thread_ts": "1700.1"},
		CorrelationID: "caller-corr",
	})
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if explicit.CorrelationID != "caller-corr" {
		t.Fatalf("expected caller correlation id, got %q", explicit.CorrelationID)
	}
	if explicit.Kind != "app_mention" {
		t.Fatalf("expected kind app_mention, got %q", explicit.Kind)
	}

	thread, err := in.Accept(ctx, RawEvent{
		Source:  api.SourceChat,
		Payload: map[string]any{"channel": "C1", "type": "message", "thread_ts": "1700.1"},
	})
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if thread.CorrelationID != "1700.1" {
		t.Fatalf("expected thread_ts correlation, got %q", thread.CorrelationID)
	}

	bare, err := in.Accept(ctx, RawEvent{
		Source:  api.SourceChat,
		Payload: map[string]any{"channel": "C1", "type": "message"},
	})
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if bare.CorrelationID != bare.ID {
		t.Fatalf("expected correlation id to default to event id")
	}
	if bare.ExternalID != "" {
		t.Fatalf("expected no external id, got %q", bare.ExternalID)
	}
}

func TestAccept_RateLimitWaitsForToken(t *testing.T) {
	in, _, _ := newIngress(t, Config{
		RateLimits: map[api.SourceType]RateLimit{api.SourceEmail: {PerSecond: 0.001, Burst: 1}},
	})

	if _, err := in.Accept(context.Background(), RawEvent{Source: api.SourceEmail, Payload: emailPayload("m-1")}); err != nil {
		t.Fatalf("first Accept failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := in.Accept(ctx, RawEvent{Source: api.SourceEmail, Payload: emailPayload("m-2")}); err == nil {
		t.Fatalf("expected second Accept to be held back by the limiter")
	}

	// Other sources are unaffected.
	if _, err := in.Accept(context.Background(), RawEvent{
		Source:  api.SourceTaskTracker,
		Payload: map[string]any{"resource": "issue-1", "action": "created"},
	}); err != nil {
		t.Fatalf("tracker Accept failed: %v", err)
	}
}

type recordingRouter struct {
	routed []string
	err    error
}

func (r *recordingRouter) Route(_ context.Context, ev *api.Event) (*api.WorkflowExecution, error) {
	r.routed = append(r.routed, ev.ID)
	if r.err != nil {
		return nil, r.err
	}
	return &api.WorkflowExecution{ID: "exec-" + ev.ID, EventID: ev.ID}, nil
}

func TestIngest_RoutesNewEventsOnly(t *testing.T) {
	rt := &recordingRouter{}
	in, _, _ := newIngress(t, Config{Router: rt})
	ctx := context.Background()

	ev, exec, err := in.Ingest(ctx, RawEvent{Source: api.SourceEmail, Payload: emailPayload("m-1")})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if exec == nil || exec.EventID != ev.ID {
		t.Fatalf("expected execution for %s, got %+v", ev.ID, exec)
	}

	_, exec, err = in.Ingest(ctx, RawEvent{Source: api.SourceEmail, Payload: emailPayload("m-1")})
	if !errors.Is(err, persistence.ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent, got %v", err)
	}
	if exec != nil {
		t.Fatalf("expected no execution for a duplicate")
	}
	if len(rt.routed) != 1 {
		t.Fatalf("expected one routed event, got %d", len(rt.routed))
	}

	rt.err = &api.UnroutedEventError{EventID: "x"}
	ev, _, err = in.Ingest(ctx, RawEvent{Source: api.SourceEmail, Payload: emailPayload("m-2")})
	if !errors.Is(err, api.ErrUnroutedEvent) {
		t.Fatalf("expected unrouted error, got %v", err)
	}
	if ev == nil {
		t.Fatalf("expected the accepted event alongside the unrouted error")
	}
}

func TestIngest_ReroutesStoredEventWithoutExecution(t *testing.T) {
	store := persistence.NewInMemoryStore()
	clock := testutil.NewClock()
	rt := &recordingRouter{err: errors.New("engine unavailable")}
	in, err := New(Config{Events: store, Executions: store, Router: rt, Now: clock.Now})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	first, _, err := in.Ingest(ctx, RawEvent{Source: api.SourceEmail, Payload: emailPayload("m-9")})
	if err == nil {
		t.Fatalf("expected routing error")
	}

	rt.err = nil
	_, exec, err := in.Ingest(ctx, RawEvent{Source: api.SourceEmail, Payload: emailPayload("m-9")})
	if !errors.Is(err, persistence.ErrDuplicateEvent) || exec != nil {
		t.Fatalf("a fresh duplicate must not be routed, got exec=%v err=%v", exec, err)
	}

	clock.Advance(DefaultRepairAfter + time.Second)
	again, exec, err := in.Ingest(ctx, RawEvent{Source: api.SourceEmail, Payload: emailPayload("m-9")})
	if err != nil {
		t.Fatalf("expected redelivery to be routed, got %v", err)
	}
	if again.ID != first.ID || exec == nil {
		t.Fatalf("expected execution for stored event %s, got %+v", first.ID, exec)
	}
	if len(rt.routed) != 2 {
		t.Fatalf("expected two routing attempts, got %d", len(rt.routed))
	}
}

// blockingRouter holds the first Route call until release is closed.
type blockingRouter struct {
	mu      sync.Mutex
	calls   int
	entered chan struct{}
	release chan struct{}
}

func (r *blockingRouter) Route(_ context.Context, ev *api.Event) (*api.WorkflowExecution, error) {
	r.mu.Lock()
	r.calls++
	first := r.calls == 1
	r.mu.Unlock()
	if first {
		close(r.entered)
		<-r.release
	}
	return &api.WorkflowExecution{ID: "exec-" + ev.ID, EventID: ev.ID}, nil
}

func TestIngest_ConcurrentRedeliveryRoutesOnce(t *testing.T) {
	store := persistence.NewInMemoryStore()
	rt := &blockingRouter{entered: make(chan struct{}), release: make(chan struct{})}
	in, err := New(Config{Events: store, Executions: store, Router: rt})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, _, err := in.Ingest(ctx, RawEvent{Source: api.SourceEmail, Payload: emailPayload("m-7")})
		done <- err
	}()
	<-rt.entered

	// The first delivery is stored but has not created its execution yet.
	_, exec, err := in.Ingest(ctx, RawEvent{Source: api.SourceEmail, Payload: emailPayload("m-7")})
	if !errors.Is(err, persistence.ErrDuplicateEvent) || exec != nil {
		t.Fatalf("expected a plain duplicate, got exec=%v err=%v", exec, err)
	}

	close(rt.release)
	if err := <-done; err != nil {
		t.Fatalf("first Ingest failed: %v", err)
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.calls != 1 {
		t.Fatalf("expected one Route call, got %d", rt.calls)
	}
}
