// Package ingress turns raw notifications from external systems into stored
// api.Event records.
//
// Accept validates a payload against the required fields of its source,
// assigns an id and timestamp, and persists the event before returning it.
// Rejected payloads are logged and dropped; they are never retried.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/petrijr/steward/internal/persistence"
	"github.com/petrijr/steward/pkg/api"
)

// RawEvent is a notification as received from a connector.
type RawEvent struct {
	Source        api.SourceType `json:"source_type"`
	Payload       map[string]any `json:"payload"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// DefaultRequiredFields lists the payload fields each source must carry.
var DefaultRequiredFields = map[api.SourceType][]string{
	api.SourceEmail:       {"message_id", "from"},
	api.SourceChat:        {"channel", "type"},
	api.SourceTaskTracker: {"resource", "action"},
}

// Payload keys consulted, in order, for the provider's own id and for a
// correlation id when the caller supplies none.
var (
	externalIDKeys  = []string{"message_id", "event_id", "client_msg_id"}
	correlationKeys = []string{"thread_id", "thread_ts", "resource"}
)

// DefaultRepairAfter is how old a stored event must be before a duplicate
// delivery may route it again.
const DefaultRepairAfter = time.Minute

// RateLimit bounds how fast events of one source are accepted. Bursts above
// the limit wait; they are not dropped.
type RateLimit struct {
	PerSecond float64
	Burst     int
}

// Router hands accepted events to the workflow router.
type Router interface {
	Route(ctx context.Context, ev *api.Event) (*api.WorkflowExecution, error)
}

// Config configures an Ingress.
type Config struct {
	Events persistence.EventStore

	// Router is optional. When set, Ingest routes every newly accepted event.
	Router Router

	// Executions is optional. When set, Ingest re-routes a duplicate whose
	// first delivery was stored but never reached the router.
	Executions persistence.ExecutionStore

	// RepairAfter is how long the first delivery of an event has to reach
	// the router before a duplicate takes over. Defaults to
	// DefaultRepairAfter.
	RepairAfter time.Duration

	// RequiredFields overrides DefaultRequiredFields per source.
	RequiredFields map[api.SourceType][]string

	// RateLimits is keyed by source. Sources without an entry are unlimited.
	RateLimits map[api.SourceType]RateLimit

	Observer api.Observer
	Logger   *slog.Logger
	Now      func() time.Time
	NewID    func() string
}

// Ingress accepts raw events.
type Ingress struct {
	events   persistence.EventStore
	execs    persistence.ExecutionStore
	router   Router
	repair   time.Duration
	required map[api.SourceType][]string
	limiters map[api.SourceType]*rate.Limiter

	observer api.Observer
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// New returns an Ingress.
func New(cfg Config) (*Ingress, error) {
	if cfg.Events == nil {
		return nil, errors.New("ingress: event store is required")
	}

	in := &Ingress{
		events:   cfg.Events,
		execs:    cfg.Executions,
		router:   cfg.Router,
		repair:   cfg.RepairAfter,
		required: make(map[api.SourceType][]string, len(DefaultRequiredFields)),
		limiters: make(map[api.SourceType]*rate.Limiter),
		observer: cfg.Observer,
		logger:   cfg.Logger,
		now:      cfg.Now,
		newID:    cfg.NewID,
	}
	for src, fields := range DefaultRequiredFields {
		in.required[src] = fields
	}
	for src, fields := range cfg.RequiredFields {
		if !src.Valid() {
			return nil, fmt.Errorf("ingress: required fields for unknown source %q", src)
		}
		in.required[src] = fields
	}
	for src, rl := range cfg.RateLimits {
		if !src.Valid() {
			return nil, fmt.Errorf("ingress: rate limit for unknown source %q", src)
		}
		if rl.PerSecond <= 0 {
			continue
		}
		burst := rl.Burst
		if burst <= 0 {
			burst = 1
		}
		in.limiters[src] = rate.NewLimiter(rate.Limit(rl.PerSecond), burst)
	}

	if in.observer == nil {
		in.observer = api.NoopObserver{}
	}
	if in.logger == nil {
		in.logger = slog.Default()
	}
	if in.now == nil {
		in.now = time.Now
	}
	if in.newID == nil {
		in.newID = api.NewID
	}
	if in.repair <= 0 {
		in.repair = DefaultRepairAfter
	}
	return in, nil
}

// Accept validates and persists raw.
//
// A payload whose provider id was already accepted for the same source
// yields the stored event together with persistence.ErrDuplicateEvent.
// Invalid payloads yield *api.MalformedEventError.
func (in *Ingress) Accept(ctx context.Context, raw RawEvent) (*api.Event, error) {
	if err := in.validate(raw); err != nil {
		in.logger.WarnContext(ctx, "event rejected",
			slog.String("source", string(raw.Source)),
			slog.String("error", err.Error()),
		)
		in.observer.OnEventRejected(ctx, raw.Source, err)
		return nil, err
	}

	if lim := in.limiters[raw.Source]; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, fmt.Errorf("ingress rate limit for %s: %w", raw.Source, err)
		}
	}

	ev := in.normalize(raw)
	if err := in.events.SaveEvent(ctx, ev); err != nil {
		if errors.Is(err, persistence.ErrDuplicateEvent) {
			existing, findErr := in.events.FindByExternalID(ctx, ev.Source, ev.ExternalID)
			if findErr != nil {
				return nil, fmt.Errorf("load duplicate %s event %s: %w", ev.Source, ev.ExternalID, findErr)
			}
			in.logger.InfoContext(ctx, "duplicate event ignored",
				slog.String("source", string(ev.Source)),
				slog.String("external_id", ev.ExternalID),
				slog.String("event_id", existing.ID),
			)
			return existing, persistence.ErrDuplicateEvent
		}
		return nil, fmt.Errorf("save event: %w", err)
	}

	in.logger.DebugContext(ctx, "event accepted",
		slog.String("event_id", ev.ID),
		slog.String("source", string(ev.Source)),
		slog.String("correlation_id", ev.CorrelationID),
	)
	in.observer.OnEventAccepted(ctx, ev)
	return ev, nil
}

// Ingest accepts raw and routes the new event. An unrouted event is
// returned together with *api.UnroutedEventError and a nil execution.
//
// Duplicates are returned with persistence.ErrDuplicateEvent and are not
// routed again, unless an execution store is configured, the stored event
// is older than RepairAfter and no execution exists for it. That repairs a
// delivery that was stored but lost before routing without racing a first
// delivery that is still on its way to the router.
func (in *Ingress) Ingest(ctx context.Context, raw RawEvent) (*api.Event, *api.WorkflowExecution, error) {
	ev, err := in.Accept(ctx, raw)
	if in.router == nil {
		return ev, nil, err
	}
	if errors.Is(err, persistence.ErrDuplicateEvent) {
		orphan, checkErr := in.orphaned(ctx, ev)
		if checkErr != nil || !orphan {
			return ev, nil, errors.Join(err, checkErr)
		}
		in.logger.InfoContext(ctx, "re-routing stored event without execution",
			slog.String("event_id", ev.ID),
		)
	} else if err != nil {
		return ev, nil, err
	}
	exec, err := in.router.Route(ctx, ev)
	return ev, exec, err
}

func (in *Ingress) orphaned(ctx context.Context, ev *api.Event) (bool, error) {
	if in.execs == nil || in.now().Sub(ev.ReceivedAt) < in.repair {
		return false, nil
	}
	execs, err := in.execs.ListExecutions(ctx, persistence.ExecutionFilter{EventID: ev.ID, Limit: 1})
	if err != nil {
		return false, fmt.Errorf("check executions of event %s: %w", ev.ID, err)
	}
	return len(execs) == 0, nil
}

func (in *Ingress) validate(raw RawEvent) error {
	if !raw.Source.Valid() {
		return &api.MalformedEventError{Source: raw.Source, Reason: "unknown source type"}
	}
	if len(raw.Payload) == 0 {
		return &api.MalformedEventError{Source: raw.Source, Reason: "empty payload"}
	}
	var missing []string
	for _, f := range in.required[raw.Source] {
		if !present(raw.Payload[f]) {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return &api.MalformedEventError{Source: raw.Source, Missing: missing}
	}
	return nil
}

func (in *Ingress) normalize(raw RawEvent) *api.Event {
	payload := make(map[string]any, len(raw.Payload))
	for k, v := range raw.Payload {
		payload[k] = v
	}

	ev := &api.Event{
		ID:            in.newID(),
		Source:        raw.Source,
		ExternalID:    firstString(payload, externalIDKeys),
		ReceivedAt:    in.now().UTC(),
		Payload:       payload,
		CorrelationID: raw.CorrelationID,
	}
	if kind, ok := payload["type"].(string); ok {
		ev.Kind = kind
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = firstString(payload, correlationKeys)
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = ev.ID
	}
	return ev
}

func present(v any) bool {
	if v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		return s != ""
	}
	return true
}

func firstString(payload map[string]any, keys []string) string {
	for _, k := range keys {
		switch v := payload[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case nil:
		default:
			return fmt.Sprint(v)
		}
	}
	return ""
}
