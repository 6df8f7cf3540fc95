package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from ingress, router, engine, gate and workers
// for logging and metrics.
//
// Implementations should be fast and non-blocking. Callbacks fire after the
// corresponding state has been persisted.
type Observer interface {
	// OnEventAccepted is called once an event has been persisted.
	OnEventAccepted(ctx context.Context, ev *Event)

	// OnEventRejected is called when ingress refuses a payload.
	OnEventRejected(ctx context.Context, source SourceType, err error)

	// OnUnrouted is called when no routing rule matches an event.
	OnUnrouted(ctx context.Context, rec UnroutedRecord)

	// OnTransition is called for every history entry appended to an execution.
	OnTransition(ctx context.Context, exec *WorkflowExecution, tr Transition)

	// OnInvocationFinished is called when a worker reports an action result.
	OnInvocationFinished(ctx context.Context, inv *ActionInvocation, res Result, d time.Duration)

	// OnApprovalRequested is called when a new approval request opens.
	OnApprovalRequested(ctx context.Context, req *ApprovalRequest)

	// OnApprovalDecided is called when a request leaves the pending state.
	OnApprovalDecided(ctx context.Context, req *ApprovalRequest)
}

// NoopObserver is an Observer that does nothing.
type NoopObserver struct{}

func (NoopObserver) OnEventAccepted(context.Context, *Event)                {}
func (NoopObserver) OnEventRejected(context.Context, SourceType, error)     {}
func (NoopObserver) OnUnrouted(context.Context, UnroutedRecord)             {}
func (NoopObserver) OnTransition(context.Context, *WorkflowExecution, Transition) {
}
func (NoopObserver) OnInvocationFinished(context.Context, *ActionInvocation, Result, time.Duration) {
}
func (NoopObserver) OnApprovalRequested(context.Context, *ApprovalRequest) {}
func (NoopObserver) OnApprovalDecided(context.Context, *ApprovalRequest)   {}

// CompositeObserver fans out callbacks to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards callbacks to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnEventAccepted(ctx context.Context, ev *Event) {
	for _, o := range c.observers {
		o.OnEventAccepted(ctx, ev)
	}
}

func (c *CompositeObserver) OnEventRejected(ctx context.Context, source SourceType, err error) {
	for _, o := range c.observers {
		o.OnEventRejected(ctx, source, err)
	}
}

func (c *CompositeObserver) OnUnrouted(ctx context.Context, rec UnroutedRecord) {
	for _, o := range c.observers {
		o.OnUnrouted(ctx, rec)
	}
}

func (c *CompositeObserver) OnTransition(ctx context.Context, exec *WorkflowExecution, tr Transition) {
	for _, o := range c.observers {
		o.OnTransition(ctx, exec, tr)
	}
}

func (c *CompositeObserver) OnInvocationFinished(ctx context.Context, inv *ActionInvocation, res Result, d time.Duration) {
	for _, o := range c.observers {
		o.OnInvocationFinished(ctx, inv, res, d)
	}
}

func (c *CompositeObserver) OnApprovalRequested(ctx context.Context, req *ApprovalRequest) {
	for _, o := range c.observers {
		o.OnApprovalRequested(ctx, req)
	}
}

func (c *CompositeObserver) OnApprovalDecided(ctx context.Context, req *ApprovalRequest) {
	for _, o := range c.observers {
		o.OnApprovalDecided(ctx, req)
	}
}

// LoggingObserver writes structured logs using log/slog. Every record that
// concerns an execution carries its correlation id.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs through logger, or
// slog.Default() when logger is nil.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnEventAccepted(ctx context.Context, ev *Event) {
	o.Logger.InfoContext(ctx, "event_accepted",
		slog.String("event_id", ev.ID),
		slog.String("source", string(ev.Source)),
		slog.String("kind", ev.Kind),
		slog.String("correlation_id", ev.CorrelationID),
	)
}

func (o *LoggingObserver) OnEventRejected(ctx context.Context, source SourceType, err error) {
	o.Logger.WarnContext(ctx, "event_rejected",
		slog.String("source", string(source)),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnUnrouted(ctx context.Context, rec UnroutedRecord) {
	o.Logger.WarnContext(ctx, "event_unrouted",
		slog.String("event_id", rec.EventID),
		slog.String("source", string(rec.Source)),
		slog.String("correlation_id", rec.CorrelationID),
		slog.String("reason", rec.Reason),
	)
}

func (o *LoggingObserver) OnTransition(ctx context.Context, exec *WorkflowExecution, tr Transition) {
	level := slog.LevelInfo
	if tr.To == StateFailed || tr.To == StateTimedOut {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "execution_transition",
		slog.String("execution_id", exec.ID),
		slog.String("workflow", exec.WorkflowType),
		slog.String("correlation_id", exec.CorrelationID),
		slog.String("from", string(tr.From)),
		slog.String("to", string(tr.To)),
		slog.Time("at", tr.At),
		slog.String("detail", tr.Detail),
	)
}

func (o *LoggingObserver) OnInvocationFinished(ctx context.Context, inv *ActionInvocation, res Result, d time.Duration) {
	level := slog.LevelDebug
	if !res.Succeeded() {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "invocation_finished",
		slog.String("invocation_id", inv.ID),
		slog.String("execution_id", inv.ExecutionID),
		slog.String("action", string(inv.Action)),
		slog.Int("attempt", inv.Attempt),
		slog.String("status", string(res.Status)),
		slog.String("detail", res.Detail),
		slog.Duration("duration", d),
	)
}

func (o *LoggingObserver) OnApprovalRequested(ctx context.Context, req *ApprovalRequest) {
	o.Logger.InfoContext(ctx, "approval_requested",
		slog.String("request_id", req.ID),
		slog.String("execution_id", req.ExecutionID),
		slog.Int("step", req.Step),
	)
}

func (o *LoggingObserver) OnApprovalDecided(ctx context.Context, req *ApprovalRequest) {
	o.Logger.InfoContext(ctx, "approval_decided",
		slog.String("request_id", req.ID),
		slog.String("execution_id", req.ExecutionID),
		slog.String("decision", string(req.Decision)),
		slog.String("decided_by", req.DecidedBy),
	)
}

// BasicMetrics collects simple counters and aggregate action durations.
// It can be combined with LoggingObserver via NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	eventsAccepted      atomic.Int64
	eventsRejected      atomic.Int64
	eventsUnrouted      atomic.Int64
	executionsStarted   atomic.Int64
	executionsCompleted atomic.Int64
	executionsFailed    atomic.Int64
	executionsTimedOut  atomic.Int64
	retries             atomic.Int64
	approvalsRequested  atomic.Int64
	approvalsDecided    atomic.Int64
	invocations         atomic.Int64
	totalInvocationNs   atomic.Int64
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	EventsAccepted int64
	EventsRejected int64
	EventsUnrouted int64

	ExecutionsStarted   int64
	ExecutionsCompleted int64
	ExecutionsFailed    int64
	ExecutionsTimedOut  int64
	ActiveExecutions    int64
	Retries             int64

	ApprovalsRequested int64
	ApprovalsDecided   int64

	Invocations           int64
	AvgInvocationDuration time.Duration
}

func (m *BasicMetrics) OnEventAccepted(context.Context, *Event) { m.eventsAccepted.Add(1) }

func (m *BasicMetrics) OnEventRejected(context.Context, SourceType, error) {
	m.eventsRejected.Add(1)
}

func (m *BasicMetrics) OnUnrouted(context.Context, UnroutedRecord) { m.eventsUnrouted.Add(1) }

func (m *BasicMetrics) OnTransition(_ context.Context, exec *WorkflowExecution, tr Transition) {
	switch {
	case tr.From == StateCreated && tr.To == StateRunning:
		m.executionsStarted.Add(1)
	case tr.From == StateRunning && tr.To == StateRunning && exec != nil && exec.NextRetryAt != nil:
		// A retry leaves the execution idle until NextRetryAt; advancing
		// to the next step does not.
		m.retries.Add(1)
	}
	switch tr.To {
	case StateCompleted:
		m.executionsCompleted.Add(1)
	case StateFailed:
		m.executionsFailed.Add(1)
	case StateTimedOut:
		m.executionsTimedOut.Add(1)
	}
}

func (m *BasicMetrics) OnInvocationFinished(_ context.Context, _ *ActionInvocation, _ Result, d time.Duration) {
	m.invocations.Add(1)
	m.totalInvocationNs.Add(d.Nanoseconds())
}

func (m *BasicMetrics) OnApprovalRequested(context.Context, *ApprovalRequest) {
	m.approvalsRequested.Add(1)
}

func (m *BasicMetrics) OnApprovalDecided(context.Context, *ApprovalRequest) {
	m.approvalsDecided.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.executionsStarted.Load()
	completed := m.executionsCompleted.Load()
	failed := m.executionsFailed.Load()
	timedOut := m.executionsTimedOut.Load()
	n := m.invocations.Load()

	var avg time.Duration
	if n > 0 {
		avg = time.Duration(m.totalInvocationNs.Load() / n)
	}

	return BasicMetricsSnapshot{
		EventsAccepted:        m.eventsAccepted.Load(),
		EventsRejected:        m.eventsRejected.Load(),
		EventsUnrouted:        m.eventsUnrouted.Load(),
		ExecutionsStarted:     started,
		ExecutionsCompleted:   completed,
		ExecutionsFailed:      failed,
		ExecutionsTimedOut:    timedOut,
		ActiveExecutions:      started - completed - failed - timedOut,
		Retries:               m.retries.Load(),
		ApprovalsRequested:    m.approvalsRequested.Load(),
		ApprovalsDecided:      m.approvalsDecided.Load(),
		Invocations:           n,
		AvgInvocationDuration: avg,
	}
}
