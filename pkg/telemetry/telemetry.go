// Package telemetry reports steward activity through OpenTelemetry.
//
// Observer turns api.Observer callbacks into metric instruments and span
// events. TracingExecutor wraps action execution in a span. Both use the
// global providers unless others are supplied, so without an SDK installed
// they are no-ops.
//
// Instruments:
//   - steward.events (Int64Counter): events by source and outcome
//     ("accepted", "rejected", "unrouted")
//   - steward.transitions (Int64Counter): execution transitions by
//     workflow, from and to state
//   - steward.action.duration (Float64Histogram): action execution time in
//     seconds by action and result status
//   - steward.approvals (Int64Counter): approval requests by decision
//     ("pending" when opened)
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/petrijr/steward/internal/action"
	"github.com/petrijr/steward/pkg/api"
)

// scopeName is the instrumentation scope of every meter and tracer.
const scopeName = "github.com/petrijr/steward"

// Observer is an api.Observer backed by OTel instruments.
type Observer struct {
	events      metric.Int64Counter
	transitions metric.Int64Counter
	duration    metric.Float64Histogram
	approvals   metric.Int64Counter
}

var _ api.Observer = (*Observer)(nil)

// NewObserver creates an Observer using the global MeterProvider.
func NewObserver() *Observer {
	return NewObserverWithMeter(otel.Meter(scopeName))
}

// NewObserverWithMeter creates an Observer using meter.
func NewObserverWithMeter(meter metric.Meter) *Observer {
	// On error the API hands back no-op instruments, so errors are ignored.
	events, _ := meter.Int64Counter(
		"steward.events",
		metric.WithDescription("Events seen by ingress and the router"),
		metric.WithUnit("{event}"),
	)
	transitions, _ := meter.Int64Counter(
		"steward.transitions",
		metric.WithDescription("Workflow execution state transitions"),
		metric.WithUnit("{transition}"),
	)
	duration, _ := meter.Float64Histogram(
		"steward.action.duration",
		metric.WithDescription("Duration of action execution in seconds"),
		metric.WithUnit("s"),
	)
	approvals, _ := meter.Int64Counter(
		"steward.approvals",
		metric.WithDescription("Approval requests opened and decided"),
		metric.WithUnit("{request}"),
	)
	return &Observer{events: events, transitions: transitions, duration: duration, approvals: approvals}
}

func (o *Observer) OnEventAccepted(ctx context.Context, ev *api.Event) {
	o.events.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", string(ev.Source)),
		attribute.String("outcome", "accepted"),
	))
}

func (o *Observer) OnEventRejected(ctx context.Context, source api.SourceType, _ error) {
	o.events.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", string(source)),
		attribute.String("outcome", "rejected"),
	))
}

func (o *Observer) OnUnrouted(ctx context.Context, rec api.UnroutedRecord) {
	o.events.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", string(rec.Source)),
		attribute.String("outcome", "unrouted"),
	))
}

// OnTransition counts the transition and, when ctx carries a recording span,
// adds it as a span event.
func (o *Observer) OnTransition(ctx context.Context, exec *api.WorkflowExecution, tr api.Transition) {
	o.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", exec.WorkflowType),
		attribute.String("from", string(tr.From)),
		attribute.String("to", string(tr.To)),
	))

	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent("steward.transition", trace.WithTimestamp(tr.At), trace.WithAttributes(
		attribute.String("steward.execution.id", exec.ID),
		attribute.String("steward.correlation_id", exec.CorrelationID),
		attribute.String("steward.from", string(tr.From)),
		attribute.String("steward.to", string(tr.To)),
		attribute.String("steward.detail", tr.Detail),
	))
}

func (o *Observer) OnInvocationFinished(ctx context.Context, inv *api.ActionInvocation, res api.Result, d time.Duration) {
	o.duration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("action", string(inv.Action)),
		attribute.String("status", string(res.Status)),
	))
}

func (o *Observer) OnApprovalRequested(ctx context.Context, req *api.ApprovalRequest) {
	o.approvals.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", string(api.DecisionPending))))
}

func (o *Observer) OnApprovalDecided(ctx context.Context, req *api.ApprovalRequest) {
	o.approvals.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", string(req.Decision))))
}

// Executor runs an action. *action.Registry implements it.
type Executor interface {
	Execute(ctx context.Context, req action.Request) api.Result
}

type tracingExecutor struct {
	next   Executor
	tracer trace.Tracer
}

// TracingExecutor wraps next so every execution runs in a
// "steward.action.execute" span using the global TracerProvider.
func TracingExecutor(next Executor) Executor {
	return TracingExecutorWithTracer(next, otel.Tracer(scopeName))
}

// TracingExecutorWithTracer is TracingExecutor with an explicit tracer.
func TracingExecutorWithTracer(next Executor, tracer trace.Tracer) Executor {
	return &tracingExecutor{next: next, tracer: tracer}
}

func (t *tracingExecutor) Execute(ctx context.Context, req action.Request) api.Result {
	ctx, span := t.tracer.Start(ctx, "steward.action.execute",
		trace.WithAttributes(
			attribute.String("steward.action", string(req.Action)),
			attribute.String("steward.invocation.id", req.InvocationID),
			attribute.String("steward.execution.id", req.ExecutionID),
			attribute.Int("steward.attempt", req.Attempt),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	res := t.next.Execute(ctx, req)
	span.SetAttributes(attribute.String("steward.result", string(res.Status)))
	if res.Succeeded() {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, res.Detail)
	}
	return res
}
