// Package api contains the core domain types shared by every steward
// component: events, workflow executions and their state machine, action
// invocations, approval requests, the error taxonomy, and the Observer
// interface used for logging and metrics.
//
// Most users interact with the higher-level steward package, which re-exports
// selected types and helpers from this package. The api package is intended
// for custom integrations (actions, stores, observers) and for contributors
// extending the orchestration core itself.
//
// # Concepts
//
//   - Event: a normalized, immutable external notification.
//   - WorkflowDefinition: an ordered list of steps, each naming an action and
//     optionally requiring human approval, plus the retry and timeout policy
//     for the workflow type.
//   - WorkflowExecution: one run of a definition triggered by an Event. It
//     carries the current State and an append-only History of transitions.
//   - ActionInvocation: one queued unit of externally-effecting work.
//   - ApprovalRequest: a pending human decision gating one execution.
//
// # State Machine
//
// Executions move through the following states:
//
//	created -> running -> {awaiting_approval <-> running} -> completed | failed | timed_out
//
// CanTransition reports whether an edge is legal, and ValidateHistory checks a
// complete history against the machine. Terminal states are immutable.
//
// # Results and Errors
//
// Actions never signal retry eligibility through Go errors. They return a
// Result whose Status is one of success, retryable_failure or
// permanent_failure; the engine's retry policy is driven entirely by that
// value. Result.Err converts a failed Result into a RetryableActionError or
// PermanentActionError for reporting.
//
// # Observability
//
// Every state transition and every invocation outcome is reported to an
// Observer. LoggingObserver writes structured log/slog records, BasicMetrics
// keeps atomic counters, and CompositeObserver fans out to several observers.
package api
