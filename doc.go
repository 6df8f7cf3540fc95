// Package steward is the orchestration core of an executive assistant: it
// turns notifications from email, chat and task trackers into durable,
// multi-step workflow executions whose side effects run through external
// connectors, with a human approval gate in front of the sensitive ones.
//
// # Core Concepts
//
//  1. Ingress
//  2. Router
//  3. Engine
//  4. Approval gate
//  5. Queue, Worker and Scheduler
//
// # Ingress
//
// Ingress validates a RawEvent against the required fields of its source,
// normalizes it into an Event and stores it. A notification delivered twice
// (same source and provider id) is stored once; the second delivery is
// reported with ErrDuplicateEvent.
//
// # Router
//
// Rules are evaluated in order and the first match picks the workflow type.
// Matchers are small predicates (SourceIs, KindIs, FieldContainsAny, ...)
// combined with All, Any and Not. An event no rule matches is recorded as
// unrouted and reported with ErrUnroutedEvent.
//
// # Engine
//
// An execution moves through created, running and awaiting_approval to one
// of the terminal states completed, failed or timed_out. Every step names
// an action; the engine enqueues one ActionInvocation per attempt and
// advances when the worker reports the Result. Retryable failures are
// retried with capped exponential backoff until the workflow's retry budget
// is spent. Every state change is appended to the execution's history.
//
// # Approval gate
//
// Steps marked RequiresApproval suspend the execution and open an
// ApprovalRequest. Approving resumes the step, rejecting fails the
// execution, and requests left undecided past their TTL expire.
//
// # Queue, Worker and Scheduler
//
// Invocations are leased from a durable queue (in-memory, SQLite, Postgres,
// Redis or MongoDB). A Worker executes the bound action handler while
// renewing the lease, reports the Result to the engine and only then
// acknowledges the queue, so a crash redelivers rather than loses work.
// The scheduler enqueues the maintenance sweeps on cron schedules.
//
// # Bundles
//
// Bundle wires all of the above on one store and queue. LocalRunner runs a
// memory bundle with worker goroutines in the current process and falls
// back to DryRun handlers for actions without a connector:
//
//	runner, err := steward.NewLocalRunner(steward.BundleConfig{
//	    Workflows: []steward.WorkflowDefinition{def},
//	    Rules: []steward.Rule{{
//	        Name:     "mentions",
//	        Workflow: def.Name,
//	        Match:    steward.KindIs("app_mention"),
//	    }},
//	})
//
// For a complete service, see cmd/stewardd.
package steward
