// Package worker runs action invocations taken from a task queue.
//
// A Worker claims one invocation at a time, executes the named action under
// a timeout and renews its lease while the action runs. When the action
// returns, the worker checks that it still holds the lease, reports the
// result to the engine, and finally acknowledges the invocation to the
// queue. A crash between the engine report and the acknowledgement leads to
// a redelivery, which the engine recognises and discards because the
// execution no longer waits for that invocation.
//
// # Failure Handling
//
// Errors never escape the worker loop. A panicking action is reported as a
// permanent failure. An action cut off by its timeout is reported as a
// retryable failure. Queue and engine errors are logged; the invocation is
// left unacknowledged so that the lease expires and it is delivered again.
//
// # Maintenance Invocations
//
// Invocations without an execution id (periodic sweeps enqueued by the
// scheduler) are executed and acknowledged like any other, but their result
// is not fed to the engine.
//
// # Concurrency
//
// Run starts Config.Concurrency loops sharing one queue. Any number of
// workers, in any number of processes, can consume the same queue; the
// lease guarantees that one invocation is never held by two of them.
package worker
