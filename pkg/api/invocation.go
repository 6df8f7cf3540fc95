package api

import "time"

// InvocationStatus is the queue-side status of an ActionInvocation.
type InvocationStatus string

const (
	InvocationPending   InvocationStatus = "pending"
	InvocationRunning   InvocationStatus = "running"
	InvocationSucceeded InvocationStatus = "succeeded"
	InvocationFailed    InvocationStatus = "failed"
)

// Finished reports whether the invocation has a reported outcome.
func (s InvocationStatus) Finished() bool {
	return s == InvocationSucceeded || s == InvocationFailed
}

// ResultStatus classifies the outcome of an action.
type ResultStatus string

const (
	ResultSuccess          ResultStatus = "success"
	ResultRetryableFailure ResultStatus = "retryable_failure"
	ResultPermanentFailure ResultStatus = "permanent_failure"
)

// Result is what every action returns. Retry eligibility is a property of
// Status only; the engine never inspects Output to decide it.
type Result struct {
	Status ResultStatus
	Detail string
	Output map[string]any
}

// Success builds a successful Result.
func Success(output map[string]any) Result {
	return Result{Status: ResultSuccess, Output: output}
}

// RetryableFailure builds a Result the engine will retry.
func RetryableFailure(detail string) Result {
	return Result{Status: ResultRetryableFailure, Detail: detail}
}

// PermanentFailure builds a Result the engine will not retry.
func PermanentFailure(detail string) Result {
	return Result{Status: ResultPermanentFailure, Detail: detail}
}

// Succeeded reports whether r is a success.
func (r Result) Succeeded() bool { return r.Status == ResultSuccess }

// Err returns nil for success, otherwise a RetryableActionError or a
// PermanentActionError carrying the detail. Unknown statuses are permanent.
func (r Result) Err(action ActionName) error {
	switch r.Status {
	case ResultSuccess:
		return nil
	case ResultRetryableFailure:
		return &RetryableActionError{Action: action, Detail: r.Detail}
	default:
		return &PermanentActionError{Action: action, Detail: r.Detail}
	}
}

// ActionInvocation is a single unit of work on the job queue.
type ActionInvocation struct {
	ID string

	// ExecutionID is empty for maintenance invocations.
	ExecutionID string
	Step        int

	Action  ActionName
	Input   map[string]any
	Attempt int

	Status      InvocationStatus
	ScheduledAt time.Time
	CreatedAt   time.Time
	CompletedAt *time.Time
	Error       string

	// Lease fields, owned by the queue.
	Owner          string
	LeaseExpiresAt *time.Time
	Deliveries     int

	ResultStatus ResultStatus
	Output       map[string]any
}

// IdempotencyKey is the key actions use to suppress duplicate side effects
// when an invocation is redelivered.
func (i *ActionInvocation) IdempotencyKey() string {
	return i.ID
}

// Clone returns a deep copy of i. Payload maps are copied one level deep.
func (i *ActionInvocation) Clone() *ActionInvocation {
	if i == nil {
		return nil
	}
	c := *i
	c.Input = copyMap(i.Input)
	c.Output = copyMap(i.Output)
	if i.CompletedAt != nil {
		t := *i.CompletedAt
		c.CompletedAt = &t
	}
	if i.LeaseExpiresAt != nil {
		t := *i.LeaseExpiresAt
		c.LeaseExpiresAt = &t
	}
	return &c
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
