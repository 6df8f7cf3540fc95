package api

import "time"

// Decision is the state of an ApprovalRequest.
type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"

	// DecisionExpired is only assigned by the stale-approval sweep.
	DecisionExpired Decision = "expired"
)

// ApprovalRequest is a pending human decision gating one execution.
// At most one request per execution is open (pending) at a time.
type ApprovalRequest struct {
	ID          string
	ExecutionID string
	Step        int
	Summary     string
	RequestedAt time.Time
	ExpiresAt   *time.Time

	Decision  Decision
	DecidedBy string
	DecidedAt *time.Time
}

// Open reports whether the request still awaits a decision.
func (r *ApprovalRequest) Open() bool {
	return r.Decision == DecisionPending
}

// Clone returns a copy of r.
func (r *ApprovalRequest) Clone() *ApprovalRequest {
	if r == nil {
		return nil
	}
	c := *r
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		c.ExpiresAt = &t
	}
	if r.DecidedAt != nil {
		t := *r.DecidedAt
		c.DecidedAt = &t
	}
	return &c
}
