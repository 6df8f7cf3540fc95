package httpapi

import (
	"time"

	"github.com/petrijr/steward/pkg/api"
)

type eventResponse struct {
	EventID       string `json:"event_id"`
	CorrelationID string `json:"correlation_id"`
	Duplicate     bool   `json:"duplicate,omitempty"`
	Unrouted      bool   `json:"unrouted,omitempty"`
	ExecutionID   string `json:"execution_id,omitempty"`
	WorkflowType  string `json:"workflow_type,omitempty"`
}

type decisionRequest struct {
	Decision  api.Decision `json:"decision"`
	DecidedBy string       `json:"decided_by"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type approvalResponse struct {
	ID          string       `json:"id"`
	ExecutionID string       `json:"execution_id"`
	Step        int          `json:"step"`
	Summary     string       `json:"summary"`
	RequestedAt time.Time    `json:"requested_at"`
	ExpiresAt   *time.Time   `json:"expires_at,omitempty"`
	Decision    api.Decision `json:"decision"`
	DecidedBy   string       `json:"decided_by,omitempty"`
	DecidedAt   *time.Time   `json:"decided_at,omitempty"`
}

func toApproval(r *api.ApprovalRequest) approvalResponse {
	return approvalResponse{
		ID:          r.ID,
		ExecutionID: r.ExecutionID,
		Step:        r.Step,
		Summary:     r.Summary,
		RequestedAt: r.RequestedAt,
		ExpiresAt:   r.ExpiresAt,
		Decision:    r.Decision,
		DecidedBy:   r.DecidedBy,
		DecidedAt:   r.DecidedAt,
	}
}

type transitionResponse struct {
	From   api.State `json:"from"`
	To     api.State `json:"to"`
	At     time.Time `json:"at"`
	Detail string    `json:"detail,omitempty"`
}

type executionResponse struct {
	ID            string               `json:"id"`
	WorkflowType  string               `json:"workflow_type"`
	EventID       string               `json:"event_id"`
	CorrelationID string               `json:"correlation_id"`
	State         api.State            `json:"state"`
	CurrentStep   int                  `json:"current_step"`
	RetryCount    int                  `json:"retry_count"`
	NextRetryAt   *time.Time           `json:"next_retry_at,omitempty"`
	FailureReason api.FailureReason    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
	History       []transitionResponse `json:"history"`
}

func toExecution(x *api.WorkflowExecution) executionResponse {
	out := executionResponse{
		ID:            x.ID,
		WorkflowType:  x.WorkflowType,
		EventID:       x.EventID,
		CorrelationID: x.CorrelationID,
		State:         x.State,
		CurrentStep:   x.CurrentStep,
		RetryCount:    x.RetryCount,
		NextRetryAt:   x.NextRetryAt,
		FailureReason: x.FailureReason,
		CreatedAt:     x.CreatedAt,
		UpdatedAt:     x.UpdatedAt,
		History:       make([]transitionResponse, len(x.History)),
	}
	for i, tr := range x.History {
		out.History[i] = transitionResponse{From: tr.From, To: tr.To, At: tr.At, Detail: tr.Detail}
	}
	return out
}

type errorResponse struct {
	Error   string   `json:"error"`
	Missing []string `json:"missing,omitempty"`
}
