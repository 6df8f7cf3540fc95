package steward

import (
	"github.com/petrijr/steward/internal/action"
	"github.com/petrijr/steward/internal/approval"
	"github.com/petrijr/steward/internal/ingress"
	"github.com/petrijr/steward/internal/persistence"
	"github.com/petrijr/steward/internal/router"
	"github.com/petrijr/steward/internal/taskqueue"
	"github.com/petrijr/steward/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api or the
// internal packages.

type (
	Event                = api.Event
	SourceType           = api.SourceType
	WorkflowDefinition   = api.WorkflowDefinition
	StepDefinition       = api.StepDefinition
	BackoffPolicy        = api.BackoffPolicy
	WorkflowExecution    = api.WorkflowExecution
	State                = api.State
	Transition           = api.Transition
	FailureReason        = api.FailureReason
	ApprovalRequest      = api.ApprovalRequest
	Decision             = api.Decision
	ActionName           = api.ActionName
	ActionInvocation     = api.ActionInvocation
	Result               = api.Result
	Observer             = api.Observer
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	NoopObserver         = api.NoopObserver

	RawEvent  = ingress.RawEvent
	RateLimit = ingress.RateLimit

	Rule    = router.Rule
	Matcher = router.Matcher

	ActionRequest = action.Request
	ActionHandler = action.Handler

	ExecutionFilter = persistence.ExecutionFilter
	ApprovalFilter  = persistence.ApprovalFilter
)

// Re-export observer helpers and result constructors.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver

	Success          = api.Success
	RetryableFailure = api.RetryableFailure
	PermanentFailure = api.PermanentFailure
)

// Re-export the routing predicates.

var (
	SourceIs         = router.SourceIs
	KindIs           = router.KindIs
	HasField         = router.HasField
	FieldEquals      = router.FieldEquals
	FieldContainsAny = router.FieldContainsAny
	All              = router.All
	Any              = router.Any
	Not              = router.Not
)

// Sources, states, decisions and action names.

const (
	SourceEmail       = api.SourceEmail
	SourceChat        = api.SourceChat
	SourceTaskTracker = api.SourceTaskTracker

	StateCreated          = api.StateCreated
	StateRunning          = api.StateRunning
	StateAwaitingApproval = api.StateAwaitingApproval
	StateCompleted        = api.StateCompleted
	StateFailed           = api.StateFailed
	StateTimedOut         = api.StateTimedOut

	DecisionPending  = api.DecisionPending
	DecisionApproved = api.DecisionApproved
	DecisionRejected = api.DecisionRejected
	DecisionExpired  = api.DecisionExpired

	ActionSendMessage      = api.ActionSendMessage
	ActionDraftReply       = api.ActionDraftReply
	ActionSendEmail        = api.ActionSendEmail
	ActionCreateTask       = api.ActionCreateTask
	ActionUpdateTask       = api.ActionUpdateTask
	ActionPostStatusReport = api.ActionPostStatusReport
	ActionScheduleMeeting  = api.ActionScheduleMeeting
)

// Errors callers are expected to test with errors.Is.

var (
	ErrMalformedEvent    = api.ErrMalformedEvent
	ErrUnroutedEvent     = api.ErrUnroutedEvent
	ErrDuplicateEvent    = persistence.ErrDuplicateEvent
	ErrAlreadyDecided    = api.ErrAlreadyDecided
	ErrTerminalExecution = api.ErrTerminalExecution
	ErrUnknownWorkflow   = api.ErrUnknownWorkflow
	ErrUnknownAction     = api.ErrUnknownAction
	ErrNotFound          = persistence.ErrNotFound
	ErrInvalidDecision   = approval.ErrInvalidDecision
	ErrLeaseLost         = taskqueue.ErrLeaseLost
)
