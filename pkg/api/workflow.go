package api

import (
	"errors"
	"fmt"
	"time"
)

// Defaults applied to workflow definitions that leave a policy unset.
const (
	DefaultMaxRetries     = 3
	DefaultTimeout        = 30 * time.Minute
	DefaultInitialBackoff = 5 * time.Second
	DefaultMaxBackoff     = 5 * time.Minute
)

// ActionName identifies an externally-effecting capability. The set of
// names is closed: registries reject names not listed here.
type ActionName string

const (
	ActionSendMessage      ActionName = "send_message"
	ActionDraftReply       ActionName = "draft_reply"
	ActionSendEmail        ActionName = "send_email"
	ActionCreateTask       ActionName = "create_task"
	ActionUpdateTask       ActionName = "update_task"
	ActionPostStatusReport ActionName = "post_status_report"
	ActionScheduleMeeting  ActionName = "schedule_meeting"

	// Maintenance actions are enqueued by the scheduler. They carry no
	// execution id.
	ActionSweepTimeouts   ActionName = "maintenance.sweep_timeouts"
	ActionSweepDue        ActionName = "maintenance.sweep_due"
	ActionExpireApprovals ActionName = "maintenance.expire_approvals"
	ActionPurgeEvents     ActionName = "maintenance.purge_events"
)

var knownActions = map[ActionName]bool{
	ActionSendMessage:      true,
	ActionDraftReply:       true,
	ActionSendEmail:        true,
	ActionCreateTask:       true,
	ActionUpdateTask:       true,
	ActionPostStatusReport: true,
	ActionScheduleMeeting:  true,
	ActionSweepTimeouts:    true,
	ActionSweepDue:         true,
	ActionExpireApprovals:  true,
	ActionPurgeEvents:      true,
}

// Known reports whether n belongs to the closed set of action names.
func (n ActionName) Known() bool { return knownActions[n] }

// Maintenance reports whether n is one of the scheduler's maintenance actions.
func (n ActionName) Maintenance() bool {
	switch n {
	case ActionSweepTimeouts, ActionSweepDue, ActionExpireApprovals, ActionPurgeEvents:
		return true
	}
	return false
}

// StepDefinition describes one step of a workflow.
type StepDefinition struct {
	Name   string
	Action ActionName

	// RequiresApproval suspends the execution before this step runs until
	// a human approves it.
	RequiresApproval bool

	// Summary describes the proposed action to the approver.
	Summary string

	// Input is merged into the invocation input for this step.
	Input map[string]any
}

// BackoffPolicy controls the delay before a retry: Initial doubles on each
// retry and is capped at Max. Full jitter is applied on top.
type BackoffPolicy struct {
	Initial time.Duration
	Max     time.Duration
}

// WorkflowDefinition describes a workflow type as an ordered list of steps
// plus its retry and timeout policy.
type WorkflowDefinition struct {
	Name  string
	Steps []StepDefinition

	// MaxRetries is the maximum number of retries across the execution.
	// Zero means DefaultMaxRetries; use a negative value to disable retries.
	MaxRetries int

	// Timeout is how long an execution may stay in one non-terminal state.
	Timeout time.Duration

	Backoff BackoffPolicy
}

// Normalize returns a copy of d with defaults applied.
func (d WorkflowDefinition) Normalize() WorkflowDefinition {
	switch {
	case d.MaxRetries == 0:
		d.MaxRetries = DefaultMaxRetries
	case d.MaxRetries < 0:
		d.MaxRetries = 0
	}
	if d.Timeout <= 0 {
		d.Timeout = DefaultTimeout
	}
	if d.Backoff.Initial <= 0 {
		d.Backoff.Initial = DefaultInitialBackoff
	}
	if d.Backoff.Max <= 0 {
		d.Backoff.Max = DefaultMaxBackoff
	}
	d.Steps = append([]StepDefinition(nil), d.Steps...)
	return d
}

// Validate checks that the definition can be registered.
func (d WorkflowDefinition) Validate() error {
	if d.Name == "" {
		return errors.New("workflow name is required")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow %q must have at least one step", d.Name)
	}
	seen := make(map[string]bool, len(d.Steps))
	for i, s := range d.Steps {
		if s.Name == "" {
			return fmt.Errorf("workflow %q: step %d has no name", d.Name, i)
		}
		if seen[s.Name] {
			return fmt.Errorf("workflow %q: duplicate step name %q", d.Name, s.Name)
		}
		seen[s.Name] = true
		if !s.Action.Known() {
			return fmt.Errorf("workflow %q: step %q: %w: %q", d.Name, s.Name, ErrUnknownAction, s.Action)
		}
		if s.Action.Maintenance() {
			return fmt.Errorf("workflow %q: step %q uses maintenance action %q", d.Name, s.Name, s.Action)
		}
	}
	return nil
}
