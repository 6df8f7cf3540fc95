package api

import (
	"errors"
	"testing"
	"time"
)

func TestWorkflowDefinition_NormalizeAppliesDefaults(t *testing.T) {
	d := WorkflowDefinition{Name: "triage"}.Normalize()
	if d.MaxRetries != DefaultMaxRetries {
		t.Fatalf("MaxRetries = %d", d.MaxRetries)
	}
	if d.Timeout != DefaultTimeout {
		t.Fatalf("Timeout = %v", d.Timeout)
	}
	if d.Backoff.Initial != DefaultInitialBackoff || d.Backoff.Max != DefaultMaxBackoff {
		t.Fatalf("Backoff = %+v", d.Backoff)
	}

	noRetry := WorkflowDefinition{Name: "x", MaxRetries: -1, Timeout: time.Second}.Normalize()
	if noRetry.MaxRetries != 0 || noRetry.Timeout != time.Second {
		t.Fatalf("unexpected normalized definition %+v", noRetry)
	}
}

func TestWorkflowDefinition_Validate(t *testing.T) {
	ok := WorkflowDefinition{
		Name: "triage",
		Steps: []StepDefinition{
			{Name: "draft", Action: ActionDraftReply},
			{Name: "send", Action: ActionSendEmail, RequiresApproval: true},
		},
	}
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	unknown := WorkflowDefinition{Name: "bad", Steps: []StepDefinition{{Name: "s", Action: "launch_rocket"}}}
	if err := unknown.Validate(); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}

	dup := WorkflowDefinition{Name: "dup", Steps: []StepDefinition{
		{Name: "s", Action: ActionSendMessage},
		{Name: "s", Action: ActionSendMessage},
	}}
	if err := dup.Validate(); err == nil {
		t.Fatalf("expected duplicate step name error")
	}

	maint := WorkflowDefinition{Name: "m", Steps: []StepDefinition{{Name: "s", Action: ActionSweepDue}}}
	if err := maint.Validate(); err == nil {
		t.Fatalf("expected maintenance action to be rejected in workflows")
	}

	if err := (WorkflowDefinition{Name: "empty"}).Validate(); err == nil {
		t.Fatalf("expected error for workflow without steps")
	}
}

func TestResult_ErrClassification(t *testing.T) {
	if err := Success(nil).Err(ActionSendEmail); err != nil {
		t.Fatalf("success should have nil error, got %v", err)
	}

	err := RetryableFailure("503").Err(ActionSendEmail)
	var re *RetryableActionError
	if !errors.As(err, &re) || !errors.Is(err, ErrRetryableAction) {
		t.Fatalf("expected RetryableActionError, got %v", err)
	}

	err = PermanentFailure("400").Err(ActionSendEmail)
	if !errors.Is(err, ErrPermanentAction) {
		t.Fatalf("expected permanent failure, got %v", err)
	}

	err = Result{Status: "weird"}.Err(ActionSendEmail)
	if !errors.Is(err, ErrPermanentAction) {
		t.Fatalf("unknown statuses should be permanent, got %v", err)
	}
}

func TestTypedErrorsUnwrapToSentinels(t *testing.T) {
	cases := []struct {
		err  error
		want error
	}{
		{&MalformedEventError{Source: SourceChat, Missing: []string{"text"}}, ErrMalformedEvent},
		{&UnroutedEventError{EventID: "e"}, ErrUnroutedEvent},
		{&DuplicateApprovalError{ExecutionID: "x", OpenRequestID: "r"}, ErrDuplicateApproval},
		{&AlreadyDecidedError{RequestID: "r", Decision: DecisionApproved}, ErrAlreadyDecided},
		{&ExecutionTimeoutError{ExecutionID: "x", State: StateRunning}, ErrExecutionTimeout},
	}
	for _, c := range cases {
		if !errors.Is(c.err, c.want) {
			t.Errorf("%T does not unwrap to %v", c.err, c.want)
		}
		if c.err.Error() == "" {
			t.Errorf("%T has empty message", c.err)
		}
	}
}
