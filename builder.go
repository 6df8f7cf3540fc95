package steward

import (
	"fmt"
	"time"
)

// WorkflowRegistrar accepts workflow definitions. *engine.Engine and
// *Bundle implement it.
type WorkflowRegistrar interface {
	RegisterWorkflow(def WorkflowDefinition) error
}

// FlowBuilder provides a fluent API for defining workflows:
//
//	flow := steward.New("urgent_email").
//	    Step("draft", steward.ActionDraftReply).
//	    ApprovalStep("send", steward.ActionSendEmail, "send the drafted reply").
//	    Step("notify", steward.ActionSendMessage).
//	    Retry(steward.Retry(5).WithBackoff(10*time.Second, 10*time.Minute)).
//	    Timeout(time.Hour)
//
//	if err := flow.Register(bundle); err != nil {
//	    log.Fatal(err)
//	}
type FlowBuilder struct {
	def WorkflowDefinition
}

// New creates a new workflow builder with the given name.
func New(name string) *FlowBuilder {
	return &FlowBuilder{
		def: WorkflowDefinition{
			Name:  name,
			Steps: make([]StepDefinition, 0),
		},
	}
}

// Name returns the workflow name.
func (b *FlowBuilder) Name() string {
	return b.def.Name
}

// Step appends a step that runs action without approval.
func (b *FlowBuilder) Step(name string, action ActionName) *FlowBuilder {
	return b.add(StepDefinition{Name: name, Action: action})
}

// ApprovalStep appends a step that waits for a human decision before
// action runs. summary is shown to the approver.
func (b *FlowBuilder) ApprovalStep(name string, action ActionName, summary string) *FlowBuilder {
	return b.add(StepDefinition{Name: name, Action: action, RequiresApproval: true, Summary: summary})
}

// StepWithInput appends a step whose invocations carry input on top of the
// event-derived fields.
func (b *FlowBuilder) StepWithInput(name string, action ActionName, input map[string]any) *FlowBuilder {
	cp := make(map[string]any, len(input))
	for k, v := range input {
		cp[k] = v
	}
	return b.add(StepDefinition{Name: name, Action: action, Input: cp})
}

func (b *FlowBuilder) add(sd StepDefinition) *FlowBuilder {
	if sd.Name == "" {
		panic("steward: step name must not be empty")
	}
	if sd.Action == "" {
		panic(fmt.Sprintf("steward: step %q has no action", sd.Name))
	}
	b.def.Steps = append(b.def.Steps, sd)
	return b
}

// Retry sets the retry budget and backoff of the workflow.
func (b *FlowBuilder) Retry(r RetryBuilder) *FlowBuilder {
	b.def.MaxRetries = r.MaxRetries()
	b.def.Backoff = r.Backoff()
	return b
}

// Timeout bounds how long an execution may stay in one non-terminal state.
func (b *FlowBuilder) Timeout(d time.Duration) *FlowBuilder {
	b.def.Timeout = d
	return b
}

// Definition returns a copy of the definition built so far, without
// validating it.
func (b *FlowBuilder) Definition() WorkflowDefinition {
	def := b.def
	def.Steps = append([]StepDefinition(nil), b.def.Steps...)
	return def
}

// Build validates the definition and returns it with defaults applied.
func (b *FlowBuilder) Build() (WorkflowDefinition, error) {
	def := b.Definition()
	if err := def.Validate(); err != nil {
		return WorkflowDefinition{}, err
	}
	return def.Normalize(), nil
}

// Register registers the built workflow with reg.
func (b *FlowBuilder) Register(reg WorkflowRegistrar) error {
	def, err := b.Build()
	if err != nil {
		return err
	}
	return reg.RegisterWorkflow(def)
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *FlowBuilder) MustRegister(reg WorkflowRegistrar) {
	if err := b.Register(reg); err != nil {
		panic(err)
	}
}
