package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petrijr/steward/internal/router"
	"github.com/petrijr/steward/internal/scheduler"
	"github.com/petrijr/steward/pkg/api"
)

// Definitions is the YAML document describing workflow types, routing rules
// and the maintenance schedule.
type Definitions struct {
	Workflows []WorkflowSpec    `yaml:"workflows"`
	Rules     []router.RuleSpec `yaml:"rules"`
	Schedule  []ScheduleSpec    `yaml:"schedule,omitempty"`
}

// WorkflowSpec is the YAML form of api.WorkflowDefinition.
type WorkflowSpec struct {
	Name       string        `yaml:"name"`
	MaxRetries int           `yaml:"max_retries,omitempty"`
	Timeout    time.Duration `yaml:"timeout,omitempty"`
	Backoff    BackoffSpec   `yaml:"backoff,omitempty"`
	Steps      []StepSpec    `yaml:"steps"`
}

// BackoffSpec is the YAML form of api.BackoffPolicy.
type BackoffSpec struct {
	Initial time.Duration `yaml:"initial,omitempty"`
	Max     time.Duration `yaml:"max,omitempty"`
}

// StepSpec is the YAML form of api.StepDefinition.
type StepSpec struct {
	Name             string         `yaml:"name"`
	Action           api.ActionName `yaml:"action"`
	RequiresApproval bool           `yaml:"requires_approval,omitempty"`
	Summary          string         `yaml:"summary,omitempty"`
	Input            map[string]any `yaml:"input,omitempty"`
}

// ScheduleSpec is the YAML form of scheduler.Entry.
type ScheduleSpec struct {
	Name   string         `yaml:"name"`
	Spec   string         `yaml:"spec"`
	Action api.ActionName `yaml:"action"`
	Input  map[string]any `yaml:"input,omitempty"`
}

// LoadDefinitions reads and validates the definitions file at path.
func LoadDefinitions(path string) (*Definitions, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("definitions: %w", err)
	}
	defer f.Close()
	return ParseDefinitions(f)
}

// ParseDefinitions decodes and validates a definitions document. Unknown
// keys are rejected.
func ParseDefinitions(r io.Reader) (*Definitions, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var defs Definitions
	if err := dec.Decode(&defs); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("definitions: decode: %w", err)
	}
	if err := defs.Validate(); err != nil {
		return nil, err
	}
	return &defs, nil
}

// Validate checks every workflow and rule, and that each rule targets a
// declared workflow.
func (d *Definitions) Validate() error {
	var errs []error
	names := make(map[string]bool, len(d.Workflows))
	for _, def := range d.WorkflowDefinitions() {
		if err := def.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if names[def.Name] {
			errs = append(errs, fmt.Errorf("duplicate workflow %q", def.Name))
		}
		names[def.Name] = true
	}
	for _, rs := range d.Rules {
		if _, err := rs.Build(); err != nil {
			errs = append(errs, err)
			continue
		}
		if !names[rs.Workflow] {
			errs = append(errs, fmt.Errorf("rule %q: %w: %q", rs.Name, api.ErrUnknownWorkflow, rs.Workflow))
		}
	}
	for _, s := range d.Schedule {
		if !s.Action.Maintenance() {
			errs = append(errs, fmt.Errorf("schedule %q: %q is not a maintenance action", s.Name, s.Action))
		}
		if _, err := scheduler.ParseSchedule(s.Spec); err != nil {
			errs = append(errs, fmt.Errorf("schedule %q: %w", s.Name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("definitions: %w", errors.Join(errs...))
	}
	return nil
}

// WorkflowDefinitions converts the workflow specs.
func (d *Definitions) WorkflowDefinitions() []api.WorkflowDefinition {
	out := make([]api.WorkflowDefinition, 0, len(d.Workflows))
	for _, w := range d.Workflows {
		def := api.WorkflowDefinition{
			Name:       w.Name,
			MaxRetries: w.MaxRetries,
			Timeout:    w.Timeout,
			Backoff:    api.BackoffPolicy{Initial: w.Backoff.Initial, Max: w.Backoff.Max},
		}
		for _, s := range w.Steps {
			def.Steps = append(def.Steps, api.StepDefinition{
				Name:             s.Name,
				Action:           s.Action,
				RequiresApproval: s.RequiresApproval,
				Summary:          s.Summary,
				Input:            s.Input,
			})
		}
		out = append(out, def)
	}
	return out
}

// RoutingRules builds the rules in declaration order.
func (d *Definitions) RoutingRules() ([]router.Rule, error) {
	rules := make([]router.Rule, 0, len(d.Rules))
	for _, rs := range d.Rules {
		r, err := rs.Build()
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// ScheduleEntries returns the declared schedule, or the default
// maintenance schedule when none is declared.
func (d *Definitions) ScheduleEntries() []scheduler.Entry {
	if len(d.Schedule) == 0 {
		return scheduler.DefaultEntries()
	}
	out := make([]scheduler.Entry, len(d.Schedule))
	for i, s := range d.Schedule {
		out[i] = scheduler.Entry{Name: s.Name, Spec: s.Spec, Action: s.Action, Input: s.Input}
	}
	return out
}
