// Package router classifies events into workflow types.
//
// Rules are evaluated in declaration order and the first match wins. An
// event that matches no rule is recorded as unrouted; no execution is
// created for it.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/steward/internal/persistence"
	"github.com/petrijr/steward/pkg/api"
)

// Rule maps matching events to a workflow type.
type Rule struct {
	Name     string
	Workflow string
	Match    Matcher
}

// Starter creates and starts executions. *engine.Engine implements it.
type Starter interface {
	HasWorkflow(name string) bool
	Start(ctx context.Context, exec *api.WorkflowExecution) error
}

// Config configures a Router.
type Config struct {
	Rules  []Rule
	Engine Starter
	Events persistence.EventStore

	Observer api.Observer
	Logger   *slog.Logger
	Now      func() time.Time
	NewID    func() string
}

// Router routes events to workflows.
type Router struct {
	rules    []Rule
	engine   Starter
	events   persistence.EventStore
	observer api.Observer
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// New validates the rules and returns a Router. Every rule must target a
// workflow registered with the engine.
func New(cfg Config) (*Router, error) {
	if cfg.Engine == nil {
		return nil, errors.New("router: engine is required")
	}
	seen := make(map[string]bool, len(cfg.Rules))
	for i, r := range cfg.Rules {
		if r.Name == "" {
			return nil, fmt.Errorf("router: rule %d has no name", i)
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("router: duplicate rule %q", r.Name)
		}
		seen[r.Name] = true
		if r.Match == nil {
			return nil, fmt.Errorf("router: rule %q has no matcher", r.Name)
		}
		if !cfg.Engine.HasWorkflow(r.Workflow) {
			return nil, fmt.Errorf("router: rule %q: %w: %q", r.Name, api.ErrUnknownWorkflow, r.Workflow)
		}
	}

	rt := &Router{
		rules:    append([]Rule(nil), cfg.Rules...),
		engine:   cfg.Engine,
		events:   cfg.Events,
		observer: cfg.Observer,
		logger:   cfg.Logger,
		now:      cfg.Now,
		newID:    cfg.NewID,
	}
	if rt.observer == nil {
		rt.observer = api.NoopObserver{}
	}
	if rt.logger == nil {
		rt.logger = slog.Default()
	}
	if rt.now == nil {
		rt.now = time.Now
	}
	if rt.newID == nil {
		rt.newID = api.NewID
	}
	return rt, nil
}

// Classify returns the first rule matching ev.
func (r *Router) Classify(ev *api.Event) (Rule, bool) {
	for _, rule := range r.rules {
		if rule.Match.Match(ev) {
			return rule, true
		}
	}
	return Rule{}, false
}

// Route classifies ev and starts an execution of the matched workflow.
// When no rule matches it records an UnroutedRecord and returns
// *api.UnroutedEventError.
func (r *Router) Route(ctx context.Context, ev *api.Event) (*api.WorkflowExecution, error) {
	rule, ok := r.Classify(ev)
	if !ok {
		rec := api.UnroutedRecord{
			EventID:       ev.ID,
			CorrelationID: ev.CorrelationID,
			Source:        ev.Source,
			RecordedAt:    r.now(),
			Reason:        "no routing rule matched",
		}
		if r.events != nil {
			if err := r.events.RecordUnrouted(ctx, rec); err != nil {
				return nil, fmt.Errorf("record unrouted event %s: %w", ev.ID, err)
			}
		}
		r.observer.OnUnrouted(ctx, rec)
		return nil, &api.UnroutedEventError{EventID: ev.ID}
	}

	exec := api.NewExecution(r.newID(), rule.Workflow, ev, r.now())
	if err := r.engine.Start(ctx, exec); err != nil {
		return nil, fmt.Errorf("start %s for event %s: %w", rule.Workflow, ev.ID, err)
	}
	r.logger.DebugContext(ctx, "event routed",
		slog.String("event_id", ev.ID),
		slog.String("rule", rule.Name),
		slog.String("workflow", rule.Workflow),
		slog.String("execution_id", exec.ID),
	)
	return exec, nil
}

// Rules returns the configured rules in evaluation order.
func (r *Router) Rules() []Rule {
	return append([]Rule(nil), r.rules...)
}
