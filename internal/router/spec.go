package router

import (
	"errors"
	"fmt"

	"github.com/petrijr/steward/pkg/api"
)

// RuleSpec is the declarative (YAML) form of a Rule.
type RuleSpec struct {
	Name     string    `yaml:"name"`
	Workflow string    `yaml:"workflow"`
	Match    MatchSpec `yaml:"match"`
}

// MatchSpec is the declarative form of a Matcher. Every populated field
// must match; an empty MatchSpec matches every event.
type MatchSpec struct {
	Source      []api.SourceType  `yaml:"source,omitempty"`
	Kind        []string          `yaml:"kind,omitempty"`
	HasField    []string          `yaml:"has_field,omitempty"`
	FieldEquals map[string]string `yaml:"field_equals,omitempty"`
	ContainsAny []KeywordSpec     `yaml:"contains_any,omitempty"`
	Any         []MatchSpec       `yaml:"any,omitempty"`
	Not         *MatchSpec        `yaml:"not,omitempty"`
}

// KeywordSpec matches when Field contains any of Keywords (case-insensitive).
type KeywordSpec struct {
	Field    string   `yaml:"field"`
	Keywords []string `yaml:"keywords"`
}

// Build turns the spec into a Rule.
func (s RuleSpec) Build() (Rule, error) {
	if s.Name == "" {
		return Rule{}, errors.New("rule name is required")
	}
	if s.Workflow == "" {
		return Rule{}, fmt.Errorf("rule %q: workflow is required", s.Name)
	}
	m, err := s.Match.Build()
	if err != nil {
		return Rule{}, fmt.Errorf("rule %q: %w", s.Name, err)
	}
	return Rule{Name: s.Name, Workflow: s.Workflow, Match: m}, nil
}

// Build turns the spec into a Matcher.
func (s MatchSpec) Build() (Matcher, error) {
	var ms []Matcher
	if len(s.Source) > 0 {
		for _, src := range s.Source {
			if !src.Valid() {
				return nil, fmt.Errorf("unknown source %q", src)
			}
		}
		ms = append(ms, SourceIs(s.Source...))
	}
	if len(s.Kind) > 0 {
		ms = append(ms, KindIs(s.Kind...))
	}
	for _, f := range s.HasField {
		ms = append(ms, HasField(f))
	}
	for k, v := range s.FieldEquals {
		ms = append(ms, FieldEquals(k, v))
	}
	for _, kw := range s.ContainsAny {
		if kw.Field == "" || len(kw.Keywords) == 0 {
			return nil, errors.New("contains_any needs a field and at least one keyword")
		}
		ms = append(ms, FieldContainsAny(kw.Field, kw.Keywords...))
	}
	if len(s.Any) > 0 {
		alts := make([]Matcher, 0, len(s.Any))
		for _, a := range s.Any {
			m, err := a.Build()
			if err != nil {
				return nil, err
			}
			alts = append(alts, m)
		}
		ms = append(ms, Any(alts...))
	}
	if s.Not != nil {
		m, err := s.Not.Build()
		if err != nil {
			return nil, err
		}
		ms = append(ms, Not(m))
	}
	return All(ms...), nil
}
