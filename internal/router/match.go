package router

import (
	"fmt"
	"strings"

	"github.com/petrijr/steward/pkg/api"
)

// Matcher decides whether a rule applies to an event.
type Matcher interface {
	Match(ev *api.Event) bool
}

// MatcherFunc adapts a function to Matcher.
type MatcherFunc func(ev *api.Event) bool

func (f MatcherFunc) Match(ev *api.Event) bool { return f(ev) }

// SourceIs matches events from any of the given sources.
func SourceIs(sources ...api.SourceType) Matcher {
	return MatcherFunc(func(ev *api.Event) bool {
		for _, s := range sources {
			if ev.Source == s {
				return true
			}
		}
		return false
	})
}

// KindIs matches events whose Kind is one of kinds.
func KindIs(kinds ...string) Matcher {
	return MatcherFunc(func(ev *api.Event) bool {
		for _, k := range kinds {
			if ev.Kind == k {
				return true
			}
		}
		return false
	})
}

// HasField matches events whose payload has a non-empty value at path.
// Paths use dots to reach into nested maps ("message.text").
func HasField(path string) Matcher {
	return MatcherFunc(func(ev *api.Event) bool {
		v, ok := lookup(ev.Payload, path)
		if !ok || v == nil {
			return false
		}
		if s, isString := v.(string); isString {
			return s != ""
		}
		return true
	})
}

// FieldEquals matches events whose payload value at path equals value.
// Values are compared by their string form, so 3 matches "3".
func FieldEquals(path string, value any) Matcher {
	want := fmt.Sprint(value)
	return MatcherFunc(func(ev *api.Event) bool {
		v, ok := lookup(ev.Payload, path)
		return ok && fmt.Sprint(v) == want
	})
}

// FieldContainsAny matches events whose string value at path contains any
// of the keywords, ignoring case.
func FieldContainsAny(path string, keywords ...string) Matcher {
	lowered := make([]string, len(keywords))
	for i, k := range keywords {
		lowered[i] = strings.ToLower(k)
	}
	return MatcherFunc(func(ev *api.Event) bool {
		v, ok := lookup(ev.Payload, path)
		if !ok {
			return false
		}
		s, ok := v.(string)
		if !ok {
			return false
		}
		s = strings.ToLower(s)
		for _, k := range lowered {
			if strings.Contains(s, k) {
				return true
			}
		}
		return false
	})
}

// All matches when every matcher matches. All() matches everything.
func All(ms ...Matcher) Matcher {
	return MatcherFunc(func(ev *api.Event) bool {
		for _, m := range ms {
			if !m.Match(ev) {
				return false
			}
		}
		return true
	})
}

// Any matches when at least one matcher matches.
func Any(ms ...Matcher) Matcher {
	return MatcherFunc(func(ev *api.Event) bool {
		for _, m := range ms {
			if m.Match(ev) {
				return true
			}
		}
		return false
	})
}

// Not inverts m.
func Not(m Matcher) Matcher {
	return MatcherFunc(func(ev *api.Event) bool { return !m.Match(ev) })
}

func lookup(payload map[string]any, path string) (any, bool) {
	if payload == nil || path == "" {
		return nil, false
	}
	cur := any(payload)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}
