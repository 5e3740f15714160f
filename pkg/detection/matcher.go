package detection

import (
	"fmt"
	"regexp"

	"github.com/lucid-vigil/agentwatch/pkg/events"
)

// EventMatcher selects events by type and target. An empty Types list accepts
// any type. Exclude, when set, vetoes targets that Pattern accepted; it stands
// in for the look-around constructs the linear-time regexp engine lacks.
type EventMatcher struct {
	Types   []events.EventType `yaml:"event_types,omitempty" json:"event_types,omitempty"`
	Pattern string             `yaml:"pattern" json:"pattern"`
	Exclude string             `yaml:"exclude,omitempty" json:"exclude,omitempty"`
}

// clone returns a copy that shares no slices with m.
func (m EventMatcher) clone() EventMatcher {
	m.Types = append([]events.EventType(nil), m.Types...)
	return m
}

type compiledMatcher struct {
	types   []events.EventType
	re      *regexp.Regexp
	exclude *regexp.Regexp
}

// compileExpr compiles expr, case-insensitively unless caseSensitive is set.
func compileExpr(expr string, caseSensitive bool) (*regexp.Regexp, error) {
	if !caseSensitive {
		expr = "(?i)" + expr
	}
	return regexp.Compile(expr)
}

// compile returns the field name that failed alongside any error.
func (m EventMatcher) compile(caseSensitive bool) (compiledMatcher, string, error) {
	if m.Pattern == "" {
		return compiledMatcher{}, "pattern", fmt.Errorf("pattern is required")
	}
	for _, t := range m.Types {
		if !t.Valid() {
			return compiledMatcher{}, "event_types", fmt.Errorf("unknown event type %q", t)
		}
	}

	re, err := compileExpr(m.Pattern, caseSensitive)
	if err != nil {
		return compiledMatcher{}, "pattern", err
	}

	cm := compiledMatcher{types: append([]events.EventType(nil), m.Types...), re: re}
	if m.Exclude != "" {
		cm.exclude, err = compileExpr(m.Exclude, caseSensitive)
		if err != nil {
			return compiledMatcher{}, "exclude", err
		}
	}
	return cm, "", nil
}

func (cm compiledMatcher) acceptsType(t events.EventType) bool {
	if len(cm.types) == 0 {
		return true
	}
	for _, want := range cm.types {
		if t == want {
			return true
		}
	}
	return false
}

// matches never accepts an empty target.
func (cm compiledMatcher) matches(ev events.SecurityEvent) bool {
	if ev.Target == "" || !cm.acceptsType(ev.Type) {
		return false
	}
	if !cm.re.MatchString(ev.Target) {
		return false
	}
	return cm.exclude == nil || !cm.exclude.MatchString(ev.Target)
}
