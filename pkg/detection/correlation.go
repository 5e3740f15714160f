package detection

import (
	"fmt"
	"time"

	"go.uber.org/multierr"

	agerrors "github.com/lucid-vigil/agentwatch/pkg/errors"
	"github.com/lucid-vigil/agentwatch/pkg/events"
)

// CorrelationRule raises (or lowers) the score of an event matching Target
// when an event matching Source happened earlier in the same session within
// MaxWindowSeconds.
type CorrelationRule struct {
	Name             string       `yaml:"name" json:"name"`
	Description      string       `yaml:"description" json:"description"`
	Source           EventMatcher `yaml:"source" json:"source"`
	Target           EventMatcher `yaml:"target" json:"target"`
	ScoreModifier    int          `yaml:"score_modifier" json:"score_modifier"`
	MITRE            string       `yaml:"mitre_technique,omitempty" json:"mitre_technique,omitempty"`
	MaxWindowSeconds int          `yaml:"max_window_seconds" json:"max_window_seconds"`
}

// Window returns the rule window as a duration.
func (r CorrelationRule) Window() time.Duration {
	return time.Duration(r.MaxWindowSeconds) * time.Second
}

type compiledCorrelation struct {
	rule   CorrelationRule
	source compiledMatcher
	target compiledMatcher
	window time.Duration
}

// EventCorrelator detects pairwise relationships between a buffered event and
// the incoming one.
type EventCorrelator struct {
	rules []compiledCorrelation
}

// NewEventCorrelator compiles correlation rules, reporting every invalid one.
func NewEventCorrelator(rules []CorrelationRule) (*EventCorrelator, error) {
	ec := &EventCorrelator{rules: make([]compiledCorrelation, 0, len(rules))}

	var errs error
	seen := make(map[string]bool, len(rules))

	for i, rule := range rules {
		name := rule.Name
		if name == "" {
			errs = multierr.Append(errs, agerrors.NewRuleError(agerrors.TableCorrelations, fmt.Sprintf("#%d", i), "name", "rule name is required"))
			continue
		}
		if seen[name] {
			errs = multierr.Append(errs, agerrors.NewDuplicateError(agerrors.TableCorrelations, name))
			continue
		}
		seen[name] = true

		if rule.MaxWindowSeconds <= 0 {
			errs = multierr.Append(errs, agerrors.NewRuleError(agerrors.TableCorrelations, name, "max_window_seconds", "window must be positive"))
			continue
		}

		source, field, err := rule.Source.compile(false)
		if err != nil {
			errs = multierr.Append(errs, agerrors.NewRegexError(agerrors.TableCorrelations, name, "source."+field, err))
			continue
		}
		target, field, err := rule.Target.compile(false)
		if err != nil {
			errs = multierr.Append(errs, agerrors.NewRegexError(agerrors.TableCorrelations, name, "target."+field, err))
			continue
		}

		ec.rules = append(ec.rules, compiledCorrelation{
			rule:   rule.clone(),
			source: source,
			target: target,
			window: rule.Window(),
		})
	}

	if errs != nil {
		return nil, errs
	}
	return ec, nil
}

// Correlate returns the rules fired by current. Each rule fires at most once
// per event no matter how many source events qualify; the match records the
// most recent one. history must be oldest first and exclude current.
func (ec *EventCorrelator) Correlate(history []events.SecurityEvent, current events.SecurityEvent) []CorrelationMatch {
	var matches []CorrelationMatch

	for _, cr := range ec.rules {
		if !cr.target.matches(current) {
			continue
		}

		for i := len(history) - 1; i >= 0; i-- {
			ev := history[i]
			if current.Timestamp.Sub(ev.Timestamp) > cr.window {
				// Older entries are further outside the window.
				break
			}
			if !cr.source.matches(ev) {
				continue
			}
			matches = append(matches, CorrelationMatch{
				Name:            cr.rule.Name,
				Description:     cr.rule.Description,
				ScoreModifier:   cr.rule.ScoreModifier,
				MITRE:           cr.rule.MITRE,
				SourceEventID:   ev.ID,
				SourceTimestamp: ev.Timestamp,
			})
			break
		}
	}
	return matches
}

// clone returns a copy that shares no slices with r.
func (r CorrelationRule) clone() CorrelationRule {
	r.Source = r.Source.clone()
	r.Target = r.Target.clone()
	return r
}

// Len returns the number of rules.
func (ec *EventCorrelator) Len() int {
	return len(ec.rules)
}

// Rules returns a copy of the rule definitions.
func (ec *EventCorrelator) Rules() []CorrelationRule {
	out := make([]CorrelationRule, len(ec.rules))
	for i, cr := range ec.rules {
		out[i] = cr.rule.clone()
	}
	return out
}

// MaxWindow returns the longest rule window.
func (ec *EventCorrelator) MaxWindow() time.Duration {
	var longest time.Duration
	for _, cr := range ec.rules {
		if cr.window > longest {
			longest = cr.window
		}
	}
	return longest
}
