package detection

import (
	"fmt"

	"go.uber.org/multierr"

	agerrors "github.com/lucid-vigil/agentwatch/pkg/errors"
	"github.com/lucid-vigil/agentwatch/pkg/events"
)

// PatternRule scores a single event by regex match on its target. Negative
// deltas mark mitigating ("safe") patterns that offset dangerous ones.
type PatternRule struct {
	ID            string             `yaml:"id" json:"id"`
	Pattern       string             `yaml:"pattern" json:"pattern"`
	Exclude       string             `yaml:"exclude,omitempty" json:"exclude,omitempty"`
	ScoreDelta    int                `yaml:"score_delta" json:"score_delta"`
	Reason        string             `yaml:"reason" json:"reason"`
	MITRE         []string           `yaml:"mitre,omitempty" json:"mitre,omitempty"`
	Category      Category           `yaml:"category" json:"category"`
	EventTypes    []events.EventType `yaml:"event_types,omitempty" json:"event_types,omitempty"`
	CaseSensitive bool               `yaml:"case_sensitive,omitempty" json:"case_sensitive,omitempty"`
}

type compiledRule struct {
	rule    PatternRule
	matcher compiledMatcher
}

// PatternCatalog is an immutable, compiled set of pattern rules. It is safe
// for concurrent use.
type PatternCatalog struct {
	rules      []compiledRule
	byCategory map[Category][]int
}

// NewPatternCatalog compiles rules. Every invalid rule is reported; the
// catalog is only returned when all rules are valid.
func NewPatternCatalog(rules []PatternRule) (*PatternCatalog, error) {
	catalog := &PatternCatalog{
		rules:      make([]compiledRule, 0, len(rules)),
		byCategory: make(map[Category][]int),
	}

	var errs error
	seen := make(map[string]bool, len(rules))

	for i, rule := range rules {
		id := rule.ID
		if id == "" {
			id = fmt.Sprintf("#%d", i)
			errs = multierr.Append(errs, agerrors.NewRuleError(agerrors.TablePatterns, id, "id", "rule id is required"))
			continue
		}
		if seen[id] {
			errs = multierr.Append(errs, agerrors.NewDuplicateError(agerrors.TablePatterns, id))
			continue
		}
		seen[id] = true

		if err := validatePatternRule(rule); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}

		m := EventMatcher{Types: rule.EventTypes, Pattern: rule.Pattern, Exclude: rule.Exclude}
		cm, field, err := m.compile(rule.CaseSensitive)
		if err != nil {
			errs = multierr.Append(errs, agerrors.NewRegexError(agerrors.TablePatterns, id, field, err))
			continue
		}

		// Callers must not be able to mutate the catalog afterwards.
		rule = rule.clone()
		catalog.byCategory[rule.Category] = append(catalog.byCategory[rule.Category], len(catalog.rules))
		catalog.rules = append(catalog.rules, compiledRule{rule: rule, matcher: cm})
	}

	if errs != nil {
		return nil, errs
	}
	return catalog, nil
}

func validatePatternRule(rule PatternRule) error {
	switch {
	case !rule.Category.Valid():
		return agerrors.NewRuleError(agerrors.TablePatterns, rule.ID, "category",
			fmt.Sprintf("unknown category %q", rule.Category))
	case rule.Reason == "":
		return agerrors.NewRuleError(agerrors.TablePatterns, rule.ID, "reason", "reason is required")
	case rule.Category == CategorySafe && rule.ScoreDelta > 0:
		return agerrors.NewRuleError(agerrors.TablePatterns, rule.ID, "score_delta",
			"safe rules must not raise the score")
	case rule.Category != CategorySafe && rule.ScoreDelta < 0:
		return agerrors.NewRuleError(agerrors.TablePatterns, rule.ID, "score_delta",
			"only safe rules may lower the score")
	}
	return nil
}

// clone returns a copy that shares no slices with r.
func (r PatternRule) clone() PatternRule {
	r.MITRE = append([]string(nil), r.MITRE...)
	r.EventTypes = append([]events.EventType(nil), r.EventTypes...)
	return r
}

// Match returns every rule whose pattern matches the event's target, in
// catalog order. An empty or unmatched target yields no matches.
func (c *PatternCatalog) Match(ev events.SecurityEvent) []PatternMatch {
	if ev.Target == "" {
		return nil
	}

	var matches []PatternMatch
	for _, cr := range c.rules {
		if !cr.matcher.matches(ev) {
			continue
		}
		matches = append(matches, PatternMatch{
			RuleID:     cr.rule.ID,
			Category:   cr.rule.Category,
			ScoreDelta: cr.rule.ScoreDelta,
			Reason:     cr.rule.Reason,
			MITRE:      append([]string(nil), cr.rule.MITRE...),
		})
	}
	return matches
}

// Len returns the number of rules.
func (c *PatternCatalog) Len() int {
	return len(c.rules)
}

// Rules returns a copy of the rule definitions.
func (c *PatternCatalog) Rules() []PatternRule {
	out := make([]PatternRule, len(c.rules))
	for i, cr := range c.rules {
		out[i] = cr.rule.clone()
	}
	return out
}

// ByCategory returns the rules of one category in catalog order.
func (c *PatternCatalog) ByCategory(cat Category) []PatternRule {
	idx := c.byCategory[cat]
	out := make([]PatternRule, len(idx))
	for i, j := range idx {
		out[i] = c.rules[j].rule.clone()
	}
	return out
}
