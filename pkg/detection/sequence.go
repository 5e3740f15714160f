package detection

import (
	"fmt"
	"time"

	"go.uber.org/multierr"

	agerrors "github.com/lucid-vigil/agentwatch/pkg/errors"
	"github.com/lucid-vigil/agentwatch/pkg/events"
)

// KillChainDefinition is an ordered list of steps that together indicate a
// multi-step attack. Steps need not be adjacent in the session history, but
// must all fall inside MaxWindowSeconds of the completing event.
type KillChainDefinition struct {
	Name             string         `yaml:"name" json:"name"`
	Description      string         `yaml:"description" json:"description"`
	ScoreBonus       int            `yaml:"score_bonus" json:"score_bonus"`
	MITRE            string         `yaml:"mitre_technique" json:"mitre_technique"`
	Steps            []EventMatcher `yaml:"steps" json:"steps"`
	MaxWindowSeconds int            `yaml:"max_window_seconds" json:"max_window_seconds"`
}

// Window returns the chain window as a duration.
func (d KillChainDefinition) Window() time.Duration {
	return time.Duration(d.MaxWindowSeconds) * time.Second
}

type compiledChain struct {
	def    KillChainDefinition
	steps  []compiledMatcher
	window time.Duration
}

// SequenceAnalyzer detects kill chains completed by an incoming event. It
// keeps no per-session progress; each call rescans the supplied history.
type SequenceAnalyzer struct {
	chains []compiledChain
}

// NewSequenceAnalyzer compiles chain definitions, reporting every invalid one.
func NewSequenceAnalyzer(defs []KillChainDefinition) (*SequenceAnalyzer, error) {
	sa := &SequenceAnalyzer{chains: make([]compiledChain, 0, len(defs))}

	var errs error
	seen := make(map[string]bool, len(defs))

	for i, def := range defs {
		name := def.Name
		if name == "" {
			errs = multierr.Append(errs, agerrors.NewRuleError(agerrors.TableKillChains, fmt.Sprintf("#%d", i), "name", "chain name is required"))
			continue
		}
		if seen[name] {
			errs = multierr.Append(errs, agerrors.NewDuplicateError(agerrors.TableKillChains, name))
			continue
		}
		seen[name] = true

		if len(def.Steps) == 0 {
			errs = multierr.Append(errs, agerrors.NewRuleError(agerrors.TableKillChains, name, "steps", "at least one step is required"))
			continue
		}
		if def.MaxWindowSeconds <= 0 {
			errs = multierr.Append(errs, agerrors.NewRuleError(agerrors.TableKillChains, name, "max_window_seconds", "window must be positive"))
			continue
		}

		chain := compiledChain{def: def.clone(), window: def.Window(), steps: make([]compiledMatcher, 0, len(def.Steps))}
		valid := true
		for j, step := range def.Steps {
			cm, field, err := step.compile(false)
			if err != nil {
				errs = multierr.Append(errs, agerrors.NewRegexError(agerrors.TableKillChains, name, fmt.Sprintf("steps[%d].%s", j, field), err))
				valid = false
				continue
			}
			chain.steps = append(chain.steps, cm)
		}
		if valid {
			sa.chains = append(sa.chains, chain)
		}
	}

	if errs != nil {
		return nil, errs
	}
	return sa, nil
}

// Analyze returns the chains whose final step is satisfied by current and
// whose earlier steps are satisfied, in order, by history. history must be the
// session's buffered events oldest first, not including current.
//
// A chain fires on every qualifying completing event while its earlier steps
// remain inside the window; it never fires retroactively for an event that
// was already analysed.
func (sa *SequenceAnalyzer) Analyze(history []events.SecurityEvent, current events.SecurityEvent) []KillChainMatch {
	var matches []KillChainMatch

	for _, chain := range sa.chains {
		last := len(chain.steps) - 1
		if !chain.steps[last].matches(current) {
			continue
		}

		ids := make([]string, 0, len(chain.steps))
		cursor := 0
		for _, ev := range history {
			if cursor == last {
				break
			}
			if current.Timestamp.Sub(ev.Timestamp) > chain.window {
				continue
			}
			if chain.steps[cursor].matches(ev) {
				ids = append(ids, ev.ID)
				cursor++
			}
		}
		if cursor != last {
			continue
		}

		matches = append(matches, KillChainMatch{
			Name:        chain.def.Name,
			Description: chain.def.Description,
			ScoreBonus:  chain.def.ScoreBonus,
			MITRE:       chain.def.MITRE,
			EventIDs:    append(ids, current.ID),
		})
	}
	return matches
}

// clone returns a copy that shares no slices with d.
func (d KillChainDefinition) clone() KillChainDefinition {
	steps := make([]EventMatcher, len(d.Steps))
	for i, step := range d.Steps {
		steps[i] = step.clone()
	}
	d.Steps = steps
	return d
}

// Len returns the number of chain definitions.
func (sa *SequenceAnalyzer) Len() int {
	return len(sa.chains)
}

// Definitions returns a copy of the chain definitions.
func (sa *SequenceAnalyzer) Definitions() []KillChainDefinition {
	out := make([]KillChainDefinition, len(sa.chains))
	for i, c := range sa.chains {
		out[i] = c.def.clone()
	}
	return out
}

// MaxWindow returns the longest chain window.
func (sa *SequenceAnalyzer) MaxWindow() time.Duration {
	var longest time.Duration
	for _, c := range sa.chains {
		if c.window > longest {
			longest = c.window
		}
	}
	return longest
}
