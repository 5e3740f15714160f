package detection

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// RuleFile is the on-disk layout of a rules file. When ExtendDefaults is set
// the file's rules are appended to the built-in tables instead of replacing
// them.
type RuleFile struct {
	ExtendDefaults bool `yaml:"extend_defaults"`
	RuleSet        `yaml:",inline"`
}

// ParseRuleSet decodes a YAML rules document. Unknown keys are rejected so
// that misspelt fields do not silently disable a rule.
func ParseRuleSet(data []byte) (RuleSet, error) {
	var file RuleFile

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return RuleSet{}, fmt.Errorf("failed to parse rules: %w", err)
	}

	if !file.ExtendDefaults {
		return file.RuleSet, nil
	}
	return MergeRuleSets(DefaultRuleSet(), file.RuleSet), nil
}

// LoadRuleSet reads rules from path. An empty path yields the built-in rules.
func LoadRuleSet(path string) (RuleSet, error) {
	if path == "" {
		return DefaultRuleSet(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("failed to read rules file: %w", err)
	}
	rules, err := ParseRuleSet(data)
	if err != nil {
		return RuleSet{}, fmt.Errorf("%s: %w", path, err)
	}
	return rules, nil
}

// MergeRuleSets appends extra's tables to base's. Identifier clashes are
// left for the compilers to report.
func MergeRuleSets(base, extra RuleSet) RuleSet {
	return RuleSet{
		Patterns:     append(append([]PatternRule(nil), base.Patterns...), extra.Patterns...),
		KillChains:   append(append([]KillChainDefinition(nil), base.KillChains...), extra.KillChains...),
		Correlations: append(append([]CorrelationRule(nil), base.Correlations...), extra.Correlations...),
	}
}
