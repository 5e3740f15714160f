package detection

import (
	"sort"
)

// Score combines the three signal sources into a result. Contributions are
// summed unclamped; only the total is clamped to [MinScore, MaxScore].
// Reasons keep first-seen order: pattern reasons, then chain names, then
// correlation names. Techniques are the sorted union of all sources.
func Score(thresholds LevelThresholds, patterns []PatternMatch, chains []KillChainMatch, correlations []CorrelationMatch) AnalysisResult {
	result := AnalysisResult{
		Reasons:             []string{},
		MITRETechniques:     []string{},
		MatchedKillChains:   []string{},
		MatchedCorrelations: []string{},
		Patterns:            nonNil(patterns),
		KillChains:          nonNil(chains),
		Correlations:        nonNil(correlations),
	}

	reasons := newOrderedSet()
	techniques := make(map[string]struct{})

	for _, p := range patterns {
		result.PatternScore += p.ScoreDelta
		reasons.add(p.Reason)
		for _, t := range p.MITRE {
			techniques[t] = struct{}{}
		}
	}
	for _, c := range chains {
		result.ChainBonus += c.ScoreBonus
		result.MatchedKillChains = append(result.MatchedKillChains, c.Name)
		reasons.add(c.Name)
		if c.MITRE != "" {
			techniques[c.MITRE] = struct{}{}
		}
	}
	for _, c := range correlations {
		result.CorrelationModifier += c.ScoreModifier
		result.MatchedCorrelations = append(result.MatchedCorrelations, c.Name)
		reasons.add(c.Name)
		if c.MITRE != "" {
			techniques[c.MITRE] = struct{}{}
		}
	}

	result.Score = clamp(result.RawScore(), MinScore, MaxScore)
	result.Level = thresholds.Bucket(result.Score)
	result.Reasons = reasons.items

	for t := range techniques {
		result.MITRETechniques = append(result.MITRETechniques, t)
	}
	sort.Strings(result.MITRETechniques)

	return result
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

type orderedSet struct {
	seen  map[string]struct{}
	items []string
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: make(map[string]struct{}), items: []string{}}
}

func (s *orderedSet) add(v string) {
	if v == "" {
		return
	}
	if _, ok := s.seen[v]; ok {
		return
	}
	s.seen[v] = struct{}{}
	s.items = append(s.items, v)
}
