// Package detection scores AI agent actions for risk. It matches each event
// against a catalog of dangerous and mitigating patterns, looks for multi-step
// kill chains and pairwise correlations in the session's recent history, and
// combines the signals into a clamped 0-100 score with a risk level, reasons
// and MITRE ATT&CK technique tags.
//
// The engine performs no I/O and starts no goroutines. Events of one session
// must be analysed in timestamp order; different sessions may be analysed
// concurrently.
package detection

import (
	"fmt"
	"time"
)

// Score bounds applied at the final combination step.
const (
	MinScore = 0
	MaxScore = 100
)

// RiskLevel is the coarse bucket derived from a score.
type RiskLevel string

const (
	LevelLow      RiskLevel = "low"
	LevelMedium   RiskLevel = "medium"
	LevelHigh     RiskLevel = "high"
	LevelCritical RiskLevel = "critical"
)

// Rank orders levels from 0 (low) to 3 (critical). Unknown levels rank -1.
func (l RiskLevel) Rank() int {
	switch l {
	case LevelLow:
		return 0
	case LevelMedium:
		return 1
	case LevelHigh:
		return 2
	case LevelCritical:
		return 3
	default:
		return -1
	}
}

// ParseRiskLevel parses a level name.
func ParseRiskLevel(s string) (RiskLevel, error) {
	l := RiskLevel(s)
	if l.Rank() < 0 {
		return "", fmt.Errorf("unknown risk level %q", s)
	}
	return l, nil
}

// LevelThresholds are the lowest scores of the medium, high and critical
// buckets. Scores below Medium are low.
type LevelThresholds struct {
	Medium   int `mapstructure:"medium" yaml:"medium" json:"medium"`
	High     int `mapstructure:"high" yaml:"high" json:"high"`
	Critical int `mapstructure:"critical" yaml:"critical" json:"critical"`
}

// DefaultThresholds: Low 0-19, Medium 20-49, High 50-79, Critical 80-100.
var DefaultThresholds = LevelThresholds{Medium: 20, High: 50, Critical: 80}

// Bucket maps a clamped score onto its level.
func (t LevelThresholds) Bucket(score int) RiskLevel {
	switch {
	case score >= t.Critical:
		return LevelCritical
	case score >= t.High:
		return LevelHigh
	case score >= t.Medium:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Validate checks that the thresholds are strictly ascending inside the score range.
func (t LevelThresholds) Validate() error {
	if t.Medium <= MinScore || t.Medium >= t.High || t.High >= t.Critical || t.Critical > MaxScore {
		return fmt.Errorf("level thresholds must satisfy %d < medium < high < critical <= %d, got %d/%d/%d",
			MinScore, MaxScore, t.Medium, t.High, t.Critical)
	}
	return nil
}

// Category classifies a pattern rule.
type Category string

const (
	CategoryCritical Category = "critical"
	CategoryHigh     Category = "high"
	CategoryMedium   Category = "medium"
	CategorySafe     Category = "safe"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryCritical, CategoryHigh, CategoryMedium, CategorySafe:
		return true
	}
	return false
}

// Options are the engine knobs.
type Options struct {
	// BufferCapacity bounds the number of events kept per session.
	BufferCapacity int
	// GlobalWindow is the retention ceiling for buffered events. No rule
	// window may exceed it.
	GlobalWindow time.Duration
	// MaxSessions bounds the number of session buffers held at once; the
	// least recently active session is dropped first.
	MaxSessions int
	Thresholds  LevelThresholds
}

// DefaultOptions returns the built-in engine settings.
func DefaultOptions() Options {
	return Options{
		BufferCapacity: 256,
		GlobalWindow:   time.Hour,
		MaxSessions:    10000,
		Thresholds:     DefaultThresholds,
	}
}

// PatternMatch is one pattern rule that fired on an event.
type PatternMatch struct {
	RuleID     string   `json:"rule_id"`
	Category   Category `json:"category"`
	ScoreDelta int      `json:"score_delta"`
	Reason     string   `json:"reason"`
	MITRE      []string `json:"mitre_techniques,omitempty"`
}

// KillChainMatch is a kill chain completed by the analysed event.
type KillChainMatch struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	ScoreBonus  int      `json:"score_bonus"`
	MITRE       string   `json:"mitre_technique,omitempty"`
	EventIDs    []string `json:"event_ids"` // one per step, oldest first
}

// CorrelationMatch is a correlation rule fired by the analysed event.
type CorrelationMatch struct {
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	ScoreModifier   int       `json:"score_modifier"`
	MITRE           string    `json:"mitre_technique,omitempty"`
	SourceEventID   string    `json:"source_event_id"`
	SourceTimestamp time.Time `json:"source_timestamp"`
}

// AnalysisResult is the verdict for one event. The engine keeps no reference
// to it after returning.
type AnalysisResult struct {
	EventID   string    `json:"event_id"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`

	Score               int       `json:"score"`
	Level               RiskLevel `json:"level"`
	Reasons             []string  `json:"reasons"`
	MITRETechniques     []string  `json:"mitre_techniques"`
	MatchedKillChains   []string  `json:"matched_kill_chains"`
	MatchedCorrelations []string  `json:"matched_correlations"`

	// Unclamped contributions of each signal.
	PatternScore        int `json:"pattern_score"`
	ChainBonus          int `json:"chain_bonus"`
	CorrelationModifier int `json:"correlation_modifier"`

	Patterns     []PatternMatch     `json:"patterns"`
	KillChains   []KillChainMatch   `json:"kill_chains"`
	Correlations []CorrelationMatch `json:"correlations"`
}

// RawScore is the sum of all contributions before clamping.
func (r AnalysisResult) RawScore() int {
	return r.PatternScore + r.ChainBonus + r.CorrelationModifier
}
