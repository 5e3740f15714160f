package detection

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	agerrors "github.com/lucid-vigil/agentwatch/pkg/errors"
	"github.com/lucid-vigil/agentwatch/pkg/events"
)

// RuleSet bundles the three rule tables the engine is built from.
type RuleSet struct {
	Patterns     []PatternRule         `yaml:"patterns" json:"patterns"`
	KillChains   []KillChainDefinition `yaml:"kill_chains" json:"kill_chains"`
	Correlations []CorrelationRule     `yaml:"correlations" json:"correlations"`
}

// SecurityAnalyzer is the entry point of the engine. It owns the session
// buffers and the compiled rule tables.
type SecurityAnalyzer struct {
	catalog    *PatternCatalog
	sequences  *SequenceAnalyzer
	correlator *EventCorrelator
	buffers    *SessionBuffers
	thresholds LevelThresholds
	lookback   time.Duration
	logger     zerolog.Logger

	analyzed atomic.Int64
}

// Stats describes the analyzer's rule tables and buffers.
type Stats struct {
	PatternRules     int   `json:"pattern_rules"`
	KillChains       int   `json:"kill_chains"`
	CorrelationRules int   `json:"correlation_rules"`
	Sessions         int   `json:"sessions"`
	EvictedSessions  int64 `json:"evicted_sessions"`
	EventsAnalyzed   int64 `json:"events_analyzed"`
}

// NewSecurityAnalyzer validates opts, compiles rules and returns a ready
// engine. All configuration problems are returned together; no engine is
// built if any rule is invalid.
func NewSecurityAnalyzer(rules RuleSet, opts Options, logger zerolog.Logger) (*SecurityAnalyzer, error) {
	var errs error

	if err := opts.Thresholds.Validate(); err != nil {
		errs = multierr.Append(errs, agerrors.NewRuleError(agerrors.TableEngine, "options", "level_thresholds", err.Error()))
	}
	buffers, err := NewSessionBuffers(opts.BufferCapacity, opts.GlobalWindow, opts.MaxSessions)
	if err != nil {
		errs = multierr.Append(errs, agerrors.NewRuleError(agerrors.TableEngine, "options", "buffers", err.Error()))
	}

	catalog, err := NewPatternCatalog(rules.Patterns)
	errs = multierr.Append(errs, err)
	sequences, err := NewSequenceAnalyzer(rules.KillChains)
	errs = multierr.Append(errs, err)
	correlator, err := NewEventCorrelator(rules.Correlations)
	errs = multierr.Append(errs, err)

	if errs == nil {
		errs = checkWindows(rules, opts.GlobalWindow)
	}
	if errs != nil {
		return nil, errs
	}

	lookback := sequences.MaxWindow()
	if w := correlator.MaxWindow(); w > lookback {
		lookback = w
	}

	a := &SecurityAnalyzer{
		catalog:    catalog,
		sequences:  sequences,
		correlator: correlator,
		buffers:    buffers,
		thresholds: opts.Thresholds,
		lookback:   lookback,
		logger:     logger.With().Str("component", "security_analyzer").Logger(),
	}

	a.logger.Info().
		Int("pattern_rules", catalog.Len()).
		Int("kill_chains", sequences.Len()).
		Int("correlation_rules", correlator.Len()).
		Int("buffer_capacity", opts.BufferCapacity).
		Dur("global_window", opts.GlobalWindow).
		Msg("Security analyzer initialized")

	return a, nil
}

// checkWindows rejects rules whose window exceeds the retention ceiling;
// such rules could never see the history they ask for.
func checkWindows(rules RuleSet, global time.Duration) error {
	var errs error
	for _, c := range rules.KillChains {
		if c.Window() > global {
			errs = multierr.Append(errs, agerrors.NewRuleError(agerrors.TableKillChains, c.Name, "max_window_seconds",
				fmt.Sprintf("window %s exceeds global max window %s", c.Window(), global)))
		}
	}
	for _, r := range rules.Correlations {
		if r.Window() > global {
			errs = multierr.Append(errs, agerrors.NewRuleError(agerrors.TableCorrelations, r.Name, "max_window_seconds",
				fmt.Sprintf("window %s exceeds global max window %s", r.Window(), global)))
		}
	}
	return errs
}

// Analyze scores ev against the rule tables and the history of its session,
// then appends ev to that history. It never fails: targets the rules do not
// recognise simply score zero.
func (a *SecurityAnalyzer) Analyze(ev events.SecurityEvent) AnalysisResult {
	history := a.buffers.Recent(ev.SessionID, a.lookback, ev.Timestamp)

	patterns := a.catalog.Match(ev)
	chains := a.sequences.Analyze(history, ev)
	correlations := a.correlator.Correlate(history, ev)

	result := Score(a.thresholds, patterns, chains, correlations)
	result.EventID = ev.ID
	result.SessionID = ev.SessionID
	result.Timestamp = ev.Timestamp

	a.buffers.Record(ev)
	a.analyzed.Add(1)

	if e := a.logger.Debug(); e.Enabled() {
		e.Str("session_id", ev.SessionID).
			Str("event_id", ev.ID).
			Str("event_type", string(ev.Type)).
			Int("score", result.Score).
			Str("level", string(result.Level)).
			Strs("kill_chains", result.MatchedKillChains).
			Strs("correlations", result.MatchedCorrelations).
			Msg("Event analyzed")
	}

	return result
}

// Catalog returns the compiled pattern catalog.
func (a *SecurityAnalyzer) Catalog() *PatternCatalog {
	return a.catalog
}

// Sequences returns the kill chain analyzer.
func (a *SecurityAnalyzer) Sequences() *SequenceAnalyzer {
	return a.sequences
}

// Correlator returns the event correlator.
func (a *SecurityAnalyzer) Correlator() *EventCorrelator {
	return a.correlator
}

// Buffers returns the session buffers.
func (a *SecurityAnalyzer) Buffers() *SessionBuffers {
	return a.buffers
}

// Thresholds returns the level thresholds in use.
func (a *SecurityAnalyzer) Thresholds() LevelThresholds {
	return a.thresholds
}

// Stats returns current counters.
func (a *SecurityAnalyzer) Stats() Stats {
	return Stats{
		PatternRules:     a.catalog.Len(),
		KillChains:       a.sequences.Len(),
		CorrelationRules: a.correlator.Len(),
		Sessions:         a.buffers.SessionCount(),
		EvictedSessions:  a.buffers.EvictedSessions(),
		EventsAnalyzed:   a.analyzed.Load(),
	}
}
