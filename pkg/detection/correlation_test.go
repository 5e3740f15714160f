package detection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucid-vigil/agentwatch/pkg/events"
)

func scriptCorrelation() CorrelationRule {
	return CorrelationRule{
		Name:             "script_then_run",
		Source:           EventMatcher{Types: []events.EventType{events.EventWrite}, Pattern: `\.sh$`},
		Target:           EventMatcher{Types: []events.EventType{events.EventBash}, Pattern: `\.sh\b`},
		ScoreModifier:    15,
		MITRE:            "T1059",
		MaxWindowSeconds: 600,
	}
}

func TestEventCorrelator_FiresOncePerRule(t *testing.T) {
	ec, err := NewEventCorrelator([]CorrelationRule{scriptCorrelation()})
	require.NoError(t, err)

	history := []events.SecurityEvent{
		newEvent("src1", "s", events.EventWrite, "/a.sh", at(0)),
		newEvent("src2", "s", events.EventWrite, "/b.sh", at(10)),
	}
	matches := ec.Correlate(history, newEvent("t", "s", events.EventBash, "sh /b.sh", at(15)))

	require.Len(t, matches, 1)
	assert.Equal(t, "src2", matches[0].SourceEventID, "most recent source is referenced")
	assert.Equal(t, at(10), matches[0].SourceTimestamp)
	assert.Equal(t, 15, matches[0].ScoreModifier)
}

func TestEventCorrelator_Window(t *testing.T) {
	ec, err := NewEventCorrelator([]CorrelationRule{scriptCorrelation()})
	require.NoError(t, err)

	history := []events.SecurityEvent{newEvent("src", "s", events.EventWrite, "/a.sh", at(0))}

	assert.Len(t, ec.Correlate(history, newEvent("t", "s", events.EventBash, "sh /a.sh", at(600))), 1)
	assert.Empty(t, ec.Correlate(history, newEvent("t", "s", events.EventBash, "sh /a.sh", at(601))))
}

func TestEventCorrelator_TargetMustMatch(t *testing.T) {
	ec, err := NewEventCorrelator([]CorrelationRule{scriptCorrelation()})
	require.NoError(t, err)

	history := []events.SecurityEvent{newEvent("src", "s", events.EventWrite, "/a.sh", at(0))}

	assert.Empty(t, ec.Correlate(history, newEvent("t", "s", events.EventRead, "/a.sh", at(1))))
	assert.Empty(t, ec.Correlate(nil, newEvent("t", "s", events.EventBash, "sh /a.sh", at(1))))
}

func TestEventCorrelator_NegativeModifier(t *testing.T) {
	rule := scriptCorrelation()
	rule.Name = "reviewed_script"
	rule.ScoreModifier = -10

	ec, err := NewEventCorrelator([]CorrelationRule{rule})
	require.NoError(t, err)

	history := []events.SecurityEvent{newEvent("src", "s", events.EventWrite, "/a.sh", at(0))}
	matches := ec.Correlate(history, newEvent("t", "s", events.EventBash, "sh /a.sh", at(1)))
	require.Len(t, matches, 1)
	assert.Equal(t, -10, matches[0].ScoreModifier)
}

func TestNewEventCorrelator_Errors(t *testing.T) {
	dup := scriptCorrelation()
	badTarget := scriptCorrelation()
	badTarget.Name = "bad_target"
	badTarget.Target.Pattern = "a{2,1}"

	_, err := NewEventCorrelator([]CorrelationRule{scriptCorrelation(), dup, badTarget})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate rule identifier")
	assert.Contains(t, err.Error(), "target.pattern")
}

func TestEventCorrelator_RulesAreCopies(t *testing.T) {
	rule := scriptCorrelation()
	ec, err := NewEventCorrelator([]CorrelationRule{rule})
	require.NoError(t, err)

	rule.Source.Types[0] = events.EventRead
	got := ec.Rules()
	got[0].Target.Types[0] = events.EventRead

	assert.Equal(t, scriptCorrelation(), ec.Rules()[0])
}
