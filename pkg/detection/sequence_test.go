package detection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucid-vigil/agentwatch/pkg/events"
)

func threeStepChain() KillChainDefinition {
	return KillChainDefinition{
		Name:       "stage_run_clean",
		ScoreBonus: 25,
		MITRE:      "T1059",
		Steps: []EventMatcher{
			{Types: []events.EventType{events.EventWrite}, Pattern: `\.sh$`},
			{Types: []events.EventType{events.EventBash}, Pattern: `^bash\s`},
			{Types: []events.EventType{events.EventBash}, Pattern: `^rm\s`},
		},
		MaxWindowSeconds: 60,
	}
}

func TestSequenceAnalyzer_OrderedSteps(t *testing.T) {
	sa, err := NewSequenceAnalyzer([]KillChainDefinition{threeStepChain()})
	require.NoError(t, err)

	history := []events.SecurityEvent{
		newEvent("w", "s", events.EventWrite, "/tmp/x.sh", at(0)),
		newEvent("noise", "s", events.EventRead, "/README.md", at(1)),
		newEvent("run", "s", events.EventBash, "bash /tmp/x.sh", at(2)),
	}
	current := newEvent("rm", "s", events.EventBash, "rm /tmp/x.sh", at(3))

	matches := sa.Analyze(history, current)
	require.Len(t, matches, 1)
	assert.Equal(t, "stage_run_clean", matches[0].Name)
	assert.Equal(t, []string{"w", "run", "rm"}, matches[0].EventIDs)
	assert.Equal(t, 25, matches[0].ScoreBonus)
}

func TestSequenceAnalyzer_NoMatch(t *testing.T) {
	sa, err := NewSequenceAnalyzer([]KillChainDefinition{threeStepChain()})
	require.NoError(t, err)

	tests := []struct {
		name    string
		history []events.SecurityEvent
		current events.SecurityEvent
	}{
		{
			name: "steps out of order",
			history: []events.SecurityEvent{
				newEvent("run", "s", events.EventBash, "bash /tmp/x.sh", at(0)),
				newEvent("w", "s", events.EventWrite, "/tmp/x.sh", at(1)),
			},
			current: newEvent("rm", "s", events.EventBash, "rm /tmp/x.sh", at(2)),
		},
		{
			name: "first step outside window",
			history: []events.SecurityEvent{
				newEvent("w", "s", events.EventWrite, "/tmp/x.sh", at(0)),
				newEvent("run", "s", events.EventBash, "bash /tmp/x.sh", at(50)),
			},
			current: newEvent("rm", "s", events.EventBash, "rm /tmp/x.sh", at(61)),
		},
		{
			name: "current is not the final step",
			history: []events.SecurityEvent{
				newEvent("w", "s", events.EventWrite, "/tmp/x.sh", at(0)),
				newEvent("rm", "s", events.EventBash, "rm /tmp/x.sh", at(1)),
			},
			current: newEvent("run", "s", events.EventBash, "bash /tmp/x.sh", at(2)),
		},
		{
			name:    "empty history",
			current: newEvent("rm", "s", events.EventBash, "rm /tmp/x.sh", at(2)),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Empty(t, sa.Analyze(tt.history, tt.current))
		})
	}
}

func TestSequenceAnalyzer_SingleStep(t *testing.T) {
	sa, err := NewSequenceAnalyzer([]KillChainDefinition{{
		Name:             "one",
		Steps:            []EventMatcher{{Pattern: "danger"}},
		MaxWindowSeconds: 1,
	}})
	require.NoError(t, err)

	matches := sa.Analyze(nil, newEvent("x", "s", events.EventBash, "danger", at(0)))
	require.Len(t, matches, 1)
	assert.Equal(t, []string{"x"}, matches[0].EventIDs)
}

func TestNewSequenceAnalyzer_Errors(t *testing.T) {
	bad := threeStepChain()
	bad.Steps[1].Pattern = "(?P<broken"

	_, err := NewSequenceAnalyzer([]KillChainDefinition{
		bad,
		{Name: "", Steps: []EventMatcher{{Pattern: "a"}}, MaxWindowSeconds: 1},
		{Name: "zero_window", Steps: []EventMatcher{{Pattern: "a"}}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "steps[1].pattern")
	assert.Contains(t, err.Error(), "chain name is required")
	assert.Contains(t, err.Error(), "window must be positive")
}

func TestSequenceAnalyzer_MaxWindow(t *testing.T) {
	sa, err := NewSequenceAnalyzer(defaultKillChains())
	require.NoError(t, err)
	assert.Equal(t, 1800, int(sa.MaxWindow().Seconds()))
	assert.Len(t, sa.Definitions(), len(defaultKillChains()))
}

func TestSequenceAnalyzer_DefinitionsAreCopies(t *testing.T) {
	def := threeStepChain()
	sa, err := NewSequenceAnalyzer([]KillChainDefinition{def})
	require.NoError(t, err)

	def.Steps[0].Types[0] = events.EventRead
	got := sa.Definitions()
	got[0].Steps[0].Pattern = "changed"
	got[0].Steps[1].Types[0] = events.EventRead

	assert.Equal(t, threeStepChain(), sa.Definitions()[0])

	history := []events.SecurityEvent{
		newEvent("w", "s", events.EventWrite, "/tmp/x.sh", at(0)),
		newEvent("b", "s", events.EventBash, "bash /tmp/x.sh", at(1)),
	}
	assert.Len(t, sa.Analyze(history, newEvent("r", "s", events.EventBash, "rm /tmp/x.sh", at(2))), 1)
}
