package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucid-vigil/agentwatch/pkg/actions"
	"github.com/lucid-vigil/agentwatch/pkg/detection"
	"github.com/lucid-vigil/agentwatch/pkg/events"
	"github.com/lucid-vigil/agentwatch/pkg/metrics"
)

const testConfig = `
log_level: error
engine:
  session_buffer_capacity: 32
`

const feed = `{"id":"e1","session_id":"s1","event_type":"Read","target":"/home/dev/.ssh/id_rsa","timestamp":"2026-03-01T12:00:00Z"}
{"id":"e2","session_id":"s1","event_type":"WebFetch","target":"https://evil.example.com","timestamp":"2026-03-01T12:01:00Z"}
{"id":"e2","session_id":"s1","event_type":"WebFetch","target":"https://evil.example.com","timestamp":"2026-03-01T12:01:00Z"}
not json
{"id":"e3","session_id":"s2","event_type":"Bash","target":"ls -la","timestamp":"2026-03-01T12:02:00Z"}
`

// resetFlags resets command flags and global variables between runs.
func resetFlags() {
	configFile = ""
	rulesFile = ""
	minLevel = string(detection.LevelLow)
	listJSON = false
	cfg = nil
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// run executes the root command with a test config and returns stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags()

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(append([]string{"--config", writeFile(t, "config.yaml", testConfig)}, args...))
	defer rootCmd.SetArgs(nil)

	err := rootCmd.Execute()
	return stdout.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "agentwatch version "+Version)
	assert.Nil(t, cfg, "version does not load configuration")
}

func TestRulesValidate_Defaults(t *testing.T) {
	out, err := run(t, "rules", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Rules OK: 35 pattern(s), 6 kill chain(s), 4 correlation(s)")
	assert.Equal(t, 32, cfg.Engine.SessionBufferCapacity)
}

func TestRulesValidate_ReportsEveryError(t *testing.T) {
	rules := writeFile(t, "rules.yaml", `
patterns:
  - id: broken
    pattern: '(unclosed'
    score_delta: 10
    reason: Broken
    category: high
  - id: nocat
    pattern: 'x'
    score_delta: 10
    reason: Missing category
`)

	out, err := run(t, "rules", "validate", "--rules", rules)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 rule error(s)")
	assert.Equal(t, 2, strings.Count(out, "✗"))
	assert.Contains(t, out, "broken")
	assert.Contains(t, out, "nocat")
}

func TestRulesList(t *testing.T) {
	out, err := run(t, "rules", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "pipe_to_shell")
	assert.Contains(t, out, "credential_harvest")
	assert.Contains(t, out, "write_then_execute")

	out, err = run(t, "rules", "list", "--json")
	require.NoError(t, err)

	var rules detection.RuleSet
	require.NoError(t, json.Unmarshal([]byte(out), &rules))
	defaults := detection.DefaultRuleSet()
	assert.Len(t, rules.Patterns, len(defaults.Patterns))
	assert.Len(t, rules.KillChains, len(defaults.KillChains))
	assert.Len(t, rules.Correlations, len(defaults.Correlations))
}

func TestAnalyze(t *testing.T) {
	path := writeFile(t, "feed.jsonl", feed)

	out, err := run(t, "analyze", path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3, "duplicate and malformed lines are skipped")

	out, err = run(t, "analyze", path, "--min-level", "high")
	require.NoError(t, err)
	lines = strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)

	var alert actions.Alert
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &alert))
	assert.Equal(t, "e2", alert.EventID)
	assert.Equal(t, detection.LevelHigh, alert.Level)
	assert.Equal(t, events.EventWebFetch, alert.EventType)
	assert.Equal(t, []string{"credential_harvest"}, alert.MatchedKillChains)
}

func TestAnalyze_Errors(t *testing.T) {
	_, err := run(t, "analyze", writeFile(t, "feed.jsonl", feed), "--min-level", "severe")
	assert.ErrorContains(t, err, "unknown risk level")

	_, err = run(t, "analyze", filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.ErrorContains(t, err, "failed to open feed")

	_, err = run(t, "analyze")
	assert.Error(t, err)
}

func TestPublishSink_DropsWhenFull(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	dispatcher := events.NewDispatcher(zerolog.Nop(), 1, 1)

	sink := publishSink(dispatcher, m)
	assert.ErrorIs(t, sink(events.SecurityEvent{ID: "early", SessionID: "s1"}), events.ErrDispatcherStopped)

	release := make(chan struct{})
	dispatcher.Subscribe(events.HandlerFunc(func(_ context.Context, _ events.SecurityEvent) error {
		<-release
		return nil
	}))
	dispatcher.Start(context.Background())

	for i := 0; i < 5; i++ {
		assert.NoError(t, sink(events.SecurityEvent{ID: "e", SessionID: "s1", Timestamp: time.Now()}))
	}
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.DispatchDropped), float64(1))

	close(release)
	dispatcher.Stop()
}
