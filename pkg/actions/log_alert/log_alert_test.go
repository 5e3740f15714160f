package log_alert

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucid-vigil/agentwatch/pkg/actions"
	"github.com/lucid-vigil/agentwatch/pkg/detection"
)

func alert(session string, level detection.RiskLevel) actions.Alert {
	return actions.Alert{
		AnalysisResult: detection.AnalysisResult{
			EventID:           "e1",
			SessionID:         session,
			Score:             85,
			Level:             level,
			Reasons:           []string{"Remote script piped directly into a shell"},
			MITRETechniques:   []string{"T1059.004"},
			MatchedKillChains: []string{},
		},
	}
}

func TestLogAlertAction_Execute(t *testing.T) {
	var buf bytes.Buffer
	la := NewLogAlertAction(zerolog.New(&buf), 0, 0)

	assert.Equal(t, "log_alert", la.Name())
	require.NoError(t, la.Execute(context.Background(), alert("s1", detection.LevelCritical)))

	out := buf.String()
	assert.Contains(t, out, `"level":"error"`)
	assert.Contains(t, out, `"session_id":"s1"`)
	assert.Contains(t, out, `"score":85`)
	assert.Contains(t, out, "T1059.004")
	assert.Contains(t, out, "Risky agent action detected")
}

func TestLogAlertAction_Throttle(t *testing.T) {
	var buf bytes.Buffer
	la := NewLogAlertAction(zerolog.New(&buf), 0.001, 2)

	for i := 0; i < 5; i++ {
		require.NoError(t, la.Execute(context.Background(), alert("noisy", detection.LevelHigh)))
	}
	require.NoError(t, la.Execute(context.Background(), alert("quiet", detection.LevelHigh)))

	lines := strings.Count(buf.String(), "\n")
	assert.Equal(t, 3, lines)
	assert.Equal(t, int64(3), la.Suppressed())
}
