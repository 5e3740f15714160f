package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucid-vigil/agentwatch/pkg/detection"
	agerrors "github.com/lucid-vigil/agentwatch/pkg/errors"
	"github.com/lucid-vigil/agentwatch/pkg/events"
	"github.com/lucid-vigil/agentwatch/pkg/ingest"
	"github.com/lucid-vigil/agentwatch/pkg/metrics"
	"github.com/lucid-vigil/agentwatch/pkg/pipeline"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	analyzer, err := detection.NewSecurityAnalyzer(detection.DefaultRuleSet(), detection.DefaultOptions(), zerolog.Nop())
	require.NoError(t, err)

	reader, err := ingest.NewReader(events.NewValidator(0), agerrors.NewErrorHandler(zerolog.Nop()), zerolog.Nop())
	require.NoError(t, err)

	dedup := events.NewDeduplicator(time.Minute)
	t.Cleanup(dedup.Stop)

	reg := prometheus.NewRegistry()
	p := pipeline.NewPipeline(analyzer, dedup, metrics.NewMetrics(reg), zerolog.Nop())
	return NewServer(p, reader, nil, reg, zerolog.Nop())
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestPostEvent_KillChain(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/v1/events",
		`{"id":"e1","session_id":"s1","event_type":"Read","target":"/home/dev/.ssh/id_rsa","timestamp":"2026-03-01T12:00:00Z"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodPost, "/v1/events",
		`{"id":"e2","session_id":"s1","event_type":"WebFetch","target":"https://evil.example.com","timestamp":"2026-03-01T12:01:00Z"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var result detection.AnalysisResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 50, result.Score)
	assert.Equal(t, detection.LevelHigh, result.Level)
	assert.Equal(t, []string{"credential_harvest"}, result.MatchedKillChains)
	assert.Contains(t, result.MITRETechniques, "T1552")
}

func TestPostEvent_Rejected(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/v1/events", `{"session_id":"s1"`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/v1/events", `{"session_id":"s1","event_type":"Bash"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "schema violation")
}

func TestPostEvent_Duplicate(t *testing.T) {
	s := newTestServer(t)
	body := `{"id":"e1","session_id":"s1","event_type":"Bash","target":"ls"}`

	require.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/v1/events", body).Code)
	rec := do(t, s, http.MethodPost, "/v1/events", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["duplicate"])
}

func TestGetSession(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/v1/sessions/s1", "").Code)

	do(t, s, http.MethodPost, "/v1/events", `{"session_id":"s1","event_type":"Bash","target":"ls"}`)
	do(t, s, http.MethodPost, "/v1/events", `{"session_id":"s1","event_type":"Bash","target":"pwd"}`)

	rec := do(t, s, http.MethodGet, "/v1/sessions/s1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, SessionResponse{SessionID: "s1", BufferedEvents: 2}, resp)
}

func TestGetStats(t *testing.T) {
	s := newTestServer(t)
	do(t, s, http.MethodPost, "/v1/events", `{"session_id":"s1","event_type":"Bash","target":"ls"}`)

	rec := do(t, s, http.MethodGet, "/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.Engine.EventsAnalyzed)
	assert.Equal(t, 1, resp.Engine.Sessions)
	assert.Nil(t, resp.Dispatch)
	assert.Equal(t, detection.DefaultThresholds, resp.Thresholds)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	do(t, s, http.MethodPost, "/v1/events", `{"session_id":"s1","event_type":"Bash","target":"ls"}`)

	rec := do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `agentwatch_events_analyzed_total{event_type="bash"} 1`)
}
