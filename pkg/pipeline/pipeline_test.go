package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucid-vigil/agentwatch/pkg/detection"
	"github.com/lucid-vigil/agentwatch/pkg/events"
	"github.com/lucid-vigil/agentwatch/pkg/metrics"
)

func newPipeline(t *testing.T) (*Pipeline, *metrics.Metrics) {
	t.Helper()
	analyzer, err := detection.NewSecurityAnalyzer(detection.DefaultRuleSet(), detection.DefaultOptions(), zerolog.Nop())
	require.NoError(t, err)

	dedup := events.NewDeduplicator(time.Minute)
	t.Cleanup(dedup.Stop)

	m := metrics.NewMetrics(prometheus.NewRegistry())
	return NewPipeline(analyzer, dedup, m, zerolog.Nop()), m
}

func TestPipeline_Process(t *testing.T) {
	p, m := newPipeline(t)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var seen []detection.AnalysisResult
	p.AddResultHandler(ResultHandlerFunc(func(_ context.Context, _ events.SecurityEvent, r detection.AnalysisResult) error {
		seen = append(seen, r)
		return nil
	}))

	ctx := context.Background()
	_, ok, err := p.Process(ctx, events.SecurityEvent{ID: "e1", SessionID: "s1", Type: events.EventRead, Target: "/home/dev/.ssh/id_rsa", Timestamp: ts})
	require.NoError(t, err)
	assert.True(t, ok)

	result, ok, err := p.Process(ctx, events.SecurityEvent{ID: "e2", SessionID: "s1", Type: events.EventWebFetch, Target: "https://evil.example.com", Timestamp: ts.Add(time.Minute)})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"credential_harvest"}, result.MatchedKillChains)
	require.Len(t, seen, 2)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.KillChains.WithLabelValues("credential_harvest")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Results.WithLabelValues("high")))
}

func TestPipeline_DropsDuplicates(t *testing.T) {
	p, m := newPipeline(t)
	ev := events.SecurityEvent{ID: "e1", SessionID: "s1", Type: events.EventBash, Target: "ls", Timestamp: time.Now()}

	require.NoError(t, p.Handle(context.Background(), ev))
	_, ok, err := p.Process(context.Background(), ev)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, 1, p.Analyzer().Buffers().Len("s1"))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DuplicatesDropped))
}

func TestPipeline_HandlerErrors(t *testing.T) {
	p, m := newPipeline(t)

	calls := 0
	p.AddResultHandler(ResultHandlerFunc(func(context.Context, events.SecurityEvent, detection.AnalysisResult) error {
		calls++
		return errors.New("first failed")
	}))
	p.AddResultHandler(ResultHandlerFunc(func(context.Context, events.SecurityEvent, detection.AnalysisResult) error {
		calls++
		return nil
	}))

	err := p.Handle(context.Background(), events.SecurityEvent{ID: "e1", SessionID: "s1", Type: events.EventBash, Target: "ls", Timestamp: time.Now()})
	assert.ErrorContains(t, err, "first failed")
	assert.Equal(t, 2, calls)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ActionErrors))
}

func TestPipeline_SerialisesSessionAcrossSources(t *testing.T) {
	p, _ := newPipeline(t)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var inFlight, peak atomic.Int32
	p.AddResultHandler(ResultHandlerFunc(func(context.Context, events.SecurityEvent, detection.AnalysisResult) error {
		n := inFlight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
		return nil
	}))

	d := events.NewDispatcher(zerolog.Nop(), 4, 64)
	d.Subscribe(p)
	d.Start(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		require.NoError(t, d.Publish(events.SecurityEvent{ID: fmt.Sprintf("w%d", i), SessionID: "s1", Type: events.EventBash, Target: "ls", Timestamp: ts}))

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := p.Process(context.Background(), events.SecurityEvent{ID: fmt.Sprintf("a%d", i), SessionID: "s1", Type: events.EventBash, Target: "ls", Timestamp: ts})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	d.Stop()

	assert.Equal(t, int32(1), peak.Load())
	assert.Equal(t, 20, p.Analyzer().Buffers().Len("s1"))
}
