// Package pipeline connects the detection engine to its surroundings:
// duplicate suppression before analysis, metrics and result handlers after.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/lucid-vigil/agentwatch/pkg/detection"
	"github.com/lucid-vigil/agentwatch/pkg/events"
	"github.com/lucid-vigil/agentwatch/pkg/metrics"
)

// ResultHandler receives every analysis result.
type ResultHandler interface {
	HandleResult(ctx context.Context, ev events.SecurityEvent, result detection.AnalysisResult) error
}

// ResultHandlerFunc adapts a function to ResultHandler.
type ResultHandlerFunc func(ctx context.Context, ev events.SecurityEvent, result detection.AnalysisResult) error

func (f ResultHandlerFunc) HandleResult(ctx context.Context, ev events.SecurityEvent, result detection.AnalysisResult) error {
	return f(ctx, ev, result)
}

// sessionStripes is the number of locks sessions are hashed onto.
const sessionStripes = 64

// Pipeline analyses events and fans results out. It implements
// events.EventHandler so it can sit behind a Dispatcher.
//
// Events of one session are processed one at a time whichever goroutine
// submits them, so a session fed by both the Dispatcher and the HTTP API is
// still analysed serially, in the order Process is entered.
type Pipeline struct {
	analyzer *detection.SecurityAnalyzer
	dedup    *events.Deduplicator
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	sessions [sessionStripes]sync.Mutex

	mu       sync.RWMutex
	handlers []ResultHandler
}

// NewPipeline creates a pipeline. dedup and m may be nil.
func NewPipeline(analyzer *detection.SecurityAnalyzer, dedup *events.Deduplicator, m *metrics.Metrics, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		analyzer: analyzer,
		dedup:    dedup,
		metrics:  m,
		logger:   logger.With().Str("component", "pipeline").Logger(),
	}
}

// AddResultHandler registers a handler. Handlers run in registration order.
func (p *Pipeline) AddResultHandler(h ResultHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, h)
}

// Handle implements events.EventHandler.
func (p *Pipeline) Handle(ctx context.Context, ev events.SecurityEvent) error {
	_, _, err := p.Process(ctx, ev)
	return err
}

// Process analyses ev and passes the result to every handler. The boolean is
// false when ev was dropped as a duplicate. Handler errors are joined; they
// never prevent the remaining handlers from running. Handlers run under the
// session's lock, so results of one session reach them in analysis order.
func (p *Pipeline) Process(ctx context.Context, ev events.SecurityEvent) (detection.AnalysisResult, bool, error) {
	if p.dedup != nil && p.dedup.IsDuplicate(ev) {
		if p.metrics != nil {
			p.metrics.DuplicatesDropped.Inc()
		}
		p.logger.Debug().Str("event_id", ev.ID).Str("session_id", ev.SessionID).Msg("Duplicate event dropped")
		return detection.AnalysisResult{}, false, nil
	}

	lock := &p.sessions[xxhash.Sum64String(ev.SessionID)%sessionStripes]
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	result := p.analyzer.Analyze(ev)
	if p.metrics != nil {
		p.metrics.ObserveResult(ev, result, time.Since(start))
		p.metrics.Sessions.Set(float64(p.analyzer.Buffers().SessionCount()))
	}

	p.mu.RLock()
	handlers := p.handlers
	p.mu.RUnlock()

	var errs error
	for _, h := range handlers {
		errs = multierr.Append(errs, h.HandleResult(ctx, ev, result))
	}
	if errs != nil && p.metrics != nil {
		p.metrics.ActionErrors.Add(float64(len(multierr.Errors(errs))))
	}
	return result, true, errs
}

// Analyzer returns the underlying engine.
func (p *Pipeline) Analyzer() *detection.SecurityAnalyzer {
	return p.analyzer
}
