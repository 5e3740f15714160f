// Package api exposes the daemon over HTTP: health, Prometheus metrics and a
// small JSON API for submitting events and inspecting engine state.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/lucid-vigil/agentwatch/pkg/detection"
	"github.com/lucid-vigil/agentwatch/pkg/events"
	"github.com/lucid-vigil/agentwatch/pkg/ingest"
	"github.com/lucid-vigil/agentwatch/pkg/pipeline"
)

// maxBodyBytes bounds a submitted event.
const maxBodyBytes = 1 << 20

// Server routes HTTP requests to the engine.
type Server struct {
	router     chi.Router
	pipeline   *pipeline.Pipeline
	reader     *ingest.Reader
	dispatcher *events.Dispatcher
	gatherer   prometheus.Gatherer
	logger     zerolog.Logger
	started    time.Time
}

// StatsResponse is the body of GET /v1/stats.
type StatsResponse struct {
	Engine       detection.Stats           `json:"engine"`
	Dispatch     *events.DispatchMetrics   `json:"dispatch,omitempty"`
	Thresholds   detection.LevelThresholds `json:"thresholds"`
	UptimeSecs   int64                     `json:"uptime_seconds"`
	ResidentMem  uint64                    `json:"resident_memory_bytes,omitempty"`
	IngestAccept int64                     `json:"ingest_accepted"`
	IngestReject int64                     `json:"ingest_rejected"`
}

// SessionResponse is the body of GET /v1/sessions/{id}.
type SessionResponse struct {
	SessionID      string `json:"session_id"`
	BufferedEvents int    `json:"buffered_events"`
}

// NewServer builds the router. dispatcher may be nil when events are only
// submitted over HTTP.
func NewServer(p *pipeline.Pipeline, reader *ingest.Reader, dispatcher *events.Dispatcher, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		pipeline:   p,
		reader:     reader,
		dispatcher: dispatcher,
		gatherer:   gatherer,
		logger:     logger.With().Str("component", "api").Logger(),
		started:    time.Now(),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.requestLogger)
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Get("/healthz", healthzHandler)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	s.router.Route("/v1", func(r chi.Router) {
		r.Post("/events", s.postEvent)
		r.Get("/stats", s.getStats)
		r.Get("/sessions/{id}", s.getSession)
	})
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on port until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Msgf("API server starting on :%s", port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// POST /v1/events  body: one event record in feed format
//
// The event is analysed on the request goroutine rather than queued on the
// dispatcher, so the response can carry the result. The pipeline serialises
// each session, but when the watcher and the API feed the same session the
// events are interleaved in arrival order; callers that need a strict order
// should use a single source per session.
func (s *Server) postEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}

	ev, err := s.reader.DecodeLine("api", 1, body)
	if err != nil {
		writeJSON(w, map[string]string{"error": err.Error()}, http.StatusBadRequest)
		return
	}

	result, analyzed, err := s.pipeline.Process(r.Context(), ev)
	if err != nil {
		// The analysis stands even when an alert action failed.
		s.logger.Warn().Err(err).Str("event_id", ev.ID).Msg("Alert actions failed")
	}
	if !analyzed {
		writeJSON(w, map[string]any{"duplicate": true, "event_id": ev.ID}, http.StatusOK)
		return
	}
	writeJSON(w, result, http.StatusOK)
}

// GET /v1/stats
func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	analyzer := s.pipeline.Analyzer()
	resp := StatsResponse{
		Engine:     analyzer.Stats(),
		Thresholds: analyzer.Thresholds(),
		UptimeSecs: int64(time.Since(s.started).Seconds()),
	}
	if s.dispatcher != nil {
		m := s.dispatcher.Metrics()
		resp.Dispatch = &m
	}
	resp.IngestAccept, resp.IngestReject = s.reader.Stats()

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil {
			resp.ResidentMem = mem.RSS
		}
	}
	writeJSON(w, resp, http.StatusOK)
}

// GET /v1/sessions/{id}
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n := s.pipeline.Analyzer().Buffers().Len(id)
	if n == 0 {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, SessionResponse{SessionID: id, BufferedEvents: n}, http.StatusOK)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

func writeJSON(w http.ResponseWriter, v any, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
