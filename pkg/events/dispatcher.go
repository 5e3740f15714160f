// pkg/events/dispatcher.go
package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
)

var (
	ErrQueueFull         = errors.New("dispatch queue is full")
	ErrDispatcherStopped = errors.New("dispatcher is not running")
)

// EventHandler consumes events delivered by the Dispatcher.
type EventHandler interface {
	Handle(ctx context.Context, event SecurityEvent) error
}

// HandlerFunc adapts a function to EventHandler.
type HandlerFunc func(ctx context.Context, event SecurityEvent) error

func (f HandlerFunc) Handle(ctx context.Context, event SecurityEvent) error {
	return f(ctx, event)
}

// Dispatcher fans events out to a fixed set of workers. Every session is
// pinned to one worker by hashing its id, so a session's events are handled
// one at a time in publish order while different sessions proceed in
// parallel.
type Dispatcher struct {
	queues   []chan SecurityEvent
	handlers []EventHandler
	logger   zerolog.Logger
	mu       sync.RWMutex
	running  bool
	wg       sync.WaitGroup

	published     atomic.Int64
	processed     atomic.Int64
	dropped       atomic.Int64
	handlerErrors atomic.Int64
	lastLatency   atomic.Int64
}

// DispatchMetrics is a snapshot of dispatcher counters.
type DispatchMetrics struct {
	Workers         int           `json:"workers"`
	QueueDepth      int           `json:"queue_depth"`
	EventsPublished int64         `json:"events_published"`
	EventsProcessed int64         `json:"events_processed"`
	EventsDropped   int64         `json:"events_dropped"`
	HandlerErrors   int64         `json:"handler_errors"`
	LastProcessing  time.Duration `json:"last_processing_time"`
}

// NewDispatcher creates a dispatcher with the given number of workers, each
// with its own queue of queueSize events.
func NewDispatcher(logger zerolog.Logger, workers, queueSize int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 1000
	}

	d := &Dispatcher{
		queues: make([]chan SecurityEvent, workers),
		logger: logger.With().Str("component", "dispatcher").Logger(),
	}
	for i := range d.queues {
		d.queues[i] = make(chan SecurityEvent, queueSize)
	}
	return d
}

// Subscribe registers a handler. Handlers run in registration order for
// each event. Subscribe before Start.
func (d *Dispatcher) Subscribe(handler EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, handler)
}

// Publish queues an event for its session's worker. It never blocks: a full
// queue drops the event and returns ErrQueueFull.
func (d *Dispatcher) Publish(event SecurityEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.running {
		return ErrDispatcherStopped
	}

	select {
	case d.queues[d.shard(event.SessionID)] <- event:
		d.published.Add(1)
		return nil
	default:
		d.dropped.Add(1)
		d.logger.Error().
			Str("event_id", event.ID).
			Str("session_id", event.SessionID).
			Msg("Dispatch queue full, dropping event")
		return ErrQueueFull
	}
}

func (d *Dispatcher) shard(sessionID string) int {
	return int(xxhash.Sum64String(sessionID) % uint64(len(d.queues)))
}

// Start launches the workers. They stop when ctx is cancelled or, after
// draining their queues, when Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.mu.Unlock()

	d.logger.Info().Int("workers", len(d.queues)).Msg("Dispatcher starting...")

	for i, q := range d.queues {
		d.wg.Add(1)
		go d.worker(ctx, i, q)
	}
}

func (d *Dispatcher) worker(ctx context.Context, id int, queue <-chan SecurityEvent) {
	defer d.wg.Done()
	for {
		select {
		case event, ok := <-queue:
			if !ok {
				return
			}
			d.process(ctx, event)
		case <-ctx.Done():
			d.logger.Debug().Int("worker", id).Msg("Worker shutting down due to context cancellation")
			return
		}
	}
}

// Stop refuses further events, waits for queued ones to be handled and
// returns. A dispatcher cannot be restarted.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info().
		Int64("processed", d.processed.Load()).
		Int64("dropped", d.dropped.Load()).
		Msg("Dispatcher stopped")
}

func (d *Dispatcher) process(ctx context.Context, event SecurityEvent) {
	start := time.Now()

	d.mu.RLock()
	handlers := d.handlers
	d.mu.RUnlock()

	errorCount := 0
	for _, h := range handlers {
		if err := h.Handle(ctx, event); err != nil {
			errorCount++
			d.logger.Error().
				Err(err).
				Str("event_id", event.ID).
				Str("session_id", event.SessionID).
				Msg("Handler error processing event")
		}
	}

	d.handlerErrors.Add(int64(errorCount))
	d.processed.Add(1)
	d.lastLatency.Store(int64(time.Since(start)))
}

// Metrics returns current counters.
func (d *Dispatcher) Metrics() DispatchMetrics {
	depth := 0
	for _, q := range d.queues {
		depth += len(q)
	}
	return DispatchMetrics{
		Workers:         len(d.queues),
		QueueDepth:      depth,
		EventsPublished: d.published.Load(),
		EventsProcessed: d.processed.Load(),
		EventsDropped:   d.dropped.Load(),
		HandlerErrors:   d.handlerErrors.Load(),
		LastProcessing:  time.Duration(d.lastLatency.Load()),
	}
}
