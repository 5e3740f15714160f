// pkg/events/deduplicator.go
package events

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Deduplicator drops events whose id was already seen in the same session
// within a time window.
type Deduplicator struct {
	seen          map[uint64]time.Time
	window        time.Duration
	mu            sync.Mutex
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
	now           func() time.Time
}

// NewDeduplicator creates a deduplicator and starts its cleanup loop. Call
// Stop to release it.
func NewDeduplicator(window time.Duration) *Deduplicator {
	if window <= 0 {
		window = time.Minute
	}
	d := &Deduplicator{
		seen:        make(map[uint64]time.Time),
		window:      window,
		stopCleanup: make(chan struct{}),
		now:         time.Now,
	}

	d.cleanupTicker = time.NewTicker(window / 2)
	go d.cleanupLoop()

	return d
}

// IsDuplicate records the event and reports whether it was seen within the
// window.
func (d *Deduplicator) IsDuplicate(event SecurityEvent) bool {
	key := eventKey(event)
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	lastSeen, exists := d.seen[key]
	if exists && now.Sub(lastSeen) < d.window {
		return true
	}
	d.seen[key] = now
	return false
}

// Len returns the number of remembered ids.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func eventKey(event SecurityEvent) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(event.SessionID)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(event.ID)
	return h.Sum64()
}

func (d *Deduplicator) cleanupLoop() {
	for {
		select {
		case <-d.cleanupTicker.C:
			d.cleanup()
		case <-d.stopCleanup:
			d.cleanupTicker.Stop()
			return
		}
	}
}

func (d *Deduplicator) cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := d.now().Add(-d.window)
	for key, ts := range d.seen {
		if ts.Before(cutoff) {
			delete(d.seen, key)
		}
	}
}

// Stop ends the cleanup loop. It is safe to call more than once.
func (d *Deduplicator) Stop() {
	d.stopOnce.Do(func() { close(d.stopCleanup) })
}
