package detection

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lucid-vigil/agentwatch/pkg/events"
)

// SessionBuffers keeps a bounded history of recent events per session.
// Sessions never see each other's events. The session map itself is an LRU
// cache, so memory stays bounded however many session ids appear.
type SessionBuffers struct {
	capacity int
	maxAge   time.Duration
	evicted  atomic.Int64

	// mu serialises adding and removing rings; lookups go straight to the cache.
	mu       sync.Mutex
	sessions *lru.Cache[string, *sessionRing]
}

// sessionRing is a fixed-capacity ring of events, oldest at head. A retired
// ring has left the session map and refuses further events.
type sessionRing struct {
	mu      sync.RWMutex
	entries []events.SecurityEvent
	head    int
	size    int
	newest  time.Time
	retired bool
}

// NewSessionBuffers creates buffers holding at most capacity events per
// session, none older than maxAge, for at most maxSessions sessions.
func NewSessionBuffers(capacity int, maxAge time.Duration, maxSessions int) (*SessionBuffers, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("session buffer capacity must be positive, got %d", capacity)
	}
	if maxAge <= 0 {
		return nil, fmt.Errorf("global max window must be positive, got %s", maxAge)
	}
	if maxSessions <= 0 {
		return nil, fmt.Errorf("max sessions must be positive, got %d", maxSessions)
	}

	cache, err := lru.NewWithEvict(maxSessions, func(_ string, ring *sessionRing) {
		ring.retire()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session cache: %w", err)
	}
	return &SessionBuffers{capacity: capacity, maxAge: maxAge, sessions: cache}, nil
}

// Record appends ev to its session's buffer, then evicts entries older than
// the retention window and any beyond capacity, oldest first.
func (sb *SessionBuffers) Record(ev events.SecurityEvent) {
	ring, ok := sb.sessions.Get(ev.SessionID)
	if !ok {
		ring = sb.ringFor(ev.SessionID)
	}
	// The ring may have been retired between lookup and push.
	for !ring.push(ev, sb.maxAge) {
		ring = sb.ringFor(ev.SessionID)
	}
}

// ringFor returns the live ring for a session, creating it if needed.
func (sb *SessionBuffers) ringFor(sessionID string) *sessionRing {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if ring, ok := sb.sessions.Get(sessionID); ok && !ring.isRetired() {
		return ring
	}
	fresh := newSessionRing(sb.capacity)
	if sb.sessions.Add(sessionID, fresh) {
		sb.evicted.Add(1)
	}
	return fresh
}

// Recent returns the session's events whose timestamp lies within window of
// now, oldest first. The returned slice is a copy.
func (sb *SessionBuffers) Recent(sessionID string, window time.Duration, now time.Time) []events.SecurityEvent {
	ring, ok := sb.sessions.Peek(sessionID)
	if !ok {
		return nil
	}
	return ring.snapshot(window, now)
}

// Len returns the number of buffered events for a session.
func (sb *SessionBuffers) Len(sessionID string) int {
	ring, ok := sb.sessions.Peek(sessionID)
	if !ok {
		return 0
	}
	return ring.count()
}

// SessionCount returns the number of sessions currently buffered.
func (sb *SessionBuffers) SessionCount() int {
	return sb.sessions.Len()
}

// EvictedSessions returns how many sessions were dropped to respect the session bound.
func (sb *SessionBuffers) EvictedSessions() int64 {
	return sb.evicted.Load()
}

// Remove discards a session's history.
func (sb *SessionBuffers) Remove(sessionID string) bool {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.sessions.Remove(sessionID)
}

// PruneIdle drops every session whose newest event is older than the
// retention window measured from now. It returns the number removed. The
// idle check and retirement happen under the ring's lock, so an event
// recorded concurrently either keeps the session alive or lands in a fresh
// ring.
func (sb *SessionBuffers) PruneIdle(now time.Time) int {
	cutoff := now.Add(-sb.maxAge)

	sb.mu.Lock()
	defer sb.mu.Unlock()

	removed := 0
	for _, id := range sb.sessions.Keys() {
		ring, ok := sb.sessions.Peek(id)
		if !ok || !ring.retireIfIdle(cutoff) {
			continue
		}
		if sb.sessions.Remove(id) {
			removed++
		}
	}
	return removed
}

func newSessionRing(capacity int) *sessionRing {
	return &sessionRing{entries: make([]events.SecurityEvent, capacity)}
}

// push reports false, storing nothing, when the ring is retired.
func (r *sessionRing) push(ev events.SecurityEvent, maxAge time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.retired {
		return false
	}

	capacity := len(r.entries)
	if r.size == capacity {
		r.dropOldest()
	}
	r.entries[(r.head+r.size)%capacity] = ev
	r.size++

	if ev.Timestamp.After(r.newest) {
		r.newest = ev.Timestamp
	}
	cutoff := r.newest.Add(-maxAge)
	for r.size > 0 && r.entries[r.head].Timestamp.Before(cutoff) {
		r.dropOldest()
	}
	return true
}

// dropOldest must be called with mu held.
func (r *sessionRing) dropOldest() {
	r.entries[r.head] = events.SecurityEvent{}
	r.head = (r.head + 1) % len(r.entries)
	r.size--
}

func (r *sessionRing) snapshot(window time.Duration, now time.Time) []events.SecurityEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]events.SecurityEvent, 0, r.size)
	for i := 0; i < r.size; i++ {
		ev := r.entries[(r.head+i)%len(r.entries)]
		if now.Sub(ev.Timestamp) <= window {
			out = append(out, ev)
		}
	}
	return out
}

func (r *sessionRing) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

func (r *sessionRing) retireIfIdle(cutoff time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.newest.Before(cutoff) {
		r.retired = true
	}
	return r.retired
}

func (r *sessionRing) retire() {
	r.mu.Lock()
	r.retired = true
	r.mu.Unlock()
}

func (r *sessionRing) isRetired() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.retired
}
