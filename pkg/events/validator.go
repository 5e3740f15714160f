// pkg/events/validator.go
package events

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// DefaultMaxTargetBytes bounds target length when no limit is configured.
const DefaultMaxTargetBytes = 256 * 1024

// TruncationMarker replaces the middle of an over-long target. The %d verb
// receives the number of bytes removed. Detection rules match on it, so
// padding a command never hides its tail.
const TruncationMarker = " [agentwatch: %d bytes elided] "

// Validator checks and normalises events before they reach the engine.
type Validator struct {
	maxTargetBytes int
	now            func() time.Time
}

// NewValidator creates a validator that elides the middle of targets longer
// than maxTargetBytes, keeping the head and the tail. A non-positive limit selects DefaultMaxTargetBytes.
func NewValidator(maxTargetBytes int) *Validator {
	if maxTargetBytes <= 0 {
		maxTargetBytes = DefaultMaxTargetBytes
	}
	return &Validator{maxTargetBytes: maxTargetBytes, now: time.Now}
}

// Validate rejects events without a session or type and normalises the
// rest in place: a missing id gets a UUID, a zero timestamp becomes the
// receipt time and the target is sanitised.
func (v *Validator) Validate(event *SecurityEvent) error {
	event.SessionID = strings.TrimSpace(event.SessionID)
	if event.SessionID == "" {
		return fmt.Errorf("event session_id is required")
	}
	if event.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if !event.Type.Valid() {
		event.Type = ParseEventType(string(event.Type))
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = v.now().UTC()
	}

	event.Target = sanitizeTarget(event.Target, v.maxTargetBytes)
	return nil
}

// sanitizeTarget drops NUL bytes and normalises line endings. A target over
// limit keeps limit/2 bytes from each end, cut on rune boundaries, joined by
// TruncationMarker.
func sanitizeTarget(s string, limit int) string {
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.TrimSpace(s)

	if len(s) <= limit {
		return s
	}
	half := limit / 2
	head := half
	for head > 0 && !utf8.RuneStart(s[head]) {
		head--
	}
	tail := len(s) - half
	for tail < len(s) && !utf8.RuneStart(s[tail]) {
		tail++
	}
	return s[:head] + fmt.Sprintf(TruncationMarker, tail-head) + s[tail:]
}
