package detection

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lucid-vigil/agentwatch/pkg/events"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(seconds int) time.Time {
	return baseTime.Add(time.Duration(seconds) * time.Second)
}

func newEvent(id, session string, typ events.EventType, target string, ts time.Time) events.SecurityEvent {
	return events.SecurityEvent{ID: id, SessionID: session, Type: typ, Target: target, Timestamp: ts}
}

// sequenceOf builds a session's events one second apart starting at baseTime.
func sequenceOf(session string, n int) []events.SecurityEvent {
	out := make([]events.SecurityEvent, n)
	for i := range out {
		out[i] = newEvent(fmt.Sprintf("e%d", i), session, events.EventBash, fmt.Sprintf("echo %d", i), at(i))
	}
	return out
}

func newDefaultAnalyzer() *SecurityAnalyzer {
	a, err := NewSecurityAnalyzer(DefaultRuleSet(), DefaultOptions(), zerolog.Nop())
	if err != nil {
		panic(err)
	}
	return a
}
