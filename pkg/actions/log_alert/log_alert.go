package log_alert

import (
	"context"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/lucid-vigil/agentwatch/pkg/actions"
	"github.com/lucid-vigil/agentwatch/pkg/detection"
)

const maxTrackedSessions = 10000

// LogAlertAction implements the actions.Action interface by writing each
// alert to the log. Alerts are throttled per session so a noisy agent cannot
// flood the log; throttled alerts are counted, not queued.
type LogAlertAction struct {
	logger     zerolog.Logger
	limit      rate.Limit
	burst      int
	limiters   *lru.Cache[string, *rate.Limiter]
	suppressed atomic.Int64
}

// NewLogAlertAction allows perSecond alerts per session with the given
// burst. A non-positive rate disables throttling.
func NewLogAlertAction(logger zerolog.Logger, perSecond float64, burst int) *LogAlertAction {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	limiters, _ := lru.New[string, *rate.Limiter](maxTrackedSessions)

	return &LogAlertAction{
		logger:   logger.With().Str("component", "log_alert").Logger(),
		limit:    limit,
		burst:    burst,
		limiters: limiters,
	}
}

// Name returns the unique name of the action.
func (la *LogAlertAction) Name() string {
	return "log_alert"
}

// Execute logs the alert unless its session is over its rate.
func (la *LogAlertAction) Execute(ctx context.Context, alert actions.Alert) error {
	if !la.allow(alert.SessionID) {
		la.suppressed.Add(1)
		return nil
	}

	var e *zerolog.Event
	switch alert.Level {
	case detection.LevelCritical:
		e = la.logger.Error()
	case detection.LevelHigh:
		e = la.logger.Warn()
	default:
		e = la.logger.Info()
	}

	e.Str("session_id", alert.SessionID).
		Str("event_id", alert.EventID).
		Str("event_type", string(alert.EventType)).
		Int("score", alert.Score).
		Str("level", string(alert.Level)).
		Strs("reasons", alert.Reasons).
		Strs("mitre_techniques", alert.MITRETechniques).
		Strs("kill_chains", alert.MatchedKillChains).
		Strs("correlations", alert.MatchedCorrelations).
		Msg("Risky agent action detected")
	return nil
}

func (la *LogAlertAction) allow(sessionID string) bool {
	if la.limit == rate.Inf {
		return true
	}
	limiter, ok := la.limiters.Get(sessionID)
	if !ok {
		limiter = rate.NewLimiter(la.limit, la.burst)
		if prev, exists, _ := la.limiters.PeekOrAdd(sessionID, limiter); exists {
			limiter = prev
		}
	}
	return limiter.Allow()
}

// Suppressed returns the number of alerts dropped by throttling.
func (la *LogAlertAction) Suppressed() int64 {
	return la.suppressed.Load()
}
