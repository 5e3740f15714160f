package tasks

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/lucid-vigil/agentwatch/pkg/detection"
	"github.com/lucid-vigil/agentwatch/pkg/metrics"
)

// SessionSweeperName is the configuration name of the sweeper task.
const SessionSweeperName = "session_sweeper"

// SessionSweeper discards session buffers whose newest event has aged out
// of the retention window, so memory follows live sessions only.
type SessionSweeper struct {
	*BaseTask
	buffers *detection.SessionBuffers
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewSessionSweeper creates a sweeper over buffers. m may be nil.
func NewSessionSweeper(buffers *detection.SessionBuffers, m *metrics.Metrics, logger zerolog.Logger) *SessionSweeper {
	return &SessionSweeper{
		BaseTask: NewBaseTask(SessionSweeperName, logger),
		buffers:  buffers,
		metrics:  m,
		now:      time.Now,
	}
}

// Run prunes idle sessions once.
func (s *SessionSweeper) Run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	now := s.now()
	removed := s.buffers.PruneIdle(now)
	remaining := s.buffers.SessionCount()

	if s.metrics != nil {
		s.metrics.SessionsSwept.Add(float64(removed))
		s.metrics.Sessions.Set(float64(remaining))
	}
	s.UpdateMetrics("last_swept", removed)
	s.UpdateMetrics("sessions", remaining)
	s.RecordRun(now, nil)

	if removed > 0 {
		s.Logger().Info().Int("removed", removed).Int("remaining", remaining).Msg("Idle sessions swept")
	} else {
		s.Logger().Debug().Int("remaining", remaining).Msg("No idle sessions")
	}
}
