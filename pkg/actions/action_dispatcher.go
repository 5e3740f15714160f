package actions

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/lucid-vigil/agentwatch/pkg/detection"
	"github.com/lucid-vigil/agentwatch/pkg/events"
)

// ActionDispatcher runs registered actions for results at or above a
// minimum risk level.
type ActionDispatcher struct {
	actions  map[string]Action
	order    []string
	enabled  bool
	minLevel detection.RiskLevel
	logger   zerolog.Logger
	mu       sync.RWMutex
}

// NewActionDispatcher creates a new action dispatcher
func NewActionDispatcher(enabled bool, minLevel detection.RiskLevel, logger zerolog.Logger) *ActionDispatcher {
	if minLevel.Rank() < 0 {
		minLevel = detection.LevelHigh
	}
	return &ActionDispatcher{
		actions:  make(map[string]Action),
		enabled:  enabled,
		minLevel: minLevel,
		logger:   logger.With().Str("component", "action_dispatcher").Logger(),
	}
}

// RegisterAction registers a new action with the dispatcher. Actions run in
// registration order; registering a name twice replaces the earlier action.
func (ad *ActionDispatcher) RegisterAction(action Action) {
	ad.mu.Lock()
	defer ad.mu.Unlock()

	if _, exists := ad.actions[action.Name()]; !exists {
		ad.order = append(ad.order, action.Name())
	}
	ad.actions[action.Name()] = action
	ad.logger.Info().Msgf("Action '%s' registered.", action.Name())
}

// Execute runs the specified action for an alert regardless of its level.
func (ad *ActionDispatcher) Execute(ctx context.Context, actionName string, alert Alert) error {
	if !ad.IsEnabled() {
		ad.logger.Debug().Str("action", actionName).Msg("Actions are disabled, skipping execution.")
		return nil
	}

	ad.mu.RLock()
	action, exists := ad.actions[actionName]
	ad.mu.RUnlock()

	if !exists {
		return fmt.Errorf("action '%s' not found", actionName)
	}

	if err := action.Execute(ctx, alert); err != nil {
		ad.logger.Error().Err(err).Str("action", actionName).Str("event_id", alert.EventID).Msg("Action execution failed.")
		return fmt.Errorf("action %s: %w", actionName, err)
	}
	return nil
}

// Dispatch runs every registered action for the alert if its level reaches
// the minimum. All failures are returned together.
func (ad *ActionDispatcher) Dispatch(ctx context.Context, alert Alert) error {
	if !ad.Qualifies(alert.Level) {
		return nil
	}

	ad.mu.RLock()
	names := append([]string(nil), ad.order...)
	ad.mu.RUnlock()

	var errs error
	for _, name := range names {
		errs = multierr.Append(errs, ad.Execute(ctx, name, alert))
	}
	return errs
}

// HandleResult adapts Dispatch to the analysis pipeline.
func (ad *ActionDispatcher) HandleResult(ctx context.Context, ev events.SecurityEvent, result detection.AnalysisResult) error {
	return ad.Dispatch(ctx, NewAlert(ev, result))
}

// Qualifies reports whether a result at level would be dispatched.
func (ad *ActionDispatcher) Qualifies(level detection.RiskLevel) bool {
	return ad.IsEnabled() && level.Rank() >= ad.minLevel.Rank()
}

// Names returns the registered action names in execution order.
func (ad *ActionDispatcher) Names() []string {
	ad.mu.RLock()
	defer ad.mu.RUnlock()
	return append([]string(nil), ad.order...)
}

// IsEnabled returns whether actions are enabled
func (ad *ActionDispatcher) IsEnabled() bool {
	ad.mu.RLock()
	defer ad.mu.RUnlock()
	return ad.enabled
}

// SetEnabled enables or disables action execution
func (ad *ActionDispatcher) SetEnabled(enabled bool) {
	ad.mu.Lock()
	ad.enabled = enabled
	ad.mu.Unlock()
	ad.logger.Info().Bool("enabled", enabled).Msg("Action execution status changed.")
}
