package actions

import (
	"context"

	"github.com/lucid-vigil/agentwatch/pkg/detection"
	"github.com/lucid-vigil/agentwatch/pkg/events"
)

// Alert is an analysis result together with the event it was computed for.
type Alert struct {
	detection.AnalysisResult
	EventType events.EventType `json:"event_type"`
	Target    string           `json:"target"`
}

// NewAlert pairs a result with its event.
func NewAlert(ev events.SecurityEvent, result detection.AnalysisResult) Alert {
	return Alert{AnalysisResult: result, EventType: ev.Type, Target: ev.Target}
}

// Action defines the interface for anything agentwatch does with an alert.
// Actions report; they never block the agent.
type Action interface {
	// Name returns the unique name of the action.
	Name() string
	// Execute handles one alert.
	Execute(ctx context.Context, alert Alert) error
}
