package actions

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/lucid-vigil/agentwatch/pkg/detection"
	"github.com/lucid-vigil/agentwatch/pkg/events"
)

// MockAction is a mock implementation of the Action interface.
type MockAction struct {
	mock.Mock
	name string
}

func (m *MockAction) Name() string {
	return m.name
}

func (m *MockAction) Execute(ctx context.Context, alert Alert) error {
	args := m.Called(ctx, alert)
	return args.Error(0)
}

func alertAt(level detection.RiskLevel) Alert {
	return Alert{AnalysisResult: detection.AnalysisResult{EventID: "e1", SessionID: "s1", Level: level}}
}

func TestActionDispatcher_MinLevel(t *testing.T) {
	ad := NewActionDispatcher(true, detection.LevelHigh, zerolog.Nop())
	action := &MockAction{name: "test"}
	ad.RegisterAction(action)

	action.On("Execute", mock.Anything, mock.MatchedBy(func(a Alert) bool {
		return a.Level == detection.LevelHigh || a.Level == detection.LevelCritical
	})).Return(nil).Twice()

	ctx := context.Background()
	for _, level := range []detection.RiskLevel{detection.LevelLow, detection.LevelMedium, detection.LevelHigh, detection.LevelCritical} {
		require.NoError(t, ad.Dispatch(ctx, alertAt(level)))
	}
	action.AssertExpectations(t)
}

func TestActionDispatcher_CollectsErrors(t *testing.T) {
	ad := NewActionDispatcher(true, detection.LevelLow, zerolog.Nop())
	first := &MockAction{name: "first"}
	second := &MockAction{name: "second"}
	ad.RegisterAction(first)
	ad.RegisterAction(second)

	first.On("Execute", mock.Anything, mock.Anything).Return(errors.New("down"))
	second.On("Execute", mock.Anything, mock.Anything).Return(nil)

	err := ad.Dispatch(context.Background(), alertAt(detection.LevelLow))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "action first: down")
	second.AssertCalled(t, "Execute", mock.Anything, mock.Anything)
	assert.Equal(t, []string{"first", "second"}, ad.Names())
}

func TestActionDispatcher_Disabled(t *testing.T) {
	ad := NewActionDispatcher(false, detection.LevelLow, zerolog.Nop())
	action := &MockAction{name: "test"}
	ad.RegisterAction(action)

	assert.NoError(t, ad.Dispatch(context.Background(), alertAt(detection.LevelCritical)))
	assert.NoError(t, ad.Execute(context.Background(), "test", alertAt(detection.LevelCritical)))
	action.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)

	ad.SetEnabled(true)
	assert.True(t, ad.IsEnabled())
	assert.Error(t, ad.Execute(context.Background(), "missing", alertAt(detection.LevelLow)))
}

func TestActionDispatcher_HandleResult(t *testing.T) {
	ad := NewActionDispatcher(true, detection.LevelMedium, zerolog.Nop())
	action := &MockAction{name: "test"}
	ad.RegisterAction(action)

	ev := events.SecurityEvent{ID: "e1", SessionID: "s1", Type: events.EventBash, Target: "sudo ls"}
	result := detection.AnalysisResult{EventID: "e1", SessionID: "s1", Score: 35, Level: detection.LevelMedium}

	action.On("Execute", mock.Anything, Alert{AnalysisResult: result, EventType: events.EventBash, Target: "sudo ls"}).Return(nil).Once()

	require.NoError(t, ad.HandleResult(context.Background(), ev, result))
	action.AssertExpectations(t)
}

func TestNewActionDispatcher_InvalidLevel(t *testing.T) {
	ad := NewActionDispatcher(true, "", zerolog.Nop())
	assert.False(t, ad.Qualifies(detection.LevelMedium))
	assert.True(t, ad.Qualifies(detection.LevelHigh))
}
