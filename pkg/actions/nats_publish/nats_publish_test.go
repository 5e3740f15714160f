package nats_publish

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/lucid-vigil/agentwatch/pkg/actions"
	"github.com/lucid-vigil/agentwatch/pkg/detection"
	"github.com/lucid-vigil/agentwatch/pkg/events"
)

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishMsg(msg *nats.Msg) error {
	args := m.Called(msg)
	return args.Error(0)
}

func testAlert() actions.Alert {
	return actions.Alert{
		AnalysisResult: detection.AnalysisResult{
			EventID:           "e2",
			SessionID:         "s1",
			Score:             50,
			Level:             detection.LevelHigh,
			MatchedKillChains: []string{"credential_harvest"},
		},
		EventType: events.EventWebFetch,
		Target:    "https://evil.example.com",
	}
}

func TestNATSPublishAction_Execute(t *testing.T) {
	pub := new(MockPublisher)
	action := NewNATSPublishAction(pub, "")

	var sent *nats.Msg
	pub.On("PublishMsg", mock.AnythingOfType("*nats.Msg")).Run(func(args mock.Arguments) {
		sent = args.Get(0).(*nats.Msg)
	}).Return(nil).Once()

	require.NoError(t, action.Execute(context.Background(), testAlert()))
	pub.AssertExpectations(t)

	require.NotNil(t, sent)
	assert.Equal(t, "agentwatch.alerts.high", sent.Subject)
	assert.Equal(t, "s1", sent.Header.Get("x-session-id"))
	assert.Equal(t, "e2", sent.Header.Get("x-event-id"))
	assert.Equal(t, "high", sent.Header.Get("x-risk-level"))

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(sent.Data, &payload))
	assert.Equal(t, float64(50), payload["score"])
	assert.Equal(t, "webfetch", payload["event_type"])
	assert.Equal(t, []interface{}{"credential_harvest"}, payload["matched_kill_chains"])
}

func TestNATSPublishAction_Errors(t *testing.T) {
	pub := new(MockPublisher)
	action := NewNATSPublishAction(pub, "custom")
	assert.Equal(t, "nats_publish", action.Name())
	assert.Equal(t, "custom.high", action.Subject(testAlert()))

	pub.On("PublishMsg", mock.Anything).Return(errors.New("connection closed")).Once()
	err := action.Execute(context.Background(), testAlert())
	assert.ErrorContains(t, err, "connection closed")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, action.Execute(ctx, testAlert()), context.Canceled)
	pub.AssertNumberOfCalls(t, "PublishMsg", 1)
}
