package nats_publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/lucid-vigil/agentwatch/pkg/actions"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "agentwatch.alerts"

// Publisher is the part of *nats.Conn the action needs.
type Publisher interface {
	PublishMsg(msg *nats.Msg) error
}

// NATSPublishAction implements the actions.Action interface. It publishes
// each alert as JSON on <prefix>.<level>.
type NATSPublishAction struct {
	publisher     Publisher
	subjectPrefix string
}

// NewNATSPublishAction creates the action over an established publisher.
func NewNATSPublishAction(publisher Publisher, subjectPrefix string) *NATSPublishAction {
	if subjectPrefix == "" {
		subjectPrefix = DefaultSubjectPrefix
	}
	return &NATSPublishAction{publisher: publisher, subjectPrefix: subjectPrefix}
}

// Name returns the unique name of the action.
func (np *NATSPublishAction) Name() string {
	return "nats_publish"
}

// Execute publishes the alert.
func (np *NATSPublishAction) Execute(ctx context.Context, alert actions.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	headers := nats.Header{}
	headers.Set("x-session-id", alert.SessionID)
	headers.Set("x-event-id", alert.EventID)
	headers.Set("x-risk-level", string(alert.Level))

	msg := &nats.Msg{
		Subject: np.Subject(alert),
		Data:    data,
		Header:  headers,
	}
	if err := np.publisher.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}
	return nil
}

// Subject returns the subject an alert is published on.
func (np *NATSPublishAction) Subject(alert actions.Alert) string {
	return np.subjectPrefix + "." + string(alert.Level)
}

// Connect dials NATS with reconnect logging.
func Connect(url, clientName string, timeout time.Duration, logger zerolog.Logger) (*nats.Conn, error) {
	logger = logger.With().Str("component", "nats").Logger()

	conn, err := nats.Connect(url,
		nats.Name(clientName),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	logger.Info().Str("url", url).Msg("Connected to NATS")
	return conn, nil
}
