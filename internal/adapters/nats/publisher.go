package natsadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/samirrijal/bilbotrack/internal/core/domain"
)

// AlertsStream holds proximity alert change events.
const AlertsStream = "TRACKING_ALERTS"

// AlertsEvent is the payload published whenever the alert set changes.
type AlertsEvent struct {
	Alerts    domain.AlertSet `json:"alerts"`
	Timestamp int64           `json:"timestamp"`
}

// Publisher implements ports.AlertPublisher using NATS JetStream.
type Publisher struct {
	conn    *nats.Conn
	js      nats.JetStreamContext
	subject string
}

// NewPublisher connects to NATS, enables JetStream and ensures the
// alerts stream covers subject.
func NewPublisher(url, subject string) (*Publisher, error) {
	conn, err := RawConn(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	cfg := nats.StreamConfig{
		Name:      AlertsStream,
		Subjects:  []string{subject},
		Retention: nats.LimitsPolicy,
		MaxAge:    1 * time.Hour,
		MaxMsgs:   1000,
		Storage:   nats.FileStorage,
	}
	if _, err := js.AddStream(&cfg); err != nil {
		// Stream may already exist, try update
		if _, err := js.UpdateStream(&cfg); err != nil {
			conn.Close()
			return nil, fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
		}
	}

	return &Publisher{conn: conn, js: js, subject: subject}, nil
}

// PublishProximityAlerts publishes the full alert set.
func (p *Publisher) PublishProximityAlerts(ctx context.Context, alerts domain.AlertSet) error {
	data, err := json.Marshal(AlertsEvent{Alerts: alerts, Timestamp: time.Now().UnixMilli()})
	if err != nil {
		return err
	}
	_, err = p.js.Publish(p.subject, data, nats.Context(ctx))
	return err
}

// Conn exposes the underlying connection for health checks and relays.
func (p *Publisher) Conn() *nats.Conn {
	return p.conn
}

// Close drains and closes the connection.
func (p *Publisher) Close() {
	_ = p.conn.Drain()
}

// RawConn creates a plain NATS connection for subscribing (e.g. WebSocket relay).
func RawConn(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
}
