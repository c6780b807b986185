package natsadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/samirrijal/bilbotrack/internal/core/domain"
)

// PushStream holds inbound push notifications.
const PushStream = "TRACKING_PUSH"

// Subscriber implements ports.NotificationSubscriber using NATS JetStream.
type Subscriber struct {
	conn    *nats.Conn
	js      nats.JetStreamContext
	subject string
	durable string
	subs    []*nats.Subscription
}

// NewSubscriber connects to NATS and ensures the push stream exists.
func NewSubscriber(url, subject, durable string) (*Subscriber, error) {
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
		Name:      PushStream,
		Subjects:  []string{subject},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
	}
	if _, err := js.AddStream(&cfg); err != nil {
		if _, err := js.UpdateStream(&cfg); err != nil {
			conn.Close()
			return nil, fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
		}
	}

	return &Subscriber{conn: conn, js: js, subject: subject, durable: durable}, nil
}

// SubscribeProximityNotifications delivers push payloads to handler.
// Malformed payloads are terminated; handler errors are redelivered.
func (s *Subscriber) SubscribeProximityNotifications(ctx context.Context, handler func(ctx context.Context, n *domain.ProximityNotification) error) error {
	sub, err := s.js.Subscribe(s.subject, func(msg *nats.Msg) {
		var n domain.ProximityNotification
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			slog.Warn("dropping malformed push payload", "subject", msg.Subject, "error", err)
			_ = msg.Term()
			return
		}
		if err := handler(ctx, &n); err != nil {
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	},
		nats.Durable(s.durable),
		nats.ManualAck(),
		nats.MaxDeliver(3),
	)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, sub)
	return nil
}

// Close unsubscribes and drains.
func (s *Subscriber) Close() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	_ = s.conn.Drain()
}
