package http

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/nats-io/nats.go"

	"github.com/samirrijal/bilbotrack/internal/core/domain"
	"github.com/samirrijal/bilbotrack/internal/pkg/metrics"
)

// wsMessage is sent from client to narrow or widen the alert relay.
type wsMessage struct {
	Action         string `json:"action"`         // "subscribe" | "unsubscribe"
	SubscriptionID string `json:"subscriptionId"` // "" = every subscription
}

// alertsEvent mirrors the payload published on the alerts subject.
type alertsEvent struct {
	Alerts    domain.AlertSet `json:"alerts"`
	Timestamp int64           `json:"timestamp"`
}

// WebSocketHandler relays "proximity alerts changed" events from NATS to
// connected clients. With no filter every event is forwarded verbatim.
// Clients narrow the relay with {"action":"subscribe","subscriptionId":"..."};
// filtered events carry only the matching alerts.
func WebSocketHandler(nc *nats.Conn, subject string) func(*websocket.Conn) {
	return func(c *websocket.Conn) {
		defer c.Close()

		log := slog.Default().With("component", "ws", "remote", c.RemoteAddr().String())
		log.Info("ws client connected")
		metrics.ActiveWebSockets.Inc()
		defer metrics.ActiveWebSockets.Dec()

		var mu sync.Mutex
		filter := make(map[string]bool)

		// Helper: thread-safe write
		writeJSON := func(v any) error {
			data, err := json.Marshal(v)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			return c.WriteMessage(websocket.TextMessage, data)
		}

		relay := func(msg *nats.Msg) {
			mu.Lock()
			ids := make([]string, 0, len(filter))
			for id := range filter {
				ids = append(ids, id)
			}
			mu.Unlock()

			if len(ids) == 0 {
				_ = writeJSON(json.RawMessage(msg.Data))
				return
			}
			var ev alertsEvent
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				log.Warn("ws relay: bad alerts payload", "error", err)
				return
			}
			narrowed := make(domain.AlertSet, len(ids))
			for _, id := range ids {
				if a, ok := ev.Alerts[id]; ok {
					narrowed[id] = a
				}
			}
			_ = writeJSON(alertsEvent{Alerts: narrowed, Timestamp: ev.Timestamp})
		}

		sub, err := nc.Subscribe(subject, relay)
		if err != nil {
			log.Error("ws subscribe", "subject", subject, "error", err)
			return
		}
		defer func() { _ = sub.Unsubscribe() }()

		// Keep-alive ping
		done := make(chan struct{})
		defer close(done)
		go func() {
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					mu.Lock()
					err := c.WriteMessage(websocket.PingMessage, nil)
					mu.Unlock()
					if err != nil {
						return
					}
				case <-done:
					return
				}
			}
		}()

		for {
			_, raw, err := c.ReadMessage()
			if err != nil {
				break
			}

			var m wsMessage
			if err := json.Unmarshal(raw, &m); err != nil {
				_ = writeJSON(map[string]string{"error": "invalid JSON"})
				continue
			}

			switch m.Action {
			case "subscribe":
				if m.SubscriptionID == "" {
					_ = writeJSON(map[string]string{"error": "subscriptionId is required"})
					continue
				}
				mu.Lock()
				filter[m.SubscriptionID] = true
				mu.Unlock()
				_ = writeJSON(map[string]string{"status": "subscribed", "subscriptionId": m.SubscriptionID})

			case "unsubscribe":
				mu.Lock()
				if m.SubscriptionID == "" {
					clear(filter)
				} else {
					delete(filter, m.SubscriptionID)
				}
				mu.Unlock()
				_ = writeJSON(map[string]string{"status": "unsubscribed", "subscriptionId": m.SubscriptionID})

			default:
				_ = writeJSON(map[string]string{"error": "unknown action: " + m.Action})
			}
		}

		log.Info("ws client disconnected")
	}
}
