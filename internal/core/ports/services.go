package ports

import (
	"context"

	"github.com/samirrijal/bilbotrack/internal/core/domain"
)

// AlertPublisher emits "proximity alerts changed" events with the full alert set.
type AlertPublisher interface {
	PublishProximityAlerts(ctx context.Context, alerts domain.AlertSet) error
}

// NotificationSubscriber delivers inbound push payloads.
type NotificationSubscriber interface {
	SubscribeProximityNotifications(ctx context.Context, handler func(ctx context.Context, n *domain.ProximityNotification) error) error
}
