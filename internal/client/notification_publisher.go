package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// NotificationPublisher publishes approval domain events to NATS for
// consumption by the be-plt-notifications service.
//
// Subject convention: notifications.approvals.<event_type>
// Event types: request_created, step_approved, request_approved,
//              request_rejected, request_cancelled, step_transferred
//
// All publish operations are non-fatal — errors are logged but never
// propagated, so notification failures never interrupt approval operations.
type NotificationPublisher struct {
	conn *nats.Conn
	log  zerolog.Logger
}

// NewNotificationPublisher creates a publisher backed by the given NATS
// connection. A nil connection disables publishing.
func NewNotificationPublisher(conn *nats.Conn, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{conn: conn, log: log}
}

// Publish sends one approval event. Subject: notifications.approvals.<event_type>
func (p *NotificationPublisher) Publish(ctx context.Context, event service.Event) {
	if p.conn == nil {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", event.EventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("notifications.approvals.%s", event.EventType)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("request_id", event.RequestID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("request_id", event.RequestID).
		Msg("notification: event published")
}
