package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pesio-ai/be-approval-engine/internal/domain"
	"github.com/pesio-ai/be-approval-engine/internal/logger"
)

// NotificationPublisher publishes approval notifications to NATS for the
// notifications service.
//
// Subject convention: <prefix>.<kind>, e.g. notifications.approval.step_assigned
type NotificationPublisher struct {
	pub    Publisher
	prefix string
	log    *logger.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string   `json:"event_type"`
	Recipients   []string `json:"recipients"`
	Title        string   `json:"title"`
	Message      string   `json:"message"`
	ResourceType string   `json:"resource_type,omitempty"`
	ResourceID   string   `json:"resource_id,omitempty"`
	IsActionable bool     `json:"is_actionable,omitempty"`
	ActionURL    string   `json:"action_url,omitempty"`
	Severity     string   `json:"severity,omitempty"`
	Category     string   `json:"category,omitempty"`
}

// NewNotificationPublisher creates a publisher. A nil pub disables
// publishing.
func NewNotificationPublisher(pub Publisher, prefix string, log *logger.Logger) *NotificationPublisher {
	return &NotificationPublisher{pub: pub, prefix: prefix, log: log}
}

// Notify publishes n. Errors are returned so the engine can count them; the
// engine never lets them affect the instance.
func (p *NotificationPublisher) Notify(ctx context.Context, n domain.Notification) error {
	if p.pub == nil {
		return nil
	}

	event := &NotificationEvent{
		EventType:    strings.ToLower(string(n.Kind)),
		Recipients:   []string{n.UserID},
		Title:        n.Title,
		Message:      n.Message,
		ResourceType: n.RefType,
		ResourceID:   n.RefID,
		IsActionable: n.Kind == domain.NotifyStepAssigned,
		ActionURL:    n.Link,
		Severity:     severity(n.Kind),
		Category:     "approval",
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", p.prefix, event.EventType)
	if err := p.pub.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	p.log.Debug().
		Str("subject", subject).
		Str("user_id", n.UserID).
		Str("instance_id", n.RefID).
		Msg("Notification published")
	return nil
}

func severity(kind domain.NotificationKind) string {
	switch kind {
	case domain.NotifyRequestRejected, domain.NotifyRequestReturned:
		return "warning"
	}
	return "info"
}
