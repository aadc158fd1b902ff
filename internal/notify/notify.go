// Package notify delivers fire-and-forget operational notifications.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Notification is the payload published for every notification.
type Notification struct {
	Header   events.EventHeader `json:"header"`
	Title    string             `json:"title"`
	Message  string             `json:"message"`
	Severity core.Severity      `json:"severity"`
}

// NatsNotifier publishes notifications on a NATS subject.
type NatsNotifier struct {
	natsConnection *nats.Conn
	subject        string
	log            *logger.Logger
}

// NewNatsNotifier creates a notifier publishing on subject.
func NewNatsNotifier(natsConnection *nats.Conn, subject string, log *logger.Logger) *NatsNotifier {
	return &NatsNotifier{
		natsConnection: natsConnection,
		subject:        subject,
		log:            log,
	}
}

// Notify publishes the notification. Failures are logged, never returned.
func (n *NatsNotifier) Notify(ctx context.Context, title, message string, severity core.Severity) {
	if ctx.Err() != nil {
		n.log.Warn("Dropping notification %q: %v", title, ctx.Err())

		return
	}

	payload, err := json.Marshal(Notification{
		Header: events.EventHeader{
			Timestamp:  time.Now(),
			WorkflowID: "",
			EventID:    uuid.NewString(),
			UserID:     "",
			TenantID:   "",
		},
		Title:    title,
		Message:  message,
		Severity: severity,
	})
	if err != nil {
		n.log.Error("Failed to marshal notification %q: %v", title, err)

		return
	}

	publishErr := n.natsConnection.Publish(n.subject, payload)
	if publishErr != nil {
		n.log.Error("Failed to publish notification %q on %s: %v", title, n.subject, publishErr)
	}
}

// LogNotifier writes notifications to the service log.
type LogNotifier struct {
	log *logger.Logger
}

// NewLogNotifier creates a notifier backed by log.
func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

// Notify logs the notification at a level matching severity.
func (n *LogNotifier) Notify(_ context.Context, title, message string, severity core.Severity) {
	switch severity {
	case core.SeverityError:
		n.log.Error("%s: %s", title, message)
	case core.SeverityWarning:
		n.log.Warn("%s: %s", title, message)
	default:
		n.log.Info("%s: %s", title, message)
	}
}

// Multi fans a notification out to several notifiers.
type Multi []core.Notifier

// Notify forwards to every notifier in order.
func (m Multi) Notify(ctx context.Context, title, message string, severity core.Severity) {
	for _, notifier := range m {
		notifier.Notify(ctx, title, message, severity)
	}
}
