package handlers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/drcal/internal/domain"
)

// Sender delivers a notification to its recipient. Duplicate sends are the
// sink's problem; the queue guarantees at-least-once only.
type Sender interface {
	Send(ctx context.Context, n domain.Notification) error
}

// LogSender is the default delivery path: it records the notification
// instead of talking to a real provider.
type LogSender struct {
	Log *zap.Logger
}

func (s LogSender) Send(_ context.Context, n domain.Notification) error {
	s.Log.Info("notification delivered",
		zap.String("notification_id", n.ID),
		zap.String("type", n.Type),
		zap.String("recipient", n.Recipient))
	return nil
}

// NotificationSender handles send-notification jobs. No locking: nothing is
// mutated besides the sink.
type NotificationSender struct {
	sender Sender
}

func NewNotificationSender(sender Sender) *NotificationSender {
	return &NotificationSender{sender: sender}
}

func (h *NotificationSender) Kind() domain.Kind {
	return domain.KindSendNotification
}

func (h *NotificationSender) Handle(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var n domain.Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, errors.Wrap(err, "decode notification")
	}

	if err := h.sender.Send(ctx, n); err != nil {
		return nil, errors.Wrapf(err, "deliver %s to %s", n.Type, n.Recipient)
	}

	return json.Marshal(domain.SendResult{
		NotificationID: n.ID,
		Type:           n.Type,
		Recipient:      n.Recipient,
		Status:         "sent",
		SentAt:         time.Now().UTC(),
	})
}
