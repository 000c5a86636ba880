// Package notification delivers engine notifications to external channels
// (log, Telegram, webhooks, Redis, the journal).
package notification

import (
	"context"
	"log"

	"barwatch/internal/model"
)

// Sender is implemented by every delivery backend.
type Sender interface {
	// Send delivers one notification. Returns error if delivery fails.
	Send(ctx context.Context, n model.Notification) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, n model.Notification) error

func (f SenderFunc) Send(ctx context.Context, n model.Notification) error { return f(ctx, n) }

// LogNotifier logs notifications (useful for development).
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (l *LogNotifier) Send(ctx context.Context, n model.Notification) error {
	log.Printf("[notify] [%s] %s", n.Kind, n.Text)
	return nil
}
