package notify

import (
	"context"
	"log/slog"
)

// LocalNotification is a request to the device-local notification sink.
// Delivery fires immediately and is best-effort.
type LocalNotification struct {
	Title    string
	Body     string
	Sound    string
	Priority string
}

// Notifier is the local notification sink consumed by the coordinator.
type Notifier interface {
	Schedule(ctx context.Context, n LocalNotification) error
}

// LogNotifier writes notifications to the structured log. The hosting
// application substitutes a platform-backed implementation; the daemon and
// the tests only need the requests to be observable.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier constructs a notifier writing through the given logger.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Schedule(ctx context.Context, ln LocalNotification) error {
	n.logger.Info("local notification", "title", ln.Title, "body", ln.Body, "priority", ln.Priority)
	return nil
}
