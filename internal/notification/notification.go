package notification

import (
	"context"
	"log/slog"
	"sync"

	"github.com/twende-pay/twende_pay/internal/msisdn"
)

const (
	// KindFareReceived is sent to the vehicle wallet owner after a fare settles.
	KindFareReceived = "fare_received"
	// KindPayoutSucceeded is sent when a withdrawal reaches SUCCESS.
	KindPayoutSucceeded = "payout_succeeded"
	// KindPayoutFailed is sent when a withdrawal reaches FAILED.
	KindPayoutFailed = "payout_failed"
)

// Message describes a notification payload.
type Message struct {
	Kind        string
	Destination string
	Body        string
}

// Notifier delivers notifications to downstream systems.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier writes notifications to the logger. SMS delivery is handled
// by a separate dispatcher reading the same events.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("notification",
		slog.String("kind", message.Kind),
		slog.String("destination", msisdn.Mask(message.Destination)),
		slog.String("body", message.Body),
	)
	return nil
}

// Recorder keeps sent messages in memory for tests.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

// Send records the message.
func (r *Recorder) Send(_ context.Context, message Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message)
	return nil
}

// Messages returns a copy of everything sent so far.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}
