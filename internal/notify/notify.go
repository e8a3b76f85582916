// Package notify delivers workflow messages to members.
package notify

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/advflow/internal/clock"
	"github.com/pitabwire/advflow/internal/observability"
)

// Notifier sends a message to a set of recipients (member or group ids).
type Notifier interface {
	Send(ctx context.Context, recipients []string, subject, body string) error
}

// Message is one delivered notification.
type Message struct {
	From       string    `json:"from"`
	Recipients []string  `json:"recipients"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	SentAt     time.Time `json:"sent_at"`
}

// LogNotifier writes notifications to the structured log. It is the default
// when no delivery channel is configured.
type LogNotifier struct {
	from    string
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewLogNotifier creates a notifier that logs each message at info level.
func NewLogNotifier(from string, logger *zap.Logger, metrics *observability.Metrics) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{from: from, logger: logger, metrics: metrics}
}

// Send implements Notifier.
func (n *LogNotifier) Send(ctx context.Context, recipients []string, subject, body string) error {
	observability.LoggerFrom(ctx, n.logger).Info("notification",
		zap.String("from", n.from),
		zap.Strings("recipients", recipients),
		zap.String("subject", subject),
		zap.Int("body_bytes", len(body)),
	)
	n.metrics.RecordNotification("sent")
	return nil
}

// QueueNotifier keeps delivered messages in an in-memory outbox, newest
// last, bounded by capacity. Used by tests and the admin outbox endpoint.
type QueueNotifier struct {
	mu       sync.Mutex
	from     string
	capacity int
	outbox   []Message
	metrics  *observability.Metrics
}

// NewQueueNotifier creates an outbox notifier. capacity <= 0 means 1000.
func NewQueueNotifier(from string, capacity int, metrics *observability.Metrics) *QueueNotifier {
	if capacity <= 0 {
		capacity = 1000
	}
	return &QueueNotifier{from: from, capacity: capacity, metrics: metrics}
}

// Send implements Notifier.
func (q *QueueNotifier) Send(ctx context.Context, recipients []string, subject, body string) error {
	if err := ctx.Err(); err != nil {
		q.metrics.RecordNotification("failed")
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.outbox = append(q.outbox, Message{
		From:       q.from,
		Recipients: slices.Clone(recipients),
		Subject:    subject,
		Body:       body,
		SentAt:     clock.Now(),
	})
	if over := len(q.outbox) - q.capacity; over > 0 {
		q.outbox = slices.Delete(q.outbox, 0, over)
	}
	q.metrics.RecordNotification("sent")
	return nil
}

// Messages returns a copy of the outbox.
func (q *QueueNotifier) Messages() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.outbox)
}

// Drain returns and clears the outbox.
func (q *QueueNotifier) Drain() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.outbox
	q.outbox = nil
	return out
}
