// Package notify delivers order notifications to buyers and sellers.
//
// Callers enqueue and return immediately. Workers drain the queue and hand
// each notification to a Sender; delivery failures are logged and counted,
// never reported back to the caller.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/safar/handiehub/internal/logging"
	"github.com/safar/handiehub/internal/metrics"
)

type EventType string

const (
	EventOrderCreated       EventType = "order_created"
	EventOrderStatusChanged EventType = "order_status_changed"
	EventPaymentFailed      EventType = "payment_failed"
)

type Payload struct {
	Title   string         `json:"title"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

type Notification struct {
	UserID    int64     `json:"user_id"`
	Event     EventType `json:"event"`
	Payload   Payload   `json:"payload"`
	RequestID string    `json:"request_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Dispatcher accepts notifications without blocking the caller.
type Dispatcher interface {
	Notify(ctx context.Context, userID int64, event EventType, payload Payload)
}

// Sender delivers one notification.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// Nop drops every notification.
type Nop struct{}

func (Nop) Notify(context.Context, int64, EventType, Payload) {}

type Queue struct {
	ch          chan Notification
	sender      Sender
	logger      *slog.Logger
	workers     int
	sendTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewQueue(sender Sender, logger *slog.Logger, size, workers int, sendTimeout time.Duration) *Queue {
	if size <= 0 {
		size = 1
	}
	if workers <= 0 {
		workers = 1
	}
	if sendTimeout <= 0 {
		sendTimeout = 5 * time.Second
	}
	return &Queue{
		ch:          make(chan Notification, size),
		sender:      sender,
		logger:      logger,
		workers:     workers,
		sendTimeout: sendTimeout,
	}
}

// Start launches the workers. They run until Close.
func (q *Queue) Start() {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.work()
	}
}

// Notify enqueues a notification. When the queue is full or closed the
// notification is dropped and counted.
func (q *Queue) Notify(ctx context.Context, userID int64, event EventType, payload Payload) {
	n := Notification{
		UserID:    userID,
		Event:     event,
		Payload:   payload,
		RequestID: logging.RequestID(ctx),
		CreatedAt: time.Now().UTC(),
	}

	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.drop(ctx, n, "queue closed")
		return
	}

	select {
	case q.ch <- n:
		metrics.NotificationQueueDepth.Set(float64(len(q.ch)))
	default:
		q.drop(ctx, n, "queue full")
	}
}

func (q *Queue) drop(ctx context.Context, n Notification, reason string) {
	metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
	logging.L(ctx, q.logger).Warn("notification dropped",
		"reason", reason,
		"user_id", n.UserID,
		"event", n.Event,
	)
}

// Close stops accepting notifications and waits for the workers to drain
// what is queued, or for ctx to end.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) work() {
	defer q.wg.Done()
	for n := range q.ch {
		metrics.NotificationQueueDepth.Set(float64(len(q.ch)))
		q.deliver(n)
	}
}

func (q *Queue) deliver(n Notification) {
	defer func() {
		if r := recover(); r != nil {
			metrics.NotificationsTotal.WithLabelValues("failed").Inc()
			q.logger.Error("panic sending notification", "panic", r, "event", n.Event)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), q.sendTimeout)
	defer cancel()

	if err := q.sender.Send(ctx, n); err != nil {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		q.logger.Warn("failed to send notification",
			"user_id", n.UserID,
			"event", n.Event,
			"request_id", n.RequestID,
			"error", err,
		)
		return
	}
	metrics.NotificationsTotal.WithLabelValues("sent").Inc()
}

// LogSender writes notifications to the log. It is the sender used when no
// webhook is configured.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) Send(_ context.Context, n Notification) error {
	s.Logger.Info("notification",
		"user_id", n.UserID,
		"event", n.Event,
		"title", n.Payload.Title,
		"message", n.Payload.Message,
	)
	return nil
}
