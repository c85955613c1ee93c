package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"reviewlog/internal/domain"
)

const (
	defaultBuffer  = 256
	publishTimeout = 5 * time.Second
)

// Notification describes one accepted event and the snapshot it produced.
type Notification struct {
	UserID       string            `json:"userID"`
	Event        domain.Event      `json:"event"`
	Entity       *domain.TaskState `json:"entity,omitempty"`
	Path         string            `json:"path,omitempty"`
	CounterDelta int               `json:"counterDelta"`
	Error        string            `json:"error,omitempty"`
	At           time.Time         `json:"at"`
}

// Sink delivers notifications to an external observer.
type Sink interface {
	Publish(ctx context.Context, n Notification) error
	Close() error
}

// Notifier accepts notifications without blocking the caller.
type Notifier interface {
	Notify(n Notification)
}

// ErrClosed is returned by Close when the dispatcher was already closed.
var ErrClosed = errors.New("dispatcher closed")

// Dispatcher hands notifications to a sink from a single background
// goroutine. When the queue is full new notifications are dropped.
type Dispatcher struct {
	sink    Sink
	logger  *slog.Logger
	queue   chan Notification
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewDispatcher(sink Sink, buffer int, logger *slog.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		sink:    sink,
		logger:  logger,
		queue:   make(chan Notification, buffer),
		timeout: publishTimeout,
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for n := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := d.sink.Publish(ctx, n); err != nil {
			d.logger.Warn("notification delivery failed", "event_id", n.Event.ID, "user_id", n.UserID, "err", err)
		}
		cancel()
	}
}

// Notify enqueues n. It never blocks and never fails the caller.
func (d *Dispatcher) Notify(n Notification) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- n:
	default:
		d.logger.Warn("notification queue full, dropping", "event_id", n.Event.ID, "user_id", n.UserID)
	}
}

// Close drains queued notifications, waiting at most until ctx is done, then closes the sink.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	select {
	case <-d.done:
	case <-ctx.Done():
		return errors.Join(ctx.Err(), d.sink.Close())
	}
	return d.sink.Close()
}

// Discard drops every notification.
type Discard struct{}

func (Discard) Notify(Notification) {}

// Noop is a sink that accepts and forgets.
type Noop struct{}

func (Noop) Publish(context.Context, Notification) error { return nil }
func (Noop) Close() error                                { return nil }

// LogSink writes notifications to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Publish(ctx context.Context, n Notification) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		"user_id", n.UserID,
		"event_id", n.Event.ID,
		"entity_id", n.Event.EntityID,
		"type", string(n.Event.Type),
		"path", n.Path,
		"counter_delta", n.CounterDelta,
	}
	if n.Error != "" {
		logger.WarnContext(ctx, "event rejected", append(attrs, "err", n.Error)...)
		return nil
	}
	logger.InfoContext(ctx, "event applied", attrs...)
	return nil
}

func (LogSink) Close() error { return nil }
