package rabbitmq

import (
	"context"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultPrefetchCount = 1

// Receiver opens consumption streams on dedicated channels drawn from the
// shared connection. Deliveries are exposed as plain Go channels; the stream
// ends when the receiver or the underlying channel closes.
type Receiver struct {
	manager       *ConnectionManager
	logger        *slog.Logger
	prefetchCount int

	mu       sync.Mutex
	channels []*amqp.Channel
	closed   bool
}

// ReceiverOption configures a receiver.
type ReceiverOption func(*Receiver)

// WithPrefetchCount sets the manual-ack prefetch window.
func WithPrefetchCount(count int) ReceiverOption {
	return func(r *Receiver) {
		r.prefetchCount = count
	}
}

// NewReceiver creates a receiver bound to the shared connection.
func NewReceiver(manager *ConnectionManager, logger *slog.Logger, options ...ReceiverOption) *Receiver {
	r := &Receiver{
		manager:       manager,
		logger:        logger,
		prefetchCount: defaultPrefetchCount,
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// ConsumeAutoAck opens an auto-acknowledging consumption stream on queue.
func (r *Receiver) ConsumeAutoAck(ctx context.Context, queue string) (<-chan amqp.Delivery, error) {
	return r.consume(ctx, queue, true)
}

// ConsumeManualAck opens a manually acknowledged consumption stream on queue.
// The consumer owns acknowledgment of every delivery it receives.
func (r *Receiver) ConsumeManualAck(ctx context.Context, queue string) (<-chan amqp.Delivery, error) {
	return r.consume(ctx, queue, false)
}

func (r *Receiver) consume(ctx context.Context, queue string, autoAck bool) (<-chan amqp.Delivery, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrReceiverClosed
	}
	r.mu.Unlock()

	conn, err := r.manager.GetConnection()
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "open receiver channel", Err: err}
	}

	if !autoAck {
		if err := ch.Qos(r.prefetchCount, 0, false); err != nil {
			_ = ch.Close()
			return nil, &ChannelError{Op: "set qos", Err: err}
		}
	}

	deliveries, err := ch.Consume(
		queue,
		"",      // consumer tag, broker-generated
		autoAck,
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, &ChannelError{Op: "consume", Err: err}
	}

	r.mu.Lock()
	r.channels = append(r.channels, ch)
	r.mu.Unlock()

	r.logger.Debug("consumption stream opened", "queue", queue, "autoAck", autoAck)

	return deliveries, nil
}

// Close terminates all consumption streams opened through this receiver.
// Safe to call more than once.
func (r *Receiver) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	channels := r.channels
	r.channels = nil
	r.mu.Unlock()

	var firstErr error
	for _, ch := range channels {
		if ch.IsClosed() {
			continue
		}
		if err := ch.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
