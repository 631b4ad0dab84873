package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mailhive/mailhive-go/internal/reliability"
)

const (
	// DefaultPoolSize bounds the number of channels drawn from the shared
	// connection when no explicit size is configured.
	DefaultPoolSize = 3

	defaultBorrowTimeout = 5 * time.Second

	maxBorrowRetries   = 3
	borrowFirstBackoff = 50 * time.Millisecond

	maxCreateRetries   = 5
	createFirstBackoff = 100 * time.Millisecond
)

// Signal describes how a unit of work on a borrowed channel ended. It is the
// input to the pool's recycling decision.
type Signal int

const (
	// SignalCompleted marks a unit of work that finished normally.
	SignalCompleted Signal = iota
	// SignalErrored marks a unit of work that ended with a failure.
	SignalErrored
)

// ChannelLease is an exclusively owned handle to a pooled channel. The lease
// id, not channel identity, keys the borrowed set.
type ChannelLease struct {
	id      string
	channel *amqp.Channel
}

// ID returns the opaque lease identifier generated at borrow time.
func (l *ChannelLease) ID() string {
	return l.id
}

// Channel returns the underlying AMQP channel.
func (l *ChannelLease) Channel() *amqp.Channel {
	return l.channel
}

// ChannelPool hands out at most poolSize live channels drawn from one shared
// connection, recycling healthy ones and replacing broken ones transparently.
type ChannelPool struct {
	manager       *ConnectionManager
	logger        *slog.Logger
	maxSize       int
	borrowTimeout time.Duration

	free chan *amqp.Channel

	mu       sync.Mutex
	created  int
	borrowed map[string]*ChannelLease
	closed   bool

	sender *Sender

	borrowPolicy reliability.RetryPolicy
	createPolicy reliability.RetryPolicy
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithPoolSize sets the maximum number of channels the pool may open.
func WithPoolSize(size int) ChannelPoolOption {
	return func(p *ChannelPool) {
		p.maxSize = size
	}
}

// WithBorrowTimeout sets how long a borrow waits on an exhausted pool before
// failing the attempt.
func WithBorrowTimeout(timeout time.Duration) ChannelPoolOption {
	return func(p *ChannelPool) {
		p.borrowTimeout = timeout
	}
}

// WithPoolLogger sets the logger.
func WithPoolLogger(logger *slog.Logger) ChannelPoolOption {
	return func(p *ChannelPool) {
		p.logger = logger
	}
}

// NewChannelPool creates a new channel pool on top of the shared connection.
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, ErrInvalidConfiguration
	}

	p := &ChannelPool{
		manager:       manager,
		logger:        slog.Default(),
		maxSize:       DefaultPoolSize,
		borrowTimeout: defaultBorrowTimeout,
		borrowed:      make(map[string]*ChannelLease),
		borrowPolicy:  reliability.NewExponentialBackoff(borrowFirstBackoff, reliability.Forever, 2.0, maxBorrowRetries),
		createPolicy:  reliability.NewExponentialBackoff(createFirstBackoff, reliability.Forever, 2.0, maxCreateRetries),
	}

	for _, opt := range options {
		opt(p)
	}

	if p.maxSize < 1 {
		return nil, fmt.Errorf("%w: pool size must be at least 1", ErrInvalidConfiguration)
	}

	p.free = make(chan *amqp.Channel, p.maxSize)

	return p, nil
}

// Start builds the outbound Sender on top of the pool. Must be called before
// Sender().
func (p *ChannelPool) Start() {
	p.sender = newSender(p, p.logger)
}

// Sender returns the pool's outbound publisher.
func (p *ChannelPool) Sender() *Sender {
	return p.sender
}

// CreateReceiver opens a new consumption stream factory bound to the shared
// connection. Receivers use dedicated channels, not pooled ones.
func (p *ChannelPool) CreateReceiver() *Receiver {
	return NewReceiver(p.manager, p.logger)
}

// Borrow obtains a channel lease, retrying transient failures with backoff.
// After the retry budget is exhausted the last underlying cause is returned,
// not a retry wrapper.
func (p *ChannelPool) Borrow(ctx context.Context) (*ChannelLease, error) {
	var ch *amqp.Channel

	err := reliability.Retry(ctx, p.borrowPolicy, func() error {
		got, err := p.borrowFromPool(ctx)
		if err != nil {
			p.logger.Warn("cannot borrow channel", "error", err)
			return err
		}
		if got.IsClosed() {
			p.destroyChannel(got)
			p.logger.Warn("cannot borrow channel", "error", ErrChannelClosed)
			return ErrChannelClosed
		}
		ch = got
		return nil
	})
	if err != nil {
		return nil, err
	}

	lease := &ChannelLease{id: uuid.NewString(), channel: ch}

	p.mu.Lock()
	p.borrowed[lease.id] = lease
	p.mu.Unlock()

	return lease, nil
}

// borrowFromPool performs a single borrow attempt: reuse a free channel,
// create one while under the size cap, or wait up to the borrow timeout.
func (p *ChannelPool) borrowFromPool(ctx context.Context) (*amqp.Channel, error) {
	select {
	case ch := <-p.free:
		return ch, nil
	default:
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, reliability.RetryableError{Err: ErrPoolClosed, Retryable: false}
	}
	if p.created < p.maxSize {
		p.created++
		p.mu.Unlock()

		ch, err := p.openChannel(ctx)
		if err != nil {
			p.mu.Lock()
			p.created--
			p.mu.Unlock()
			return nil, err
		}
		return ch, nil
	}
	p.mu.Unlock()

	select {
	case ch := <-p.free:
		return ch, nil
	case <-ctx.Done():
		return nil, reliability.RetryableError{Err: ctx.Err(), Retryable: false}
	case <-time.After(p.borrowTimeout):
		return nil, ErrPoolExhausted
	}
}

// openChannel opens a fresh channel from the shared connection. The broker
// rejecting for channel exhaustion is retried with backoff; each failure is
// logged.
func (p *ChannelPool) openChannel(ctx context.Context) (*amqp.Channel, error) {
	var ch *amqp.Channel

	err := reliability.Retry(ctx, p.createPolicy, func() error {
		conn, err := p.manager.GetConnection()
		if err != nil {
			p.logger.Error("error when creating new channel", "error", err)
			return err
		}

		created, err := conn.Channel()
		if err != nil {
			p.logger.Error("error when creating new channel", "error", err)
			return fmt.Errorf("%w: %v", ErrNoChannelsAvailable, err)
		}

		ch = created
		return nil
	})
	if err != nil {
		return nil, err
	}

	return ch, nil
}

// CloseHandler is the single recycling decision point. The publisher layer
// invokes it when a channel's unit of work ends: a closed channel or an
// abnormal signal evicts the channel, anything else returns it for reuse.
// Safe to invoke repeatedly for the same lease.
func (p *ChannelPool) CloseHandler(signal Signal, lease *ChannelLease) {
	if lease == nil {
		return
	}

	p.mu.Lock()
	_, wasBorrowed := p.borrowed[lease.id]
	delete(p.borrowed, lease.id)
	closed := p.closed
	p.mu.Unlock()

	if !wasBorrowed {
		return
	}

	if closed || lease.channel.IsClosed() || signal != SignalCompleted {
		p.invalidateChannel(lease.channel)
		return
	}

	select {
	case p.free <- lease.channel:
	default:
		p.destroyChannel(lease.channel)
	}
}

// Return hands a healthy lease back for reuse.
func (p *ChannelPool) Return(lease *ChannelLease) {
	p.CloseHandler(SignalCompleted, lease)
}

// Invalidate evicts a lease whose channel is no longer trusted.
func (p *ChannelPool) Invalidate(lease *ChannelLease) {
	p.CloseHandler(SignalErrored, lease)
}

// invalidateChannel evicts a channel from pool accounting and closes it
// best-effort.
func (p *ChannelPool) invalidateChannel(ch *amqp.Channel) {
	p.destroyChannel(ch)
}

func (p *ChannelPool) destroyChannel(ch *amqp.Channel) {
	p.mu.Lock()
	p.created--
	p.mu.Unlock()

	if !ch.IsClosed() {
		_ = ch.Close()
	}
}

// TryChannel borrows a channel, checks openness and hands it back. A channel
// observed closed is evicted rather than returned, so the next borrower never
// pays for a channel the probe already knew was dead.
func (p *ChannelPool) TryChannel(ctx context.Context) bool {
	lease, err := p.Borrow(ctx)
	if err != nil {
		return false
	}

	open := !lease.channel.IsClosed()

	p.mu.Lock()
	delete(p.borrowed, lease.id)
	closed := p.closed
	p.mu.Unlock()

	if closed || !open {
		p.destroyChannel(lease.channel)
		return open
	}

	select {
	case p.free <- lease.channel:
	default:
		p.destroyChannel(lease.channel)
	}

	return open
}

// Size returns the number of channels currently accounted for by the pool.
func (p *ChannelPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

// Close shuts the pool down: the sender first, then every lease still
// borrowed is run through the close handler so no channel leaks even if
// application code never returned it, then the free list is destroyed.
func (p *ChannelPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	leases := make([]*ChannelLease, 0, len(p.borrowed))
	for _, lease := range p.borrowed {
		leases = append(leases, lease)
	}
	p.mu.Unlock()

	if p.sender != nil {
		p.sender.Close()
	}

	for _, lease := range leases {
		p.CloseHandler(SignalCompleted, lease)
	}

	for {
		select {
		case ch := <-p.free:
			if !ch.IsClosed() {
				_ = ch.Close()
			}
		default:
			return nil
		}
	}
}
