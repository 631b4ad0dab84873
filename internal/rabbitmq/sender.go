package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// OutboundMessage is an immutable outbound frame: target exchange, routing
// key and the full publishing record (headers, payload, delivery properties).
type OutboundMessage struct {
	Exchange   string
	RoutingKey string
	Message    amqp.Publishing
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Exchange   string
	Queue      string
	RoutingKey string
	Arguments  amqp.Table
}

// Sender is the outbound side of the transport facade: it publishes frames
// and declares topology, drawing channels from the pool. Every unit of work
// ends in the pool's close handler, which is the only recycling decision
// point.
type Sender struct {
	pool   *ChannelPool
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

func newSender(pool *ChannelPool, logger *slog.Logger) *Sender {
	return &Sender{
		pool:   pool,
		logger: logger,
	}
}

// Send publishes a single outbound message.
func (s *Sender) Send(ctx context.Context, msg OutboundMessage) error {
	err := s.withChannel(ctx, func(ch *amqp.Channel) error {
		return ch.PublishWithContext(
			ctx,
			msg.Exchange,
			msg.RoutingKey,
			false, // mandatory
			false, // immediate
			msg.Message,
		)
	})
	if err != nil {
		return &PublishError{Exchange: msg.Exchange, RoutingKey: msg.RoutingKey, Err: err, Timestamp: time.Now()}
	}
	return nil
}

// DeclareExchange declares an exchange. Blocking; completes before returning.
func (s *Sender) DeclareExchange(ctx context.Context, decl ExchangeDeclaration) error {
	exchangeType := decl.Type
	if exchangeType == "" {
		exchangeType = amqp.ExchangeDirect
	}

	err := s.withChannel(ctx, func(ch *amqp.Channel) error {
		return ch.ExchangeDeclare(
			decl.Name,
			exchangeType,
			decl.Durable,
			decl.AutoDelete,
			false, // internal
			false, // no-wait
			decl.Arguments,
		)
	})
	if err != nil {
		return &TopologyError{Component: "exchange", Name: decl.Name, Err: err, Timestamp: time.Now()}
	}
	return nil
}

// DeclareQueue declares a queue. Blocking; completes before returning.
func (s *Sender) DeclareQueue(ctx context.Context, decl QueueDeclaration) error {
	err := s.withChannel(ctx, func(ch *amqp.Channel) error {
		_, err := ch.QueueDeclare(
			decl.Name,
			decl.Durable,
			decl.AutoDelete,
			decl.Exclusive,
			false, // no-wait
			decl.Arguments,
		)
		return err
	})
	if err != nil {
		return &TopologyError{Component: "queue", Name: decl.Name, Err: err, Timestamp: time.Now()}
	}
	return nil
}

// BindQueue binds a queue to an exchange. Blocking; completes before
// returning.
func (s *Sender) BindQueue(ctx context.Context, binding Binding) error {
	err := s.withChannel(ctx, func(ch *amqp.Channel) error {
		return ch.QueueBind(
			binding.Queue,
			binding.RoutingKey,
			binding.Exchange,
			false, // no-wait
			binding.Arguments,
		)
	})
	if err != nil {
		return &TopologyError{Component: "binding", Name: binding.Queue, Err: err, Timestamp: time.Now()}
	}
	return nil
}

// QueueInspect reports the state of an existing queue without declaring it.
func (s *Sender) QueueInspect(ctx context.Context, name string) (amqp.Queue, error) {
	var q amqp.Queue
	err := s.withChannel(ctx, func(ch *amqp.Channel) error {
		var err error
		q, err = ch.QueueInspect(name)
		return err
	})
	return q, err
}

// withChannel runs one unit of work on a borrowed channel and reports its
// outcome to the pool close handler.
func (s *Sender) withChannel(ctx context.Context, fn func(*amqp.Channel) error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSenderClosed
	}
	s.mu.Unlock()

	lease, err := s.pool.Borrow(ctx)
	if err != nil {
		return err
	}

	err = fn(lease.Channel())
	if err != nil {
		s.pool.CloseHandler(SignalErrored, lease)
		return err
	}

	s.pool.CloseHandler(SignalCompleted, lease)
	return nil
}

// Close marks the sender closed. Subsequent sends fail with ErrSenderClosed.
func (s *Sender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
