package termination

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mailhive/mailhive-go/internal/rabbitmq"
)

// Broker topology of the termination event broadcast. Part of the wire
// contract.
const (
	ExchangeName    = "terminationSubscriberExchange"
	RoutingKey      = "terminationSubscriberRoutingKey"
	queueNamePrefix = "terminationSubscriber"
)

const (
	sendPipelineBuffer = 128
	listenerBuffer     = 64
)

// ErrSubscriberClosed is returned by AddEvent after Close.
var ErrSubscriberClosed = errors.New("termination: subscriber is closed")

// Event is an immutable domain event carried opaquely by the subscriber.
type Event interface{}

// EventSerializer converts events to and from their wire form.
type EventSerializer interface {
	Serialize(event Event) ([]byte, error)
	Deserialize(data []byte) (Event, error)
}

// Sender is the outbound transport the subscriber publishes through.
type Sender interface {
	Send(ctx context.Context, msg rabbitmq.OutboundMessage) error
	DeclareExchange(ctx context.Context, decl rabbitmq.ExchangeDeclaration) error
	DeclareQueue(ctx context.Context, decl rabbitmq.QueueDeclaration) error
	BindQueue(ctx context.Context, binding rabbitmq.Binding) error
}

// Receiver is a consumption stream factory.
type Receiver interface {
	ConsumeAutoAck(ctx context.Context, queue string) (<-chan amqp.Delivery, error)
	Close() error
}

// ReceiverProvider opens new receivers on demand.
type ReceiverProvider interface {
	CreateReceiver() Receiver
}

// Subscriber broadcasts termination events to every live node instance.
//
// A shared durable queue would let only one subscriber consume each message,
// so each instance binds its own private, auto-deleting queue to the shared
// exchange: one queue per listener is what turns competing consumption into
// a broadcast.
type Subscriber struct {
	serializer EventSerializer
	sender     Sender
	receivers  ReceiverProvider
	logger     *slog.Logger
	queueName  string

	sendCh   chan rabbitmq.OutboundMessage
	receiver Receiver

	mu        sync.Mutex
	listeners map[int]chan Event
	nextId    int
	closed    bool

	wg   sync.WaitGroup
	once sync.Once
}

// SubscriberOption configures the subscriber.
type SubscriberOption func(*Subscriber)

// WithSubscriberLogger sets the logger.
func WithSubscriberLogger(logger *slog.Logger) SubscriberOption {
	return func(s *Subscriber) {
		s.logger = logger
	}
}

// NewSubscriber creates a termination subscriber with a unique per-instance
// queue name. Start must be called before AddEvent or ListenEvents.
func NewSubscriber(sender Sender, receivers ReceiverProvider, serializer EventSerializer, options ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		serializer: serializer,
		sender:     sender,
		receivers:  receivers,
		logger:     slog.Default(),
		queueName:  queueNamePrefix + uuid.NewString(),
		sendCh:     make(chan rabbitmq.OutboundMessage, sendPipelineBuffer),
		listeners:  make(map[int]chan Event),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// QueueName returns this instance's private broadcast queue name.
func (s *Subscriber) QueueName() string {
	return s.queueName
}

// Start declares the shared exchange and this instance's private queue, then
// begins the send and listen pipelines.
func (s *Subscriber) Start(ctx context.Context) error {
	if err := s.sender.DeclareExchange(ctx, rabbitmq.ExchangeDeclaration{Name: ExchangeName}); err != nil {
		return err
	}
	if err := s.sender.DeclareQueue(ctx, rabbitmq.QueueDeclaration{
		Name:       s.queueName,
		Durable:    false,
		AutoDelete: true,
	}); err != nil {
		return err
	}
	if err := s.sender.BindQueue(ctx, rabbitmq.Binding{
		Exchange:   ExchangeName,
		Queue:      s.queueName,
		RoutingKey: RoutingKey,
	}); err != nil {
		return err
	}

	pipelineCtx := context.WithoutCancel(ctx)

	s.wg.Add(1)
	go s.sendLoop(pipelineCtx)

	s.receiver = s.receivers.CreateReceiver()
	deliveries, err := s.receiver.ConsumeAutoAck(pipelineCtx, s.queueName)
	if err != nil {
		return fmt.Errorf("termination: consume %s: %w", s.queueName, err)
	}

	s.wg.Add(1)
	go s.listenLoop(deliveries)

	return nil
}

func (s *Subscriber) sendLoop(ctx context.Context) {
	defer s.wg.Done()

	for msg := range s.sendCh {
		if err := s.sender.Send(ctx, msg); err != nil {
			s.logger.Error("failed to publish termination event", "error", err)
		}
	}
}

// listenLoop deserializes broadcast deliveries and fans them out to local
// observers. A message that cannot be deserialized is logged and skipped; the
// stream never stops on a bad event.
func (s *Subscriber) listenLoop(deliveries <-chan amqp.Delivery) {
	defer s.wg.Done()

	for delivery := range deliveries {
		event, err := s.serializer.Deserialize(delivery.Body)
		if err != nil {
			s.logger.Error("unable to deserialize termination event", "body", string(delivery.Body), "error", err)
			continue
		}
		s.dispatch(event)
	}
}

func (s *Subscriber) dispatch(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, listener := range s.listeners {
		select {
		case listener <- event:
		default:
			s.logger.Warn("termination event dropped for slow local observer", "observer", id)
		}
	}
}

// AddEvent serializes the event and hands it to the asynchronous send
// pipeline. Only serialization failures surface to the caller.
func (s *Subscriber) AddEvent(event Event) error {
	payload, err := s.serializer.Serialize(event)
	if err != nil {
		return fmt.Errorf("termination: serialize event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSubscriberClosed
	}

	s.sendCh <- rabbitmq.OutboundMessage{
		Exchange:   ExchangeName,
		RoutingKey: RoutingKey,
		Message:    amqp.Publishing{Body: payload},
	}
	return nil
}

// ListenEvents registers a new local observer and returns its event stream.
// Any number of observers may listen; each receives every event observed by
// this instance. The returned channel closes when the subscriber closes.
func (s *Subscriber) ListenEvents() <-chan Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	listener := make(chan Event, listenerBuffer)
	if s.closed {
		close(listener)
		return listener
	}

	id := s.nextId
	s.nextId++
	s.listeners[id] = listener

	return listener
}

// Close disposes the send pipeline, the listen pipeline and the receiver.
// Safe when Start partially failed; every handle is optional.
func (s *Subscriber) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		close(s.sendCh)

		if s.receiver != nil {
			_ = s.receiver.Close()
		}

		s.wg.Wait()

		s.mu.Lock()
		for id, listener := range s.listeners {
			close(listener)
			delete(s.listeners, id)
		}
		s.mu.Unlock()
	})
	return nil
}
