package mailqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mailhive/mailhive-go/internal/rabbitmq"
	"github.com/mailhive/mailhive-go/metrics"
)

// Sender is the outbound transport mail queues publish through.
type Sender interface {
	Send(ctx context.Context, msg rabbitmq.OutboundMessage) error
	DeclareExchange(ctx context.Context, decl rabbitmq.ExchangeDeclaration) error
	DeclareQueue(ctx context.Context, decl rabbitmq.QueueDeclaration) error
	BindQueue(ctx context.Context, binding rabbitmq.Binding) error
	QueueInspect(ctx context.Context, name string) (amqp.Queue, error)
}

// Receiver is a consumption stream factory.
type Receiver interface {
	ConsumeManualAck(ctx context.Context, queue string) (<-chan amqp.Delivery, error)
	Close() error
}

// ReceiverProvider opens new receivers on demand.
type ReceiverProvider interface {
	CreateReceiver() Receiver
}

// MailQueue is a durable named outbound mail queue. Enqueue publishes a mail
// reference after storing the body; Dequeue streams references back, loading
// bodies on demand, from any consumer node.
type MailQueue struct {
	name      MailQueueName
	sender    Sender
	collector metrics.Collector
	enqueuer  *Enqueuer
	dequeuer  *Dequeuer
}

// Name returns the logical queue name.
func (q *MailQueue) Name() MailQueueName {
	return q.name
}

// Size reports the broker-side depth of the queue and records it on the
// queue size gauge.
func (q *MailQueue) Size(ctx context.Context) (int, error) {
	state, err := q.sender.QueueInspect(ctx, q.name.WorkQueueName())
	if err != nil {
		return 0, fmt.Errorf("mailqueue: inspect %s: %w", q.name, err)
	}
	q.collector.SetQueueSize(q.name.String(), float64(state.Messages))
	return state.Messages, nil
}

// Enqueue stores the mail body and publishes its reference on the queue.
func (q *MailQueue) Enqueue(ctx context.Context, mail *Mail) error {
	return q.enqueuer.Enqueue(ctx, mail)
}

// Dequeue opens the consumption stream of this queue. Each item must be
// completed with Done once processed.
func (q *MailQueue) Dequeue(ctx context.Context) (<-chan *MailQueueItem, error) {
	return q.dequeuer.Dequeue(ctx)
}

// Close stops the dequeue side of the queue.
func (q *MailQueue) Close() error {
	return q.dequeuer.Close()
}

// Enqueuer publishes mail references for one mail queue.
type Enqueuer struct {
	name      MailQueueName
	sender    Sender
	store     MailStore
	collector metrics.Collector
}

// NewEnqueuer creates an enqueuer for the named queue.
func NewEnqueuer(name MailQueueName, sender Sender, store MailStore, collector metrics.Collector) *Enqueuer {
	return &Enqueuer{
		name:      name,
		sender:    sender,
		store:     store,
		collector: collector,
	}
}

// Enqueue saves the mail body to the blob store, then publishes the
// content-addressed reference, persistent, to the queue's exchange.
func (e *Enqueuer) Enqueue(ctx context.Context, mail *Mail) error {
	partsId, err := e.store.Save(ctx, mail)
	if err != nil {
		return fmt.Errorf("mailqueue: store mail for %s: %w", e.name, err)
	}

	reference := mailReference{
		QueueName: e.name.String(),
		EnqueueId: uuid.NewString(),
		PartsId:   string(partsId),
	}

	payload, err := json.Marshal(reference)
	if err != nil {
		return fmt.Errorf("mailqueue: serialize mail reference for %s: %w", e.name, err)
	}

	err = e.sender.Send(ctx, rabbitmq.OutboundMessage{
		Exchange:   e.name.ExchangeName(),
		RoutingKey: EmptyRoutingKey,
		Message: amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         payload,
		},
	})
	if err != nil {
		return err
	}

	e.collector.RecordEnqueue(e.name.String())
	return nil
}

// MailQueueItem is one dequeued mail awaiting completion. Done acknowledges
// or requeues the underlying delivery exactly once.
type MailQueueItem struct {
	Mail      *Mail
	EnqueueId string

	delivery amqp.Delivery
	once     sync.Once
}

// Done completes the item: success acknowledges the delivery, failure
// requeues it for another consumer node.
func (i *MailQueueItem) Done(success bool) error {
	var err error
	i.once.Do(func() {
		if success {
			err = i.delivery.Ack(false)
			return
		}
		err = i.delivery.Nack(false, true)
	})
	return err
}

// Dequeuer consumes mail references for one mail queue and resolves their
// bodies from the blob store.
type Dequeuer struct {
	name      MailQueueName
	receivers ReceiverProvider
	store     MailStore
	collector metrics.Collector
	logger    *slog.Logger

	mu       sync.Mutex
	receiver Receiver
	closed   bool
	wg       sync.WaitGroup
}

// NewDequeuer creates a dequeuer for the named queue.
func NewDequeuer(name MailQueueName, receivers ReceiverProvider, store MailStore, collector metrics.Collector, logger *slog.Logger) *Dequeuer {
	return &Dequeuer{
		name:      name,
		receivers: receivers,
		store:     store,
		collector: collector,
		logger:    logger,
	}
}

// Dequeue opens the manual-ack consumption stream for this queue. The
// returned channel closes when the dequeuer closes.
func (d *Dequeuer) Dequeue(ctx context.Context) (<-chan *MailQueueItem, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, rabbitmq.ErrReceiverClosed
	}
	if d.receiver == nil {
		d.receiver = d.receivers.CreateReceiver()
	}
	receiver := d.receiver
	d.mu.Unlock()

	deliveries, err := receiver.ConsumeManualAck(ctx, d.name.WorkQueueName())
	if err != nil {
		return nil, fmt.Errorf("mailqueue: consume %s: %w", d.name, err)
	}

	items := make(chan *MailQueueItem)

	d.wg.Add(1)
	go d.dequeueLoop(ctx, deliveries, items)

	return items, nil
}

// dequeueLoop turns raw deliveries into resolved items. A reference that
// cannot be decoded is acknowledged and dropped; a body that cannot be loaded
// is requeued for another node.
func (d *Dequeuer) dequeueLoop(ctx context.Context, deliveries <-chan amqp.Delivery, items chan<- *MailQueueItem) {
	defer d.wg.Done()
	defer close(items)

	for delivery := range deliveries {
		var reference mailReference
		if err := json.Unmarshal(delivery.Body, &reference); err != nil {
			d.logger.Error("discarding undecodable mail reference", "queue", d.name.String(), "error", err)
			if ackErr := delivery.Ack(false); ackErr != nil {
				d.logger.Error("failed to ack undecodable mail reference", "error", ackErr)
			}
			continue
		}

		mail, err := d.store.Load(ctx, MailPartsId(reference.PartsId))
		if err != nil {
			d.logger.Error("failed to load mail body, requeueing", "queue", d.name.String(), "enqueueId", reference.EnqueueId, "error", err)
			if nackErr := delivery.Nack(false, true); nackErr != nil {
				d.logger.Error("failed to nack mail reference", "error", nackErr)
			}
			continue
		}

		d.collector.RecordDequeue(d.name.String())

		select {
		case items <- &MailQueueItem{Mail: mail, EnqueueId: reference.EnqueueId, delivery: delivery}:
		case <-ctx.Done():
			if nackErr := delivery.Nack(false, true); nackErr != nil {
				d.logger.Error("failed to nack mail reference on shutdown", "error", nackErr)
			}
			return
		}
	}
}

// Close stops consumption and waits for the dequeue loop to drain.
func (d *Dequeuer) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	receiver := d.receiver
	d.mu.Unlock()

	var err error
	if receiver != nil {
		err = receiver.Close()
	}
	d.wg.Wait()
	return err
}
