package mailqueue

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mailhive/mailhive-go/internal/rabbitmq"
	"github.com/mailhive/mailhive-go/metrics"
)

// ManagementListing is the broker management listing the factory consults
// before declaring topology.
type ManagementListing interface {
	ListCreatedMailQueueNames(ctx context.Context) ([]MailQueueName, error)
}

// Factory creates and looks up durable named mail queues. Creation is
// idempotent: an existing queue is looked up from the broker's management
// listing and rebound without re-declaration.
type Factory struct {
	sender     Sender
	receivers  ReceiverProvider
	management ManagementListing
	store      MailStore
	collector  metrics.Collector
	logger     *slog.Logger
}

// FactoryOption configures the factory.
type FactoryOption func(*Factory)

// WithFactoryLogger sets the logger.
func WithFactoryLogger(logger *slog.Logger) FactoryOption {
	return func(f *Factory) {
		f.logger = logger
	}
}

// WithFactoryMetrics sets the metrics collector.
func WithFactoryMetrics(collector metrics.Collector) FactoryOption {
	return func(f *Factory) {
		f.collector = collector
	}
}

// NewFactory creates a mail queue factory.
func NewFactory(sender Sender, receivers ReceiverProvider, management ManagementListing, store MailStore, options ...FactoryOption) *Factory {
	f := &Factory{
		sender:     sender,
		receivers:  receivers,
		management: management,
		store:      store,
		collector:  metrics.NoOpCollector{},
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(f)
	}

	return f
}

// CreateQueue returns the named queue, declaring its topology on the broker
// only when the management listing does not already know it.
func (f *Factory) CreateQueue(ctx context.Context, name MailQueueName) (*MailQueue, error) {
	existing, err := f.lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	return f.createOnBroker(ctx, name)
}

// GetQueue is a pure lookup: it never declares topology. The second return
// reports whether the queue exists.
func (f *Factory) GetQueue(ctx context.Context, name MailQueueName) (*MailQueue, bool, error) {
	queue, err := f.lookup(ctx, name)
	if err != nil {
		return nil, false, err
	}
	if queue == nil {
		return nil, false, nil
	}
	return queue, true, nil
}

// ListCreatedMailQueues returns the logical names of all existing mail
// queues.
func (f *Factory) ListCreatedMailQueues(ctx context.Context) ([]MailQueueName, error) {
	return f.management.ListCreatedMailQueueNames(ctx)
}

func (f *Factory) lookup(ctx context.Context, name MailQueueName) (*MailQueue, error) {
	names, err := f.management.ListCreatedMailQueueNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("mailqueue: list queues: %w", err)
	}

	for _, candidate := range names {
		if candidate == name {
			return f.build(name), nil
		}
	}
	return nil, nil
}

// createOnBroker declares exchange, queue and binding, strictly in that
// order, each completing before the next starts.
func (f *Factory) createOnBroker(ctx context.Context, name MailQueueName) (*MailQueue, error) {
	if err := f.sender.DeclareExchange(ctx, rabbitmq.ExchangeDeclaration{
		Name:    name.ExchangeName(),
		Type:    amqp.ExchangeDirect,
		Durable: true,
	}); err != nil {
		return nil, err
	}

	if err := f.sender.DeclareQueue(ctx, rabbitmq.QueueDeclaration{
		Name:       name.WorkQueueName(),
		Durable:    true,
		Exclusive:  false,
		AutoDelete: false,
	}); err != nil {
		return nil, err
	}

	if err := f.sender.BindQueue(ctx, rabbitmq.Binding{
		Exchange:   name.ExchangeName(),
		Queue:      name.WorkQueueName(),
		RoutingKey: EmptyRoutingKey,
	}); err != nil {
		return nil, err
	}

	f.logger.Info("mail queue created", "queue", name.String())

	return f.build(name), nil
}

func (f *Factory) build(name MailQueueName) *MailQueue {
	return &MailQueue{
		name:      name,
		sender:    f.sender,
		collector: f.collector,
		enqueuer:  NewEnqueuer(name, f.sender, f.store, f.collector),
		dequeuer:  NewDequeuer(name, f.receivers, f.store, f.collector, f.logger),
	}
}
