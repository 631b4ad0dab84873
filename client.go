// Package mailhive wires the broker-backed coordination layer of a mail
// server cluster: a pooled RabbitMQ transport, a cluster-wide task work
// queue, a termination event broadcast and durable named mail queues, all
// drawn from one shared connection.
package mailhive

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mailhive/mailhive-go/health"
	"github.com/mailhive/mailhive-go/internal/rabbitmq"
	"github.com/mailhive/mailhive-go/mailqueue"
	"github.com/mailhive/mailhive-go/metrics"
	"github.com/mailhive/mailhive-go/taskqueue"
	"github.com/mailhive/mailhive-go/termination"
)

// Client is the main entry point. It owns the shared connection, the channel
// pool and the outbound sender, and builds the coordination components on top
// of them.
type Client struct {
	manager    *rabbitmq.ConnectionManager
	pool       *rabbitmq.ChannelPool
	sender     *rabbitmq.Sender
	management *mailqueue.Management
	collector  metrics.Collector
	logger     *slog.Logger
}

type clientConfig struct {
	logger            *slog.Logger
	collector         metrics.Collector
	poolSize          int
	borrowTimeout     time.Duration
	connectTimeout    time.Duration
	managementOptions []mailqueue.ManagementOption
}

// ClientOption configures the client.
type ClientOption func(*clientConfig)

// WithClientLogger sets the logger used by every component the client builds.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithClientMetrics sets the metrics collector shared by every component.
func WithClientMetrics(collector metrics.Collector) ClientOption {
	return func(c *clientConfig) {
		c.collector = collector
	}
}

// WithChannelPoolSize sets the maximum number of pooled channels.
func WithChannelPoolSize(size int) ClientOption {
	return func(c *clientConfig) {
		c.poolSize = size
	}
}

// WithChannelBorrowTimeout sets how long a borrow waits on an exhausted pool.
func WithChannelBorrowTimeout(timeout time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.borrowTimeout = timeout
	}
}

// WithConnectTimeout bounds the initial connection attempt.
func WithConnectTimeout(timeout time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.connectTimeout = timeout
	}
}

// WithManagementOptions forwards options to the broker management API client.
func WithManagementOptions(options ...mailqueue.ManagementOption) ClientOption {
	return func(c *clientConfig) {
		c.managementOptions = append(c.managementOptions, options...)
	}
}

// NewClient connects to the broker and assembles the transport stack. The
// returned client owns the connection; Close releases everything.
func NewClient(ctx context.Context, connectionString string, options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		logger:         slog.Default(),
		collector:      metrics.NoOpCollector{},
		poolSize:       rabbitmq.DefaultPoolSize,
		connectTimeout: 30 * time.Second,
	}

	for _, opt := range options {
		opt(cfg)
	}

	manager := rabbitmq.NewConnectionManager(connectionString, rabbitmq.WithLogger(cfg.logger))

	connectCtx, cancel := context.WithTimeout(ctx, cfg.connectTimeout)
	defer cancel()
	if err := manager.Connect(connectCtx); err != nil {
		return nil, fmt.Errorf("mailhive: connect to %s: %w", rabbitmq.SanitizeURL(connectionString), err)
	}

	poolOpts := []rabbitmq.ChannelPoolOption{
		rabbitmq.WithPoolSize(cfg.poolSize),
		rabbitmq.WithPoolLogger(cfg.logger),
	}
	if cfg.borrowTimeout > 0 {
		poolOpts = append(poolOpts, rabbitmq.WithBorrowTimeout(cfg.borrowTimeout))
	}

	pool, err := rabbitmq.NewChannelPool(manager, poolOpts...)
	if err != nil {
		_ = manager.Close()
		return nil, err
	}
	pool.Start()

	management, err := mailqueue.NewManagement(connectionString, cfg.managementOptions...)
	if err != nil {
		_ = manager.Close()
		return nil, err
	}

	return &Client{
		manager:    manager,
		pool:       pool,
		sender:     pool.Sender(),
		management: management,
		collector:  cfg.collector,
		logger:     cfg.logger,
	}, nil
}

// Sender returns the shared outbound publisher.
func (c *Client) Sender() *rabbitmq.Sender {
	return c.sender
}

// ChannelPool returns the shared channel pool.
func (c *Client) ChannelPool() *rabbitmq.ChannelPool {
	return c.pool
}

// Management returns the broker management API client.
func (c *Client) Management() *mailqueue.Management {
	return c.management
}

// NewWorkQueue builds the cluster-wide task work queue on the shared
// transport. The caller still owns Start and Close.
func (c *Client) NewWorkQueue(worker taskqueue.Worker, serializer taskqueue.TaskSerializer, options ...taskqueue.WorkQueueOption) *taskqueue.WorkQueue {
	opts := append([]taskqueue.WorkQueueOption{
		taskqueue.WithWorkQueueLogger(c.logger),
		taskqueue.WithWorkQueueMetrics(c.collector),
	}, options...)

	return taskqueue.NewWorkQueue(worker, c.sender, taskReceiverProvider{pool: c.pool}, serializer, opts...)
}

// NewTerminationSubscriber builds the termination event broadcaster on the
// shared transport. The caller still owns Start and Close.
func (c *Client) NewTerminationSubscriber(serializer termination.EventSerializer, options ...termination.SubscriberOption) *termination.Subscriber {
	opts := append([]termination.SubscriberOption{
		termination.WithSubscriberLogger(c.logger),
	}, options...)

	return termination.NewSubscriber(c.sender, terminationReceiverProvider{pool: c.pool}, serializer, opts...)
}

// NewMailQueueFactory builds the durable mail queue factory on the shared
// transport, backed by the given blob store.
func (c *Client) NewMailQueueFactory(store mailqueue.MailStore, options ...mailqueue.FactoryOption) *mailqueue.Factory {
	opts := append([]mailqueue.FactoryOption{
		mailqueue.WithFactoryLogger(c.logger),
		mailqueue.WithFactoryMetrics(c.collector),
	}, options...)

	return mailqueue.NewFactory(c.sender, mailReceiverProvider{pool: c.pool}, c.management, store, opts...)
}

// HealthRegistry builds a registry pre-populated with connection and channel
// pool checks.
func (c *Client) HealthRegistry() *health.Registry {
	registry := health.NewRegistry()
	registry.Register(health.NewConnectionChecker(c.manager, c.logger))
	registry.Register(health.NewChannelPoolChecker(c.pool, c.logger))
	return registry
}

// Close releases the channel pool and the shared connection. Components built
// by this client must be closed before the client itself.
func (c *Client) Close() error {
	poolErr := c.pool.Close()
	connErr := c.manager.Close()
	if poolErr != nil {
		return poolErr
	}
	return connErr
}

// The consuming packages each declare their own small receiver-provider
// interface; these adapters satisfy them from the one concrete pool.

type taskReceiverProvider struct {
	pool *rabbitmq.ChannelPool
}

func (p taskReceiverProvider) CreateReceiver() taskqueue.Receiver {
	return p.pool.CreateReceiver()
}

type terminationReceiverProvider struct {
	pool *rabbitmq.ChannelPool
}

func (p terminationReceiverProvider) CreateReceiver() termination.Receiver {
	return p.pool.CreateReceiver()
}

type mailReceiverProvider struct {
	pool *rabbitmq.ChannelPool
}

func (p mailReceiverProvider) CreateReceiver() mailqueue.Receiver {
	return p.pool.CreateReceiver()
}
