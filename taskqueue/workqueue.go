package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mailhive/mailhive-go/internal/rabbitmq"
	"github.com/mailhive/mailhive-go/internal/reliability"
	"github.com/mailhive/mailhive-go/metrics"
)

// Broker topology of the cluster-wide work queue. The names are part of the
// wire contract and must not change between versions.
const (
	ExchangeName = "taskManagerWorkQueueExchange"
	QueueName    = "taskManagerWorkQueue"
	RoutingKey   = "taskManagerWorkQueueRoutingKey"

	CancelRequestsExchangeName = "taskManagerCancelRequestsExchange"
	CancelRequestsRoutingKey   = "taskManagerCancelRequestsRoutingKey"
	cancelRequestsQueuePrefix  = "taskManagerCancelRequestsQueue"

	// TaskIdHeader carries the TaskId on work-queue deliveries.
	TaskIdHeader = "taskId"
)

const (
	declareRetries      = 8
	declareFirstBackoff = 100 * time.Millisecond

	cancelPipelineBuffer = 128
)

// ErrWorkQueueClosed is returned by Submit and Cancel after Close.
var ErrWorkQueueClosed = errors.New("taskqueue: work queue is closed")

// Sender is the outbound transport the work queue publishes through.
type Sender interface {
	Send(ctx context.Context, msg rabbitmq.OutboundMessage) error
	DeclareExchange(ctx context.Context, decl rabbitmq.ExchangeDeclaration) error
	DeclareQueue(ctx context.Context, decl rabbitmq.QueueDeclaration) error
	BindQueue(ctx context.Context, binding rabbitmq.Binding) error
}

// Receiver is a consumption stream factory.
type Receiver interface {
	ConsumeAutoAck(ctx context.Context, queue string) (<-chan amqp.Delivery, error)
	ConsumeManualAck(ctx context.Context, queue string) (<-chan amqp.Delivery, error)
	Close() error
}

// ReceiverProvider opens new receivers on demand.
type ReceiverProvider interface {
	CreateReceiver() Receiver
}

// WorkQueue delivers each submitted task to exactly one live consumer across
// the cluster and broadcasts best-effort cancellation requests to every node.
//
// The queue is declared with the single-active-consumer property: many nodes
// subscribe, the broker elects one to receive messages, and fails over
// automatically when the active consumer disconnects.
type WorkQueue struct {
	worker     Worker
	serializer TaskSerializer
	sender     Sender
	receivers  ReceiverProvider
	logger     *slog.Logger
	collector  metrics.Collector

	receiver       Receiver
	cancelListener Receiver
	cancelCh       chan TaskId

	consumeCancel context.CancelFunc
	wg            sync.WaitGroup

	mu     sync.Mutex
	closed bool
	once   sync.Once
}

// WorkQueueOption configures the work queue.
type WorkQueueOption func(*WorkQueue)

// WithWorkQueueLogger sets the logger.
func WithWorkQueueLogger(logger *slog.Logger) WorkQueueOption {
	return func(q *WorkQueue) {
		q.logger = logger
	}
}

// WithWorkQueueMetrics sets the metrics collector.
func WithWorkQueueMetrics(collector metrics.Collector) WorkQueueOption {
	return func(q *WorkQueue) {
		q.collector = collector
	}
}

// NewWorkQueue creates a work queue. Start must be called before Submit or
// Cancel.
func NewWorkQueue(worker Worker, sender Sender, receivers ReceiverProvider, serializer TaskSerializer, options ...WorkQueueOption) *WorkQueue {
	q := &WorkQueue{
		worker:     worker,
		serializer: serializer,
		sender:     sender,
		receivers:  receivers,
		logger:     slog.Default(),
		collector:  metrics.NoOpCollector{},
		cancelCh:   make(chan TaskId, cancelPipelineBuffer),
	}

	for _, opt := range options {
		opt(q)
	}

	return q
}

// Start declares the topology and begins consuming tasks and cancellation
// broadcasts. A declaration failure after the retry budget is fatal and is
// returned to the caller.
func (q *WorkQueue) Start(ctx context.Context) error {
	if err := q.startWorkQueue(ctx); err != nil {
		return err
	}
	return q.listenToCancelRequests(ctx)
}

func (q *WorkQueue) startWorkQueue(ctx context.Context) error {
	if err := q.declareTopology(ctx); err != nil {
		return fmt.Errorf("taskqueue: work queue start: %w", err)
	}
	return q.consumeWorkQueue(ctx)
}

// declareTopology declares exchange, queue and binding, each retried with
// backoff. A missing broker at startup is a blocking condition, so the
// backoff ceiling is effectively unbounded.
func (q *WorkQueue) declareTopology(ctx context.Context) error {
	policy := reliability.NewExponentialBackoff(declareFirstBackoff, reliability.Forever, 2.0, declareRetries)

	if err := reliability.Retry(ctx, policy, func() error {
		return q.sender.DeclareExchange(ctx, rabbitmq.ExchangeDeclaration{Name: ExchangeName})
	}); err != nil {
		return err
	}

	if err := reliability.Retry(ctx, policy, func() error {
		return q.sender.DeclareQueue(ctx, rabbitmq.QueueDeclaration{
			Name:    QueueName,
			Durable: true,
			Arguments: amqp.Table{
				"x-single-active-consumer": true,
			},
		})
	}); err != nil {
		return err
	}

	return reliability.Retry(ctx, policy, func() error {
		return q.sender.BindQueue(ctx, rabbitmq.Binding{
			Exchange:   ExchangeName,
			Queue:      QueueName,
			RoutingKey: RoutingKey,
		})
	})
}

func (q *WorkQueue) consumeWorkQueue(ctx context.Context) error {
	q.receiver = q.receivers.CreateReceiver()

	consumeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	q.consumeCancel = cancel

	deliveries, err := q.receiver.ConsumeManualAck(consumeCtx, QueueName)
	if err != nil {
		cancel()
		return fmt.Errorf("taskqueue: consume work queue: %w", err)
	}

	q.wg.Add(1)
	go q.consumeLoop(consumeCtx, deliveries)

	return nil
}

// consumeLoop processes work-queue deliveries one at a time. Every message is
// acknowledged before deserialization and execution: redelivery storms on a
// worker crash are traded for at-most-one-attempt delivery, so a crash
// mid-task loses the task instead of executing it twice or wedging the queue.
// Errors are absorbed per message and never end the loop.
func (q *WorkQueue) consumeLoop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				q.logger.Warn("work queue delivery stream closed", "queue", QueueName)
				return
			}
			q.handleDelivery(ctx, delivery)
		}
	}
}

func (q *WorkQueue) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	taskId, err := taskIdFromHeaders(delivery.Headers)
	if err != nil {
		q.logger.Error("discarding work queue delivery without a valid task id", "error", err)
		q.ack(delivery)
		return
	}

	q.ack(delivery)

	task, err := q.serializer.Deserialize(delivery.Body)
	if err != nil {
		errorMessage := fmt.Sprintf("Unable to deserialize submitted Task %s", taskId)
		q.logger.Error(errorMessage, "error", err)
		q.worker.Fail(ctx, taskId, nil, errorMessage, err)
		q.collector.RecordTaskExecuted(false)
		return
	}

	if err := q.worker.ExecuteTask(ctx, TaskWithId{Id: taskId, Task: task}); err != nil {
		errorMessage := fmt.Sprintf("Unable to run submitted Task %s", taskId)
		q.logger.Warn(errorMessage, "error", err)
		q.worker.Fail(ctx, taskId, task.Details(), errorMessage, err)
		q.collector.RecordTaskExecuted(false)
		return
	}

	q.collector.RecordTaskExecuted(true)
}

func (q *WorkQueue) ack(delivery amqp.Delivery) {
	if err := delivery.Ack(false); err != nil {
		q.logger.Error("failed to ack work queue delivery", "error", err)
	}
}

func taskIdFromHeaders(headers amqp.Table) (TaskId, error) {
	raw, ok := headers[TaskIdHeader]
	if !ok {
		return TaskId{}, fmt.Errorf("taskqueue: missing %s header", TaskIdHeader)
	}
	return TaskIdFromString(fmt.Sprintf("%v", raw))
}

// listenToCancelRequests binds a private, ephemeral per-node queue to the
// shared cancellation exchange so every node observes every broadcast, and
// starts the asynchronous cancellation-send pipeline.
func (q *WorkQueue) listenToCancelRequests(ctx context.Context) error {
	queueName := cancelRequestsQueuePrefix + uuid.NewString()

	if err := q.sender.DeclareExchange(ctx, rabbitmq.ExchangeDeclaration{Name: CancelRequestsExchangeName}); err != nil {
		return err
	}
	if err := q.sender.DeclareQueue(ctx, rabbitmq.QueueDeclaration{
		Name:       queueName,
		Durable:    false,
		AutoDelete: true,
	}); err != nil {
		return err
	}
	if err := q.sender.BindQueue(ctx, rabbitmq.Binding{
		Exchange:   CancelRequestsExchangeName,
		Queue:      queueName,
		RoutingKey: CancelRequestsRoutingKey,
	}); err != nil {
		return err
	}

	q.cancelListener = q.receivers.CreateReceiver()

	listenCtx := context.WithoutCancel(ctx)
	deliveries, err := q.cancelListener.ConsumeAutoAck(listenCtx, queueName)
	if err != nil {
		return fmt.Errorf("taskqueue: consume cancel requests: %w", err)
	}

	q.wg.Add(1)
	go q.cancelListenLoop(listenCtx, deliveries)

	q.wg.Add(1)
	go q.cancelSendLoop(listenCtx)

	return nil
}

func (q *WorkQueue) cancelListenLoop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer q.wg.Done()

	for delivery := range deliveries {
		taskId, err := TaskIdFromString(string(delivery.Body))
		if err != nil {
			q.logger.Error("discarding malformed cancel request", "error", err)
			continue
		}
		q.worker.CancelTask(ctx, taskId)
	}
}

func (q *WorkQueue) cancelSendLoop(ctx context.Context) {
	defer q.wg.Done()

	for taskId := range q.cancelCh {
		msg := rabbitmq.OutboundMessage{
			Exchange:   CancelRequestsExchangeName,
			RoutingKey: CancelRequestsRoutingKey,
			Message: amqp.Publishing{
				Body: []byte(taskId.String()),
			},
		}
		if err := q.sender.Send(ctx, msg); err != nil {
			q.logger.Error("failed to publish cancel request", "taskId", taskId.String(), "error", err)
		}
	}
}

// Submit publishes a task for execution by exactly one node. Serialization
// failures surface synchronously; the task id travels in the taskId header
// and the message is marked persistent.
func (q *WorkQueue) Submit(ctx context.Context, task TaskWithId) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrWorkQueueClosed
	}
	q.mu.Unlock()

	payload, err := q.serializer.Serialize(task.Task)
	if err != nil {
		return fmt.Errorf("taskqueue: serialize task %s: %w", task.Id, err)
	}

	return q.sender.Send(ctx, rabbitmq.OutboundMessage{
		Exchange:   ExchangeName,
		RoutingKey: RoutingKey,
		Message: amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			Priority:     0,
			ContentType:  "text/plain",
			Headers: amqp.Table{
				TaskIdHeader: task.Id.String(),
			},
			Body: payload,
		},
	})
}

// Cancel broadcasts a best-effort cancellation request to every node. The
// broadcast is advisory: it may race with a task already completing, and no
// delivery feedback is returned.
func (q *WorkQueue) Cancel(taskId TaskId) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrWorkQueueClosed
	}

	q.cancelCh <- taskId
	q.collector.RecordCancelRequest()
	return nil
}

// Close disposes the consumption subscription, the receiver, the
// cancellation-send pipeline and its listener, in that order. Safe when Start
// partially failed: every handle is optional.
func (q *WorkQueue) Close() error {
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()

		if q.consumeCancel != nil {
			q.consumeCancel()
		}
		if q.receiver != nil {
			_ = q.receiver.Close()
		}

		close(q.cancelCh)

		if q.cancelListener != nil {
			_ = q.cancelListener.Close()
		}

		q.wg.Wait()
	})
	return nil
}
