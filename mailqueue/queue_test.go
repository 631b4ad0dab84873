package mailqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"

	"github.com/mailhive/mailhive-go/internal/rabbitmq"
	"github.com/mailhive/mailhive-go/metrics"
)

type mockSender struct {
	mu         sync.Mutex
	sent       []rabbitmq.OutboundMessage
	sendErr    error
	exchanges  []rabbitmq.ExchangeDeclaration
	queues     []rabbitmq.QueueDeclaration
	bindings   []rabbitmq.Binding
	order      []string
	queueDepth int
	inspectErr error
}

func (m *mockSender) Send(ctx context.Context, msg rabbitmq.OutboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockSender) DeclareExchange(ctx context.Context, decl rabbitmq.ExchangeDeclaration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exchanges = append(m.exchanges, decl)
	m.order = append(m.order, "exchange")
	return nil
}

func (m *mockSender) DeclareQueue(ctx context.Context, decl rabbitmq.QueueDeclaration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues = append(m.queues, decl)
	m.order = append(m.order, "queue")
	return nil
}

func (m *mockSender) BindQueue(ctx context.Context, binding rabbitmq.Binding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings = append(m.bindings, binding)
	m.order = append(m.order, "binding")
	return nil
}

func (m *mockSender) QueueInspect(ctx context.Context, name string) (amqp.Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inspectErr != nil {
		return amqp.Queue{}, m.inspectErr
	}
	return amqp.Queue{Name: name, Messages: m.queueDepth}, nil
}

type mockReceiver struct {
	deliveries chan amqp.Delivery
	once       sync.Once
}

func newMockReceiver() *mockReceiver {
	return &mockReceiver{deliveries: make(chan amqp.Delivery, 16)}
}

func (m *mockReceiver) ConsumeManualAck(ctx context.Context, queue string) (<-chan amqp.Delivery, error) {
	return m.deliveries, nil
}

func (m *mockReceiver) Close() error {
	m.once.Do(func() {
		close(m.deliveries)
	})
	return nil
}

type mockReceiverProvider struct {
	receiver *mockReceiver
}

func (m *mockReceiverProvider) CreateReceiver() Receiver {
	return m.receiver
}

type mockStore struct {
	mu      sync.Mutex
	mails   map[MailPartsId]*Mail
	saveErr error
	loadErr error
	counter int
}

func newMockStore() *mockStore {
	return &mockStore{mails: make(map[MailPartsId]*Mail)}
}

func (m *mockStore) Save(ctx context.Context, mail *Mail) (MailPartsId, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return "", m.saveErr
	}
	m.counter++
	id := MailPartsId(fmt.Sprintf("parts-%d", m.counter))
	m.mails[id] = mail
	return id, nil
}

func (m *mockStore) Load(ctx context.Context, id MailPartsId) (*Mail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	mail, ok := m.mails[id]
	if !ok {
		return nil, errors.New("mail not found")
	}
	return mail, nil
}

type mockAcknowledger struct {
	mu       sync.Mutex
	acks     int
	nacks    int
	requeued bool
}

func (a *mockAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *mockAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks++
	a.requeued = requeue
	return nil
}

func (a *mockAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *mockAcknowledger) counts() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acks, a.nacks
}

func TestEnqueue(t *testing.T) {
	name := MailQueueName("outgoing")

	t.Run("stores the body then publishes a persistent reference", func(t *testing.T) {
		sender := &mockSender{}
		store := newMockStore()
		enqueuer := NewEnqueuer(name, sender, store, metrics.NoOpCollector{})

		mail := &Mail{Name: "mail-1", Sender: "alice@example.com", Recipients: []string{"bob@example.com"}}

		assert.NoError(t, enqueuer.Enqueue(context.Background(), mail))

		assert.Len(t, sender.sent, 1)
		msg := sender.sent[0]
		assert.Equal(t, name.ExchangeName(), msg.Exchange)
		assert.Equal(t, EmptyRoutingKey, msg.RoutingKey)
		assert.Equal(t, uint8(amqp.Persistent), msg.Message.DeliveryMode)
		assert.Equal(t, "application/json", msg.Message.ContentType)

		var reference mailReference
		assert.NoError(t, json.Unmarshal(msg.Message.Body, &reference))
		assert.Equal(t, name.String(), reference.QueueName)
		assert.NotEmpty(t, reference.EnqueueId)

		loaded, err := store.Load(context.Background(), MailPartsId(reference.PartsId))
		assert.NoError(t, err)
		assert.Equal(t, mail, loaded)
	})

	t.Run("surfaces store failures without publishing", func(t *testing.T) {
		sender := &mockSender{}
		store := newMockStore()
		store.saveErr = errors.New("blob store unavailable")
		enqueuer := NewEnqueuer(name, sender, store, metrics.NoOpCollector{})

		err := enqueuer.Enqueue(context.Background(), &Mail{Name: "mail-1"})

		assert.Error(t, err)
		assert.Empty(t, sender.sent)
	})

	t.Run("surfaces publish failures", func(t *testing.T) {
		sender := &mockSender{sendErr: errors.New("broker unavailable")}
		enqueuer := NewEnqueuer(name, sender, newMockStore(), metrics.NoOpCollector{})

		err := enqueuer.Enqueue(context.Background(), &Mail{Name: "mail-1"})

		assert.Error(t, err)
	})
}

func referenceBody(t *testing.T, name MailQueueName, enqueueId string, partsId MailPartsId) []byte {
	t.Helper()
	payload, err := json.Marshal(mailReference{
		QueueName: name.String(),
		EnqueueId: enqueueId,
		PartsId:   string(partsId),
	})
	assert.NoError(t, err)
	return payload
}

func TestDequeue(t *testing.T) {
	name := MailQueueName("outgoing")

	newDequeuerForTest := func(store *mockStore) (*Dequeuer, *mockReceiver) {
		receiver := newMockReceiver()
		d := NewDequeuer(name, &mockReceiverProvider{receiver: receiver}, store, metrics.NoOpCollector{}, slog.Default())
		return d, receiver
	}

	t.Run("resolves references into mail items", func(t *testing.T) {
		store := newMockStore()
		mail := &Mail{Name: "mail-1", Sender: "alice@example.com"}
		partsId, err := store.Save(context.Background(), mail)
		assert.NoError(t, err)

		d, receiver := newDequeuerForTest(store)
		defer d.Close()

		items, err := d.Dequeue(context.Background())
		assert.NoError(t, err)

		receiver.deliveries <- amqp.Delivery{
			Acknowledger: &mockAcknowledger{},
			Body:         referenceBody(t, name, "enqueue-1", partsId),
		}

		select {
		case item := <-items:
			assert.Equal(t, mail, item.Mail)
			assert.Equal(t, "enqueue-1", item.EnqueueId)
		case <-time.After(time.Second):
			t.Fatal("no item dequeued")
		}
	})

	t.Run("acknowledges and drops undecodable references", func(t *testing.T) {
		store := newMockStore()
		mail := &Mail{Name: "mail-2"}
		partsId, err := store.Save(context.Background(), mail)
		assert.NoError(t, err)

		d, receiver := newDequeuerForTest(store)
		defer d.Close()

		items, err := d.Dequeue(context.Background())
		assert.NoError(t, err)

		badAcker := &mockAcknowledger{}
		receiver.deliveries <- amqp.Delivery{Acknowledger: badAcker, Body: []byte("not json")}
		receiver.deliveries <- amqp.Delivery{
			Acknowledger: &mockAcknowledger{},
			Body:         referenceBody(t, name, "enqueue-2", partsId),
		}

		select {
		case item := <-items:
			assert.Equal(t, "enqueue-2", item.EnqueueId)
		case <-time.After(time.Second):
			t.Fatal("good item not dequeued after a bad one")
		}

		acks, nacks := badAcker.counts()
		assert.Equal(t, 1, acks)
		assert.Equal(t, 0, nacks)
	})

	t.Run("requeues references whose body cannot be loaded", func(t *testing.T) {
		store := newMockStore()
		store.loadErr = errors.New("blob store unavailable")

		d, receiver := newDequeuerForTest(store)
		defer d.Close()

		items, err := d.Dequeue(context.Background())
		assert.NoError(t, err)

		acker := &mockAcknowledger{}
		receiver.deliveries <- amqp.Delivery{
			Acknowledger: acker,
			Body:         referenceBody(t, name, "enqueue-3", "parts-unknown"),
		}

		assert.Eventually(t, func() bool {
			_, nacks := acker.counts()
			return nacks == 1
		}, time.Second, 5*time.Millisecond)
		assert.True(t, acker.requeued)

		select {
		case item, open := <-items:
			if open {
				t.Fatalf("unexpected item: %+v", item)
			}
		default:
		}
	})

	t.Run("fails after close", func(t *testing.T) {
		d, _ := newDequeuerForTest(newMockStore())
		assert.NoError(t, d.Close())

		items, err := d.Dequeue(context.Background())

		assert.Nil(t, items)
		assert.ErrorIs(t, err, rabbitmq.ErrReceiverClosed)
	})

	t.Run("close is idempotent", func(t *testing.T) {
		d, _ := newDequeuerForTest(newMockStore())

		_, err := d.Dequeue(context.Background())
		assert.NoError(t, err)

		assert.NoError(t, d.Close())
		assert.NoError(t, d.Close())
	})
}

type captureCollector struct {
	metrics.NoOpCollector

	mu    sync.Mutex
	sizes map[string]float64
}

func (c *captureCollector) SetQueueSize(queue string, size float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sizes == nil {
		c.sizes = make(map[string]float64)
	}
	c.sizes[queue] = size
}

func TestMailQueueSize(t *testing.T) {
	name := MailQueueName("outgoing")

	t.Run("reports broker depth and records the gauge", func(t *testing.T) {
		sender := &mockSender{queueDepth: 17}
		collector := &captureCollector{}
		queue := &MailQueue{name: name, sender: sender, collector: collector}

		size, err := queue.Size(context.Background())

		assert.NoError(t, err)
		assert.Equal(t, 17, size)
		assert.Equal(t, 17.0, collector.sizes[name.String()])
	})

	t.Run("surfaces inspection failures", func(t *testing.T) {
		sender := &mockSender{inspectErr: errors.New("queue not found")}
		queue := &MailQueue{name: name, sender: sender, collector: &captureCollector{}}

		_, err := queue.Size(context.Background())

		assert.Error(t, err)
	})
}

func TestMailQueueItemDone(t *testing.T) {
	t.Run("success acknowledges exactly once", func(t *testing.T) {
		acker := &mockAcknowledger{}
		item := &MailQueueItem{delivery: amqp.Delivery{Acknowledger: acker}}

		assert.NoError(t, item.Done(true))
		assert.NoError(t, item.Done(true))
		assert.NoError(t, item.Done(false))

		acks, nacks := acker.counts()
		assert.Equal(t, 1, acks)
		assert.Equal(t, 0, nacks)
	})

	t.Run("failure requeues the delivery", func(t *testing.T) {
		acker := &mockAcknowledger{}
		item := &MailQueueItem{delivery: amqp.Delivery{Acknowledger: acker}}

		assert.NoError(t, item.Done(false))

		acks, nacks := acker.counts()
		assert.Equal(t, 0, acks)
		assert.Equal(t, 1, nacks)
		assert.True(t, acker.requeued)
	})
}
