package termination

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"

	"github.com/mailhive/mailhive-go/internal/rabbitmq"
)

type taskEvent struct {
	TaskId string `json:"taskId"`
	Status string `json:"status"`
}

type jsonEventSerializer struct {
	serializeErr error
}

func (s *jsonEventSerializer) Serialize(event Event) ([]byte, error) {
	if s.serializeErr != nil {
		return nil, s.serializeErr
	}
	return json.Marshal(event)
}

func (s *jsonEventSerializer) Deserialize(data []byte) (Event, error) {
	var event taskEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return event, nil
}

type mockSender struct {
	mu        sync.Mutex
	sent      []rabbitmq.OutboundMessage
	exchanges []rabbitmq.ExchangeDeclaration
	queues    []rabbitmq.QueueDeclaration
	bindings  []rabbitmq.Binding
}

func (m *mockSender) Send(ctx context.Context, msg rabbitmq.OutboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockSender) DeclareExchange(ctx context.Context, decl rabbitmq.ExchangeDeclaration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exchanges = append(m.exchanges, decl)
	return nil
}

func (m *mockSender) DeclareQueue(ctx context.Context, decl rabbitmq.QueueDeclaration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues = append(m.queues, decl)
	return nil
}

func (m *mockSender) BindQueue(ctx context.Context, binding rabbitmq.Binding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings = append(m.bindings, binding)
	return nil
}

func (m *mockSender) sentMessages() []rabbitmq.OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]rabbitmq.OutboundMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

type mockReceiver struct {
	deliveries chan amqp.Delivery
	once       sync.Once
}

func (m *mockReceiver) ConsumeAutoAck(ctx context.Context, queue string) (<-chan amqp.Delivery, error) {
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

func newTestSubscriber(serializer EventSerializer) (*Subscriber, *mockSender, *mockReceiver) {
	sender := &mockSender{}
	receiver := &mockReceiver{deliveries: make(chan amqp.Delivery, 16)}
	s := NewSubscriber(sender, &mockReceiverProvider{receiver: receiver}, serializer)
	return s, sender, receiver
}

func TestQueueNameIsPerInstance(t *testing.T) {
	a, _, _ := newTestSubscriber(&jsonEventSerializer{})
	b, _, _ := newTestSubscriber(&jsonEventSerializer{})

	assert.True(t, strings.HasPrefix(a.QueueName(), "terminationSubscriber"))
	assert.NotEqual(t, a.QueueName(), b.QueueName())
}

func TestStartDeclaresBroadcastTopology(t *testing.T) {
	s, sender, _ := newTestSubscriber(&jsonEventSerializer{})

	assert.NoError(t, s.Start(context.Background()))
	defer s.Close()

	assert.Len(t, sender.exchanges, 1)
	assert.Equal(t, ExchangeName, sender.exchanges[0].Name)

	assert.Len(t, sender.queues, 1)
	assert.Equal(t, s.QueueName(), sender.queues[0].Name)
	assert.False(t, sender.queues[0].Durable)
	assert.True(t, sender.queues[0].AutoDelete)

	assert.Len(t, sender.bindings, 1)
	assert.Equal(t, ExchangeName, sender.bindings[0].Exchange)
	assert.Equal(t, s.QueueName(), sender.bindings[0].Queue)
	assert.Equal(t, RoutingKey, sender.bindings[0].RoutingKey)
}

func TestAddEvent(t *testing.T) {
	t.Run("publishes the serialized event on the shared exchange", func(t *testing.T) {
		s, sender, _ := newTestSubscriber(&jsonEventSerializer{})

		assert.NoError(t, s.Start(context.Background()))
		defer s.Close()

		event := taskEvent{TaskId: "42", Status: "completed"}
		assert.NoError(t, s.AddEvent(event))

		assert.Eventually(t, func() bool {
			sent := sender.sentMessages()
			if len(sent) != 1 {
				return false
			}
			var got taskEvent
			if err := json.Unmarshal(sent[0].Message.Body, &got); err != nil {
				return false
			}
			return sent[0].Exchange == ExchangeName &&
				sent[0].RoutingKey == RoutingKey &&
				got == event
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("surfaces serialization failures to the caller", func(t *testing.T) {
		s, sender, _ := newTestSubscriber(&jsonEventSerializer{serializeErr: errors.New("unencodable")})

		assert.NoError(t, s.Start(context.Background()))
		defer s.Close()

		assert.Error(t, s.AddEvent(taskEvent{}))
		assert.Empty(t, sender.sentMessages())
	})

	t.Run("fails after close", func(t *testing.T) {
		s, _, _ := newTestSubscriber(&jsonEventSerializer{})

		assert.NoError(t, s.Start(context.Background()))
		assert.NoError(t, s.Close())

		assert.ErrorIs(t, s.AddEvent(taskEvent{}), ErrSubscriberClosed)
	})
}

func TestListenEvents(t *testing.T) {
	t.Run("fans every event out to every local observer", func(t *testing.T) {
		s, _, receiver := newTestSubscriber(&jsonEventSerializer{})

		assert.NoError(t, s.Start(context.Background()))
		defer s.Close()

		first := s.ListenEvents()
		second := s.ListenEvents()

		event := taskEvent{TaskId: "7", Status: "cancelled"}
		payload, err := json.Marshal(event)
		assert.NoError(t, err)

		receiver.deliveries <- amqp.Delivery{Body: payload}

		for _, listener := range []<-chan Event{first, second} {
			select {
			case got := <-listener:
				assert.Equal(t, event, got)
			case <-time.After(time.Second):
				t.Fatal("observer did not receive the event")
			}
		}
	})

	t.Run("skips events that cannot be deserialized", func(t *testing.T) {
		s, _, receiver := newTestSubscriber(&jsonEventSerializer{})

		assert.NoError(t, s.Start(context.Background()))
		defer s.Close()

		listener := s.ListenEvents()

		receiver.deliveries <- amqp.Delivery{Body: []byte("not json")}

		event := taskEvent{TaskId: "9", Status: "failed"}
		payload, err := json.Marshal(event)
		assert.NoError(t, err)
		receiver.deliveries <- amqp.Delivery{Body: payload}

		select {
		case got := <-listener:
			assert.Equal(t, event, got)
		case <-time.After(time.Second):
			t.Fatal("observer did not receive the event after a bad one")
		}
	})

	t.Run("returns a closed channel after close", func(t *testing.T) {
		s, _, _ := newTestSubscriber(&jsonEventSerializer{})

		assert.NoError(t, s.Start(context.Background()))
		assert.NoError(t, s.Close())

		listener := s.ListenEvents()

		_, open := <-listener
		assert.False(t, open)
	})
}

func TestSubscriberClose(t *testing.T) {
	t.Run("closes observer channels", func(t *testing.T) {
		s, _, _ := newTestSubscriber(&jsonEventSerializer{})

		assert.NoError(t, s.Start(context.Background()))
		listener := s.ListenEvents()

		assert.NoError(t, s.Close())

		_, open := <-listener
		assert.False(t, open)
	})

	t.Run("is idempotent", func(t *testing.T) {
		s, _, _ := newTestSubscriber(&jsonEventSerializer{})

		assert.NoError(t, s.Start(context.Background()))
		assert.NoError(t, s.Close())
		assert.NoError(t, s.Close())
	})
}
