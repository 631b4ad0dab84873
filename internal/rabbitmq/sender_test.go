package rabbitmq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestSender(t *testing.T) *Sender {
	t.Helper()

	manager := NewConnectionManager("amqp://localhost:5672")
	pool, err := NewChannelPool(manager)
	assert.NoError(t, err)
	fastPolicies(pool)
	pool.Start()

	return pool.Sender()
}

func TestSenderClosed(t *testing.T) {
	t.Run("Send fails with ErrSenderClosed", func(t *testing.T) {
		sender := newTestSender(t)
		sender.Close()

		err := sender.Send(context.Background(), OutboundMessage{
			Exchange:   "terminationSubscriberExchange",
			RoutingKey: "terminationSubscriberRoutingKey",
		})

		assert.ErrorIs(t, err, ErrSenderClosed)

		var publishErr *PublishError
		assert.ErrorAs(t, err, &publishErr)
		assert.Equal(t, "terminationSubscriberExchange", publishErr.Exchange)
	})

	t.Run("declarations fail with ErrSenderClosed", func(t *testing.T) {
		sender := newTestSender(t)
		sender.Close()

		ctx := context.Background()

		assert.ErrorIs(t, sender.DeclareExchange(ctx, ExchangeDeclaration{Name: "x"}), ErrSenderClosed)
		assert.ErrorIs(t, sender.DeclareQueue(ctx, QueueDeclaration{Name: "q"}), ErrSenderClosed)
		assert.ErrorIs(t, sender.BindQueue(ctx, Binding{Exchange: "x", Queue: "q"}), ErrSenderClosed)
	})
}

func TestSenderWithoutConnection(t *testing.T) {
	sender := newTestSender(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := sender.Send(ctx, OutboundMessage{Exchange: "x", RoutingKey: "rk"})

	assert.ErrorIs(t, err, ErrConnectionNotReady)
}
