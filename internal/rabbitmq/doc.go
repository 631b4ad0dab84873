// Package rabbitmq provides the broker transport for the mailhive
// coordination layer.
//
// This package includes:
//   - ConnectionManager: one shared RabbitMQ connection with automatic reconnection
//   - ChannelPool: a bounded, lease-based channel pool with retrying creation
//   - Sender: outbound publishing and blocking topology declaration on pooled channels
//   - Receiver: consumption streams (auto-ack and manual-ack) on dedicated channels
//
// The pool is the single point of mutation for channel lifecycle. Leases are
// tracked by an opaque id generated at borrow time, and the close handler is
// the one place where a channel is either recycled or evicted.
package rabbitmq
