package rabbitmq

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Connection errors
	ErrConnectionClosed   = errors.New("rabbitmq: connection is closed")
	ErrConnectionNotReady = errors.New("rabbitmq: connection not ready")
	ErrConnectionTimeout  = errors.New("rabbitmq: connection timeout")

	// Channel pool errors
	ErrChannelClosed        = errors.New("rabbitmq: borrowed channel is already closed")
	ErrPoolClosed           = errors.New("rabbitmq: channel pool is closed")
	ErrPoolExhausted        = errors.New("rabbitmq: channel pool exhausted")
	ErrNoChannelsAvailable  = errors.New("rabbitmq: broker reached maximum opened channels, cannot get more channels")
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")

	// Transport errors
	ErrSenderClosed   = errors.New("rabbitmq: sender is closed")
	ErrReceiverClosed = errors.New("rabbitmq: receiver is closed")
)

// ConnectionError represents a connection-level failure.
type ConnectionError struct {
	Op        string
	URL       string
	Err       error
	Timestamp time.Time
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("rabbitmq connection error: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a failure on a specific pooled channel.
type ChannelError struct {
	Op        string
	LeaseID   string
	Err       error
	Timestamp time.Time
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s on lease %s: %v", e.Op, e.LeaseID, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// PublishError represents a publish failure.
type PublishError struct {
	Exchange   string
	RoutingKey string
	Err        error
	Timestamp  time.Time
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: failed to publish to %s/%s: %v",
		e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// TopologyError represents a failed exchange, queue or binding declaration.
type TopologyError struct {
	Component string
	Name      string
	Err       error
	Timestamp time.Time
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to declare %s %q: %v",
		e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// SanitizeURL removes credential material from connection URLs before logging.
func SanitizeURL(url string) string {
	if len(url) > 20 {
		return url[:10] + "***" + url[len(url)-10:]
	}
	return "***"
}
