package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionManager maintains one shared RabbitMQ connection with automatic
// reconnection. It is the resilient-connection provider every other transport
// component draws from.
type ConnectionManager struct {
	url            string
	reconnectDelay time.Duration
	dialTimeout    time.Duration
	logger         *slog.Logger

	mu          sync.RWMutex
	conn        *amqp.Connection
	isConnected bool
	closed      bool
	notifyClose chan *amqp.Error
	done        chan struct{}
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the base delay between reconnection attempts
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		reconnectDelay: 5 * time.Second,
		dialTimeout:    30 * time.Second,
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection and starts the reconnect loop.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return ErrConnectionClosed
	}
	if cm.isConnected {
		return nil
	}

	conn, err := cm.dial(ctx)
	if err != nil {
		return err
	}

	cm.adopt(conn)
	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))

	go cm.handleReconnect()

	return nil
}

// dial opens a connection, bounded by the dial timeout.
func (cm *ConnectionManager) dial(ctx context.Context) (*amqp.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	connCh := make(chan *amqp.Connection, 1)
	errCh := make(chan error, 1)

	go func() {
		conn, err := amqp.Dial(cm.url)
		if err != nil {
			errCh <- err
			return
		}
		connCh <- conn
	}()

	select {
	case conn := <-connCh:
		return conn, nil
	case err := <-errCh:
		return nil, &ConnectionError{Op: "connect", URL: SanitizeURL(cm.url), Err: err, Timestamp: time.Now()}
	case <-dialCtx.Done():
		return nil, &ConnectionError{Op: "connect", URL: SanitizeURL(cm.url), Err: ErrConnectionTimeout, Timestamp: time.Now()}
	}
}

// adopt installs the connection; callers must hold cm.mu.
func (cm *ConnectionManager) adopt(conn *amqp.Connection) {
	cm.conn = conn
	cm.isConnected = true
	cm.notifyClose = make(chan *amqp.Error)
	cm.conn.NotifyClose(cm.notifyClose)
}

// GetConnection returns the current live connection.
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}

	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	return cm.conn, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close closes the connection and stops the reconnect loop. It takes effect
// even while a reconnect is in flight: the loop observes the shutdown and
// discards any connection it was still establishing.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil
	}
	cm.closed = true
	cm.isConnected = false
	close(cm.done)

	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		return err
	}

	return nil
}

// handleReconnect watches for broker-initiated closes and reconnects.
func (cm *ConnectionManager) handleReconnect() {
	for {
		select {
		case err := <-cm.notifyClose:
			if err != nil {
				cm.logger.Error("connection closed", "error", err)
			}

			cm.mu.Lock()
			cm.isConnected = false
			cm.conn = nil
			cm.mu.Unlock()

			cm.reconnect()

		case <-cm.done:
			cm.logger.Info("connection manager shutting down")
			return
		}
	}
}

// reconnect retries until a connection is re-established or the manager
// shuts down. Absence of a broker blocks indefinitely rather than failing.
func (cm *ConnectionManager) reconnect() {
	for attempt := 0; ; attempt++ {
		select {
		case <-cm.done:
			return
		default:
		}

		if attempt > 0 {
			select {
			case <-time.After(cm.backoffDelay(attempt)):
			case <-cm.done:
				return
			}
		}

		cm.logger.Info("attempting to reconnect", "attempt", attempt+1)

		conn, err := cm.dial(context.Background())
		if err != nil {
			cm.logger.Error("reconnection failed", "error", err, "attempt", attempt+1)
			continue
		}

		cm.mu.Lock()
		if cm.closed {
			// Close raced the dial; the fresh connection must not be
			// adopted or it leaks on a shut-down manager.
			cm.mu.Unlock()
			_ = conn.Close()
			return
		}
		cm.adopt(conn)
		cm.mu.Unlock()

		cm.logger.Info("successfully reconnected to RabbitMQ", "attempts", attempt+1)
		return
	}
}

// backoffDelay doubles the base delay per attempt, capped at 5 minutes, with
// ±25% jitter so a cluster of nodes does not reconnect in lockstep.
func (cm *ConnectionManager) backoffDelay(attempt int) time.Duration {
	base := cm.reconnectDelay
	if base == 0 {
		base = 5 * time.Second
	}

	maxDelay := 5 * time.Minute

	delay := base * time.Duration(1<<uint(min(attempt, 10)))
	if delay > maxDelay {
		delay = maxDelay
	}

	jitter := time.Duration(float64(delay) * 0.25)
	delay = delay - jitter/2 + time.Duration(time.Now().UnixNano()%int64(jitter))

	return delay
}
