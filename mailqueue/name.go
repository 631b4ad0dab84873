package mailqueue

import "strings"

// Broker entity name prefixes derived from a logical mail queue name. The
// mapping is pure and stable: the same logical name always resolves to the
// same exchange, work queue and routing key.
const (
	exchangePrefix  = "MailQueue-exchange-"
	workQueuePrefix = "MailQueue-workqueue-"

	// EmptyRoutingKey binds mail queues to their exchange; direct exchanges
	// with a single bound queue need no routing discrimination.
	EmptyRoutingKey = ""
)

// MailQueueName is the logical name of a durable outbound mail queue.
type MailQueueName string

func (n MailQueueName) String() string {
	return string(n)
}

// ExchangeName derives the broker exchange for this queue.
func (n MailQueueName) ExchangeName() string {
	return exchangePrefix + string(n)
}

// WorkQueueName derives the broker queue for this queue.
func (n MailQueueName) WorkQueueName() string {
	return workQueuePrefix + string(n)
}

// FromWorkQueueName recovers the logical name from a broker queue name, and
// reports whether the queue name belongs to the mail queue namespace at all.
func FromWorkQueueName(queueName string) (MailQueueName, bool) {
	if !strings.HasPrefix(queueName, workQueuePrefix) {
		return "", false
	}
	return MailQueueName(strings.TrimPrefix(queueName, workQueuePrefix)), true
}
