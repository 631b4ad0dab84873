// Package mailqueue manages durable, named outbound mail queues: idempotent
// topology creation and lookup, reference-based enqueueing over an external
// content-addressed blob store, and manual-ack dequeueing from any node.
package mailqueue
