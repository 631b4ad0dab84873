// Package taskqueue implements the cluster-wide administrative work queue.
//
// Tasks are submitted by any node and executed by exactly one: the broker's
// single-active-consumer queue property elects one subscriber at a time and
// fails over when it disconnects. Cancellation is a separate best-effort
// broadcast observed by every node through a private ephemeral queue.
//
// Deliveries are acknowledged before execution, giving at-most-one-attempt
// semantics: a worker crash mid-task loses the task rather than redelivering
// it to another node.
package taskqueue
