// Package termination broadcasts task termination events to every live node
// instance, each observing every event exactly once through its own private
// ephemeral queue bound to a shared exchange.
package termination
