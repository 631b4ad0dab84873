// Package reliability provides retry policies for broker operations.
//
// Policies implement RetryPolicy and are executed through Retry, which keeps
// the last underlying error intact on exhaustion so callers always observe
// the original cause. Errors may opt out of retrying by implementing
// IsRetryable or by being wrapped in RetryableError.
package reliability
