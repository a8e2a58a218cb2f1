// Package retry holds the timeout and retry primitives shared by every
// external call: a generic timeout wrapper, exponential backoff and the
// retryable-error classifier.
package retry
