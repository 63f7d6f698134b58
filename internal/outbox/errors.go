package outbox

import "errors"

// Domain-specific errors for outbox operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrQueueFull is logged when the current day's partition has reached
	// its byte cap. The payload is dropped, not retried.
	ErrQueueFull = errors.New("outbox: daily partition full")

	// ErrDecode is logged when a persisted record cannot be parsed. The
	// record is dropped; the rest of the partition is unaffected.
	ErrDecode = errors.New("outbox: record decode failed")

	// ErrEmptyPayload is returned by Enqueue for a payload that was never
	// parsed.
	ErrEmptyPayload = errors.New("outbox: empty payload")

	// ErrInvalidDir is returned when the outbox directory is empty.
	ErrInvalidDir = errors.New("outbox: directory is required")
)
