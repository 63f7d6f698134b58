package delivery

import "errors"

// Domain-specific errors for delivery operations.
var (
	// ErrPublishTimeout is logged when a per-sample publish exceeds its
	// deadline. The payload is routed to the outbox for every enabled target.
	ErrPublishTimeout = errors.New("delivery: publish timed out")
)

// Outbox error tags stamped on queued records.
const (
	TagPublishFailed  = "publish_failed"
	TagPublishTimeout = "publish_timeout"
)
