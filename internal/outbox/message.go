package outbox

import (
	"context"
	"encoding/json"

	"github.com/nerrad567/aura-uplink/internal/telemetry"
)

// QueuedMessage is one outbox record, stored as a single JSON line.
//
// A record with no pending targets is never persisted; it is deleted.
// Payload holds the serialised payload exactly as it was enqueued.
type QueuedMessage struct {
	CreatedAtUTC int64           `json:"createdAtUtc"`
	Sequence     int64           `json:"sequence"`
	Payload      json.RawMessage `json:"payload"`
	Targets      []string        `json:"targets"`
	Attempts     int             `json:"attempts"`
	LastError    string          `json:"lastError,omitempty"`
}

// Telemetry returns the stored payload.
func (m QueuedMessage) Telemetry() (telemetry.Payload, error) {
	return telemetry.Parse(m.Payload)
}

// TargetSet returns the pending targets as a set.
func (m QueuedMessage) TargetSet() telemetry.TargetSet {
	return telemetry.NewTargetSet(m.Targets...)
}

// PublishFunc attempts redelivery of one record and reports success per
// target label. Labels absent from the result count as failed.
type PublishFunc func(ctx context.Context, msg QueuedMessage) map[string]bool

// DrainOutcome summarises one DrainOnce pass.
type DrainOutcome struct {
	// Attempted is the number of records handed to the publish function.
	Attempted int

	// Processed is the number of attempted records that made progress:
	// fully delivered, or at least one pending target succeeded.
	Processed int

	// Delivered is the number of records fully delivered and removed.
	Delivered int

	// Remaining is the queue size after the pass.
	Remaining int
}

// Stats is a point-in-time view of outbox counters.
type Stats struct {
	Size           int
	Dropped        int64
	DecodeFailures int64
	Purged         int64
}
