package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/aura-uplink/internal/infrastructure/mqtt"
	"github.com/nerrad567/aura-uplink/internal/outbox"
)

// Measurement names written by Recorder.
const (
	MeasurementPublish = "uplink_publish"
	MeasurementOutbox  = "uplink_outbox"
	MeasurementDrain   = "uplink_drain"
	MeasurementBroker  = "uplink_broker"
)

// targetAll tags a submit that timed out before any target reported.
const targetAll = "all"

// PointWriter accepts points for asynchronous writing. *Client implements it.
type PointWriter interface {
	WritePoint(p *write.Point)
}

// Recorder turns delivery observations into InfluxDB points. It implements
// delivery.Metrics, and RecordStatus matches mqtt.ChangeFunc.
type Recorder struct {
	w        PointWriter
	deviceID string
	now      func() time.Time
}

// NewRecorder returns a recorder tagging every point with deviceID.
func NewRecorder(w PointWriter, deviceID string) *Recorder {
	return &Recorder{w: w, deviceID: deviceID, now: time.Now}
}

// ObserveSubmit writes one point per target, or a single "all" point
// when the publish timed out.
func (r *Recorder) ObserveSubmit(results map[string]bool, timedOut bool) {
	ts := r.now()
	if timedOut {
		r.w.WritePoint(write.NewPoint(MeasurementPublish,
			r.tags("target", targetAll),
			map[string]any{"ok": false, "timed_out": true},
			ts,
		))
		return
	}
	for label, ok := range results {
		r.w.WritePoint(write.NewPoint(MeasurementPublish,
			r.tags("target", label),
			map[string]any{"ok": ok, "timed_out": false},
			ts,
		))
	}
}

// ObserveEnqueue records an outbox write attempt and the resulting depth.
func (r *Recorder) ObserveEnqueue(stored bool, errTag string, queueSize int) {
	r.w.WritePoint(write.NewPoint(MeasurementOutbox,
		r.tags("error", errTag),
		map[string]any{"stored": stored, "queue_size": queueSize},
		r.now(),
	))
}

// ObserveDrain records one drain pass. Idle passes over an empty queue
// are skipped.
func (r *Recorder) ObserveDrain(out outbox.DrainOutcome) {
	if out.Attempted == 0 && out.Remaining == 0 {
		return
	}
	r.w.WritePoint(write.NewPoint(MeasurementDrain,
		r.tags(),
		map[string]any{
			"attempted": out.Attempted,
			"processed": out.Processed,
			"delivered": out.Delivered,
			"remaining": out.Remaining,
		},
		r.now(),
	))
}

// RecordStatus records a broker status transition. Register it with
// StatusBoard.OnChange.
func (r *Recorder) RecordStatus(label string, old, updated mqtt.BrokerStatus) {
	r.w.WritePoint(write.NewPoint(MeasurementBroker,
		r.tags("target", label),
		map[string]any{
			"state":     updated.State.String(),
			"previous":  old.State.String(),
			"enabled":   updated.Enabled,
			"endpoint":  updated.ActiveEndpoint,
			"connected": updated.State == mqtt.StateConnected,
		},
		r.now(),
	))
}

func (r *Recorder) tags(kv ...string) map[string]string {
	tags := make(map[string]string, 1+len(kv)/2)
	tags["device_id"] = r.deviceID
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] != "" {
			tags[kv[i]] = kv[i+1]
		}
	}
	return tags
}
