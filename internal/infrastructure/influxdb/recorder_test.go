package influxdb

import (
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/aura-uplink/internal/infrastructure/mqtt"
	"github.com/nerrad567/aura-uplink/internal/outbox"
)

type capture struct {
	mu     sync.Mutex
	points []*write.Point
}

func (c *capture) WritePoint(p *write.Point) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.points = append(c.points, p)
}

func newTestRecorder() (*Recorder, *capture) {
	w := &capture{}
	r := NewRecorder(w, "dev-1")
	r.now = func() time.Time { return time.Date(2026, 4, 12, 9, 30, 0, 0, time.UTC) }
	return r, w
}

func tagsOf(p *write.Point) map[string]string {
	out := make(map[string]string)
	for _, t := range p.TagList() {
		out[t.Key] = t.Value
	}
	return out
}

func fieldsOf(p *write.Point) map[string]any {
	out := make(map[string]any)
	for _, f := range p.FieldList() {
		out[f.Key] = f.Value
	}
	return out
}

func TestRecorder_ObserveSubmit(t *testing.T) {
	r, w := newTestRecorder()

	r.ObserveSubmit(map[string]bool{"primary": true, "backup": false}, false)
	if len(w.points) != 2 {
		t.Fatalf("points = %d, want 2", len(w.points))
	}
	byTarget := make(map[string]*write.Point)
	for _, p := range w.points {
		if p.Name() != MeasurementPublish {
			t.Errorf("Name() = %q, want %q", p.Name(), MeasurementPublish)
		}
		byTarget[tagsOf(p)["target"]] = p
	}
	if ok := fieldsOf(byTarget["primary"])["ok"]; ok != true {
		t.Errorf("primary ok = %v, want true", ok)
	}
	if ok := fieldsOf(byTarget["backup"])["ok"]; ok != false {
		t.Errorf("backup ok = %v, want false", ok)
	}
	if dev := tagsOf(byTarget["primary"])["device_id"]; dev != "dev-1" {
		t.Errorf("device_id = %q, want dev-1", dev)
	}
}

func TestRecorder_ObserveSubmitTimeout(t *testing.T) {
	r, w := newTestRecorder()

	r.ObserveSubmit(nil, true)
	if len(w.points) != 1 {
		t.Fatalf("points = %d, want 1", len(w.points))
	}
	p := w.points[0]
	if tagsOf(p)["target"] != targetAll {
		t.Errorf("target tag = %q, want %q", tagsOf(p)["target"], targetAll)
	}
	if fieldsOf(p)["timed_out"] != true {
		t.Errorf("timed_out = %v, want true", fieldsOf(p)["timed_out"])
	}
}

func TestRecorder_ObserveEnqueue(t *testing.T) {
	r, w := newTestRecorder()

	r.ObserveEnqueue(true, "publish_timeout", 12)
	r.ObserveEnqueue(false, "", 12)

	if got := tagsOf(w.points[0])["error"]; got != "publish_timeout" {
		t.Errorf("error tag = %q", got)
	}
	if got := fieldsOf(w.points[0])["queue_size"]; got != int64(12) {
		t.Errorf("queue_size = %v (%T), want int64 12", got, got)
	}
	if _, ok := tagsOf(w.points[1])["error"]; ok {
		t.Error("empty error tag should be omitted")
	}
}

func TestRecorder_ObserveDrain(t *testing.T) {
	r, w := newTestRecorder()

	r.ObserveDrain(outbox.DrainOutcome{})
	if len(w.points) != 0 {
		t.Fatalf("idle drain wrote %d points, want 0", len(w.points))
	}

	r.ObserveDrain(outbox.DrainOutcome{Attempted: 5, Processed: 3, Delivered: 2, Remaining: 7})
	if len(w.points) != 1 {
		t.Fatalf("points = %d, want 1", len(w.points))
	}
	f := fieldsOf(w.points[0])
	want := map[string]int64{"attempted": 5, "processed": 3, "delivered": 2, "remaining": 7}
	for k, v := range want {
		if f[k] != v {
			t.Errorf("%s = %v, want %d", k, f[k], v)
		}
	}
}

func TestRecorder_RecordStatusViaBoard(t *testing.T) {
	r, w := newTestRecorder()
	board := mqtt.NewStatusBoard()
	board.OnChange(r.RecordStatus)

	board.Set("primary", mqtt.BrokerStatus{Enabled: true, State: mqtt.StateConnecting})
	board.Set("primary", mqtt.BrokerStatus{Enabled: true, State: mqtt.StateConnected, ActiveEndpoint: "tcp://10.0.0.5:1883"})
	board.Set("primary", mqtt.BrokerStatus{Enabled: true, State: mqtt.StateConnected, ActiveEndpoint: "tcp://10.0.0.5:1883"})

	if len(w.points) != 2 {
		t.Fatalf("points = %d, want 2 (duplicate status not recorded)", len(w.points))
	}
	f := fieldsOf(w.points[1])
	if f["state"] != "connected" || f["previous"] != "connecting" || f["connected"] != true {
		t.Errorf("fields = %v", f)
	}
	if f["endpoint"] != "tcp://10.0.0.5:1883" {
		t.Errorf("endpoint = %v", f["endpoint"])
	}
}
