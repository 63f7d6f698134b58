package delivery

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/aura-uplink/internal/outbox"
	"github.com/nerrad567/aura-uplink/internal/telemetry"
)

// fakeTarget is a scripted delivery target.
type fakeTarget struct {
	label   string
	enabled bool
	ok      bool
	delay   time.Duration

	mu       sync.Mutex
	calls    int
	lastArg  [][]byte
	payloads [][]byte
}

func (f *fakeTarget) Label() string { return f.label }
func (f *fakeTarget) Enabled() bool { return f.enabled }

func (f *fakeTarget) Publish(_ context.Context, p telemetry.Payload, last []byte, filter telemetry.TargetSet) map[string]bool {
	if filter != nil && !filter.Contains(f.label) {
		return map[string]bool{}
	}
	f.mu.Lock()
	f.calls++
	f.lastArg = append(f.lastArg, last)
	f.payloads = append(f.payloads, p.Bytes())
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if !f.enabled {
		return map[string]bool{f.label: false}
	}
	return map[string]bool{f.label: f.ok}
}

func (f *fakeTarget) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type enqueueCall struct {
	seq     int64
	pending []string
	errTag  string
}

// fakeQueue records enqueues and replays scripted drain outcomes.
type fakeQueue struct {
	mu       sync.Mutex
	enqueued []enqueueCall
	reject   bool
	outcomes []outbox.DrainOutcome
	records  []outbox.QueuedMessage
	drains   int
	results  []map[string]bool
	drained  chan struct{}
	cleared  int
}

func newFakeQueue(outcomes ...outbox.DrainOutcome) *fakeQueue {
	return &fakeQueue{outcomes: outcomes, drained: make(chan struct{}, 16)}
}

func (q *fakeQueue) Enqueue(p telemetry.Payload, pending telemetry.TargetSet, errTag string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, enqueueCall{seq: p.Sequence, pending: pending.Labels(), errTag: errTag})
	return !q.reject, nil
}

func (q *fakeQueue) DrainOnce(ctx context.Context, _ int, fn outbox.PublishFunc) (outbox.DrainOutcome, error) {
	q.mu.Lock()
	records := q.records
	var out outbox.DrainOutcome
	if len(q.outcomes) > 0 {
		out = q.outcomes[0]
		if len(q.outcomes) > 1 {
			q.outcomes = q.outcomes[1:]
		}
	}
	q.drains++
	q.mu.Unlock()

	for _, r := range records {
		res := fn(ctx, r)
		q.mu.Lock()
		q.results = append(q.results, res)
		q.mu.Unlock()
	}
	select {
	case q.drained <- struct{}{}:
	default:
	}
	return out, nil
}

func (q *fakeQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.enqueued)
}

func (q *fakeQueue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cleared += len(q.enqueued)
	q.enqueued = nil
	return nil
}

func (q *fakeQueue) Enqueued() []enqueueCall {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]enqueueCall(nil), q.enqueued...)
}

func sample(seq int64) telemetry.Payload {
	p, err := telemetry.Parse([]byte(fmt.Sprintf(`{"v":%d,"device_id":"dev-1","seq":%d}`, telemetry.PayloadVersion, seq)))
	if err != nil {
		panic(err)
	}
	return p
}

func TestBackoff_DoublesToCap(t *testing.T) {
	b := NewBackoff(2*time.Second, 10*time.Second)
	want := []time.Duration{4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, w := range want {
		if got := b.Advance(); got != w {
			t.Errorf("Advance() #%d = %v, want %v", i, got, w)
		}
	}
	b.Reset()
	if got := b.Current(); got != 2*time.Second {
		t.Errorf("Current() after Reset = %v, want 2s", got)
	}
}

func TestBackoff_ClampsInvalidBounds(t *testing.T) {
	b := NewBackoff(0, 0)
	if b.Current() != time.Second {
		t.Errorf("Current() = %v, want 1s", b.Current())
	}
	if got := b.Advance(); got != time.Second {
		t.Errorf("Advance() = %v, want 1s (max clamped to min)", got)
	}
}

func TestJitter_Bounds(t *testing.T) {
	base := 10 * time.Second
	tests := []struct {
		name string
		rnd  Int64N
		want time.Duration
	}{
		{"lowest", func(int64) int64 { return 0 }, 5 * time.Second},
		{"middle", func(n int64) int64 { return n / 2 }, 10 * time.Second},
		{"highest", func(n int64) int64 { return n - 1 }, 15 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Jitter(base, tt.rnd); got != tt.want {
				t.Errorf("Jitter() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestJitter_RandomStaysInRange(t *testing.T) {
	base := 4 * time.Second
	for range 500 {
		got := Jitter(base, nil)
		if got < base/2 || got > base+base/2 {
			t.Fatalf("Jitter() = %v, outside [%v, %v]", got, base/2, base+base/2)
		}
	}
	if got := Jitter(0, nil); got != 1 {
		t.Errorf("Jitter(0) = %v, want 1ns", got)
	}
}

func TestSignal_Coalesces(t *testing.T) {
	s := NewSignal()
	for range 5 {
		s.Notify()
	}
	select {
	case <-s.C():
	default:
		t.Fatal("signal not set after Notify")
	}
	select {
	case <-s.C():
		t.Fatal("second receive succeeded; notifications should coalesce")
	default:
	}
}

func TestFanout_FilterAndMerge(t *testing.T) {
	a := &fakeTarget{label: "primary", enabled: true, ok: true}
	b := &fakeTarget{label: "backup", enabled: true, ok: false}
	off := &fakeTarget{label: "spare", enabled: false}
	f := NewFanout(a, b, off)

	got := f.Publish(context.Background(), sample(1), nil, nil)
	want := map[string]bool{"primary": true, "backup": false, "spare": false}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Publish() = %v, want %v", got, want)
	}

	got = f.Publish(context.Background(), sample(2), nil, telemetry.NewTargetSet("backup"))
	if !reflect.DeepEqual(got, map[string]bool{"backup": false}) {
		t.Errorf("filtered Publish() = %v", got)
	}
	if a.Calls() != 1 {
		t.Errorf("primary calls = %d, want 1", a.Calls())
	}

	if labels := f.EnabledLabels().Labels(); !reflect.DeepEqual(labels, []string{"backup", "primary"}) {
		t.Errorf("EnabledLabels() = %v", labels)
	}
}

func TestService_SuccessSkipsOutbox(t *testing.T) {
	q := newFakeQueue()
	sig := NewSignal()
	svc := NewService(NewFanout(&fakeTarget{label: "primary", enabled: true, ok: true}), q, sig)

	res, err := svc.Submit(context.Background(), sample(1), []byte(`{}`))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !res["primary"] {
		t.Errorf("Submit() = %v, want primary true", res)
	}
	if n := len(q.Enqueued()); n != 0 {
		t.Errorf("enqueued %d records, want 0", n)
	}
	select {
	case <-sig.C():
		t.Error("drain signalled without an enqueue")
	default:
	}
}

func TestService_FailureEnqueuesPendingTargets(t *testing.T) {
	q := newFakeQueue()
	sig := NewSignal()
	f := NewFanout(
		&fakeTarget{label: "primary", enabled: true, ok: true},
		&fakeTarget{label: "backup", enabled: true, ok: false},
		&fakeTarget{label: "spare", enabled: false},
	)
	svc := NewService(f, q, sig)

	if _, err := svc.Submit(context.Background(), sample(7), nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	got := q.Enqueued()
	want := []enqueueCall{{seq: 7, pending: []string{"backup"}, errTag: TagPublishFailed}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("enqueued = %+v, want %+v", got, want)
	}
	select {
	case <-sig.C():
	default:
		t.Error("drain not signalled after enqueue")
	}
}

func TestService_TimeoutEnqueuesAllEnabled(t *testing.T) {
	q := newFakeQueue()
	f := NewFanout(
		&fakeTarget{label: "primary", enabled: true, ok: true, delay: 300 * time.Millisecond},
		&fakeTarget{label: "backup", enabled: true, ok: true},
	)
	svc := NewService(f, q, NewSignal(), WithPublishTimeout(20*time.Millisecond))

	start := time.Now()
	res, err := svc.Submit(context.Background(), sample(3), nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Errorf("Submit() took %v; timeout not honoured", elapsed)
	}
	if res != nil {
		t.Errorf("Submit() results = %v, want nil on timeout", res)
	}
	got := q.Enqueued()
	want := []enqueueCall{{seq: 3, pending: []string{"backup", "primary"}, errTag: TagPublishTimeout}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("enqueued = %+v, want %+v", got, want)
	}
}

func TestService_DroppedEnqueueDoesNotSignal(t *testing.T) {
	q := newFakeQueue()
	q.reject = true
	sig := NewSignal()
	svc := NewService(NewFanout(&fakeTarget{label: "primary", enabled: true}), q, sig)

	if _, err := svc.Submit(context.Background(), sample(1), nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	select {
	case <-sig.C():
		t.Error("drain signalled for a dropped record")
	default:
	}
}

func TestService_DrainNowAndQueueSize(t *testing.T) {
	q := newFakeQueue()
	sig := NewSignal()
	svc := NewService(NewFanout(), q, sig)

	svc.DrainNow()
	select {
	case <-sig.C():
	default:
		t.Error("DrainNow() did not signal")
	}
	if svc.QueueSize() != 0 {
		t.Errorf("QueueSize() = %d, want 0", svc.QueueSize())
	}

	q.enqueued = []enqueueCall{{seq: 1}, {seq: 2}}
	n, err := svc.ClearQueue()
	if err != nil || n != 2 {
		t.Errorf("ClearQueue() = %d, %v; want 2, nil", n, err)
	}
	if svc.QueueSize() != 0 {
		t.Errorf("QueueSize() after ClearQueue = %d, want 0", svc.QueueSize())
	}
	if st := svc.Statuses(); len(st) != 0 {
		t.Errorf("Statuses() without board = %v, want empty", st)
	}
}

func newTestDrainer(q Queue, f *Fanout, sig *Signal) *Drainer {
	cfg := DrainerConfig{
		BatchSize:    10,
		IdleInterval: time.Hour,
		MinBackoff:   time.Second,
		MaxBackoff:   8 * time.Second,
	}
	identity := func(d time.Duration) time.Duration { return d }
	return NewDrainer(q, f, sig, cfg, WithJitter(identity))
}

func TestDrainer_CycleDecisions(t *testing.T) {
	stalled := outbox.DrainOutcome{Attempted: 3, Remaining: 3}
	progress := outbox.DrainOutcome{Attempted: 3, Processed: 1, Remaining: 2}
	empty := outbox.DrainOutcome{}
	q := newFakeQueue(stalled, stalled, stalled, stalled, progress, stalled, empty)
	d := newTestDrainer(q, NewFanout(), NewSignal())
	ctx := context.Background()

	want := []time.Duration{
		1 * time.Second, // stalled
		2 * time.Second,
		4 * time.Second,
		8 * time.Second, // capped from here
		0,               // progress: go again, reset
		1 * time.Second,
		time.Hour, // empty: idle
	}
	for i, w := range want {
		if got := d.cycle(ctx); got != w {
			t.Errorf("cycle #%d = %v, want %v", i, got, w)
		}
	}
	if d.backoff.Current() != time.Second {
		t.Errorf("backoff after empty queue = %v, want reset to 1s", d.backoff.Current())
	}
}

func TestDrainer_RedeliversPendingTargetsOnly(t *testing.T) {
	primary := &fakeTarget{label: "primary", enabled: true, ok: true}
	backup := &fakeTarget{label: "backup", enabled: true, ok: true}
	q := newFakeQueue(outbox.DrainOutcome{})
	q.records = []outbox.QueuedMessage{{Sequence: 9, Payload: sample(9).Bytes(), Targets: []string{"backup"}}}
	d := newTestDrainer(q, NewFanout(primary, backup), NewSignal())

	d.cycle(context.Background())

	if primary.Calls() != 0 {
		t.Errorf("primary calls = %d, want 0", primary.Calls())
	}
	if backup.Calls() != 1 {
		t.Fatalf("backup calls = %d, want 1", backup.Calls())
	}
	if backup.lastArg[0] != nil {
		t.Errorf("retry sent last snapshot %q, want none", backup.lastArg[0])
	}
	if !reflect.DeepEqual(q.results, []map[string]bool{{"backup": true}}) {
		t.Errorf("redeliver results = %v", q.results)
	}
	if string(backup.payloads[0]) != string(sample(9).Bytes()) {
		t.Errorf("redelivered payload = %s, want %s", backup.payloads[0], sample(9).Bytes())
	}
}

func TestDrainer_RedeliverEmptyTargets(t *testing.T) {
	primary := &fakeTarget{label: "primary", enabled: true, ok: true}
	d := newTestDrainer(newFakeQueue(), NewFanout(primary), NewSignal())

	res := d.redeliver(context.Background(), outbox.QueuedMessage{Sequence: 1}, telemetry.NewTargetSet())
	if len(res) != 0 || primary.Calls() != 0 {
		t.Errorf("redeliver() with no targets = %v, calls = %d", res, primary.Calls())
	}
}

func TestDrainer_SignalWakesIdleLoop(t *testing.T) {
	q := newFakeQueue(outbox.DrainOutcome{})
	sig := NewSignal()
	d := newTestDrainer(q, NewFanout(), sig)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	waitDrain := func(n int) {
		t.Helper()
		select {
		case <-q.drained:
		case <-time.After(2 * time.Second):
			t.Fatalf("drain pass %d did not run", n)
		}
	}
	waitDrain(1)
	sig.Notify()
	waitDrain(2)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestDrainer_SkipsTargetFailedEarlierInPass(t *testing.T) {
	primary := &fakeTarget{label: "primary", enabled: true, ok: true}
	backup := &fakeTarget{label: "backup", enabled: true, ok: false}
	q := newFakeQueue(outbox.DrainOutcome{})
	q.records = []outbox.QueuedMessage{
		{Sequence: 1, Payload: sample(1).Bytes(), Targets: []string{"backup"}},
		{Sequence: 2, Payload: sample(2).Bytes(), Targets: []string{"backup"}},
		{Sequence: 3, Payload: sample(3).Bytes(), Targets: []string{"backup", "primary"}},
	}
	d := newTestDrainer(q, NewFanout(primary, backup), NewSignal())

	d.cycle(context.Background())

	if backup.Calls() != 1 {
		t.Errorf("backup calls = %d, want 1", backup.Calls())
	}
	if primary.Calls() != 1 {
		t.Errorf("primary calls = %d, want 1", primary.Calls())
	}
	want := []map[string]bool{
		{"backup": false},
		{"backup": false},
		{"backup": false, "primary": true},
	}
	if !reflect.DeepEqual(q.results, want) {
		t.Errorf("redeliver results = %v, want %v", q.results, want)
	}

	// A new pass offers the failed target again.
	q.mu.Lock()
	q.results = nil
	q.records = q.records[:1]
	q.mu.Unlock()
	d.cycle(context.Background())
	if backup.Calls() != 2 {
		t.Errorf("backup calls after second pass = %d, want 2", backup.Calls())
	}
}

func TestService_SubmitNotBlockedBySlowDrain(t *testing.T) {
	box, err := outbox.New(t.TempDir())
	if err != nil {
		t.Fatalf("outbox.New() error = %v", err)
	}
	if err := box.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	for seq := int64(1); seq <= 10; seq++ {
		if _, err := box.Enqueue(sample(seq), telemetry.NewTargetSet("primary"), TagPublishFailed); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	slow := &fakeTarget{label: "primary", enabled: true, ok: true, delay: 100 * time.Millisecond}
	fanout := NewFanout(slow)
	sig := NewSignal()
	d := newTestDrainer(box, fanout, sig)
	svc := NewService(fanout, box, sig, WithPublishTimeout(50*time.Millisecond))

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		d.cycle(context.Background())
	}()
	deadline := time.Now().Add(2 * time.Second)
	for slow.Calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	start := time.Now()
	if _, err := svc.Submit(context.Background(), sample(11), nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Submit() took %v behind the drain pass", elapsed)
	}

	<-drained
	if got := box.Size(); got != 1 {
		t.Errorf("Size() after drain = %d, want only the new record", got)
	}
}
