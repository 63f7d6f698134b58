package delivery

import (
	"context"
	"sync"

	"github.com/nerrad567/aura-uplink/internal/telemetry"
)

// Target is one delivery target. *mqtt.Publisher implements it.
type Target interface {
	Label() string
	Enabled() bool
	Publish(ctx context.Context, payload telemetry.Payload, last []byte, filter telemetry.TargetSet) map[string]bool
}

// Fanout publishes to every target concurrently. Targets succeed or fail
// independently; there is no cross-target consistency.
type Fanout struct {
	targets []Target
}

// NewFanout returns a fan-out over targets.
func NewFanout(targets ...Target) *Fanout {
	return &Fanout{targets: targets}
}

// EnabledLabels returns the labels of targets that have endpoints.
func (f *Fanout) EnabledLabels() telemetry.TargetSet {
	out := make(telemetry.TargetSet, len(f.targets))
	for _, t := range f.targets {
		if t.Enabled() {
			out[t.Label()] = struct{}{}
		}
	}
	return out
}

// Publish sends payload to every target allowed by filter (nil means all)
// and merges the per-target results.
func (f *Fanout) Publish(ctx context.Context, payload telemetry.Payload, last []byte, filter telemetry.TargetSet) map[string]bool {
	results := make(map[string]bool, len(f.targets))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, t := range f.targets {
		if filter != nil && !filter.Contains(t.Label()) {
			continue
		}
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			res := t.Publish(ctx, payload, last, filter)
			mu.Lock()
			for label, ok := range res {
				results[label] = ok
			}
			mu.Unlock()
		}(t)
	}
	wg.Wait()
	return results
}
