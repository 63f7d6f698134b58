package delivery

import (
	"context"
	"time"

	"github.com/nerrad567/aura-uplink/internal/outbox"
	"github.com/nerrad567/aura-uplink/internal/telemetry"
)

// Drain defaults.
const (
	DefaultBatchSize    = 500
	DefaultIdleInterval = 60 * time.Second
	DefaultMinBackoff   = 2 * time.Second
	DefaultMaxBackoff   = 5 * time.Minute
)

// DrainerConfig configures a Drainer. Zero fields take the defaults.
type DrainerConfig struct {
	BatchSize    int
	IdleInterval time.Duration
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
}

// Drainer keeps the outbox converging toward empty.
//
// Each cycle drains one batch, then:
//   - queue empty: reset backoff, sleep the idle interval
//   - progress made (Processed > 0): reset backoff, go again immediately
//   - no progress: sleep jitter(backoff), then double backoff
//
// Every sleep ends early when the shared Signal fires (new enqueue, network
// available, manual drain request).
//
// Within one pass, a target that fails is not offered any later record, so
// an unreachable broker costs one connect timeout per pass rather than one
// per record.
type Drainer struct {
	queue   Queue
	fanout  *Fanout
	signal  *Signal
	batch   int
	idle    time.Duration
	backoff *Backoff
	jitter  func(time.Duration) time.Duration
	logger  Logger
	metrics Metrics
}

// DrainerOption configures a Drainer.
type DrainerOption func(*Drainer)

// WithDrainLogger sets the logger.
func WithDrainLogger(l Logger) DrainerOption {
	return func(d *Drainer) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithDrainMetrics sets the metrics sink.
func WithDrainMetrics(m Metrics) DrainerOption {
	return func(d *Drainer) {
		if m != nil {
			d.metrics = m
		}
	}
}

// WithJitter replaces the jitter function. Used by tests.
func WithJitter(fn func(time.Duration) time.Duration) DrainerOption {
	return func(d *Drainer) {
		if fn != nil {
			d.jitter = fn
		}
	}
}

// NewDrainer creates a drain loop over queue, redelivering through fanout.
func NewDrainer(queue Queue, fanout *Fanout, signal *Signal, cfg DrainerConfig, opts ...DrainerOption) *Drainer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = DefaultIdleInterval
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = DefaultMinBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	d := &Drainer{
		queue:   queue,
		fanout:  fanout,
		signal:  signal,
		batch:   cfg.BatchSize,
		idle:    cfg.IdleInterval,
		backoff: NewBackoff(cfg.MinBackoff, cfg.MaxBackoff),
		jitter:  func(b time.Duration) time.Duration { return Jitter(b, nil) },
		logger:  nopLogger{},
		metrics: nopMetrics{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run drives the loop until ctx is cancelled. It always returns nil.
func (d *Drainer) Run(ctx context.Context) error {
	d.logger.Info("drain loop started", "batch", d.batch, "queue_size", d.queue.Size())
	defer d.logger.Info("drain loop stopped")

	for {
		wait := d.cycle(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if wait == 0 {
			continue
		}
		if !d.sleep(ctx, wait) {
			return nil
		}
	}
}

// cycle runs one drain pass and returns how long to wait before the next.
// Zero means go again immediately.
func (d *Drainer) cycle(ctx context.Context) time.Duration {
	failed := make(telemetry.TargetSet)
	out, err := d.queue.DrainOnce(ctx, d.batch, func(ctx context.Context, msg outbox.QueuedMessage) map[string]bool {
		return d.redeliver(ctx, msg, failed)
	})
	if err != nil {
		d.logger.Error("outbox drain failed", "error", err)
	}
	d.metrics.ObserveDrain(out)

	switch {
	case err == nil && out.Remaining == 0:
		d.backoff.Reset()
		return d.idle
	case out.Processed > 0:
		d.backoff.Reset()
		d.logger.Debug("outbox drain progressed",
			"processed", out.Processed,
			"delivered", out.Delivered,
			"remaining", out.Remaining,
		)
		return 0
	default:
		wait := d.jitter(d.backoff.Current())
		d.backoff.Advance()
		d.logger.Debug("outbox drain stalled",
			"attempted", out.Attempted,
			"remaining", out.Remaining,
			"retry_in", wait,
		)
		return wait
	}
}

// redeliver re-publishes one record to its pending targets only. No
// last-snapshot is sent on retries. Targets in failed are reported as
// failed without a publish; targets that fail now are added to it.
func (d *Drainer) redeliver(ctx context.Context, msg outbox.QueuedMessage, failed telemetry.TargetSet) map[string]bool {
	results := make(map[string]bool)
	offer := make(telemetry.TargetSet)
	for _, label := range msg.Targets {
		if failed.Contains(label) {
			results[label] = false
			continue
		}
		offer[label] = struct{}{}
	}
	if offer.Len() == 0 {
		return results
	}

	payload, err := msg.Telemetry()
	if err != nil {
		d.logger.Warn("queued payload unreadable", "seq", msg.Sequence, "error", err)
		return results
	}
	res := d.fanout.Publish(ctx, payload, nil, offer)
	for label := range offer {
		ok := res[label]
		results[label] = ok
		if !ok {
			failed[label] = struct{}{}
		}
	}
	return results
}

// sleep waits for wait, the signal or ctx. It returns false if ctx ended.
func (d *Drainer) sleep(ctx context.Context, wait time.Duration) bool {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-d.signal.C():
		return true
	case <-timer.C:
		return true
	}
}

var _ Queue = (*outbox.Outbox)(nil)
