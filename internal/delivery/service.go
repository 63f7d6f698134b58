package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/aura-uplink/internal/infrastructure/mqtt"
	"github.com/nerrad567/aura-uplink/internal/telemetry"
)

// DefaultPublishTimeout bounds one per-sample publish.
const DefaultPublishTimeout = 1500 * time.Millisecond

// Service is the per-sample entry point: publish now, or hand the payload
// to the outbox for the drain loop.
//
// Thread Safety:
//   - Submit may be called concurrently; each call runs its publish on its
//     own goroutine.
type Service struct {
	fanout  *Fanout
	queue   Queue
	signal  *Signal
	board   *mqtt.StatusBoard
	timeout time.Duration
	logger  Logger
	metrics Metrics

	reconnectTargets []Reconnectable
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithPublishTimeout sets the per-sample publish deadline.
func WithPublishTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithServiceLogger sets the logger.
func WithServiceLogger(l Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithServiceMetrics sets the metrics sink.
func WithServiceMetrics(m Metrics) ServiceOption {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithStatusBoard exposes broker statuses through Statuses.
func WithStatusBoard(b *mqtt.StatusBoard) ServiceOption {
	return func(s *Service) {
		s.board = b
	}
}

// WithReconnectOnNetwork makes NetworkAvailable kick a reconnect of every
// listed target that is not connected.
func WithReconnectOnNetwork(targets ...Reconnectable) ServiceOption {
	return func(s *Service) {
		s.reconnectTargets = append(s.reconnectTargets, targets...)
	}
}

// NewService creates the delivery service. signal is shared with the Drainer.
func NewService(fanout *Fanout, queue Queue, signal *Signal, opts ...ServiceOption) *Service {
	s := &Service{
		fanout:  fanout,
		queue:   queue,
		signal:  signal,
		timeout: DefaultPublishTimeout,
		logger:  nopLogger{},
		metrics: nopMetrics{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit publishes payload to every target, waiting at most the publish
// timeout. Targets that are enabled but did not report success are
// enqueued in the outbox; a stored record wakes the drain loop.
//
// On timeout the publish goroutine is abandoned, not interrupted: a late
// success goes unobserved and the outbox copy may be delivered again.
//
// Returns:
//   - map[string]bool: Per-target results; nil when the publish timed out
//   - error: Only when the outbox could not be written
func (s *Service) Submit(ctx context.Context, payload telemetry.Payload, last []byte) (map[string]bool, error) {
	done := make(chan map[string]bool, 1)
	go func() {
		done <- s.fanout.Publish(ctx, payload, last, nil)
	}()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	var (
		results  map[string]bool
		timedOut bool
	)
	select {
	case results = <-done:
	case <-timer.C:
		timedOut = true
	case <-ctx.Done():
		timedOut = true
	}

	errTag := TagPublishFailed
	if timedOut {
		errTag = TagPublishTimeout
		s.logger.Warn("telemetry publish abandoned",
			"error", fmt.Errorf("%w after %v", ErrPublishTimeout, s.timeout),
			"seq", payload.Sequence,
		)
	}
	s.metrics.ObserveSubmit(results, timedOut)

	pending := s.fanout.EnabledLabels().Pending(results)
	if pending.Len() == 0 {
		return results, nil
	}

	stored, err := s.queue.Enqueue(payload, pending, errTag)
	s.metrics.ObserveEnqueue(stored, errTag, s.queue.Size())
	if err != nil {
		return results, fmt.Errorf("enqueueing seq=%d: %w", payload.Sequence, err)
	}
	if stored {
		s.signal.Notify()
	} else {
		s.logger.Warn("outbox drop", "seq", payload.Sequence, "targets", pending.Labels())
	}
	return results, nil
}

// DrainNow wakes the drain loop.
func (s *Service) DrainNow() {
	s.signal.Notify()
}

// NetworkAvailable wakes the drain loop and starts a reconnect for every
// registered target that is not connected. Disabled targets are included:
// reconnecting re-runs discovery, which may find a broker on the new
// network. The reconnects run in the background under ctx.
func (s *Service) NetworkAvailable(ctx context.Context) {
	s.signal.Notify()
	for _, t := range s.reconnectTargets {
		if t.Status().State == mqtt.StateConnected {
			continue
		}
		go func(t Reconnectable) {
			err := t.Reconnect(ctx)
			switch {
			case err == nil:
			case errors.Is(err, mqtt.ErrNoEndpoints):
				s.logger.Debug("no broker endpoints after network change", "target", t.Label())
			default:
				s.logger.Warn("reconnect on network available failed", "target", t.Label(), "error", err)
			}
		}(t)
	}
}

// ClearQueue discards every queued record and returns how many there were.
func (s *Service) ClearQueue() (int, error) {
	n := s.queue.Size()
	if err := s.queue.Clear(); err != nil {
		return 0, fmt.Errorf("clearing outbox: %w", err)
	}
	s.logger.Warn("outbox cleared", "records", n)
	return n, nil
}

// QueueSize returns the outbox depth.
func (s *Service) QueueSize() int {
	return s.queue.Size()
}

// Statuses returns a snapshot of every broker target's status.
func (s *Service) Statuses() map[string]mqtt.BrokerStatus {
	if s.board == nil {
		return map[string]mqtt.BrokerStatus{}
	}
	return s.board.Snapshot()
}
