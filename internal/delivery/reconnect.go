package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/aura-uplink/internal/infrastructure/mqtt"
)

// Reconnect loop defaults.
const (
	DefaultReconnectInitial = 5 * time.Second
	DefaultReconnectMax     = 60 * time.Second
)

// Reconnectable is a broker connection the reconnect loop can drive.
// *mqtt.Manager implements it.
type Reconnectable interface {
	Label() string
	Reconnect(ctx context.Context) error
	Status() mqtt.BrokerStatus
}

var _ Reconnectable = (*mqtt.Manager)(nil)

// Reconnector retries one target's connection with exponential backoff
// until it is Connected or Disabled.
//
// It sits above paho's own auto-reconnect: paho retries the socket it
// already has, this loop rebuilds the client, which also re-runs discovery.
type Reconnector struct {
	target  Reconnectable
	backoff *Backoff
	logger  Logger
}

// NewReconnector creates a loop for target. Non-positive delays take the
// defaults.
func NewReconnector(target Reconnectable, initial, maxDelay time.Duration, logger Logger) *Reconnector {
	if initial <= 0 {
		initial = DefaultReconnectInitial
	}
	if maxDelay <= 0 {
		maxDelay = DefaultReconnectMax
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &Reconnector{
		target:  target,
		backoff: NewBackoff(initial, maxDelay),
		logger:  logger,
	}
}

// Run loops until the target no longer needs a reconnect or ctx ends.
// It always returns nil.
func (r *Reconnector) Run(ctx context.Context) error {
	label := r.target.Label()
	for {
		if !needsReconnect(r.target.Status()) {
			return nil
		}

		delay := r.backoff.Current()
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		// Paho may have recovered the link while we slept.
		if !needsReconnect(r.target.Status()) {
			return nil
		}

		if err := r.target.Reconnect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			next := r.backoff.Advance()
			r.logger.Warn("broker reconnect failed",
				"target", label,
				"error", err,
				"retry_in", next,
			)
			continue
		}
		r.backoff.Reset()
		r.logger.Info("broker reconnected", "target", label)
	}
}

func needsReconnect(st mqtt.BrokerStatus) bool {
	return st.Enabled && st.State.NeedsReconnect()
}

// ReconnectSupervisor starts a Reconnector for a target whenever its
// status on the board calls for one, keeping at most one loop per label.
type ReconnectSupervisor struct {
	board   *mqtt.StatusBoard
	targets map[string]Reconnectable
	initial time.Duration
	max     time.Duration
	logger  Logger

	running map[string]struct{}
	exited  chan string
	wg      sync.WaitGroup
}

// NewReconnectSupervisor creates a supervisor over targets.
func NewReconnectSupervisor(board *mqtt.StatusBoard, initial, maxDelay time.Duration, logger Logger, targets ...Reconnectable) *ReconnectSupervisor {
	if logger == nil {
		logger = nopLogger{}
	}
	byLabel := make(map[string]Reconnectable, len(targets))
	for _, t := range targets {
		byLabel[t.Label()] = t
	}
	return &ReconnectSupervisor{
		board:   board,
		targets: byLabel,
		initial: initial,
		max:     maxDelay,
		logger:  logger,
		running: make(map[string]struct{}),
		exited:  make(chan string),
	}
}

// Run watches the board until ctx ends, then waits for every loop it
// started to return. It always returns nil.
func (s *ReconnectSupervisor) Run(ctx context.Context) error {
	updates, cancel := s.board.Subscribe()
	defer cancel()
	defer s.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case snap := <-updates:
			for label, st := range snap {
				if needsReconnect(st) {
					s.start(ctx, label)
				}
			}
		case label := <-s.exited:
			delete(s.running, label)
			// A transition may have landed while the loop was exiting.
			if st, ok := s.board.Get(label); ok && needsReconnect(st) && ctx.Err() == nil {
				s.start(ctx, label)
			}
		}
	}
}

// start launches a loop for label unless one is already running. Only the
// Run goroutine touches s.running.
func (s *ReconnectSupervisor) start(ctx context.Context, label string) {
	target, ok := s.targets[label]
	if !ok {
		return
	}
	if _, busy := s.running[label]; busy {
		return
	}
	s.running[label] = struct{}{}
	s.logger.Debug("reconnect loop started", "target", label)

	loop := NewReconnector(target, s.initial, s.max, s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = loop.Run(ctx)
		select {
		case s.exited <- label:
		case <-ctx.Done():
		}
	}()
}
