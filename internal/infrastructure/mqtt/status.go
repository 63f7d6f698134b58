package mqtt

import (
	"maps"
	"sync"
)

// State is the connection state of one broker target.
type State int

// Connection states.
//
//	Disconnected|Failed|Reconnecting -> Connecting -> Connected
//	Connected -> Reconnecting (link loss) | Disconnected (explicit)
//	any -> Disabled when the endpoint set is empty
const (
	StateDisabled State = iota
	StateDisconnected
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// NeedsReconnect reports whether the app-level reconnect loop should run
// for a target in this state.
func (s State) NeedsReconnect() bool {
	switch s {
	case StateDisconnected, StateFailed, StateReconnecting, StateConnecting:
		return true
	default:
		return false
	}
}

// BrokerStatus is the observable status of one broker target.
type BrokerStatus struct {
	// Enabled is true iff at least one endpoint is configured or discovered.
	Enabled bool

	// State is the current connection state.
	State State

	// ActiveEndpoint is the URI currently or most recently connected.
	ActiveEndpoint string
}

// normalize enforces that a disabled target has no state or endpoint.
func (s BrokerStatus) normalize() BrokerStatus {
	if !s.Enabled {
		return BrokerStatus{State: StateDisabled}
	}
	return s
}

// ChangeFunc observes a status transition.
type ChangeFunc func(label string, old, updated BrokerStatus)

// StatusBoard holds the BrokerStatus of every target, keyed by label.
//
// Readers never mutate it; the connection managers write to it. Subscribers
// receive snapshots through a single-slot channel: a slow subscriber sees
// the latest snapshot, never a backlog, and never blocks a writer.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - ChangeFunc hooks run on the writer's goroutine after the board lock
//     is released; they must not block.
type StatusBoard struct {
	mu       sync.RWMutex
	statuses map[string]BrokerStatus
	subs     map[int]chan map[string]BrokerStatus
	nextSub  int
	hooks    []ChangeFunc
}

// NewStatusBoard returns an empty board.
func NewStatusBoard() *StatusBoard {
	return &StatusBoard{
		statuses: make(map[string]BrokerStatus),
		subs:     make(map[int]chan map[string]BrokerStatus),
	}
}

// Set records the status for label. Unchanged statuses are not broadcast.
func (b *StatusBoard) Set(label string, status BrokerStatus) {
	status = status.normalize()

	b.mu.Lock()
	old, existed := b.statuses[label]
	if existed && old == status {
		b.mu.Unlock()
		return
	}
	b.statuses[label] = status
	snap := maps.Clone(b.statuses)
	for _, ch := range b.subs {
		offer(ch, snap)
	}
	hooks := b.hooks
	b.mu.Unlock()

	for _, h := range hooks {
		h(label, old, status)
	}
}

// offer delivers snap, replacing any snapshot still waiting in ch.
func offer(ch chan map[string]BrokerStatus, snap map[string]BrokerStatus) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}

// Get returns the status for label.
func (b *StatusBoard) Get(label string) (BrokerStatus, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.statuses[label]
	return s, ok
}

// Snapshot returns a copy of all statuses.
func (b *StatusBoard) Snapshot() map[string]BrokerStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return maps.Clone(b.statuses)
}

// Subscribe returns a channel primed with the current snapshot that then
// receives the latest snapshot after each change, and a cancel function
// that unregisters it. The channel is not closed by cancel.
func (b *StatusBoard) Subscribe() (<-chan map[string]BrokerStatus, func()) {
	ch := make(chan map[string]BrokerStatus, 1)

	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	ch <- maps.Clone(b.statuses)
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// OnChange registers a hook called after every status transition.
func (b *StatusBoard) OnChange(fn ChangeFunc) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	b.hooks = append(b.hooks, fn)
	b.mu.Unlock()
}
