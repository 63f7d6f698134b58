package delivery

// Signal is a single-slot coalescing wake-up. Any number of Notify calls
// between two receives collapse into one; Notify never blocks.
type Signal struct {
	ch chan struct{}
}

// NewSignal returns an unset signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{}, 1)}
}

// Notify sets the signal if it is not already set.
func (s *Signal) Notify() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// C returns the channel that receives once per coalesced notification.
func (s *Signal) C() <-chan struct{} {
	return s.ch
}
