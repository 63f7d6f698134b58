// Package netwatch reports when the device regains a usable network.
//
// A network is usable when at least one interface is up, is not loopback
// and carries a unicast address. The watcher polls; it fires only on the
// transition from unusable to usable, never while the state holds.
package netwatch

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

// DefaultPollInterval is used when none is configured.
const DefaultPollInterval = 5 * time.Second

// Interface is the slice of net.Interface the watcher inspects.
type Interface struct {
	Name     string
	Up       bool
	Loopback bool
	Addrs    []net.Addr
}

// Lister enumerates interfaces.
type Lister func() ([]Interface, error)

// Logger interface for optional logging support.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}

// Watcher polls interfaces and calls onAvailable on each
// unusable-to-usable transition.
type Watcher struct {
	interval    time.Duration
	list        Lister
	onAvailable func(ctx context.Context)
	logger      Logger

	usable atomic.Bool
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLister replaces the system interface lister. Used by tests.
func WithLister(l Lister) Option {
	return func(w *Watcher) {
		if l != nil {
			w.list = l
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// New creates a watcher. onAvailable runs on the watcher goroutine and
// should return quickly.
func New(interval time.Duration, onAvailable func(ctx context.Context), opts ...Option) *Watcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	w := &Watcher{
		interval:    interval,
		list:        SystemInterfaces,
		onAvailable: onAvailable,
		logger:      nopLogger{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Usable reports the state seen on the last poll.
func (w *Watcher) Usable() bool {
	return w.usable.Load()
}

// Run polls until ctx ends. The first poll only records the initial state:
// a network that is already up at start does not fire. It always
// returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	w.usable.Store(w.poll())

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}

// Check polls once and fires onAvailable on a transition to usable.
func (w *Watcher) Check(ctx context.Context) {
	now := w.poll()
	was := w.usable.Swap(now)
	if now && !was {
		w.logger.Debug("network available")
		if w.onAvailable != nil {
			w.onAvailable(ctx)
		}
	} else if !now && was {
		w.logger.Debug("network lost")
	}
}

func (w *Watcher) poll() bool {
	ifaces, err := w.list()
	if err != nil {
		w.logger.Warn("listing network interfaces failed", "error", err)
		return false
	}
	return anyUsable(ifaces)
}

func anyUsable(ifaces []Interface) bool {
	for _, iface := range ifaces {
		if !iface.Up || iface.Loopback {
			continue
		}
		for _, a := range iface.Addrs {
			if usableAddr(a) {
				return true
			}
		}
	}
	return false
}

func usableAddr(a net.Addr) bool {
	var ip net.IP
	switch v := a.(type) {
	case *net.IPNet:
		ip = v.IP
	case *net.IPAddr:
		ip = v.IP
	default:
		return false
	}
	return ip != nil && !ip.IsLoopback() && !ip.IsUnspecified() && !ip.IsLinkLocalUnicast()
}

// SystemInterfaces lists the host's interfaces via net.Interfaces.
func SystemInterfaces() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("listing interfaces: %w", err)
	}
	out := make([]Interface, 0, len(ifaces))
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		out = append(out, Interface{
			Name:     iface.Name,
			Up:       iface.Flags&net.FlagUp != 0,
			Loopback: iface.Flags&net.FlagLoopback != 0,
			Addrs:    addrs,
		})
	}
	return out, nil
}
