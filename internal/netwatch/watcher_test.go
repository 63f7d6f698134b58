package netwatch

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

// scriptedLister returns the configured state, switchable by the test.
type scriptedLister struct {
	mu    sync.Mutex
	up    bool
	err   error
	calls int
}

func (s *scriptedLister) set(up bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.up = up
}

func (s *scriptedLister) list() ([]Interface, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	lo := Interface{Name: "lo", Up: true, Loopback: true, Addrs: []net.Addr{ipNet("127.0.0.1")}}
	wlan := Interface{Name: "wlan0", Up: s.up, Addrs: []net.Addr{ipNet("192.168.1.20")}}
	return []Interface{lo, wlan}, nil
}

func ipNet(s string) *net.IPNet {
	return &net.IPNet{IP: net.ParseIP(s), Mask: net.CIDRMask(24, 32)}
}

func TestAnyUsable(t *testing.T) {
	tests := []struct {
		name   string
		ifaces []Interface
		want   bool
	}{
		{"none", nil, false},
		{"loopback only", []Interface{{Up: true, Loopback: true, Addrs: []net.Addr{ipNet("127.0.0.1")}}}, false},
		{"down", []Interface{{Up: false, Addrs: []net.Addr{ipNet("10.0.0.2")}}}, false},
		{"up without address", []Interface{{Up: true}}, false},
		{"link-local only", []Interface{{Up: true, Addrs: []net.Addr{ipNet("169.254.10.1")}}}, false},
		{"ipv6 link-local only", []Interface{{Up: true, Addrs: []net.Addr{&net.IPAddr{IP: net.ParseIP("fe80::1")}}}}, false},
		{"up with address", []Interface{{Up: true, Addrs: []net.Addr{ipNet("10.0.0.2")}}}, true},
		{"ipv6 global", []Interface{{Up: true, Addrs: []net.Addr{&net.IPAddr{IP: net.ParseIP("2001:db8::1")}}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := anyUsable(tt.ifaces); got != tt.want {
				t.Errorf("anyUsable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCheck_FiresOnlyOnTransition(t *testing.T) {
	lister := &scriptedLister{}
	fired := 0
	w := New(time.Hour, func(context.Context) { fired++ }, WithLister(lister.list))
	ctx := context.Background()

	w.Check(ctx) // down -> down
	lister.set(true)
	w.Check(ctx) // down -> up
	w.Check(ctx) // up -> up
	lister.set(false)
	w.Check(ctx) // up -> down
	lister.set(true)
	w.Check(ctx) // down -> up

	if fired != 2 {
		t.Errorf("onAvailable fired %d times, want 2", fired)
	}
	if !w.Usable() {
		t.Error("Usable() = false, want true")
	}
}

func TestCheck_ListErrorCountsAsUnusable(t *testing.T) {
	lister := &scriptedLister{up: true}
	fired := 0
	w := New(time.Hour, func(context.Context) { fired++ }, WithLister(lister.list))
	ctx := context.Background()

	w.Check(ctx)
	lister.mu.Lock()
	lister.err = errors.New("netlink unavailable")
	lister.mu.Unlock()
	w.Check(ctx)
	if w.Usable() {
		t.Error("Usable() = true after list error")
	}

	lister.mu.Lock()
	lister.err = nil
	lister.mu.Unlock()
	w.Check(ctx)
	if fired != 2 {
		t.Errorf("onAvailable fired %d times, want 2", fired)
	}
}

func TestRun_InitialStateDoesNotFire(t *testing.T) {
	lister := &scriptedLister{up: true}
	fired := make(chan struct{}, 4)
	w := New(5*time.Millisecond, func(context.Context) { fired <- struct{}{} }, WithLister(lister.list))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case <-fired:
		t.Fatal("fired for a network that was already up")
	case <-time.After(50 * time.Millisecond):
	}

	lister.set(false)
	time.Sleep(30 * time.Millisecond)
	lister.set(true)
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("did not fire after network came back")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestSystemInterfaces(t *testing.T) {
	ifaces, err := SystemInterfaces()
	if err != nil {
		t.Skipf("net.Interfaces unavailable: %v", err)
	}
	for _, iface := range ifaces {
		if iface.Name == "" {
			t.Error("interface with empty name")
		}
	}
}
