package discovery

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Scanner defaults.
const (
	DefaultTimeout     = 200 * time.Millisecond
	DefaultMaxResults  = 3
	DefaultConcurrency = 16
)

// DialFunc opens a connection; it matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Scanner probes a subnet for hosts accepting TCP connections on Port.
//
// A probe is a plain connect that is closed immediately: no MQTT handshake
// is attempted, so a hit only means something is listening.
type Scanner struct {
	// Port is the TCP port to probe.
	Port int

	// Timeout bounds each probe. Zero means DefaultTimeout.
	Timeout time.Duration

	// MaxResults caps the number of hosts returned. Zero means DefaultMaxResults.
	MaxResults int

	// Concurrency bounds in-flight probes. Zero means DefaultConcurrency.
	Concurrency int

	// Dial overrides the dialer. Used by tests.
	Dial DialFunc
}

// Scan probes prefix.N for every N in rangeSpec and returns the addresses
// that accepted a connection, in ascending host order, at most MaxResults.
//
// Hosts are probed in windows of Concurrency; scanning stops after the
// first window that fills MaxResults, so results are always the lowest
// responding hosts.
//
// Parameters:
//   - ctx: Cancels the scan; probes in flight are abandoned
//   - prefix: First three octets, e.g. "192.168.1"
//   - rangeSpec: Host range, see ParseRange
//
// Returns:
//   - []string: Responding host addresses (no port, no scheme)
//   - error: ctx.Err() if the scan was cancelled
func (s *Scanner) Scan(ctx context.Context, prefix, rangeSpec string) ([]string, error) {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		return nil, nil
	}
	hosts := ParseRange(rangeSpec)
	if len(hosts) == 0 {
		return nil, nil
	}

	maxResults := s.MaxResults
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	window := s.Concurrency
	if window <= 0 {
		window = DefaultConcurrency
	}

	found := make([]string, 0, maxResults)
	for start := 0; start < len(hosts); start += window {
		if err := ctx.Err(); err != nil {
			return found, err
		}
		end := min(start+window, len(hosts))
		batch := hosts[start:end]
		hits := make([]bool, len(batch))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(window)
		for i, host := range batch {
			addr := prefix + "." + strconv.Itoa(host)
			g.Go(func() error {
				hits[i] = s.probe(gctx, addr)
				return nil
			})
		}
		_ = g.Wait() // probes never return errors

		for i, hit := range hits {
			if !hit {
				continue
			}
			found = append(found, prefix+"."+strconv.Itoa(batch[i]))
			if len(found) >= maxResults {
				return found, nil
			}
		}
	}
	return found, nil
}

// probe reports whether addr accepts a TCP connection on s.Port.
func (s *Scanner) probe(ctx context.Context, addr string) bool {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dial := s.Dial
	if dial == nil {
		d := &net.Dialer{Timeout: timeout}
		dial = d.DialContext
	}
	conn, err := dial(ctx, "tcp", net.JoinHostPort(addr, strconv.Itoa(s.Port)))
	if err != nil {
		return false
	}
	conn.Close() //nolint:errcheck // Probe connection only
	return true
}

// BrokerURI formats a discovered host as an MQTT broker URI.
func BrokerURI(scheme, host string, port int) string {
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(port))
}
