//go:build integration

package mqtt

import (
	"context"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/aura-uplink/internal/telemetry"
)

// Integration tests against a real broker.
// These tests require a running MQTT broker at 127.0.0.1:1883.
//
// Run with:
//   go test -tags=integration -v ./internal/infrastructure/mqtt/...
//
// Note: Some tests may be flaky in CI due to timing dependencies.
// Consider running with: go test -tags=integration -count=1 -v ...

func integrationManager(t *testing.T, deviceID string) *Manager {
	t.Helper()
	cfg := testConfig()
	cfg.Broker.Host = "127.0.0.1"
	cfg.Timeouts.Connect = 5 * time.Second
	cfg.Timeouts.Publish = 5 * time.Second
	return NewManager(cfg, deviceID, NewStatusBoard())
}

// observer subscribes with a plain paho client and records the last
// payload seen per topic.
type observer struct {
	client pahomqtt.Client
	mu     sync.Mutex
	last   map[string]string
	seen   chan string
}

func newObserver(t *testing.T, topics ...string) *observer {
	t.Helper()
	o := &observer{last: make(map[string]string), seen: make(chan string, 16)}
	opts := pahomqtt.NewClientOptions().AddBroker("tcp://127.0.0.1:1883").SetClientID("aura-int-observer")
	o.client = pahomqtt.NewClient(opts)
	if tok := o.client.Connect(); !tok.WaitTimeout(5*time.Second) || tok.Error() != nil {
		t.Skipf("broker not reachable: %v", tok.Error())
	}
	for _, topic := range topics {
		tok := o.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
			o.mu.Lock()
			o.last[msg.Topic()] = string(msg.Payload())
			o.mu.Unlock()
			select {
			case o.seen <- msg.Topic():
			default:
			}
		})
		tok.WaitTimeout(5 * time.Second)
	}
	t.Cleanup(func() { o.client.Disconnect(100) })
	return o
}

func (o *observer) waitFor(t *testing.T, topic, payload string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		o.mu.Lock()
		got := o.last[topic]
		o.mu.Unlock()
		if got == payload {
			return
		}
		select {
		case <-o.seen:
		case <-deadline:
			t.Fatalf("timeout waiting for %q on %s (last %q)", payload, topic, got)
		}
	}
}

// TestIntegration_PresenceLifecycle verifies online on connect and a
// graceful retained offline on DisconnectAll.
func TestIntegration_PresenceLifecycle(t *testing.T) {
	m := integrationManager(t, "int-presence")
	obs := newObserver(t, m.Topics().Status())

	if err := m.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected() error = %v", err)
	}
	obs.waitFor(t, m.Topics().Status(), StatusOnline)

	m.DisconnectAll(context.Background())
	obs.waitFor(t, m.Topics().Status(), StatusOffline)
}

// TestIntegration_TelemetryRoundtrip verifies telemetry and last topics
// reach a subscriber.
func TestIntegration_TelemetryRoundtrip(t *testing.T) {
	m := integrationManager(t, "int-roundtrip")
	defer m.DisconnectAll(context.Background())
	obs := newObserver(t, m.Topics().Telemetry(), m.Topics().Last())

	p := NewPublisher(m, 1)
	body := `{"v":11,"device_id":"int-roundtrip","seq":42,"operator_name":"test"}`
	payload, err := telemetry.Parse([]byte(body))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if got := p.Publish(context.Background(), payload, []byte("snapshot-42"), nil); !got[m.Label()] {
		t.Fatalf("Publish() = %v, want success", got)
	}
	obs.waitFor(t, m.Topics().Telemetry(), body)
	obs.waitFor(t, m.Topics().Last(), "snapshot-42")
}

// TestIntegration_Reconnect verifies a forced reconnect comes back Connected.
func TestIntegration_Reconnect(t *testing.T) {
	m := integrationManager(t, "int-reconnect")
	defer m.DisconnectAll(context.Background())

	if err := m.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected() error = %v", err)
	}
	if err := m.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect() error = %v", err)
	}
	if s := m.Status(); s.State != StateConnected {
		t.Errorf("state = %v, want connected", s.State)
	}
}
