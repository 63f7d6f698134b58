package mqtt

import (
	"crypto/tls"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/aura-uplink/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultConnectTimeout is the maximum time to wait for a connection.
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout is the maximum time to wait for publish acknowledgment.
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 250 // milliseconds

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 30 * time.Second

	// defaultMaxReconnectInterval caps paho's own reconnect backoff.
	defaultMaxReconnectInterval = time.Minute

	// presenceQoS is the QoS for status and last-will messages.
	presenceQoS = 1

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// buildClientOptions creates paho MQTT options for one broker target.
//
// This configures:
//   - Every endpoint as a server, tried in order
//   - Client ID for identification
//   - Authentication credentials (if provided)
//   - Library auto-reconnect for established links; initial connect retry
//     stays off because the reconnect loop owns it
//   - TLS configuration (if enabled)
//   - Clean session mode
//   - Last will: retained "offline" on the status topic
func buildClientOptions(cfg config.MQTTConfig, endpoints []string, clientID string, topics Topics) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	for _, ep := range endpoints {
		opts.AddBroker(ep)
	}

	// Client identification
	opts.SetClientID(clientID)

	// Authentication (if credentials provided)
	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}

	// Clean session - start fresh on connect (no persistent session on broker)
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	opts.SetMaxReconnectInterval(defaultMaxReconnectInterval)

	opts.SetConnectTimeout(durationOr(cfg.Timeouts.Connect, defaultConnectTimeout))
	opts.SetKeepAlive(durationOr(cfg.Timeouts.KeepAlive, defaultKeepAlive))

	// TLS configuration if enabled
	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tlsMinVersion,
		})
	}

	configureLWT(opts, topics)

	return opts
}

// configureLWT sets up Last Will and Testament for offline detection.
//
// The broker publishes the will if the link drops without a DISCONNECT,
// marking the device offline on its behalf.
//
// Topic: status/<device>
// QoS: 1
// Retained: true
func configureLWT(opts *pahomqtt.ClientOptions, topics Topics) {
	opts.SetWill(topics.Status(), StatusOffline, presenceQoS, true)
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
