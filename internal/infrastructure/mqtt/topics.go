package mqtt

import (
	"regexp"
	"strings"

	"github.com/nerrad567/aura-uplink/internal/infrastructure/config"
)

// Presence payloads published retained on the status topic.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Default topic roots. The resolved device id is appended to each.
const (
	DefaultTelemetryRoot = "telemetry"
	DefaultStatusRoot    = "status"
	DefaultLastRoot      = "last"
)

// Topics provides the per-device topic names.
//
//	topics := mqtt.NewTopics(cfg.MQTT.Topics, "dev-42")
//	topics.Telemetry() // "telemetry/dev-42"
//	topics.Status()    // "status/dev-42"
//	topics.Last()      // "last/dev-42"
type Topics struct {
	telemetry string
	status    string
	last      string
	deviceID  string
}

// NewTopics builds topic names for deviceID under the configured roots.
// Empty roots fall back to the defaults; trailing slashes are dropped.
func NewTopics(roots config.MQTTTopicsConfig, deviceID string) Topics {
	return Topics{
		telemetry: root(roots.Telemetry, DefaultTelemetryRoot),
		status:    root(roots.Status, DefaultStatusRoot),
		last:      root(roots.Last, DefaultLastRoot),
		deviceID:  deviceID,
	}
}

func root(v, fallback string) string {
	v = strings.TrimRight(strings.TrimSpace(v), "/")
	if v == "" {
		return fallback
	}
	return v
}

// DeviceID returns the device id the topics are templated on.
func (t Topics) DeviceID() string {
	return t.deviceID
}

// Telemetry returns the ephemeral telemetry topic.
//
// Example: telemetry/dev-42
func (t Topics) Telemetry() string {
	return t.telemetry + "/" + t.deviceID
}

// Status returns the retained presence topic, also used as the last will.
//
// Example: status/dev-42
func (t Topics) Status() string {
	return t.status + "/" + t.deviceID
}

// Last returns the retained most-recent-snapshot topic.
//
// Example: last/dev-42
func (t Topics) Last() string {
	return t.last + "/" + t.deviceID
}

// ResolveDeviceID picks the id used in topic names: the configured id,
// unless it is empty or still the placeholder default, else the platform id.
// If both are unusable the placeholder is returned.
func ResolveDeviceID(configured, platform string) string {
	configured = strings.TrimSpace(configured)
	if configured != "" && configured != config.DefaultDeviceID {
		return configured
	}
	if platform = strings.TrimSpace(platform); platform != "" {
		return platform
	}
	return config.DefaultDeviceID
}

var clientIDDisallowed = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// ClientID derives the MQTT client identifier from a device id: characters
// outside [A-Za-z0-9_-] become '_', the prefix is prepended and the result
// is truncated to maxLen. The result is stable for a given device id.
//
// MQTT 3.1.1 only guarantees brokers accept ids up to 23 characters.
func ClientID(prefix, deviceID string, maxLen int) string {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		deviceID = config.DefaultDeviceID
	}
	id := prefix + clientIDDisallowed.ReplaceAllString(deviceID, "_")
	if maxLen > 0 && len(id) > maxLen {
		id = id[:maxLen]
	}
	return id
}
