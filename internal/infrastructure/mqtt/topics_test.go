package mqtt

import (
	"testing"

	"github.com/nerrad567/aura-uplink/internal/infrastructure/config"
)

func TestTopicBuilders(t *testing.T) {
	tests := []struct {
		name  string
		roots config.MQTTTopicsConfig
		tel   string
		stat  string
		last  string
	}{
		{
			name: "defaults when empty",
			tel:  "telemetry/dev-9", stat: "status/dev-9", last: "last/dev-9",
		},
		{
			name:  "custom roots",
			roots: config.MQTTTopicsConfig{Telemetry: "aura/tel", Status: "aura/status/", Last: " aura/last "},
			tel:   "aura/tel/dev-9", stat: "aura/status/dev-9", last: "aura/last/dev-9",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			topics := NewTopics(tt.roots, "dev-9")
			if got := topics.Telemetry(); got != tt.tel {
				t.Errorf("Telemetry() = %q, want %q", got, tt.tel)
			}
			if got := topics.Status(); got != tt.stat {
				t.Errorf("Status() = %q, want %q", got, tt.stat)
			}
			if got := topics.Last(); got != tt.last {
				t.Errorf("Last() = %q, want %q", got, tt.last)
			}
		})
	}
}

func TestResolveDeviceID(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		platform   string
		want       string
	}{
		{name: "configured wins", configured: "truck-7", platform: "abc", want: "truck-7"},
		{name: "placeholder falls back", configured: config.DefaultDeviceID, platform: "abc", want: "abc"},
		{name: "empty falls back", configured: "  ", platform: "abc", want: "abc"},
		{name: "nothing usable", configured: "", platform: "", want: config.DefaultDeviceID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveDeviceID(tt.configured, tt.platform); got != tt.want {
				t.Errorf("ResolveDeviceID(%q, %q) = %q, want %q", tt.configured, tt.platform, got, tt.want)
			}
		})
	}
}

func TestClientID(t *testing.T) {
	tests := []struct {
		name     string
		deviceID string
		maxLen   int
		want     string
	}{
		{name: "plain", deviceID: "dev-1", maxLen: 23, want: "aura-dev-1"},
		{name: "sanitised", deviceID: "dev:42/a b", maxLen: 23, want: "aura-dev_42_a_b"},
		{name: "truncated", deviceID: "0123456789abcdef0123456789", maxLen: 23, want: "aura-0123456789abcdef01"},
		{name: "no limit", deviceID: "0123456789abcdef0123456789", maxLen: 0, want: "aura-0123456789abcdef0123456789"},
		{name: "empty device", deviceID: "", maxLen: 64, want: "aura-aura-device"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClientID("aura-", tt.deviceID, tt.maxLen)
			if got != tt.want {
				t.Errorf("ClientID(%q) = %q, want %q", tt.deviceID, got, tt.want)
			}
			if got != ClientID("aura-", tt.deviceID, tt.maxLen) {
				t.Error("ClientID is not stable")
			}
		})
	}
}
