package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Aura Uplink.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Publish   PublishConfig   `yaml:"publish"`
	Outbox    OutboxConfig    `yaml:"outbox"`
	Drain     DrainConfig     `yaml:"drain"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Database  DatabaseConfig  `yaml:"database"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	NetWatch  NetWatchConfig  `yaml:"netwatch"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Security  SecurityConfig  `yaml:"security"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DeviceConfig identifies this device on the broker.
type DeviceConfig struct {
	// ID is the configured device identifier. When empty or left at the
	// placeholder default, the platform identifier from the identity store
	// is used instead.
	ID           string `yaml:"id"`
	OperatorCode string `yaml:"operator_code"`
	EquipmentTag string `yaml:"equipment_tag"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	// Label is the delivery-target label for this broker role.
	Label  string           `yaml:"label"`
	Broker MQTTBrokerConfig `yaml:"broker"`

	// Servers lists full broker URIs (tcp://host:port). Broker.Host is
	// appended as a fallback when set.
	Servers  []string          `yaml:"servers"`
	Auth     MQTTAuthConfig    `yaml:"auth"`
	Topics   MQTTTopicsConfig  `yaml:"topics"`
	QoS      int               `yaml:"qos"`
	Timeouts MQTTTimeoutConfig `yaml:"timeouts"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	TLS            bool   `yaml:"tls"`
	ClientIDPrefix string `yaml:"client_id_prefix"`
	MaxClientIDLen int    `yaml:"max_client_id_length"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTTopicsConfig contains the topic roots; the device id is appended.
type MQTTTopicsConfig struct {
	Telemetry string `yaml:"telemetry"`
	Status    string `yaml:"status"`
	Last      string `yaml:"last"`
}

// MQTTTimeoutConfig contains MQTT operation timeouts.
type MQTTTimeoutConfig struct {
	Connect   time.Duration `yaml:"connect"`
	Publish   time.Duration `yaml:"publish"`
	KeepAlive time.Duration `yaml:"keep_alive"`
}

// DiscoveryConfig contains LAN broker discovery settings.
// Discovery is enabled only when both Prefix and Range are set.
type DiscoveryConfig struct {
	Prefix      string        `yaml:"prefix"`
	Range       string        `yaml:"range"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxResults  int           `yaml:"max_results"`
	Concurrency int           `yaml:"concurrency"`
	MinInterval time.Duration `yaml:"min_interval"`
}

// Enabled reports whether discovery is configured.
func (d DiscoveryConfig) Enabled() bool {
	return strings.TrimSpace(d.Prefix) != "" && strings.TrimSpace(d.Range) != ""
}

// PublishConfig contains the per-sample publish settings.
type PublishConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// OutboxConfig contains offline outbox settings.
type OutboxConfig struct {
	Dir            string `yaml:"dir"`
	MaxBytesPerDay int64  `yaml:"max_bytes_per_day"`
	RetentionDays  int    `yaml:"retention_days"`
}

// DrainConfig contains drain orchestrator settings.
type DrainConfig struct {
	BatchSize    int           `yaml:"batch_size"`
	IdleInterval time.Duration `yaml:"idle_interval"`
	MinBackoff   time.Duration `yaml:"min_backoff"`
	MaxBackoff   time.Duration `yaml:"max_backoff"`
}

// ReconnectConfig contains auto-reconnect loop settings.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// DatabaseConfig contains SQLite database settings for the identity store.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings for delivery metrics.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// NetWatchConfig contains network availability watcher settings.
type NetWatchConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// APIConfig contains the local status API settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP server timeouts in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains status stream settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// SecurityConfig contains API security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains bearer token settings. An empty Secret leaves the
// API unauthenticated, which is only sensible on a loopback bind.
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string            `yaml:"level"`
	Format string            `yaml:"format"`
	Output string            `yaml:"output"`
	File   FileLoggingConfig `yaml:"file"`
}

// FileLoggingConfig contains the append-only diagnostic log file settings.
type FileLoggingConfig struct {
	Path string `yaml:"path"`
}

// DefaultDeviceID is the placeholder identifier shipped in the default
// config. It is never used on the wire; the platform id replaces it.
const DefaultDeviceID = "aura-device"

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: AURA_SECTION_KEY
// For example: AURA_MQTT_HOST, AURA_OUTBOX_DIR
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			ID: DefaultDeviceID,
		},
		MQTT: MQTTConfig{
			Label: "primary",
			Broker: MQTTBrokerConfig{
				Port:           1883,
				ClientIDPrefix: "aura-",
				MaxClientIDLen: 23,
			},
			Topics: MQTTTopicsConfig{
				Telemetry: "telemetry",
				Status:    "status",
				Last:      "last",
			},
			QoS: 1,
			Timeouts: MQTTTimeoutConfig{
				Connect:   10 * time.Second,
				Publish:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			},
		},
		Discovery: DiscoveryConfig{
			Timeout:     200 * time.Millisecond,
			MaxResults:  3,
			Concurrency: 16,
			MinInterval: 5 * time.Minute,
		},
		Publish: PublishConfig{
			Timeout: 1500 * time.Millisecond,
		},
		Outbox: OutboxConfig{
			Dir:            "./data/telemetry",
			MaxBytesPerDay: 100 << 20,
			RetentionDays:  7,
		},
		Drain: DrainConfig{
			BatchSize:    500,
			IdleInterval: time.Minute,
			MinBackoff:   2 * time.Second,
			MaxBackoff:   5 * time.Minute,
		},
		Reconnect: ReconnectConfig{
			InitialDelay: 5 * time.Second,
			MaxDelay:     time.Minute,
		},
		Database: DatabaseConfig{
			Path:        "./data/aura.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		NetWatch: NetWatchConfig{
			Enabled:      true,
			PollInterval: 5 * time.Second,
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8480,
			Timeouts: APITimeoutConfig{
				Read:  10,
				Write: 10,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 4096,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: AURA_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Device
	if v := os.Getenv("AURA_DEVICE_ID"); v != "" {
		cfg.Device.ID = v
	}

	// MQTT
	if v := os.Getenv("AURA_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("AURA_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("AURA_MQTT_SERVERS"); v != "" {
		cfg.MQTT.Servers = splitList(v)
	}
	if v := os.Getenv("AURA_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("AURA_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Discovery
	if v := os.Getenv("AURA_DISCOVERY_PREFIX"); v != "" {
		cfg.Discovery.Prefix = v
	}
	if v := os.Getenv("AURA_DISCOVERY_RANGE"); v != "" {
		cfg.Discovery.Range = v
	}

	// Outbox
	if v := os.Getenv("AURA_OUTBOX_DIR"); v != "" {
		cfg.Outbox.Dir = v
	}

	// Database
	if v := os.Getenv("AURA_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// InfluxDB
	if v := os.Getenv("AURA_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// API
	if v := os.Getenv("AURA_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}
	if v := os.Getenv("AURA_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// splitList splits a ';' or ',' separated list, dropping blanks.
func splitList(v string) []string {
	fields := strings.FieldsFunc(v, func(r rune) bool { return r == ';' || r == ',' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Validate checks the configuration for errors.
//
// A config with no broker endpoints and no discovery is valid: the target
// simply reports Disabled.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if strings.TrimSpace(c.MQTT.Label) == "" {
		errs = append(errs, "mqtt.label is required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Broker.Host != "" && (c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535) {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.Broker.MaxClientIDLen < 1 {
		errs = append(errs, "mqtt.broker.max_client_id_length must be positive")
	}
	if c.MQTT.Topics.Telemetry == "" || c.MQTT.Topics.Status == "" || c.MQTT.Topics.Last == "" {
		errs = append(errs, "mqtt.topics.telemetry, status and last are required")
	}

	if c.Publish.Timeout <= 0 {
		errs = append(errs, "publish.timeout must be positive")
	}

	if c.Outbox.Dir == "" {
		errs = append(errs, "outbox.dir is required")
	}
	if c.Outbox.MaxBytesPerDay <= 0 {
		errs = append(errs, "outbox.max_bytes_per_day must be positive")
	}
	if c.Outbox.RetentionDays < 1 {
		errs = append(errs, "outbox.retention_days must be at least 1")
	}

	if c.Drain.BatchSize < 1 {
		errs = append(errs, "drain.batch_size must be at least 1")
	}
	if c.Drain.MinBackoff <= 0 || c.Drain.MaxBackoff < c.Drain.MinBackoff {
		errs = append(errs, "drain.min_backoff must be positive and not exceed drain.max_backoff")
	}
	if c.Reconnect.InitialDelay <= 0 || c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		errs = append(errs, "reconnect.initial_delay must be positive and not exceed reconnect.max_delay")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.API.Enabled && (c.WebSocket.PingInterval < 1 || c.WebSocket.PongTimeout < 1) {
		errs = append(errs, "websocket.ping_interval and pong_timeout must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Endpoints returns the configured broker URIs: Servers first, then the
// Broker.Host fallback, de-duplicated and in order.
func (m MQTTConfig) Endpoints() []string {
	candidates := append([]string{}, m.Servers...)
	if host := strings.TrimSpace(m.Broker.Host); host != "" {
		candidates = append(candidates, fmt.Sprintf("%s://%s:%d", m.Scheme(), host, m.Broker.Port))
	}
	return Dedupe(candidates)
}

// Scheme returns the broker URI scheme implied by the TLS setting.
func (m MQTTConfig) Scheme() string {
	if m.Broker.TLS {
		return "ssl"
	}
	return "tcp"
}

// Dedupe trims entries, drops blanks and removes duplicates, keeping order.
func Dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
