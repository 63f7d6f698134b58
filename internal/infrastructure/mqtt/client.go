package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/time/rate"

	"github.com/nerrad567/aura-uplink/internal/discovery"
	"github.com/nerrad567/aura-uplink/internal/infrastructure/config"
)

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// ClientFactory creates the underlying paho client. Tests inject fakes.
type ClientFactory func(opts *pahomqtt.ClientOptions) pahomqtt.Client

// BrokerScanner finds candidate broker hosts on the local subnet.
// *discovery.Scanner implements it.
type BrokerScanner interface {
	Scan(ctx context.Context, prefix, rangeSpec string) ([]string, error)
}

// Message is one MQTT publish.
type Message struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// Manager owns one physical broker connection for a delivery target.
//
// It wraps paho.mqtt.golang with endpoint discovery, retained presence
// ("online"/"offline" on the status topic, "offline" as last will) and
// status reporting to a StatusBoard.
//
// Thread Safety:
//   - EnsureConnected, Reconnect, DisconnectAll and Publish are serialised
//     by one mutex so connect and disconnect never race.
//   - paho callbacks run on library goroutines and never take that mutex;
//     they only touch atomics, the status board and the presence lock.
type Manager struct {
	cfg       config.MQTTConfig
	label     string
	topics    Topics
	clientID  string
	board     *StatusBoard
	logger    Logger
	newClient ClientFactory

	discovery config.DiscoveryConfig
	scanner   BrokerScanner
	limiter   *rate.Limiter

	connectTimeout time.Duration
	publishTimeout time.Duration

	mu         sync.Mutex
	configured []string
	endpoints  []string
	client     pahomqtt.Client
	pending    pahomqtt.Token

	// Shared with paho callbacks.
	enabled            atomic.Bool
	discoveryAttempted atomic.Bool
	session            atomic.Uint64
	linkUp             atomic.Bool
	generation         atomic.Uint64

	endpointMu     sync.Mutex
	activeEndpoint string
	lastAttempt    string

	announceMu   sync.Mutex
	announcedGen uint64
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger.
func WithLogger(l Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClientFactory overrides paho client creation.
func WithClientFactory(f ClientFactory) ManagerOption {
	return func(m *Manager) {
		if f != nil {
			m.newClient = f
		}
	}
}

// WithClientID overrides the client identifier derived from the device id.
func WithClientID(id string) ManagerOption {
	return func(m *Manager) {
		if id != "" {
			m.clientID = id
		}
	}
}

// WithDiscovery enables subnet discovery. A nil scanner builds a
// discovery.Scanner from cfg. Scans are limited to one per connection
// cycle and additionally to one per cfg.MinInterval.
func WithDiscovery(cfg config.DiscoveryConfig, scanner BrokerScanner) ManagerOption {
	return func(m *Manager) {
		m.discovery = cfg
		m.scanner = scanner
	}
}

// NewManager creates a connection manager for the broker target described
// by cfg, publishing under topics for deviceID. It does not connect; the
// initial status is Disconnected, or Disabled when there are no endpoints.
func NewManager(cfg config.MQTTConfig, deviceID string, board *StatusBoard, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:            cfg,
		label:          cfg.Label,
		topics:         NewTopics(cfg.Topics, deviceID),
		clientID:       ClientID(cfg.Broker.ClientIDPrefix, deviceID, cfg.Broker.MaxClientIDLen),
		board:          board,
		logger:         nopLogger{},
		newClient:      pahomqtt.NewClient,
		connectTimeout: durationOr(cfg.Timeouts.Connect, defaultConnectTimeout),
		publishTimeout: durationOr(cfg.Timeouts.Publish, defaultPublishTimeout),
		configured:     cfg.Endpoints(),
	}
	if m.board == nil {
		m.board = NewStatusBoard()
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.discovery.Enabled() {
		if m.scanner == nil {
			m.scanner = &discovery.Scanner{
				Port:        m.brokerPort(),
				Timeout:     m.discovery.Timeout,
				MaxResults:  m.discovery.MaxResults,
				Concurrency: m.discovery.Concurrency,
			}
		}
		if m.discovery.MinInterval > 0 {
			m.limiter = rate.NewLimiter(rate.Every(m.discovery.MinInterval), 1)
		}
	}

	m.endpoints = m.configured
	m.enabled.Store(len(m.endpoints) > 0)
	m.updateStatus(StateDisconnected)
	return m
}

// Label returns the delivery-target label.
func (m *Manager) Label() string {
	return m.label
}

// Topics returns the per-device topics.
func (m *Manager) Topics() Topics {
	return m.topics
}

// ClientID returns the MQTT client identifier.
func (m *Manager) ClientID() string {
	return m.clientID
}

// HasEndpoints reports whether at least one endpoint is configured or discovered.
func (m *Manager) HasEndpoints() bool {
	return m.enabled.Load()
}

// Endpoints returns the current endpoint list.
func (m *Manager) Endpoints() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.endpoints...)
}

// Status returns this target's current status.
func (m *Manager) Status() BrokerStatus {
	s, _ := m.board.Get(m.label)
	return s
}

// IsConnected reports whether the physical link is up.
func (m *Manager) IsConnected() bool {
	return m.linkUp.Load()
}

// EnsureConnected makes sure the link is up, connecting if needed.
//
// With no endpoints it first tries discovery and otherwise fails with
// ErrNoEndpoints (status Disabled). An already-connected link only gets its
// presence announced if that has not happened yet for this physical
// connection. A connect token left over from an abandoned attempt is waited
// on instead of starting a second connect. On connect failure discovery is
// tried once and the whole operation retried before ErrConnectionFailed is
// returned (status Failed).
func (m *Manager) EnsureConnected(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureConnectedLocked(ctx)
}

func (m *Manager) ensureConnectedLocked(ctx context.Context) error {
	if len(m.endpoints) == 0 && !m.attemptDiscoveryLocked(ctx) {
		m.updateStatus(StateDisabled)
		return ErrNoEndpoints
	}

	if m.client == nil {
		m.client = m.createClientLocked()
	}
	c := m.client

	if c.IsConnected() {
		m.pending = nil
		m.connectionEstablished(c)
		return nil
	}

	token := m.pending
	if token == nil {
		m.setActiveEndpoint("")
		m.updateStatus(StateConnecting)
		token = c.Connect()
		m.pending = token
	}

	err := m.awaitConnect(ctx, token)
	if tokenDone(token) {
		m.pending = nil
	}
	if err == nil && !c.IsConnected() {
		err = ErrNotConnected
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			m.updateStatus(StateFailed)
			return fmt.Errorf("%w: %w", ErrConnectionFailed, ctxErr)
		}
		if m.attemptDiscoveryLocked(ctx) {
			return m.ensureConnectedLocked(ctx)
		}
		m.updateStatus(StateFailed)
		m.logger.Warn("mqtt connect failed",
			"target", m.label,
			"endpoints", m.endpoints,
			"error", err,
		)
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	m.connectionEstablished(c)
	m.logger.Info("mqtt connected",
		"target", m.label,
		"endpoint", m.currentEndpoint(),
		"client_id", m.clientID,
	)
	return nil
}

// awaitConnect waits for token, bounded by ctx and the connect timeout.
func (m *Manager) awaitConnect(ctx context.Context, token pahomqtt.Token) error {
	timer := time.NewTimer(m.connectTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("%w: connect after %v", ErrTimeout, m.connectTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func tokenDone(t pahomqtt.Token) bool {
	select {
	case <-t.Done():
		return true
	default:
		return false
	}
}

// Reconnect tears down the current client, publishing a retained
// "offline" if still connected, then calls EnsureConnected. With no
// endpoints the target stays Disabled rather than Failed.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.teardownLocked()
	if err := m.ensureConnectedLocked(ctx); err != nil {
		if !errors.Is(err, ErrNoEndpoints) {
			m.updateStatus(StateFailed)
		}
		return err
	}
	return nil
}

// DisconnectAll gracefully tears down the connection, publishing a
// retained "offline" first. Status becomes Disconnected.
func (m *Manager) DisconnectAll(_ context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.teardownLocked()
	m.updateStatus(StateDisconnected)
}

// teardownLocked closes the client and re-arms discovery.
func (m *Manager) teardownLocked() {
	m.discoveryAttempted.Store(false)
	c := m.client
	if c == nil {
		return
	}

	// Detach callbacks from the old client before it goes away.
	m.session.Add(1)

	if c.IsConnected() {
		if err := m.publishWait(c, Message{
			Topic:    m.topics.Status(),
			Payload:  []byte(StatusOffline),
			QoS:      presenceQoS,
			Retained: true,
		}); err != nil {
			m.logger.Debug("offline status not published", "target", m.label, "error", err)
		}
	}
	c.Disconnect(defaultDisconnectQuiesce)

	m.client = nil
	m.pending = nil
	m.linkUp.Store(false)
	m.setActiveEndpoint("")
}

// Publish sends msgs in order over the managed connection, connecting
// first if needed. The first failure aborts the rest.
func (m *Manager) Publish(ctx context.Context, msgs ...Message) error {
	for _, msg := range msgs {
		if msg.Topic == "" {
			return ErrInvalidTopic
		}
		if msg.QoS > maxQoS {
			return ErrInvalidQoS
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureConnectedLocked(ctx); err != nil {
		return err
	}
	c := m.client
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrPublishFailed, err)
		}
		if !c.IsConnected() {
			return fmt.Errorf("%w: %w", ErrPublishFailed, ErrNotConnected)
		}
		if err := m.publishWait(c, msg); err != nil {
			return err
		}
	}
	return nil
}

// publishWait publishes one message and waits for the acknowledgment.
func (m *Manager) publishWait(c pahomqtt.Client, msg Message) error {
	token := c.Publish(msg.Topic, msg.QoS, msg.Retained, msg.Payload)
	if !token.WaitTimeout(m.publishTimeout) {
		return fmt.Errorf("%w: %s: timeout after %v", ErrPublishFailed, msg.Topic, m.publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, msg.Topic, err)
	}
	return nil
}

// createClientLocked builds a paho client for the current endpoints with
// callbacks bound to a fresh session number. Callbacks from an older
// client are ignored.
func (m *Manager) createClientLocked() pahomqtt.Client {
	opts := buildClientOptions(m.cfg, m.endpoints, m.clientID, m.topics)
	session := m.session.Add(1)

	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		if m.session.Load() != session {
			return
		}
		m.connectionEstablished(c)
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		if m.session.Load() != session {
			return
		}
		m.linkUp.Store(false)
		m.discoveryAttempted.Store(false)
		m.logger.Warn("mqtt connection lost", "target", m.label, "error", err)
		m.updateStatus(StateReconnecting)
	})
	opts.SetConnectionAttemptHandler(func(broker *url.URL, tlsCfg *tls.Config) *tls.Config {
		if m.session.Load() == session && broker != nil {
			m.endpointMu.Lock()
			m.lastAttempt = broker.String()
			m.endpointMu.Unlock()
		}
		return tlsCfg
	})

	return m.newClient(opts)
}

// connectionEstablished marks the link up, records the endpoint and
// announces presence once per physical connection. It runs both on the
// connect path and from paho's OnConnect callback.
func (m *Manager) connectionEstablished(c pahomqtt.Client) {
	if m.linkUp.CompareAndSwap(false, true) {
		m.generation.Add(1)
	}

	m.endpointMu.Lock()
	ep := m.lastAttempt
	m.endpointMu.Unlock()
	if ep == "" {
		if eps := m.endpointsSnapshot(c); len(eps) > 0 {
			ep = eps[0]
		}
	}
	m.setActiveEndpoint(ep)
	m.updateStatus(StateConnected)

	m.announce(c)
}

// endpointsSnapshot reads the server list from the client options, which
// is safe without Manager.mu.
func (m *Manager) endpointsSnapshot(c pahomqtt.Client) []string {
	r := c.OptionsReader()
	servers := r.Servers()
	out := make([]string, 0, len(servers))
	for _, s := range servers {
		out = append(out, s.String())
	}
	return out
}

// announce publishes the retained "online" status unless it was already
// published for the current connection generation.
func (m *Manager) announce(c pahomqtt.Client) {
	gen := m.generation.Load()

	m.announceMu.Lock()
	defer m.announceMu.Unlock()

	if m.announcedGen == gen {
		return
	}
	err := m.publishWait(c, Message{
		Topic:    m.topics.Status(),
		Payload:  []byte(StatusOnline),
		QoS:      presenceQoS,
		Retained: true,
	})
	if err != nil {
		m.logger.Warn("online status not published", "target", m.label, "error", err)
		return
	}
	m.announcedGen = gen
}

// attemptDiscoveryLocked scans for brokers at most once per connection
// cycle and no more often than the configured minimum interval. Found
// hosts are prepended to the configured endpoints.
func (m *Manager) attemptDiscoveryLocked(ctx context.Context) bool {
	if !m.discovery.Enabled() || m.scanner == nil {
		return false
	}
	if !m.discoveryAttempted.CompareAndSwap(false, true) {
		return false
	}
	if m.limiter != nil && !m.limiter.Allow() {
		m.logger.Debug("broker discovery rate limited", "target", m.label)
		return false
	}

	m.logger.Info("attempting broker discovery",
		"target", m.label,
		"prefix", m.discovery.Prefix,
		"range", m.discovery.Range,
	)
	hosts, err := m.scanner.Scan(ctx, m.discovery.Prefix, m.discovery.Range)
	if err != nil {
		m.logger.Warn("broker discovery failed", "target", m.label, "error", err)
		return false
	}
	if len(hosts) == 0 {
		m.logger.Info("broker discovery found no hosts", "target", m.label)
		return false
	}

	uris := make([]string, 0, len(hosts)+len(m.configured))
	for _, h := range hosts {
		uris = append(uris, discovery.BrokerURI(m.cfg.Scheme(), h, m.brokerPort()))
	}
	uris = append(uris, m.configured...)
	m.setEndpointsLocked(config.Dedupe(uris))
	m.logger.Info("discovered brokers", "target", m.label, "hosts", hosts)
	return true
}

// setEndpointsLocked replaces the endpoint list. A change resets the
// client and sets status Disconnected.
func (m *Manager) setEndpointsLocked(eps []string) {
	if len(eps) == 0 || slices.Equal(eps, m.endpoints) {
		return
	}
	m.endpoints = eps
	m.enabled.Store(true)
	m.resetClientLocked()
	m.updateStatus(StateDisconnected)
}

// resetClientLocked drops the client without a graceful goodbye.
func (m *Manager) resetClientLocked() {
	c := m.client
	m.session.Add(1)
	m.client = nil
	m.pending = nil
	m.linkUp.Store(false)
	m.setActiveEndpoint("")
	if c != nil {
		c.Disconnect(0)
	}
}

// updateStatus publishes the target's status, forcing Disabled with no
// endpoint when there are no endpoints.
func (m *Manager) updateStatus(state State) {
	m.board.Set(m.label, BrokerStatus{
		Enabled:        m.enabled.Load(),
		State:          state,
		ActiveEndpoint: m.currentEndpoint(),
	})
}

func (m *Manager) setActiveEndpoint(ep string) {
	m.endpointMu.Lock()
	m.activeEndpoint = ep
	if ep == "" {
		m.lastAttempt = ""
	}
	m.endpointMu.Unlock()
}

func (m *Manager) currentEndpoint() string {
	m.endpointMu.Lock()
	defer m.endpointMu.Unlock()
	return m.activeEndpoint
}

func (m *Manager) brokerPort() int {
	if m.cfg.Broker.Port > 0 {
		return m.cfg.Broker.Port
	}
	return 1883
}
