package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/aura-uplink/internal/infrastructure/config"
	"github.com/nerrad567/aura-uplink/internal/infrastructure/logging"
	"github.com/nerrad567/aura-uplink/internal/infrastructure/mqtt"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 5 * time.Second

// Source is the delivery state the API reports on and controls.
// *delivery.Service satisfies it.
type Source interface {
	Statuses() map[string]mqtt.BrokerStatus
	QueueSize() int
	DrainNow()
	ClearQueue() (int, error)
}

// HealthChecker reports whether a backing component is reachable.
// *database.DB and *influxdb.Client satisfy it.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// StatusFeed delivers broker status snapshots. *mqtt.StatusBoard
// satisfies it.
type StatusFeed interface {
	Subscribe() (<-chan map[string]mqtt.BrokerStatus, func())
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Source   Source
	Feed     StatusFeed
	DeviceID string
	Version  string

	// Health maps a component name to its checker for GET /api/v1/health.
	Health map[string]HealthChecker
}

// Server is the local HTTP status API.
//
// It is created with New(), started with Start() and stopped with Close().
type Server struct {
	cfg      config.APIConfig
	wsCfg    config.WebSocketConfig
	secCfg   config.SecurityConfig
	logger   *logging.Logger
	source   Source
	feed     StatusFeed
	deviceID string
	version  string
	health   map[string]HealthChecker
	hub      *Hub
	server   *http.Server
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a new API server with the given dependencies.
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Source == nil {
		return nil, fmt.Errorf("delivery source is required")
	}

	return &Server{
		cfg:      deps.Config,
		wsCfg:    deps.WS,
		secCfg:   deps.Security,
		logger:   deps.Logger,
		source:   deps.Source,
		feed:     deps.Feed,
		deviceID: deps.DeviceID,
		version:  deps.Version,
		health:   deps.Health,
		hub:      NewHub(deps.Logger),
	}, nil
}

// Handler returns the routed handler. Start serves the same handler.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start binds the listener and serves in the background. It also starts
// forwarding status snapshots to WebSocket clients until Close or ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding API listener: %w", err)
	}

	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	s.startStream(srvCtx)

	s.server = &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	s.logger.Info("API server started", "address", s.server.Addr, "auth", s.authEnabled())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.server == nil {
		return ""
	}
	return s.server.Addr
}

// Close gracefully shuts down the API server and its stream goroutines.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	err := s.server.Shutdown(ctx)
	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// startStream runs the hub and the status forwarder until ctx is done.
func (s *Server) startStream(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.Run(ctx)
	}()
	if s.feed != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.forwardStatus(ctx)
		}()
	}
}

// forwardStatus broadcasts every board snapshot to stream clients.
func (s *Server) forwardStatus(ctx context.Context) {
	snaps, unsubscribe := s.feed.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-snaps:
			s.hub.Broadcast(EventBrokerStatus, statusViews(snap))
		}
	}
}
