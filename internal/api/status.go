package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/nerrad567/aura-uplink/internal/infrastructure/mqtt"
)

// BrokerView is the JSON form of one broker target's status.
type BrokerView struct {
	Enabled        bool   `json:"enabled"`
	State          string `json:"state"`
	ActiveEndpoint string `json:"active_endpoint,omitempty"`
}

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	DeviceID  string                `json:"device_id"`
	Brokers   map[string]BrokerView `json:"brokers"`
	QueueSize int                   `json:"queue_size"`
	Time      string                `json:"time"`
}

func statusViews(snap map[string]mqtt.BrokerStatus) map[string]BrokerView {
	out := make(map[string]BrokerView, len(snap))
	for label, st := range snap {
		out[label] = BrokerView{
			Enabled:        st.Enabled,
			State:          st.State.String(),
			ActiveEndpoint: st.ActiveEndpoint,
		}
	}
	return out
}

// healthCheckTimeout bounds each component check.
const healthCheckTimeout = 2 * time.Second

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status     string            `json:"status"`
	Version    string            `json:"version"`
	Components map[string]string `json:"components,omitempty"`
}

// handleHealth runs every component check and reports 503 if any fails.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Version: s.version}
	code := http.StatusOK

	names := make([]string, 0, len(s.health))
	for name := range s.health {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if resp.Components == nil {
			resp.Components = make(map[string]string, len(names))
		}
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := s.health[name].HealthCheck(ctx)
		cancel()
		if err != nil {
			s.logger.Warn("health check failed", "component", name, "error", err)
			resp.Components[name] = "unavailable"
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Components[name] = "ok"
	}
	writeJSON(w, code, resp)
}

// handleStatus reports broker statuses and the outbox depth.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		DeviceID:  s.deviceID,
		Brokers:   statusViews(s.source.Statuses()),
		QueueSize: s.source.QueueSize(),
		Time:      time.Now().UTC().Format(time.RFC3339),
	})
}

// handleDrain wakes the drain loop. The drain itself runs asynchronously.
func (s *Server) handleDrain(w http.ResponseWriter, _ *http.Request) {
	s.source.DrainNow()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"queue_size": s.source.QueueSize(),
	})
}

// handleClearOutbox discards every queued record.
func (s *Server) handleClearOutbox(w http.ResponseWriter, r *http.Request) {
	n, err := s.source.ClearQueue()
	if err != nil {
		s.logger.Error("clearing outbox failed", "error", err)
		writeInternalError(w, "failed to clear outbox")
		return
	}
	s.logger.Info("outbox cleared via API",
		"records", n,
		"subject", r.Context().Value(ctxKeySubject),
		"request_id", r.Context().Value(ctxKeyRequestID),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"cleared":    n,
		"queue_size": s.source.QueueSize(),
	})
}
