package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"persona-hub/internal/domain"
)

// HealthResponse is the JSON body returned by GET /healthz.
type HealthResponse struct {
	Status        string                    `json:"status"`
	UptimeSeconds int64                     `json:"uptime_seconds"`
	Connections   int                       `json:"connections"`
	EventTypes    int                       `json:"event_types"`
	Subscriptions *domain.SubscriptionStats `json:"subscriptions,omitempty"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := HealthResponse{
		Status:      "ok",
		Connections: s.Connections(),
	}
	if !s.started.IsZero() {
		resp.UptimeSeconds = int64(time.Since(s.started).Seconds())
	}
	if types := s.bridge.EventTypes(r.Context()); types.Success {
		resp.EventTypes = len(types.EventTypes)
	}
	stats := s.bridge.SubscriptionStats(r.Context())
	if !stats.Success {
		resp.Status = "degraded"
	}
	resp.Subscriptions = stats.Stats

	w.Header().Set("Content-Type", "application/json")
	if resp.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(resp)
}
