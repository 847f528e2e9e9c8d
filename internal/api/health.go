package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/snarg/subcheck/internal/pipeline"
	"github.com/snarg/subcheck/internal/watcher"
)

type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
	Pipeline      pipeline.Stats    `json:"pipeline"`
	Watcher       *watcher.Status   `json:"watcher,omitempty"`
}

// Pinger is a dependency with a health probe, such as the report database.
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// Connection reports broker connectivity.
type Connection interface {
	IsConnected() bool
}

// WatcherStatus reports the inbox watcher state.
type WatcherStatus interface {
	Status() watcher.Status
}

// HealthDeps are the optional components probed by the health endpoint.
type HealthDeps struct {
	Jobs     JobService
	Database Pinger
	MQTT     Connection
	Watcher  WatcherStatus
}

type HealthHandler struct {
	deps      HealthDeps
	version   string
	startTime time.Time
}

func NewHealthHandler(deps HealthDeps, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{deps: deps, version: version, startTime: startTime}
}

// ServeHTTP reports unhealthy when the database is down and degraded when an
// auxiliary component (the broker) is.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	if h.deps.Database != nil {
		if err := h.deps.Database.HealthCheck(r.Context()); err != nil {
			checks["database"] = "error"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		} else {
			checks["database"] = "ok"
		}
	} else {
		checks["database"] = "not_configured"
	}

	if h.deps.MQTT != nil {
		if h.deps.MQTT.IsConnected() {
			checks["mqtt"] = "ok"
		} else {
			checks["mqtt"] = "disconnected"
			if status == "healthy" {
				status = "degraded"
			}
		}
	} else {
		checks["mqtt"] = "not_configured"
	}

	resp := HealthResponse{
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
	}
	if h.deps.Watcher != nil {
		ws := h.deps.Watcher.Status()
		checks["watcher"] = ws.Status
		resp.Watcher = &ws
	}
	if h.deps.Jobs != nil {
		resp.Pipeline = h.deps.Jobs.Stats()
		checks["pipeline"] = "ok"
	}
	resp.Status = status

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(resp)
}
