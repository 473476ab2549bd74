package server

import (
	"context"
	"net/http"
	"time"

	"github.com/NgigiN/stablelink/internal/api"
	"github.com/NgigiN/stablelink/internal/breaker"
)

// Pinger verifies a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Connection reports whether a long-lived client session is up.
type Connection interface {
	Name() string
	Connected() bool
}

// HealthHandler reports process uptime, storage reachability, notifier
// sessions and the state of every circuit breaker.
type HealthHandler struct {
	db          Pinger
	connections []Connection
	breakers    *breaker.Registry
	started     time.Time
}

func NewHealthHandler(db Pinger, breakers *breaker.Registry, connections ...Connection) *HealthHandler {
	return &HealthHandler{
		db:          db,
		connections: connections,
		breakers:    breakers,
		started:     time.Now(),
	}
}

type breakerView struct {
	State        breaker.State `json:"state"`
	FailureCount int           `json:"failure_count"`
	LastFailure  *time.Time    `json:"last_failure,omitempty"`
}

type healthResponse struct {
	Status      string                 `json:"status"`
	Uptime      string                 `json:"uptime"`
	Database    string                 `json:"database"`
	Connections map[string]bool        `json:"connections,omitempty"`
	Breakers    map[string]breakerView `json:"breakers,omitempty"`
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:   "ok",
		Uptime:   time.Since(h.started).Round(time.Second).String(),
		Database: "ok",
	}
	status := http.StatusOK
	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			resp.Status = "degraded"
			resp.Database = err.Error()
			status = http.StatusServiceUnavailable
		}
	}

	if len(h.connections) > 0 {
		resp.Connections = make(map[string]bool, len(h.connections))
		for _, c := range h.connections {
			resp.Connections[c.Name()] = c.Connected()
		}
	}

	if h.breakers != nil {
		snaps := h.breakers.Snapshots()
		resp.Breakers = make(map[string]breakerView, len(snaps))
		for name, s := range snaps {
			v := breakerView{State: s.State, FailureCount: s.FailureCount}
			if !s.LastFailure.IsZero() {
				last := s.LastFailure
				v.LastFailure = &last
			}
			resp.Breakers[name] = v
		}
	}

	api.WriteJSON(w, status, resp)
}
