// Package health serves the daemon's liveness and readiness endpoints,
// following the teacher's component-by-component degraded/ok reporting
// shape (internal/api/health_helpers.go) adapted to the daemon's own
// dependencies instead of a datastore/session/chat-queue triple.
package health

import (
	"context"
	"encoding/json"
	"net/http"
)

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// Pinger is satisfied by any dependency whose health can be probed, such as
// the Postgres audit log.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker reports the daemon's readiness by probing its named dependencies
// and summarizing the current registry size.
type Checker struct {
	// Dependencies are probed in map order; a nil Pinger value is skipped so
	// callers can register an optional dependency (the audit log) unconditionally.
	Dependencies map[string]Pinger
	// ActiveFeeds reports the number of currently registered Frame Caches,
	// included in the response body for quick operational visibility.
	ActiveFeeds func() int
}

type readyResponse struct {
	Status      string            `json:"status"`
	ActiveFeeds int               `json:"active_feeds"`
	Components  []componentStatus `json:"components,omitempty"`
}

// HealthzHandler always reports ok: it only confirms the process is
// scheduling goroutines, not that its dependencies are reachable.
func HealthzHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
}

// ReadyzHandler probes every registered dependency and reports 503 if any of
// them is unreachable.
func (c *Checker) ReadyzHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		code := http.StatusOK
		components := make([]componentStatus, 0, len(c.Dependencies))

		for name, dep := range c.Dependencies {
			if dep == nil {
				continue
			}
			cs := componentStatus{Component: name, Status: "ok"}
			if err := dep.Ping(r.Context()); err != nil {
				cs.Status = "degraded"
				cs.Error = err.Error()
				status = "degraded"
				code = http.StatusServiceUnavailable
			}
			components = append(components, cs)
		}

		activeFeeds := 0
		if c.ActiveFeeds != nil {
			activeFeeds = c.ActiveFeeds()
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(readyResponse{Status: status, ActiveFeeds: activeFeeds, Components: components})
	})
}
