package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/tickmux/internal/mux"
	"github.com/rickgao/tickmux/internal/upstream"
)

// subscriptionSource is the slice of the multiplexer the ops handler reads.
type subscriptionSource interface {
	Stats() mux.Stats
	Subscriptions() []mux.Subscription
	CheckInvariants() error
}

// pinger is satisfied by *pgxpool.Pool.
type pinger interface {
	Ping(ctx context.Context) error
}

// newOpsHandler creates the HTTP handler for health checks, debugging and
// metrics. pool may be nil.
func newOpsHandler(metricsPath string, gatherer prometheus.Gatherer, m subscriptionSource, pool *pgxpool.Pool, logger *slog.Logger) http.Handler {
	var db pinger
	if pool != nil {
		db = pool
	}
	return opsHandler(metricsPath, gatherer, m, db, logger)
}

func opsHandler(metricsPath string, gatherer prometheus.Gatherer, m subscriptionSource, db pinger, logger *slog.Logger) http.Handler {
	router := http.NewServeMux()

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		stats := m.Stats()

		// An idle multiplexer has no session; that is healthy.
		upstreamStatus := map[string]any{
			"state":        stats.State.String(),
			"reconnecting": stats.Reconnecting,
		}
		if stats.Instruments > 0 && stats.State != upstream.StateRunning {
			health.Status = "degraded"
		}
		health.Components["upstream"] = upstreamStatus

		health.Components["registry"] = map[string]any{
			"instruments":   stats.Instruments,
			"consumers":     stats.Consumers,
			"groups_in_use": stats.GroupsInUse,
		}

		// Check database
		if db != nil {
			if err := db.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["database"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["database"] = "connected"
			}
		}

		// Set response
		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	router.HandleFunc("/debug/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		subs := m.Subscriptions()

		resp := map[string]any{
			"count":         len(subs),
			"subscriptions": subs,
			"consistent":    true,
		}
		if err := m.CheckInvariants(); err != nil {
			logger.Error("registry invariant violated", "error", err)
			resp["consistent"] = false
			resp["error"] = err.Error()
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	router.Handle(metricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return router
}
