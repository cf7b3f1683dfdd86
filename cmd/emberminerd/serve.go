package main

import (
	"log/slog"
	"net/http"

	"github.com/emberminer/emberminer/internal/config"
	"github.com/emberminer/emberminer/internal/dashboard"
	"github.com/emberminer/emberminer/internal/health"
	"github.com/emberminer/emberminer/internal/metrics"
)

// serveMetrics exposes Prometheus metrics plus the health handler's
// three endpoints on a single listener, distinct from the JWT-guarded
// control API. m may be nil if metrics are disabled; health endpoints
// are still served in that case.
func serveMetrics(cfg *config.Config, m *metrics.Metrics, h *health.Handler, logger *slog.Logger) {
	mux := http.NewServeMux()
	if m != nil {
		mux.Handle("/metrics", m.Handler())
	}
	mux.Handle("/healthz", h.HealthHandler())
	mux.Handle("/livez", h.LivenessHandler())
	mux.Handle("/readyz", h.ReadinessHandler())

	logger.Info("metrics server starting", "addr", cfg.Metrics.ListenAddr)
	if err := http.ListenAndServe(cfg.Metrics.ListenAddr, mux); err != nil {
		logger.Error("metrics server error", "error", err)
	}
}

// serveDashboard mounts the WebSocket dashboard feed on its own
// listener.
func serveDashboard(cfg *config.Config, d *dashboard.Server, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/ws", d.Handler())

	logger.Info("dashboard server starting", "addr", cfg.Dashboard.ListenAddr)
	if err := http.ListenAndServe(cfg.Dashboard.ListenAddr, mux); err != nil {
		logger.Error("dashboard server error", "error", err)
	}
}
