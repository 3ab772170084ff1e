package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"quotagate/internal/infra/quota"
	"quotagate/pkg/admission"
)

// HealthResponse is the /healthz payload: overall status plus the
// per-backend connection and breaker state.
type HealthResponse struct {
	Status   string                `json:"status"`
	Backends []quota.AddressHealth `json:"backends"`
}

// startMetricsServer serves the operational endpoints on a separate
// listener so they are never subject to admission rules:
//
//   - GET /metrics - Prometheus metrics (admission registry + default)
//   - GET /healthz - liveness plus quota backend health
//
// The server shuts down gracefully when ctx is canceled.
func startMetricsServer(ctx context.Context, logger *slog.Logger, addr string, metrics *admission.PrometheusMetrics, pool *quota.Pool) {
	gatherers := prometheus.Gatherers{
		metrics.Registry(),
		prometheus.DefaultGatherer, // quota client metrics register via promauto
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", healthHandler(pool))

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("metrics server starting", slog.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", slog.Any("error", err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", slog.Any("error", err))
		} else {
			logger.Info("metrics server stopped")
		}
	}()
}

// healthHandler reports 200 while every backend breaker is closed and
// 503 once any breaker opens. A backend merely reconnecting is not
// unhealthy; the breaker state is the signal that checks are failing.
func healthHandler(pool *quota.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		backends := pool.Health()

		status := "healthy"
		statusCode := http.StatusOK
		for _, backend := range backends {
			if backend.CircuitBreakerOpen {
				status = "degraded"
				statusCode = http.StatusServiceUnavailable
				break
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		_ = json.NewEncoder(w).Encode(HealthResponse{
			Status:   status,
			Backends: backends,
		})
	}
}
