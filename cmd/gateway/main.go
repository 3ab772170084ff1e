// Command gateway runs the quota admission gateway: an HTTP server
// whose middleware chain checks every request against the configured
// quota backends before handing it to the protected handler.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"quotagate/internal/config"
	"quotagate/internal/handler/http/middleware"
	"quotagate/internal/handler/http/requestid"
	"quotagate/internal/handler/http/respond"
	"quotagate/internal/infra/quota"
	"quotagate/internal/observability/logging"
	"quotagate/internal/observability/tracing"
	"quotagate/pkg/admission"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the gateway configuration file")
	flag.Parse()

	logger := logging.NewLogger()
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration",
			slog.String("path", *configPath),
			slog.Any("error", err))
		os.Exit(1)
	}

	shutdownTracing := initTracing(logger)
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	components, err := setup(ctx, logger, cfg)
	if err != nil {
		logger.Error("failed to set up gateway", slog.Any("error", err))
		os.Exit(1)
	}

	run(ctx, logger, cfg, components)
}

// initTracing installs a trace provider and W3C propagation. Without a
// configured exporter the spans stay in-process, but instrumented code
// paths are exercised and trace IDs propagate to clients.
func initTracing(logger *slog.Logger) func() {
	provider := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			logger.Error("failed to shut down trace provider", slog.Any("error", err))
		}
	}
}

// components holds everything run needs for serving and cleanup.
type components struct {
	handler    http.Handler
	pool       *quota.Pool
	controller *middleware.Controller
	metrics    *admission.PrometheusMetrics
}

// setup builds the quota client pool, the admission controller, and the
// full middleware chain around the protected handler.
func setup(ctx context.Context, logger *slog.Logger, cfg *config.Config) (*components, error) {
	proxyConfig, err := middleware.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}

	var extractor middleware.IPExtractor
	if proxyConfig.Enabled {
		extractor = middleware.NewTrustedProxyExtractor(proxyConfig, logger)
		logger.Info("trusted proxy mode enabled",
			slog.Int("trusted_proxies_count", len(proxyConfig.AllowedCIDRs)))
	} else {
		extractor = &middleware.RemoteAddrExtractor{}
		logger.Info("using RemoteAddr for client IPs (proxy headers ignored)")
	}

	rules, err := middleware.RulesFromConfig(cfg.Rules, extractor)
	if err != nil {
		return nil, err
	}

	pool := quota.NewPool(quota.PoolConfig{
		Client: quota.ClientConfig{
			CheckTimeout:   cfg.Quota.CheckTimeout.Std(),
			ConnectTimeout: cfg.Quota.ConnectTimeout.Std(),
			WaitReady:      cfg.Quota.WaitReady,
			Logger:         logger,
		},
		Logger: logger,
	})
	if err := pool.PrepareAll(ctx, cfg.Addresses()); err != nil {
		return nil, err
	}

	metrics := admission.NewPrometheusMetrics()
	registry := admission.NewRegistry(admission.RegistryConfig{
		EntryTTL:      cfg.Registry.EntryTTL.Std(),
		SweepInterval: cfg.Registry.SweepInterval.Std(),
		Metrics:       metrics,
		Logger:        logger,
	})

	controller, err := middleware.NewController(middleware.ControllerConfig{
		Rules:    rules,
		Registry: registry,
		Pool:     pool.CheckerPool(),
		Metrics:  metrics,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("admission rules loaded",
		slog.Int("connect", controller.Rules(admission.PhaseConnect)),
		slog.Int("pre_auth", controller.Rules(admission.PhasePreAuth)),
		slog.Int("post_auth", controller.Rules(admission.PhasePostAuth)),
	)

	return &components{
		handler:    buildChain(controller, protectedHandler()),
		pool:       pool,
		controller: controller,
		metrics:    metrics,
	}, nil
}

// buildChain assembles the middleware chain, innermost first:
// request ID → tracing → finalizer → connect → pre_auth → post_auth →
// handler. The finalizer sits outside every phase so rejection
// responses also carry rate-limit headers.
func buildChain(controller *middleware.Controller, handler http.Handler) http.Handler {
	chain := handler
	chain = controller.Middleware(admission.PhasePostAuth)(chain)
	chain = controller.Middleware(admission.PhasePreAuth)(chain)
	chain = controller.Middleware(admission.PhaseConnect)(chain)
	chain = controller.Finalizer()(chain)
	chain = tracing.Middleware(chain)
	chain = requestid.Middleware(chain)
	return chain
}

// protectedHandler stands in for the service behind the gateway.
func protectedHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respond.JSON(w, http.StatusOK, map[string]string{
			"status":     "ok",
			"request_id": requestid.FromContext(r.Context()),
		})
	})
}

// run starts the traffic and metrics servers and blocks until a
// shutdown signal arrives, then tears everything down in order:
// HTTP server, sweeper, client pool.
func run(ctx context.Context, logger *slog.Logger, cfg *config.Config, c *components) {
	c.controller.Start()
	startMetricsServer(ctx, logger, cfg.Server.MetricsListen, c.metrics, c.pool)

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           c.handler,
		ReadHeaderTimeout: 10 * time.Second, // Prevent Slowloris attacks
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		logger.Info("gateway starting", slog.String("addr", cfg.Server.Listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down gateway...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", slog.Any("error", err))
	}

	c.controller.Stop()
	if err := c.pool.Shutdown(shutdownCtx); err != nil {
		logger.Error("quota pool shutdown failed", slog.Any("error", err))
	}
	logger.Info("gateway stopped")
}
