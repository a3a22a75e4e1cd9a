package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/rental-concierge/cmd/mainconfig"
	"github.com/wolfman30/rental-concierge/internal/api/router"
	appbootstrap "github.com/wolfman30/rental-concierge/internal/app/bootstrap"
	appconfig "github.com/wolfman30/rental-concierge/internal/config"
	"github.com/wolfman30/rental-concierge/internal/conversation"
	"github.com/wolfman30/rental-concierge/pkg/logging"
)

const shutdownTimeout = 30 * time.Second

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()
	logger := logging.NewWithFormat(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting rental-concierge API server",
		"env", cfg.Env,
		"port", cfg.Port,
		"queue_backend", cfg.QueueBackend,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("api server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server exited gracefully")
}

func run(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) error {
	metricsHandler, registry := setupMetrics()

	queue, err := setupQueue(ctx, cfg)
	if err != nil {
		return err
	}
	services, err := appbootstrap.BuildServices(ctx, cfg, logger, registry)
	if err != nil {
		return err
	}
	defer services.Close()
	services.RunCacheSweeps(ctx)

	// The memory queue only exists in this process, so it is consumed here.
	var worker *conversation.Worker
	if !cfg.UsesSQS() {
		worker = services.NewWorker(queue)
		worker.Start(ctx)
		logger.Info("inline conversation workers started", "workers", cfg.WorkerCount)
	}

	scheduler, err := services.NewHousekeeping()
	if err != nil {
		return err
	}
	scheduler.Start()

	caches := make([]router.CacheStatser, 0, 3)
	for _, c := range services.Caches() {
		caches = append(caches, c)
	}
	caches = append(caches, services.ClientCache)

	handler := router.New(&router.Config{
		Logger:           logger.Component("http"),
		Webhook:          services.NewWebhookHandler(queue),
		Assistant:        services.Assistant,
		Gateway:          services.Gateway,
		Caches:           caches,
		Sessions:         services.Sessions,
		Housekeeping:     scheduler,
		MetricsHandler:   metricsHandler,
		AdminAuthSecret:  cfg.AdminAuthSecret,
		WebhookRateLimit: cfg.WebhookRateLimit,
		WebhookRateBurst: cfg.WebhookRateBurst,
	})
	srv := newServer(cfg.Port, handler)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down server...")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.Warn("housekeeping jobs still running at shutdown", "error", err)
	}
	if worker != nil {
		worker.Wait()
	}
	return serveErr
}

func setupMetrics() (http.Handler, *prometheus.Registry) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}), registry
}

func setupQueue(ctx context.Context, cfg *appconfig.Config) (conversation.Queue, error) {
	if !cfg.UsesSQS() {
		return appbootstrap.BuildQueue(cfg, nil)
	}
	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return appbootstrap.BuildQueue(cfg, mainconfig.NewSQSClient(awsCfg, cfg))
}

func newServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
