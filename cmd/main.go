// Command webforge runs the build pipeline server.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"webforge/internal/ai"
	"webforge/internal/api"
	"webforge/internal/artifacts"
	"webforge/internal/config"
	"webforge/internal/dapp"
	"webforge/internal/deployment"
	"webforge/internal/events"
	"webforge/internal/logging"
	"webforge/internal/middleware"
	"webforge/internal/pipeline"
	"webforge/internal/sandbox"
	"webforge/internal/store"
)

func main() {
	logging.Init()
	defer logging.Sync()
	log := logging.L()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}
	for _, w := range cfg.Warnings() {
		log.Warn("configuration warning", zap.String("detail", w))
	}
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Database, log)
	if err != nil {
		log.Fatal("database initialization failed", zap.Error(err))
	}
	defer st.Close()

	publisher := events.NewPublisher(statusStore(ctx, cfg, log), log)

	provider, err := sandboxProvider(cfg.Sandbox)
	if err != nil {
		log.Fatal("sandbox initialization failed", zap.Error(err))
	}
	leases := sandbox.NewManager(provider, sandbox.ManagerConfig{
		TTL:            cfg.Sandbox.LeaseTTL,
		SweepInterval:  cfg.Sandbox.SweepInterval,
		CommandTimeout: cfg.Timeouts.Command,
	}, log)
	go leases.Run(ctx)

	completer, err := ai.New(cfg.AI)
	if err != nil {
		log.Fatal("AI provider initialization failed", zap.Error(err))
	}

	sinks := []pipeline.ResultSink{st}
	archiver, err := artifacts.NewFromConfig(ctx, cfg.Artifacts, log)
	if err != nil {
		log.Fatal("artifact storage initialization failed", zap.Error(err))
	}
	if archiver != nil {
		sinks = append(sinks, archiver)
	}

	driver := pipeline.NewDriver(pipeline.ConfigFrom(cfg), pipeline.Deps{
		Completer: completer,
		Sandbox:   leases,
		Publisher: publisher,
		Sinks:     sinks,
	}, log)

	orchestrator := dapp.NewOrchestrator(
		deployment.NewClient(cfg.Deployment, log),
		driver,
		st,
		publisher,
		dapp.OptionsFrom(cfg.Deployment),
		log,
	)

	opts := api.Options{
		RateLimiter:    middleware.NewIPRateLimiter(cfg.RateLimit.BuildsPerMinute, cfg.RateLimit.Burst),
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AllowAnyOrigin: !cfg.IsProduction() && len(cfg.CORSAllowedOrigins) == 0,
	}
	if cfg.JWTSecret != "" {
		opts.Validator = middleware.NewTokenValidator(cfg.JWTSecret)
	} else {
		log.Warn("JWT_SECRET not set; API is unauthenticated")
	}
	server := api.NewServer(driver, orchestrator, st, publisher, opts, log)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	serverErrors := make(chan error, 1)
	go func() {
		log.Info("webforge listening",
			zap.String("port", cfg.Port),
			zap.String("environment", cfg.Environment),
			zap.String("sandbox", leases.ProviderName()),
			zap.String("ai_provider", cfg.AI.Provider))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()

	select {
	case err := <-serverErrors:
		log.Fatal("server failed", zap.Error(err))
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop accepting requests, then cancel in-flight work so every open
	// stream ends with its cancelled event before sandboxes are torn down.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown", zap.Error(err))
	}
	if err := orchestrator.Shutdown(shutdownCtx); err != nil {
		log.Warn("dapp orchestrator shutdown", zap.Error(err))
	}
	if err := driver.Shutdown(shutdownCtx); err != nil {
		log.Warn("pipeline shutdown", zap.Error(err))
	}
	if err := leases.Close(shutdownCtx); err != nil {
		log.Warn("sandbox shutdown", zap.Error(err))
	}
	log.Info("graceful shutdown complete")
}

func statusStore(ctx context.Context, cfg *config.Config, log *zap.Logger) events.StatusStore {
	if cfg.Redis.URL == "" {
		return events.NewMemoryStatusStore(cfg.Redis.StatusTTL)
	}
	rs, err := events.NewRedisStatusStore(ctx, cfg.Redis.URL, cfg.Redis.StatusTTL)
	if err != nil {
		log.Warn("redis unavailable, keeping status snapshots in memory", zap.Error(err))
		return events.NewMemoryStatusStore(cfg.Redis.StatusTTL)
	}
	return rs
}

func sandboxProvider(cfg config.SandboxConfig) (sandbox.Provider, error) {
	if cfg.Provider == "local" {
		return sandbox.NewLocalProvider(cfg.WorkspaceRoot, nil)
	}
	return sandbox.NewDockerProvider(sandbox.DockerConfig{
		Host:        cfg.DockerHost,
		Image:       cfg.Image,
		MemoryMB:    cfg.MemoryMB,
		CPUs:        cfg.CPUs,
		NetworkMode: cfg.NetworkMode,
		PullImages:  true,
	})
}
