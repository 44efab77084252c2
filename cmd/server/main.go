package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/MagicCat3022/Magic-File-Transfer/internal/audit"
	"github.com/MagicCat3022/Magic-File-Transfer/internal/chunkstore"
	"github.com/MagicCat3022/Magic-File-Transfer/internal/config"
	"github.com/MagicCat3022/Magic-File-Transfer/internal/downloadtoken"
	"github.com/MagicCat3022/Magic-File-Transfer/internal/eventbus"
	"github.com/MagicCat3022/Magic-File-Transfer/internal/httpapi"
	"github.com/MagicCat3022/Magic-File-Transfer/internal/manager"
	"github.com/MagicCat3022/Magic-File-Transfer/internal/middleware"
	"github.com/MagicCat3022/Magic-File-Transfer/internal/mirror"
	"github.com/MagicCat3022/Magic-File-Transfer/internal/progress"
	"github.com/MagicCat3022/Magic-File-Transfer/internal/registry"
	"github.com/MagicCat3022/Magic-File-Transfer/internal/statestore"
	"github.com/MagicCat3022/Magic-File-Transfer/pkg/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// logger isn't up yet; this is the one place we fall back to stderr.
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log.Init(cfg.LogLevel, cfg.LogFormat)
	defer log.Sync()
	logger := log.Named("main")

	store, err := statestore.Open(cfg.DataDir)
	if err != nil {
		logger.Fatal("open state store", zap.Error(err))
	}
	defer store.Close()

	chunks, err := chunkstore.Open(cfg.DataDir)
	if err != nil {
		logger.Fatal("open chunk store", zap.Error(err))
	}

	reg := registry.New()
	tracker := progress.NewTracker(cfg.DowntimeThreshold)

	auditLog, err := audit.Open(cfg.DatabaseURL, 4)
	if err != nil {
		logger.Fatal("open audit log", zap.Error(err))
	}
	defer auditLog.Close()

	bus := eventbus.New(cfg.RedisURL)
	defer bus.Close()

	artifactMirror, err := mirror.New(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioSecure, 2)
	if err != nil {
		logger.Fatal("open artifact mirror", zap.Error(err))
	}

	tokens := downloadtoken.NewSigner(cfg.DownloadTokenSecret)

	mgr := manager.New(store, reg, chunks, tracker, auditLog, bus, artifactMirror, tokens, cfg.DownloadTokenTTL)

	if err := mgr.ReconcileOnStartup(); err != nil {
		logger.Error("startup reconciliation failed", zap.Error(err))
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS)
	stopCleanup := limiter.StartCleanup(10 * time.Minute)
	defer stopCleanup()

	server := httpapi.New(mgr, bus, limiter, cfg.AllowedOrigins, cfg.MaxChunkSize, cfg.MaxProbeSize)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server.Handler(),
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()
	logger.Info("server started", zap.String("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server exiting")
}
