package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/KhalanHappiness/Point-Of-Sale/internal/cache"
	"github.com/KhalanHappiness/Point-Of-Sale/internal/config"
	"github.com/KhalanHappiness/Point-Of-Sale/internal/httpapi"
	"github.com/KhalanHappiness/Point-Of-Sale/internal/service"
	"github.com/KhalanHappiness/Point-Of-Sale/internal/store"
	"github.com/KhalanHappiness/Point-Of-Sale/internal/store/memory"
	pgstore "github.com/KhalanHappiness/Point-Of-Sale/internal/store/postgres"
)

func main() {
	cfg := config.Load()

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger setup failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Sugar()

	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalw("invalid security configuration", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalw("postgres unavailable and DATABASE_URL is set, refusing to start with in-memory fallback", "error", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Infow("repository ready", "kind", "postgres")
	} else {
		repo = memory.NewSeeded()
		log.Infow("repository ready", "kind", "in-memory")
	}

	movements := cache.MovementCache(cache.NewNoop())
	if cfg.RedisAddr != "" {
		redisCache, err := cache.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, log)
		if err != nil {
			log.Warnw("redis unavailable, using noop movement cache", "error", err)
		} else {
			movements = redisCache
			closers = append(closers, redisCache.Close)
			log.Infow("movement cache ready", "kind", "redis")
		}
	} else {
		log.Infow("movement cache ready", "kind", "noop")
	}

	svc := service.New(repo, movements, log)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, log)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Infow("sale engine listening", "addr", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("server error", "error", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnw("shutdown error", "error", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Warnw("close error", "error", err)
		}
	}

	log.Infow("server stopped")
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		parsed = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	return cfg.Build()
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	return nil
}
