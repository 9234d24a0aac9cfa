package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"wikimap/api/internal/app"
	"wikimap/api/internal/cache"
	"wikimap/api/internal/config"
	"wikimap/api/internal/jobs"
	"wikimap/api/internal/logging"
	"wikimap/api/internal/search"
	"wikimap/api/internal/store"
)

func main() {
	if err := run(); err != nil {
		logging.Error().Err(err).Msg("wikimap api stopped")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}

	var backend cache.Store = cache.NewMemory()
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := cache.NewRedis(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisStore.Close()
		backend = redisStore
		logging.Info().Msg("using redis for caches")
	} else {
		logging.Info().Msg("using in-process caches")
	}
	caches := cache.NewRegistry(
		cache.NewNamed(cache.XPConfig, cfg.XPConfigTTL, backend),
		cache.NewNamed(cache.Leaderboard, cfg.LeaderboardTTL, backend),
		cache.NewNamed(cache.UserStats, cfg.UserStatsTTL, backend),
	)

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewPgFTS(db))
	go searchService.ReindexAllFromPG(ctx)

	service, err := app.New(cfg, store.NewPostgresStore(db), caches, searchService)
	if err != nil {
		return fmt.Errorf("service setup failed: %w", err)
	}

	scheduler := jobs.NewScheduler(
		jobs.CacheSweep("leaderboard_sweep", cfg.LeaderboardSweepSchedule, caches, cache.Leaderboard),
	)
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("scheduler failed: %w", err)
	}
	defer scheduler.Stop()

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, cfg).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", cfg.Addr).Msg("wikimap api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
