package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fetcherd/fetcherd/internal/api"
	"github.com/fetcherd/fetcherd/internal/backfill"
	"github.com/fetcherd/fetcherd/internal/config"
	"github.com/fetcherd/fetcherd/internal/daemon"
	"github.com/fetcherd/fetcherd/internal/database"
	"github.com/fetcherd/fetcherd/internal/monitor"
	"github.com/fetcherd/fetcherd/internal/priceclient"
	"github.com/fetcherd/fetcherd/internal/pricestore"
	"github.com/fetcherd/fetcherd/internal/ratelimit"
	"github.com/fetcherd/fetcherd/internal/revaluation"
	"github.com/fetcherd/fetcherd/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the fetcher daemon and its query surface until terminated",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	log := logger.New(logger.Config{Level: level, Pretty: logPretty})
	logger.SetGlobalLogger(log)

	log.Info().Msg("fetcherd starting")

	db, err := database.New(database.Config{Path: cfg.ResolveDatabasePath(), Profile: database.ProfileDurable})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to apply schema")
	}

	store := pricestore.New(db.Conn(), log)

	priceSourceLimiter := ratelimit.New(cfg.PriceSourceMinInterval, cfg.PriceSourceHourlyCap)

	client := priceclient.New(priceclient.Config{
		BaseURL:    cfg.ProviderURL,
		UserAgent:  cfg.UserAgent,
		ProviderID: "fetcherd",
	}, log)

	engine := backfill.New(db.Conn(), client, store, priceSourceLimiter, cfg.BackfillMaxAttempts, log)

	registry := monitor.NewRegistry()
	stats := monitor.NewStats(db.Conn(), store, registry, time.Now(), log)
	logStore := monitor.NewLogStore(db.Conn(), log)
	revaluator := revaluation.New(db.Conn(), log)
	notifier := daemon.NewNotifier(log)

	refreshCycle := daemon.NewRefreshCycle(daemon.RefreshCycleConfig{
		Store: store, Client: client, Limiter: priceSourceLimiter, Stats: stats,
		LogStore: logStore, Revaluator: revaluator, Log: log,
	})

	d := daemon.New(daemon.Config{
		DB:               db,
		Store:            store,
		Engine:           engine,
		Stats:            stats,
		LogStore:         logStore,
		Registry:         registry,
		Refresh:          refreshCycle,
		Notifier:         notifier,
		UpdateInterval:   cfg.UpdateInterval,
		SnapshotInterval: cfg.StatsPersistInterval,
		LogRetentionDays: cfg.LogRetentionDays,
		BackfillWorkers:  cfg.BackfillWorkerCount,
		ShutdownGrace:    cfg.ShutdownGrace,
		Log:              log,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start daemon")
	}

	httpServer := api.New(api.Config{
		Port: cfg.HTTPPort, DB: db, Store: store, Stats: stats, LogStore: logStore,
		UpdateInterval: cfg.UpdateInterval, Log: log,
	})

	go func() {
		if err := httpServer.Start(); err != nil {
			log.Error().Err(err).Msg("query surface stopped unexpectedly")
		}
	}()

	log.Info().Int("http_port", cfg.HTTPPort).Msg("fetcherd started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("fetcherd shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("query surface forced to shutdown")
	}
	if err := d.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("daemon forced to shutdown")
	}

	log.Info().Msg("fetcherd stopped")
	return nil
}
