package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"barstock-sync-service/internal/api"
	"barstock-sync-service/internal/config"
	"barstock-sync-service/internal/logger"
	"barstock-sync-service/internal/queue"
	"barstock-sync-service/internal/store"
	syncengine "barstock-sync-service/internal/sync"
	"barstock-sync-service/internal/worker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// Load Config
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Init Logger
	if err := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Log.Info("Starting BarStock Sync Service")

	// Init Local Store
	localStore, err := store.NewSQLiteStore(cfg.Store)
	if err != nil {
		logger.Log.Fatal("Failed to init local store", zap.Error(err))
	}
	defer localStore.Close()

	// Init Sync Components
	var tokens syncengine.TokenSource
	if cfg.Remote.TokenFile != "" {
		tokens = syncengine.FileTokenSource(cfg.Remote.TokenFile)
	}

	q := queue.NewQueue(localStore, cfg.Sync)
	client := syncengine.NewClient(cfg.Remote, tokens)
	conflicts := syncengine.NewConflictManager(localStore)
	hub := api.NewHub()
	engine := syncengine.NewEngine(localStore, q, client, conflicts, hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connectivity Monitor
	netmon := syncengine.NewNetMonitor(engine, client, cfg.Sync)
	netmon.Start(ctx)

	// Periodic Scheduler
	var scheduler *syncengine.Scheduler
	if cfg.Scheduler.Enabled {
		scheduler = syncengine.NewScheduler(engine, cfg.Scheduler)
		if err := scheduler.Start(ctx); err != nil {
			logger.Log.Fatal("Failed to start scheduler", zap.Error(err))
		}
	}

	// Precache runs through the same machinery the background worker uses.
	reconciler := worker.New(cfg, localStore, tokens)

	// Init API
	handler := api.NewHandler(cfg.Server, engine, q, conflicts, hub, reconciler.Precache)
	router := handler.Routes()

	// Start Server
	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
	}

	go func() {
		logger.Log.Info("Server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down server...")

	if scheduler != nil {
		scheduler.Stop()
	}
	netmon.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error("Server shutdown failed", zap.Error(err))
	}
}
