// The worker binary is the background reconciler. The host platform launches
// it on a registered trigger tag, it drains what it can and exits.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"barstock-sync-service/internal/config"
	"barstock-sync-service/internal/logger"
	"barstock-sync-service/internal/store"
	syncengine "barstock-sync-service/internal/sync"
	"barstock-sync-service/internal/worker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	trigger := flag.String("trigger", worker.TriggerFullQueue, "trigger tag (sync-offline-queue or sync-priority-{1|2|3})")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Log.Info("Starting background reconciler", zap.String("trigger", *trigger))

	localStore, err := store.NewSQLiteStore(cfg.Store)
	if err != nil {
		logger.Log.Fatal("Failed to init local store", zap.Error(err))
	}
	defer localStore.Close()

	var tokens syncengine.TokenSource
	if cfg.Remote.TokenFile != "" {
		tokens = syncengine.FileTokenSource(cfg.Remote.TokenFile)
	}

	reconciler := worker.New(cfg, localStore, tokens)

	summary, err := reconciler.Run(context.Background(), *trigger)
	if err != nil {
		logger.Log.Fatal("Background drain failed", zap.Error(err))
	}

	logger.Log.Info("Background reconciler done",
		zap.Int("success", summary.Success),
		zap.Int("failed", summary.Failed),
	)
}
