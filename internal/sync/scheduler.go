package sync

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"barstock-sync-service/internal/config"
	"barstock-sync-service/internal/logger"
)

// Scheduler drives periodic sync cycles when connectivity holds. Ticks that
// land while a cycle is still draining, or while offline, are dropped by the
// engine rather than queued up.
type Scheduler struct {
	engine *Engine
	cron   *cron.Cron
	spec   string
}

func NewScheduler(engine *Engine, cfg config.SchedulerConfig) *Scheduler {
	spec := cfg.Interval
	if spec == "" {
		spec = "@every 30s"
	}
	return &Scheduler{
		engine: engine,
		cron:   cron.New(),
		spec:   spec,
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.spec, func() {
		s.engine.TrySync(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule sync job: %w", err)
	}

	s.cron.Start()
	logger.Log.Info("Sync scheduler started", zap.String("interval", s.spec))
	return nil
}

func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	logger.Log.Info("Sync scheduler stopped")
}
