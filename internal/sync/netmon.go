package sync

import (
	"context"
	"time"

	"go.uber.org/zap"

	"barstock-sync-service/internal/config"
	"barstock-sync-service/internal/logger"
)

// NetMonitor polls backend reachability and feeds connectivity edges into the
// engine. A recovered connection waits out a settle delay before kicking a
// sync, so a flapping link does not trigger bursts of aborted cycles.
type NetMonitor struct {
	engine *Engine
	client *Client
	probe  time.Duration
	settle time.Duration
	stop   chan struct{}
	done   chan struct{}
}

func NewNetMonitor(engine *Engine, client *Client, cfg config.SyncConfig) *NetMonitor {
	return &NetMonitor{
		engine: engine,
		client: client,
		probe:  cfg.GetProbeInterval(),
		settle: cfg.GetSettleDelay(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start begins probing. The first probe runs immediately so the engine knows
// its connectivity state before any trigger arrives.
func (m *NetMonitor) Start(ctx context.Context) {
	go m.run(ctx)
}

func (m *NetMonitor) Stop() {
	close(m.stop)
	<-m.done
}

func (m *NetMonitor) run(ctx context.Context) {
	defer close(m.done)

	m.check(ctx)

	ticker := time.NewTicker(m.probe)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.check(ctx)
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *NetMonitor) check(ctx context.Context) {
	wasOnline := m.engine.Online()
	online := m.client.Reachable(ctx)
	m.engine.SetOnline(online)

	if online && !wasOnline {
		logger.Log.Info("Backend reachable again, scheduling sync",
			zap.Duration("settle_delay", m.settle))
		go m.kickAfterSettle(ctx)
	}
}

// kickAfterSettle waits out the settle delay, re-verifies reachability and
// starts a cycle. The re-check drops the kick when the link flapped back down
// during the delay.
func (m *NetMonitor) kickAfterSettle(ctx context.Context) {
	select {
	case <-time.After(m.settle):
	case <-m.stop:
		return
	case <-ctx.Done():
		return
	}

	if !m.client.Reachable(ctx) {
		m.engine.SetOnline(false)
		return
	}
	m.engine.TrySync(ctx)
}
