package sync

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"barstock-sync-service/internal/logger"
	"barstock-sync-service/internal/queue"
	"barstock-sync-service/internal/store"
)

var (
	// ErrCycleRunning is returned when a sync is requested while another
	// cycle is still draining.
	ErrCycleRunning = errors.New("sync cycle already running")
	// ErrOffline is returned when a sync is requested without connectivity.
	ErrOffline = errors.New("backend unreachable")
	// ErrReauthRequired is returned when a cycle aborts on an expired
	// credential.
	ErrReauthRequired = errors.New("reauthentication required")
)

// Broadcaster receives engine lifecycle events for interested observers
// (the websocket hub pushes them to connected terminals). Implementations
// must not block.
type Broadcaster interface {
	SyncStarted(total int)
	SyncProgress(processed, total int)
	SyncCompleted(stats *SyncStats)
	ConflictDetected(itemID string)
	ReauthRequired()
}

// NoopBroadcaster discards every event.
type NoopBroadcaster struct{}

func (NoopBroadcaster) SyncStarted(int) {}

func (NoopBroadcaster) SyncProgress(int, int) {}

func (NoopBroadcaster) SyncCompleted(*SyncStats) {}

func (NoopBroadcaster) ConflictDetected(string) {}

func (NoopBroadcaster) ReauthRequired() {}

// SyncStats summarizes one completed cycle.
type SyncStats struct {
	Total      int           `json:"total"`
	Synced     int           `json:"synced"`
	Failed     int           `json:"failed"`
	Conflicted int           `json:"conflicted"`
	Skipped    int           `json:"skipped"`
	Duration   time.Duration `json:"duration"`
	Aborted    bool          `json:"aborted"`
}

// Totals accumulates across cycles for the lifetime of the process.
type Totals struct {
	Cycles      int           `json:"cycles"`
	Synced      int           `json:"synced"`
	Failed      int           `json:"failed"`
	AvgDuration time.Duration `json:"avg_duration"`
}

// Status is the engine's externally visible state.
type Status struct {
	IsOnline       bool       `json:"is_online"`
	IsSyncing      bool       `json:"is_syncing"`
	PendingCount   int        `json:"pending_count"`
	Progress       int        `json:"progress"`
	ConflictsCount int        `json:"conflicts_count"`
	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`
	LastStats      *SyncStats `json:"last_stats,omitempty"`
	Totals         Totals     `json:"totals"`
}

// Engine coordinates sync cycles in the foreground process. At most one
// cycle runs at a time; per-item claims in the store arbitrate against the
// background reconciler.
type Engine struct {
	store     store.Store
	queue     *queue.Queue
	client    *Client
	conflicts *ConflictManager
	processor *Processor
	events    Broadcaster

	mu            sync.Mutex
	inFlight      bool
	online        bool
	progress      int
	total         int
	lastStats     *SyncStats
	cyclesRun     int
	totalSynced   int
	totalFailed   int
	totalDuration time.Duration
}

func NewEngine(s store.Store, q *queue.Queue, c *Client, cm *ConflictManager, events Broadcaster) *Engine {
	if events == nil {
		events = NoopBroadcaster{}
	}
	return &Engine{
		store:     s,
		queue:     q,
		client:    c,
		conflicts: cm,
		processor: NewProcessor(s, q, c, cm),
		events:    events,
	}
}

// SetOnline flips the connectivity flag. The connectivity monitor owns the
// transitions; a false-to-true edge is followed by a sync kick from there.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	changed := e.online != online
	e.online = online
	e.mu.Unlock()
	if changed {
		logger.Log.Info("Connectivity changed", zap.Bool("online", online))
	}
}

// Online reports the last observed connectivity state.
func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// SyncNow runs one full cycle. Returns ErrCycleRunning if one is already in
// flight, ErrOffline without connectivity, ErrReauthRequired when the cycle
// aborted on an expired credential.
func (e *Engine) SyncNow(ctx context.Context) (*SyncStats, error) {
	e.mu.Lock()
	if e.inFlight {
		e.mu.Unlock()
		return nil, ErrCycleRunning
	}
	if !e.online {
		e.mu.Unlock()
		return nil, ErrOffline
	}
	e.inFlight = true
	e.progress = 0
	e.total = 0
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.inFlight = false
		e.mu.Unlock()
	}()

	stats, err := e.runCycle(ctx)

	if stats != nil {
		e.mu.Lock()
		e.lastStats = stats
		e.cyclesRun++
		e.totalSynced += stats.Synced
		e.totalFailed += stats.Failed
		e.totalDuration += stats.Duration
		e.mu.Unlock()
	}

	return stats, err
}

// TrySync runs a cycle and swallows the expected skip conditions. The
// scheduler and connectivity monitor call this; only real failures surface.
func (e *Engine) TrySync(ctx context.Context) {
	_, err := e.SyncNow(ctx)
	switch {
	case err == nil, errors.Is(err, ErrCycleRunning), errors.Is(err, ErrOffline):
	case errors.Is(err, ErrReauthRequired):
		logger.Log.Warn("Sync aborted, reauthentication required")
	default:
		logger.Log.Error("Sync cycle failed", zap.Error(err))
	}
}

func (e *Engine) runCycle(ctx context.Context) (*SyncStats, error) {
	started := time.Now()

	batch, err := e.queue.NextBatch(ctx)
	if err != nil {
		return nil, err
	}

	stats := &SyncStats{Total: len(batch)}
	e.setProgress(0, len(batch))
	e.events.SyncStarted(len(batch))

	logger.Log.Info("Sync cycle started", zap.Int("items", len(batch)))

	for i, item := range batch {
		if ctx.Err() != nil {
			stats.Aborted = true
			break
		}
		if !e.Online() {
			// Connectivity dropped mid-cycle; remaining items are untouched
			// and keep their retry budgets.
			logger.Log.Info("Connectivity lost mid-cycle, stopping",
				zap.Int("processed", i), zap.Int("remaining", len(batch)-i))
			stats.Aborted = true
			break
		}

		outcome, err := e.processor.ProcessItem(ctx, item)
		if err != nil {
			logger.Log.Error("Item processing failed",
				zap.String("id", item.ID), zap.Error(err))
			if outcome == ItemAborted {
				// The credential is gone and the item could not even be
				// released; pressing on would burn the rest of the batch.
				stats.Aborted = true
				stats.Duration = time.Since(started)
				e.events.ReauthRequired()
				e.events.SyncCompleted(stats)
				return stats, ErrReauthRequired
			}
			stats.Failed++
			e.setProgress(i+1, len(batch))
			e.events.SyncProgress(i+1, len(batch))
			continue
		}

		switch outcome {
		case ItemSynced:
			stats.Synced++
		case ItemSkipped:
			stats.Skipped++
		case ItemFailed:
			stats.Failed++
		case ItemConflicted:
			stats.Conflicted++
			e.events.ConflictDetected(item.ID)
		case ItemAborted:
			stats.Aborted = true
			stats.Duration = time.Since(started)
			e.events.ReauthRequired()
			e.events.SyncCompleted(stats)
			logger.Log.Warn("Sync cycle aborted on expired credential",
				zap.Int("processed", i), zap.Int("remaining", len(batch)-i))
			return stats, ErrReauthRequired
		}

		e.setProgress(i+1, len(batch))
		e.events.SyncProgress(i+1, len(batch))
	}

	stats.Duration = time.Since(started)

	if err := e.store.SetLastSyncTime(ctx, "engine", time.Now().UTC()); err != nil {
		logger.Log.Error("Failed to record last sync time", zap.Error(err))
	}

	e.events.SyncCompleted(stats)
	logger.Log.Info("Sync cycle completed",
		zap.Int("total", stats.Total),
		zap.Int("synced", stats.Synced),
		zap.Int("failed", stats.Failed),
		zap.Int("conflicted", stats.Conflicted),
		zap.Int("skipped", stats.Skipped),
		zap.Duration("duration", stats.Duration),
	)

	return stats, nil
}

func (e *Engine) setProgress(processed, total int) {
	e.mu.Lock()
	e.total = total
	if total == 0 {
		e.progress = 100
	} else {
		e.progress = processed * 100 / total
	}
	e.mu.Unlock()
}

// Status snapshots the engine state for the control surface.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	e.mu.Lock()
	st := &Status{
		IsOnline:  e.online,
		IsSyncing: e.inFlight,
		Progress:  e.progress,
		LastStats: e.lastStats,
		Totals: Totals{
			Cycles: e.cyclesRun,
			Synced: e.totalSynced,
			Failed: e.totalFailed,
		},
	}
	if e.cyclesRun > 0 {
		st.Totals.AvgDuration = e.totalDuration / time.Duration(e.cyclesRun)
	}
	e.mu.Unlock()

	pending, err := e.queue.PendingCount(ctx)
	if err != nil {
		return nil, err
	}
	st.PendingCount = pending

	conflicts, err := e.conflicts.Unresolved(ctx)
	if err != nil {
		return nil, err
	}
	st.ConflictsCount = len(conflicts)

	last, err := e.store.GetLastSyncTime(ctx, "engine")
	if err != nil {
		return nil, err
	}
	st.LastSyncAt = last

	return st, nil
}
