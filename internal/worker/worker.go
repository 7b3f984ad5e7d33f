// Package worker implements the background reconciler, a short-lived process
// the host platform launches on registered triggers. It shares the store and
// per-item processing semantics with the foreground engine; per-item claims
// keep the two contexts from double-sending.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"barstock-sync-service/internal/config"
	"barstock-sync-service/internal/logger"
	"barstock-sync-service/internal/queue"
	"barstock-sync-service/internal/store"
	syncengine "barstock-sync-service/internal/sync"
)

// Trigger tags the host invokes the worker with.
const (
	TriggerFullQueue      = "sync-offline-queue"
	triggerPriorityPrefix = "sync-priority-"
)

// Summary is the result of one background drain, reported back to the
// foreground process.
type Summary struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// Reconciler drains the shared queue outside the foreground process.
type Reconciler struct {
	cfg       *config.Config
	store     store.Store
	queue     *queue.Queue
	client    *syncengine.Client
	processor *syncengine.Processor
}

func New(cfg *config.Config, s store.Store, tokens syncengine.TokenSource) *Reconciler {
	q := queue.NewQueue(s, cfg.Sync)
	client := syncengine.NewClient(cfg.Remote, tokens)
	conflicts := syncengine.NewConflictManager(s)
	return &Reconciler{
		cfg:       cfg,
		store:     s,
		queue:     q,
		client:    client,
		processor: syncengine.NewProcessor(s, q, client, conflicts),
	}
}

// Run executes one drain for the given trigger tag and reports completion to
// the foreground. An unreachable backend ends the run cleanly; the host will
// fire the trigger again.
func (r *Reconciler) Run(ctx context.Context, trigger string) (*Summary, error) {
	priority, err := parseTrigger(trigger)
	if err != nil {
		return nil, err
	}

	if !r.client.Reachable(ctx) {
		logger.Log.Info("Backend unreachable, background drain skipped",
			zap.String("trigger", trigger))
		return &Summary{}, nil
	}

	var batch []*store.QueueItem
	if priority == 0 {
		batch, err = r.queue.NextBatch(ctx)
	} else {
		batch, err = r.queue.NextBatchForPriority(ctx, priority)
	}
	if err != nil {
		return nil, err
	}

	logger.Log.Info("Background drain started",
		zap.String("trigger", trigger), zap.Int("items", len(batch)))

	summary := &Summary{}
	for _, item := range batch {
		outcome, err := r.processor.ProcessItem(ctx, item)
		if err != nil {
			logger.Log.Error("Item processing failed",
				zap.String("id", item.ID), zap.Error(err))
			if outcome == syncengine.ItemAborted {
				logger.Log.Warn("Background drain aborted on expired credential")
				r.notifyForeground(ctx, summary)
				return summary, nil
			}
			summary.Failed++
			continue
		}
		switch outcome {
		case syncengine.ItemSynced:
			summary.Success++
		case syncengine.ItemFailed, syncengine.ItemConflicted:
			summary.Failed++
		case syncengine.ItemAborted:
			// The worker cannot reauthenticate; leave the rest for the
			// foreground and report what was done.
			logger.Log.Warn("Background drain aborted on expired credential")
			r.notifyForeground(ctx, summary)
			return summary, nil
		}
	}

	if err := r.store.SetLastSyncTime(ctx, "worker", time.Now().UTC()); err != nil {
		logger.Log.Error("Failed to record last sync time", zap.Error(err))
	}

	logger.Log.Info("Background drain completed",
		zap.Int("success", summary.Success), zap.Int("failed", summary.Failed))

	r.notifyForeground(ctx, summary)
	return summary, nil
}

// Precache warms the local cache for a terminal role by fetching the given
// read endpoints and storing their entities as already synced.
func (r *Reconciler) Precache(ctx context.Context, role string, endpoints []string) error {
	logger.Log.Info("Precache started",
		zap.String("role", role), zap.Int("endpoints", len(endpoints)))

	for _, endpoint := range endpoints {
		collection, err := syncengine.CollectionForTarget(endpoint)
		if err != nil {
			logger.Log.Warn("Skipping unknown precache endpoint",
				zap.String("endpoint", endpoint))
			continue
		}

		result := r.client.Fetch(ctx, endpoint)
		if result.Outcome != syncengine.OutcomeOK {
			logger.Log.Warn("Precache fetch failed",
				zap.String("endpoint", endpoint),
				zap.Int("status", result.StatusCode),
				zap.Error(result.Err))
			continue
		}

		stored, err := r.storeEntities(ctx, collection, result.Body)
		if err != nil {
			return fmt.Errorf("failed to precache %s: %w", endpoint, err)
		}
		logger.Log.Info("Precached collection",
			zap.String("collection", collection), zap.Int("records", stored))
	}
	return nil
}

func (r *Reconciler) storeEntities(ctx context.Context, collection string, body json.RawMessage) (int, error) {
	var entities []map[string]any
	if err := json.Unmarshal(body, &entities); err != nil {
		// Some list endpoints wrap results in an envelope.
		var envelope struct {
			Results []map[string]any `json:"results"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return 0, fmt.Errorf("unexpected list response shape: %w", err)
		}
		entities = envelope.Results
	}

	// Local edits that have not reached the server yet must survive a
	// precache; the server copy of those entities is stale by definition.
	unsynced, err := r.store.ListUnsyncedRecords(ctx, collection)
	if err != nil {
		return 0, err
	}
	dirty := make(map[string]bool, len(unsynced))
	for _, rec := range unsynced {
		dirty[rec.ID] = true
	}

	stored := 0
	for _, entity := range entities {
		id, _ := entity["id"].(string)
		if id == "" || dirty[id] {
			continue
		}
		raw, err := json.Marshal(entity)
		if err != nil {
			return stored, err
		}
		record := &store.DomainRecord{
			ID:         id,
			Collection: collection,
			Body:       raw,
			Ref:        syncengine.RefFromBody(collection, entity),
			Synced:     true,
		}
		if err := r.store.PutRecord(ctx, record); err != nil {
			return stored, err
		}
		stored++
	}
	return stored, nil
}

// notifyForeground posts the drain summary to the foreground control surface.
// The foreground being down is normal (the host may run the worker alone) and
// is not an error.
func (r *Reconciler) notifyForeground(ctx context.Context, summary *Summary) {
	payload, err := json.Marshal(map[string]any{
		"type":    "sync-complete",
		"success": summary.Success,
		"failed":  summary.Failed,
	})
	if err != nil {
		return
	}

	url := fmt.Sprintf("http://%s:%d/api/v1/sync/complete",
		r.cfg.Server.Host, r.cfg.Server.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.Server.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.Server.AuthToken)
	}

	httpClient := &http.Client{Timeout: 5 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		logger.Log.Debug("Foreground not reachable for completion notice", zap.Error(err))
		return
	}
	resp.Body.Close()
}

// parseTrigger maps a trigger tag to a priority filter; 0 means every tier.
func parseTrigger(trigger string) (int, error) {
	if trigger == TriggerFullQueue {
		return 0, nil
	}
	if strings.HasPrefix(trigger, triggerPriorityPrefix) {
		p, err := strconv.Atoi(strings.TrimPrefix(trigger, triggerPriorityPrefix))
		if err != nil || p < queue.PriorityHigh || p > queue.PriorityLow {
			return 0, fmt.Errorf("invalid priority trigger: %q", trigger)
		}
		return p, nil
	}
	return 0, fmt.Errorf("unknown trigger tag: %q", trigger)
}
