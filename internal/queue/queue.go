// Package queue owns the total ordering and lifecycle of pending mutations.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"barstock-sync-service/internal/config"
	"barstock-sync-service/internal/logger"
	"barstock-sync-service/internal/store"
)

// Mutation kinds.
const (
	KindCreate = "create"
	KindUpdate = "update"
	KindDelete = "delete"
)

// Priority tiers. Lower value drains first.
const (
	PriorityHigh   = 1
	PriorityMedium = 2
	PriorityLow    = 3
)

// ErrNotPending is returned when a claim on an item loses the race against
// the other execution context.
var ErrNotPending = errors.New("queue item is not pending")

// Queue layers mutation lifecycle management over the local store.
type Queue struct {
	store store.Store
	cfg   config.SyncConfig
}

func NewQueue(s store.Store, cfg config.SyncConfig) *Queue {
	return &Queue{store: s, cfg: cfg}
}

// Enqueue appends a mutation. Payload must already be serialized JSON; it is
// nil for deletes. The retry budget scales with priority: payments get more
// attempts than inventory adjustments.
func (q *Queue) Enqueue(ctx context.Context, kind, target string, payload []byte, priority int) (*store.QueueItem, error) {
	switch kind {
	case KindCreate, KindUpdate, KindDelete:
	default:
		return nil, fmt.Errorf("invalid mutation kind: %q", kind)
	}
	if priority < PriorityHigh || priority > PriorityLow {
		priority = PriorityMedium
	}

	item := &store.QueueItem{
		ID:         uuid.New().String(),
		Kind:       kind,
		Target:     target,
		Payload:    payload,
		Priority:   priority,
		Status:     store.QueueStatusPending,
		EnqueuedAt: time.Now().UTC(),
		RetryCount: 0,
		MaxRetries: q.cfg.MaxRetriesFor(priority),
	}

	if err := q.store.AppendQueueItem(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to enqueue mutation: %w", err)
	}

	logger.Log.Debug("Enqueued mutation",
		zap.String("id", item.ID),
		zap.String("kind", kind),
		zap.String("target", target),
		zap.Int("priority", priority),
	)

	return item, nil
}

// NextBatch returns every retryable item in (priority, enqueuedAt) order.
func (q *Queue) NextBatch(ctx context.Context) ([]*store.QueueItem, error) {
	return q.store.NextBatch(ctx)
}

// NextBatchForPriority narrows NextBatch to one tier (background tier triggers).
func (q *Queue) NextBatchForPriority(ctx context.Context, priority int) ([]*store.QueueItem, error) {
	batch, err := q.store.NextBatch(ctx)
	if err != nil {
		return nil, err
	}
	var filtered []*store.QueueItem
	for _, item := range batch {
		if item.Priority == priority {
			filtered = append(filtered, item)
		}
	}
	return filtered, nil
}

// MarkSyncing claims an item. Returns ErrNotPending when another context
// already transitioned it; the caller skips the item.
func (q *Queue) MarkSyncing(ctx context.Context, id string) error {
	ok, err := q.store.MarkQueueItemSyncing(ctx, id, time.Now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotPending
	}
	return nil
}

// MarkSuccess removes the item; successful items never persist in the queue.
func (q *Queue) MarkSuccess(ctx context.Context, id string) error {
	return q.store.DeleteQueueItem(ctx, id)
}

// MarkFailed records a failed attempt. Transient failures consume one retry;
// permanent ones (server rejected the payload outright) spend the whole
// budget so the item freezes as dead-letter immediately.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error, permanent bool) error {
	item, err := q.store.GetQueueItem(ctx, id)
	if err != nil {
		return err
	}
	if item == nil {
		return fmt.Errorf("queue item %s not found", id)
	}

	item.RetryCount++
	if permanent {
		item.RetryCount = item.MaxRetries
	}
	item.Status = store.QueueStatusFailed
	item.LastError = sql.NullString{String: cause.Error(), Valid: true}
	item.LastAttemptAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}

	if err := q.store.UpdateQueueItem(ctx, item); err != nil {
		return err
	}

	if item.Exhausted() {
		logger.Log.Warn("Queue item frozen as dead-letter",
			zap.String("id", id),
			zap.String("target", item.Target),
			zap.Int("retries", item.RetryCount),
			zap.Error(cause),
		)
	} else {
		logger.Log.Debug("Queue item failed, will retry",
			zap.String("id", id),
			zap.Int("retry", item.RetryCount),
			zap.Int("max_retries", item.MaxRetries),
			zap.Error(cause),
		)
	}

	return nil
}

// Release returns a claimed item to pending without consuming a retry, used
// when a cycle aborts before the item's remote call was attempted.
func (q *Queue) Release(ctx context.Context, id string) error {
	item, err := q.store.GetQueueItem(ctx, id)
	if err != nil {
		return err
	}
	if item == nil {
		return nil
	}
	item.Status = store.QueueStatusPending
	return q.store.UpdateQueueItem(ctx, item)
}

// Requeue resets a dead-letter item for another round of attempts. This is
// the manual intervention path for exhausted items.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	item, err := q.store.GetQueueItem(ctx, id)
	if err != nil {
		return err
	}
	if item == nil {
		return fmt.Errorf("queue item %s not found", id)
	}

	item.Status = store.QueueStatusPending
	item.RetryCount = 0
	item.LastError = sql.NullString{}

	if err := q.store.UpdateQueueItem(ctx, item); err != nil {
		return err
	}

	logger.Log.Info("Requeued dead-letter item", zap.String("id", id), zap.String("target", item.Target))
	return nil
}

// PendingCount counts items still eligible for a future batch.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	batch, err := q.store.NextBatch(ctx)
	if err != nil {
		return 0, err
	}
	return len(batch), nil
}

// Stats reports queue composition for the control surface.
func (q *Queue) Stats(ctx context.Context) (*store.QueueStats, error) {
	return q.store.QueueStats(ctx)
}

// Get returns one item by id.
func (q *Queue) Get(ctx context.Context, id string) (*store.QueueItem, error) {
	return q.store.GetQueueItem(ctx, id)
}

// List returns every item, ordered the way batches drain.
func (q *Queue) List(ctx context.Context) ([]*store.QueueItem, error) {
	return q.store.ListQueueItems(ctx)
}
