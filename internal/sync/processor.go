package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"barstock-sync-service/internal/logger"
	"barstock-sync-service/internal/queue"
	"barstock-sync-service/internal/store"
)

// ItemOutcome classifies one processed queue item for cycle accounting.
type ItemOutcome int

const (
	// ItemSynced: mutation acknowledged, item removed.
	ItemSynced ItemOutcome = iota
	// ItemSkipped: another context claimed the item first.
	ItemSkipped
	// ItemFailed: attempt failed, item kept for retry or frozen.
	ItemFailed
	// ItemConflicted: divergence recorded, item suspended.
	ItemConflicted
	// ItemAborted: credential expired, the whole cycle must stop.
	ItemAborted
)

// Processor drives one queue item through claim, conflict detection, the
// remote call and outcome bookkeeping. The foreground engine and the
// background reconciler share it so both contexts apply identical semantics.
type Processor struct {
	store     store.Store
	queue     *queue.Queue
	client    *Client
	conflicts *ConflictManager
}

func NewProcessor(s store.Store, q *queue.Queue, c *Client, cm *ConflictManager) *Processor {
	return &Processor{store: s, queue: q, client: c, conflicts: cm}
}

// ProcessItem attempts one queued mutation end to end.
func (p *Processor) ProcessItem(ctx context.Context, item *store.QueueItem) (ItemOutcome, error) {
	if err := p.queue.MarkSyncing(ctx, item.ID); err != nil {
		if errors.Is(err, queue.ErrNotPending) {
			logger.Log.Debug("Queue item claimed elsewhere, skipping", zap.String("id", item.ID))
			return ItemSkipped, nil
		}
		return ItemFailed, err
	}

	var merged json.RawMessage
	if item.Kind == queue.KindUpdate || item.Kind == queue.KindDelete {
		outcome, m, err := p.detect(ctx, item)
		if err != nil {
			return ItemFailed, err
		}
		if outcome != ItemSynced {
			return outcome, nil
		}
		merged = m
	}

	var result *Result
	if merged != nil {
		result = p.client.DoWithPayload(ctx, item, merged)
	} else {
		result = p.client.Do(ctx, item)
	}

	return p.settle(ctx, item, result)
}

// detect compares the server's current entity state with the snapshot the
// update or delete was computed against. A return of ItemSynced means
// proceed; merged is non-nil when the mutation must replay on top of server
// state.
func (p *Processor) detect(ctx context.Context, item *store.QueueItem) (ItemOutcome, json.RawMessage, error) {
	entityType, err := CollectionForTarget(item.Target)
	if err != nil {
		outcome, serr := p.fail(ctx, item, err, true)
		return outcome, nil, serr
	}
	entityID := EntityIDFromTarget(item.Target)
	if entityID == "" {
		return ItemSynced, nil, nil
	}

	local, err := p.store.GetRecord(ctx, entityType, entityID)
	if err != nil {
		return ItemFailed, nil, err
	}
	if local == nil {
		// No local snapshot to diff against; let the server arbitrate.
		return ItemSynced, nil, nil
	}

	fetched := p.client.Fetch(ctx, item.Target)
	switch fetched.Outcome {
	case OutcomeOK:
	case OutcomeUnauthorized:
		if err := p.queue.Release(ctx, item.ID); err != nil {
			return ItemAborted, nil, err
		}
		return ItemAborted, nil, nil
	case OutcomePermanent:
		if fetched.StatusCode == http.StatusNotFound {
			if item.Kind == queue.KindDelete {
				// Nothing left to destroy; the delete proceeds and its own
				// 404 response counts as success.
				return ItemSynced, nil, nil
			}
			// Entity no longer exists server-side; the update cannot apply.
			outcome, err := p.fail(ctx, item, fmt.Errorf("entity %s/%s deleted on server", entityType, entityID), true)
			return outcome, nil, err
		}
		outcome, err := p.fail(ctx, item, fetched.Err, true)
		return outcome, nil, err
	default:
		outcome, err := p.fail(ctx, item, fmt.Errorf("failed to fetch server state: %w", fetched.Err), false)
		return outcome, nil, err
	}

	detected, err := p.conflicts.Detect(ctx, item, local.Body, fetched.Body)
	if err != nil {
		return ItemFailed, nil, err
	}
	if detected.Conflict != nil {
		if err := p.queue.Release(ctx, item.ID); err != nil {
			return ItemConflicted, nil, err
		}
		return ItemConflicted, nil, nil
	}
	if detected.AutoResolved {
		return ItemSynced, detected.MergedPayload, nil
	}
	return ItemSynced, nil, nil
}

func (p *Processor) settle(ctx context.Context, item *store.QueueItem, result *Result) (ItemOutcome, error) {
	switch result.Outcome {
	case OutcomeOK:
		if err := p.applySuccess(ctx, item, result.Body); err != nil {
			return ItemFailed, err
		}
		return ItemSynced, nil

	case OutcomeUnauthorized:
		// Do not burn a retry on an expired credential; the item was never
		// really attempted.
		if err := p.queue.Release(ctx, item.ID); err != nil {
			return ItemAborted, err
		}
		return ItemAborted, nil

	case OutcomeConflict:
		if _, err := p.conflicts.RecordServerConflict(ctx, item, result.Body); err != nil {
			return ItemConflicted, err
		}
		if err := p.queue.Release(ctx, item.ID); err != nil {
			return ItemConflicted, err
		}
		return ItemConflicted, nil

	case OutcomePermanent:
		if item.Kind == queue.KindDelete && result.StatusCode == http.StatusNotFound {
			// Already gone server-side; the delete's intent is satisfied.
			if err := p.applySuccess(ctx, item, nil); err != nil {
				return ItemFailed, err
			}
			return ItemSynced, nil
		}
		return p.fail(ctx, item, result.Err, true)

	default:
		return p.fail(ctx, item, result.Err, false)
	}
}

// applySuccess performs the post-acknowledgement side effects before the item
// leaves the queue: id reconciliation for creates, synced flags for updates,
// local removal for deletes.
func (p *Processor) applySuccess(ctx context.Context, item *store.QueueItem, responseBody json.RawMessage) error {
	entityType, err := CollectionForTarget(item.Target)
	if err != nil {
		return err
	}

	switch item.Kind {
	case queue.KindCreate:
		tempID := payloadID(item.Payload)
		realID := payloadID(responseBody)
		if store.IsTempID(tempID) && realID != "" {
			if err := ReconcileID(ctx, p.store, entityType, tempID, realID); err != nil {
				return err
			}
			if err := p.store.MarkRecordSynced(ctx, entityType, realID); err != nil {
				return err
			}
		} else if tempID != "" {
			if err := p.store.MarkRecordSynced(ctx, entityType, tempID); err != nil {
				return err
			}
		}

	case queue.KindUpdate:
		if id := EntityIDFromTarget(item.Target); id != "" {
			if err := p.store.MarkRecordSynced(ctx, entityType, id); err != nil {
				return err
			}
		}

	case queue.KindDelete:
		if id := EntityIDFromTarget(item.Target); id != "" {
			if err := p.store.DeleteRecord(ctx, entityType, id); err != nil {
				return err
			}
		}
	}

	return p.queue.MarkSuccess(ctx, item.ID)
}

func (p *Processor) fail(ctx context.Context, item *store.QueueItem, cause error, permanent bool) (ItemOutcome, error) {
	if cause == nil {
		cause = fmt.Errorf("remote call failed")
	}
	if err := p.queue.MarkFailed(ctx, item.ID, cause, permanent); err != nil {
		return ItemFailed, err
	}
	return ItemFailed, nil
}

func payloadID(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var body struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return ""
	}
	return body.ID
}
