package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"barstock-sync-service/internal/logger"
	"barstock-sync-service/internal/store"
)

// referencingCollections maps an entity's collection to the collections whose
// records point at it, and through which field. When a created entity trades
// its temporary id for a server-assigned one, every one of these references
// is rewritten.
var referencingCollections = map[string][]struct {
	collection string
	field      string
}{
	store.CollectionSales:    {{store.CollectionPayments, "sale_id"}},
	store.CollectionProducts: {{store.CollectionStockMovements, "product_id"}},
	store.CollectionTables:   {{store.CollectionSales, "table_id"}},
}

// ReconcileID propagates a server-assigned identifier through the local
// store: the created record's own key and body, the reference fields of
// dependent records, and the targets and payloads of mutations still queued.
// Safe to call more than once for the same pair.
func ReconcileID(ctx context.Context, s store.Store, entityType, tempID, realID string) error {
	if tempID == realID || realID == "" {
		return nil
	}

	if err := reconcileRecord(ctx, s, entityType, tempID, realID); err != nil {
		return err
	}
	if err := reconcileReferences(ctx, s, entityType, tempID, realID); err != nil {
		return err
	}
	if err := reconcileQueue(ctx, s, tempID, realID); err != nil {
		return err
	}

	logger.Log.Info("Reconciled temporary id",
		zap.String("entity_type", entityType),
		zap.String("temp_id", tempID),
		zap.String("real_id", realID),
	)
	return nil
}

func reconcileRecord(ctx context.Context, s store.Store, entityType, tempID, realID string) error {
	record, err := s.GetRecord(ctx, entityType, tempID)
	if err != nil {
		return err
	}
	if record == nil {
		// Already rewritten, or the entity was never cached locally.
		return nil
	}

	body, err := rewriteBodyID(record.Body, realID)
	if err != nil {
		return fmt.Errorf("failed to rewrite %s %s body: %w", entityType, tempID, err)
	}
	record.Body = body

	if err := s.UpdateRecordID(ctx, entityType, tempID, realID); err != nil {
		return err
	}
	record.ID = realID
	return s.PutRecord(ctx, record)
}

func reconcileReferences(ctx context.Context, s store.Store, entityType, tempID, realID string) error {
	for _, ref := range referencingCollections[entityType] {
		dependents, err := s.ListRecordsByRef(ctx, ref.collection, tempID)
		if err != nil {
			return err
		}
		for _, dep := range dependents {
			body, err := rewriteBodyField(dep.Body, ref.field, realID)
			if err != nil {
				return fmt.Errorf("failed to rewrite %s %s reference: %w", ref.collection, dep.ID, err)
			}
			dep.Body = body
			if err := s.PutRecord(ctx, dep); err != nil {
				return err
			}
		}
		if len(dependents) > 0 {
			// One indexed statement swaps the ref column for the whole
			// collection.
			if err := s.UpdateRecordRef(ctx, ref.collection, tempID, realID); err != nil {
				return err
			}
		}
	}
	return nil
}

func reconcileQueue(ctx context.Context, s store.Store, tempID, realID string) error {
	items, err := s.ListQueueItems(ctx)
	if err != nil {
		return err
	}

	for _, item := range items {
		changed := false

		if target := rewriteTarget(item.Target, tempID, realID); target != item.Target {
			item.Target = target
			changed = true
		}

		if len(item.Payload) > 0 && strings.Contains(string(item.Payload), tempID) {
			payload, rewritten, err := rewritePayloadID(item.Payload, tempID, realID)
			if err != nil {
				return fmt.Errorf("failed to rewrite queue item %s payload: %w", item.ID, err)
			}
			if rewritten {
				item.Payload = payload
				changed = true
			}
		}

		if changed {
			if err := s.UpdateQueueItem(ctx, item); err != nil {
				return err
			}
		}
	}
	return nil
}

// rewriteTarget replaces path segments equal to tempID. Substring matches
// inside longer segments are left alone.
func rewriteTarget(target, tempID, realID string) string {
	segs := strings.Split(target, "/")
	for i, s := range segs {
		if s == tempID {
			segs[i] = realID
		}
	}
	return strings.Join(segs, "/")
}

func rewriteBodyID(body json.RawMessage, realID string) (json.RawMessage, error) {
	return rewriteField(body, func(fields map[string]any) {
		fields["id"] = realID
	})
}

func rewriteBodyField(body json.RawMessage, field, value string) (json.RawMessage, error) {
	return rewriteField(body, func(fields map[string]any) {
		fields[field] = value
	})
}

// rewritePayloadID replaces every top-level string field equal to tempID.
func rewritePayloadID(payload json.RawMessage, tempID, realID string) (json.RawMessage, bool, error) {
	fields := make(map[string]any)
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, false, err
	}

	rewritten := false
	for k, v := range fields {
		if s, ok := v.(string); ok && s == tempID {
			fields[k] = realID
			rewritten = true
		}
	}
	if !rewritten {
		return payload, false, nil
	}

	out, err := json.Marshal(fields)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func rewriteField(body json.RawMessage, mutate func(map[string]any)) (json.RawMessage, error) {
	fields := make(map[string]any)
	if len(body) > 0 {
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, err
		}
	}
	mutate(fields)
	return json.Marshal(fields)
}
