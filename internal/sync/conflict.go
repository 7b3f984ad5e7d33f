package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"barstock-sync-service/internal/logger"
	"barstock-sync-service/internal/queue"
	"barstock-sync-service/internal/store"
)

// Resolution sides.
const (
	ResolveLocal  = "local"
	ResolveServer = "server"
)

// DetectResult is the outcome of comparing a queued mutation against the
// server's current state of its target entity.
type DetectResult struct {
	// Diverged is false when server and local snapshots still agree; the
	// mutation applies cleanly.
	Diverged bool
	// AutoResolved is true when the divergence touched only fields the
	// pending payload does not; MergedPayload replays the mutation on top
	// of the server snapshot.
	AutoResolved  bool
	MergedPayload json.RawMessage
	// Conflict is the recorded, unresolved conflict suspending the item.
	Conflict *store.Conflict
}

// ConflictManager detects and resolves divergence between locally queued
// mutations and server state.
type ConflictManager struct {
	store store.Store
}

func NewConflictManager(s store.Store) *ConflictManager {
	return &ConflictManager{store: s}
}

// Detect runs a structural diff between the local snapshot the mutation was
// computed against and the server's current state. Divergence limited to
// fields outside the payload is reconciled mechanically; anything else
// produces an unresolved Conflict and suspends the item.
func (cm *ConflictManager) Detect(ctx context.Context, item *store.QueueItem, localData, serverData json.RawMessage) (*DetectResult, error) {
	local, err := decodeFields(localData)
	if err != nil {
		return nil, fmt.Errorf("failed to decode local snapshot: %w", err)
	}
	server, err := decodeFields(serverData)
	if err != nil {
		return nil, fmt.Errorf("failed to decode server snapshot: %w", err)
	}

	diverged := divergentFields(local, server)
	if len(diverged) == 0 {
		return &DetectResult{}, nil
	}

	payload, err := decodeFields(item.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}

	entityType, err := CollectionForTarget(item.Target)
	if err != nil {
		return nil, err
	}

	// A delete carries no payload fields, so its empty field set is trivially
	// disjoint from any divergence; destroying an entity the server has since
	// changed always needs a decision.
	if item.Kind != queue.KindDelete && disjoint(diverged, payload) {
		merged := mergeFields(server, payload)
		mergedJSON, err := json.Marshal(merged)
		if err != nil {
			return nil, fmt.Errorf("failed to encode merged payload: %w", err)
		}

		// Record the auto-resolved conflict for the audit trail; it never
		// needs external input.
		conflict := cm.newConflict(item, entityType, localData, serverData, true)
		conflict.Resolved = true
		conflict.Resolution = nullString(ResolveLocal)
		conflict.ResolvedAt = nullTime(time.Now().UTC())
		if err := cm.store.CreateConflict(ctx, conflict); err != nil {
			return nil, err
		}

		logger.Log.Info("Auto-resolved conflict",
			zap.String("item_id", item.ID),
			zap.String("entity_type", entityType),
			zap.Strings("diverged", diverged),
		)

		return &DetectResult{Diverged: true, AutoResolved: true, MergedPayload: mergedJSON}, nil
	}

	conflict := cm.newConflict(item, entityType, localData, serverData, false)
	if err := cm.store.CreateConflict(ctx, conflict); err != nil {
		return nil, err
	}

	logger.Log.Warn("Conflict detected, item suspended",
		zap.String("item_id", item.ID),
		zap.String("conflict_id", conflict.ID),
		zap.String("entity_type", entityType),
		zap.Strings("diverged", diverged),
	)

	return &DetectResult{Diverged: true, Conflict: conflict}, nil
}

// RecordServerConflict stores a conflict signaled by the server itself
// (a 409 response) rather than detected client-side.
func (cm *ConflictManager) RecordServerConflict(ctx context.Context, item *store.QueueItem, serverData json.RawMessage) (*store.Conflict, error) {
	entityType, err := CollectionForTarget(item.Target)
	if err != nil {
		return nil, err
	}
	conflict := cm.newConflict(item, entityType, item.Payload, serverData, false)
	if err := cm.store.CreateConflict(ctx, conflict); err != nil {
		return nil, err
	}
	return conflict, nil
}

// Resolve settles a conflict. "local" re-releases the original payload
// toward the server (client-side last-write-wins); "server" overwrites the
// local record with serverData and drops the queued mutation unsent.
func (cm *ConflictManager) Resolve(ctx context.Context, conflictID, side string) error {
	if side != ResolveLocal && side != ResolveServer {
		return fmt.Errorf("invalid resolution side: %q", side)
	}

	conflict, err := cm.store.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	if conflict == nil {
		return fmt.Errorf("conflict %s not found", conflictID)
	}
	if conflict.Resolved {
		return nil
	}

	if side == ResolveServer {
		if err := cm.applyServerData(ctx, conflict); err != nil {
			return err
		}
		if err := cm.store.DeleteQueueItem(ctx, conflict.ItemID); err != nil {
			return err
		}
	}

	if err := cm.store.MarkConflictResolved(ctx, conflictID, side); err != nil {
		return err
	}

	logger.Log.Info("Conflict resolved",
		zap.String("conflict_id", conflictID),
		zap.String("side", side),
	)
	return nil
}

// Unresolved returns conflicts awaiting a decision.
func (cm *ConflictManager) Unresolved(ctx context.Context) ([]*store.Conflict, error) {
	return cm.store.ListUnresolvedConflicts(ctx)
}

func (cm *ConflictManager) applyServerData(ctx context.Context, conflict *store.Conflict) error {
	var server map[string]any
	if err := json.Unmarshal(conflict.ServerData, &server); err != nil {
		return fmt.Errorf("failed to decode server data: %w", err)
	}

	id, _ := server["id"].(string)
	if id == "" {
		if item, err := cm.store.GetQueueItem(ctx, conflict.ItemID); err == nil && item != nil {
			id = EntityIDFromTarget(item.Target)
		}
	}
	if id == "" {
		return fmt.Errorf("server data for conflict %s has no entity id", conflict.ID)
	}

	record := &store.DomainRecord{
		ID:         id,
		Collection: conflict.EntityType,
		Body:       conflict.ServerData,
		Ref:        RefFromBody(conflict.EntityType, server),
		Synced:     true,
	}
	return cm.store.PutRecord(ctx, record)
}

func (cm *ConflictManager) newConflict(item *store.QueueItem, entityType string, localData, serverData json.RawMessage, auto bool) *store.Conflict {
	return &store.Conflict{
		ID:             uuid.New().String(),
		ItemID:         item.ID,
		EntityType:     entityType,
		LocalData:      localData,
		ServerData:     serverData,
		DetectedAt:     time.Now().UTC(),
		AutoResolvable: auto,
	}
}

func decodeFields(data json.RawMessage) (map[string]any, error) {
	fields := make(map[string]any)
	if len(data) == 0 {
		return fields, nil
	}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// divergentFields lists every key whose value differs between the two
// snapshots, including keys present on only one side.
func divergentFields(local, server map[string]any) []string {
	var diverged []string
	for k, lv := range local {
		sv, ok := server[k]
		if !ok || !reflect.DeepEqual(lv, sv) {
			diverged = append(diverged, k)
		}
	}
	for k := range server {
		if _, ok := local[k]; !ok {
			diverged = append(diverged, k)
		}
	}
	return diverged
}

func disjoint(fields []string, payload map[string]any) bool {
	for _, f := range fields {
		if _, ok := payload[f]; ok {
			return false
		}
	}
	return true
}

func mergeFields(base, overlay map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}
