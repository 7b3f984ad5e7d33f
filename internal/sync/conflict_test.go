package sync

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"barstock-sync-service/internal/config"
	"barstock-sync-service/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLiteStore(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func queuedUpdate(t *testing.T, s store.Store, target string, payload string) *store.QueueItem {
	t.Helper()
	item := &store.QueueItem{
		ID:         "item-" + target,
		Kind:       "update",
		Target:     target,
		Payload:    json.RawMessage(payload),
		Priority:   1,
		Status:     store.QueueStatusPending,
		EnqueuedAt: time.Now().UTC(),
		MaxRetries: 10,
	}
	require.NoError(t, s.AppendQueueItem(context.Background(), item))
	return item
}

func TestDetectNoDivergence(t *testing.T) {
	s := newTestStore(t)
	cm := NewConflictManager(s)
	ctx := context.Background()

	item := queuedUpdate(t, s, "/sales/sale-1/", `{"status":"closed"}`)

	snapshot := json.RawMessage(`{"id":"sale-1","status":"open","total":40}`)
	result, err := cm.Detect(ctx, item, snapshot, snapshot)
	require.NoError(t, err)
	assert.False(t, result.Diverged)
	assert.Nil(t, result.Conflict)
}

func TestDetectAutoResolvesDisjointDivergence(t *testing.T) {
	s := newTestStore(t)
	cm := NewConflictManager(s)
	ctx := context.Background()

	// The payload touches status; the server moved total. Disjoint, so the
	// mutation replays on top of server state.
	item := queuedUpdate(t, s, "/sales/sale-1/", `{"status":"closed"}`)
	local := json.RawMessage(`{"id":"sale-1","status":"open","total":40}`)
	server := json.RawMessage(`{"id":"sale-1","status":"open","total":55}`)

	result, err := cm.Detect(ctx, item, local, server)
	require.NoError(t, err)
	assert.True(t, result.Diverged)
	assert.True(t, result.AutoResolved)
	assert.Nil(t, result.Conflict)

	var merged map[string]any
	require.NoError(t, json.Unmarshal(result.MergedPayload, &merged))
	assert.Equal(t, "closed", merged["status"])
	assert.Equal(t, float64(55), merged["total"])

	// The audit record exists but never blocks the queue.
	unresolved, err := cm.Unresolved(ctx)
	require.NoError(t, err)
	assert.Empty(t, unresolved)
}

func TestDetectDeleteNeverAutoResolves(t *testing.T) {
	s := newTestStore(t)
	cm := NewConflictManager(s)
	ctx := context.Background()

	// A delete carries no payload fields; even divergence that would be
	// disjoint for an update must suspend it.
	item := &store.QueueItem{
		ID:         "item-delete-sale-1",
		Kind:       "delete",
		Target:     "/sales/sale-1/",
		Priority:   1,
		Status:     store.QueueStatusPending,
		EnqueuedAt: time.Now().UTC(),
		MaxRetries: 10,
	}
	require.NoError(t, s.AppendQueueItem(ctx, item))

	local := json.RawMessage(`{"id":"sale-1","status":"open","total":40}`)
	server := json.RawMessage(`{"id":"sale-1","status":"open","total":55}`)

	result, err := cm.Detect(ctx, item, local, server)
	require.NoError(t, err)
	assert.True(t, result.Diverged)
	assert.False(t, result.AutoResolved)
	require.NotNil(t, result.Conflict)
	assert.Equal(t, item.ID, result.Conflict.ItemID)
}

func TestDetectOverlappingDivergenceSuspendsItem(t *testing.T) {
	s := newTestStore(t)
	cm := NewConflictManager(s)
	ctx := context.Background()

	// Both sides changed status; a person has to decide.
	item := queuedUpdate(t, s, "/sales/sale-1/", `{"status":"closed"}`)
	local := json.RawMessage(`{"id":"sale-1","status":"open"}`)
	server := json.RawMessage(`{"id":"sale-1","status":"voided"}`)

	result, err := cm.Detect(ctx, item, local, server)
	require.NoError(t, err)
	assert.True(t, result.Diverged)
	assert.False(t, result.AutoResolved)
	require.NotNil(t, result.Conflict)
	assert.Equal(t, item.ID, result.Conflict.ItemID)
	assert.Equal(t, store.CollectionSales, result.Conflict.EntityType)

	// The unresolved conflict suspends the item.
	batch, err := s.NextBatch(ctx)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestResolveLocalReleasesItem(t *testing.T) {
	s := newTestStore(t)
	cm := NewConflictManager(s)
	ctx := context.Background()

	item := queuedUpdate(t, s, "/sales/sale-1/", `{"status":"closed"}`)
	result, err := cm.Detect(ctx, item,
		json.RawMessage(`{"id":"sale-1","status":"open"}`),
		json.RawMessage(`{"id":"sale-1","status":"voided"}`))
	require.NoError(t, err)
	require.NotNil(t, result.Conflict)

	require.NoError(t, cm.Resolve(ctx, result.Conflict.ID, ResolveLocal))

	// The queued mutation is live again.
	batch, err := s.NextBatch(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, item.ID, batch[0].ID)
}

func TestResolveServerOverwritesLocalAndDropsItem(t *testing.T) {
	s := newTestStore(t)
	cm := NewConflictManager(s)
	ctx := context.Background()

	require.NoError(t, s.PutRecord(ctx, &store.DomainRecord{
		ID:         "sale-1",
		Collection: store.CollectionSales,
		Body:       json.RawMessage(`{"id":"sale-1","status":"open"}`),
	}))

	item := queuedUpdate(t, s, "/sales/sale-1/", `{"status":"closed"}`)
	result, err := cm.Detect(ctx, item,
		json.RawMessage(`{"id":"sale-1","status":"open"}`),
		json.RawMessage(`{"id":"sale-1","status":"voided"}`))
	require.NoError(t, err)
	require.NotNil(t, result.Conflict)

	require.NoError(t, cm.Resolve(ctx, result.Conflict.ID, ResolveServer))

	// Local record now mirrors the server and is marked synced.
	record, err := s.GetRecord(ctx, store.CollectionSales, "sale-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.JSONEq(t, `{"id":"sale-1","status":"voided"}`, string(record.Body))
	assert.True(t, record.Synced)

	// The queued mutation is gone without being sent.
	got, err := s.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestResolveRejectsInvalidSide(t *testing.T) {
	s := newTestStore(t)
	cm := NewConflictManager(s)

	err := cm.Resolve(context.Background(), "whatever", "merge")
	assert.Error(t, err)
}

func TestResolveIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	cm := NewConflictManager(s)
	ctx := context.Background()

	item := queuedUpdate(t, s, "/sales/sale-1/", `{"status":"closed"}`)
	result, err := cm.Detect(ctx, item,
		json.RawMessage(`{"id":"sale-1","status":"open"}`),
		json.RawMessage(`{"id":"sale-1","status":"voided"}`))
	require.NoError(t, err)

	require.NoError(t, cm.Resolve(ctx, result.Conflict.ID, ResolveLocal))
	require.NoError(t, cm.Resolve(ctx, result.Conflict.ID, ResolveLocal))
}

func TestRecordServerConflict(t *testing.T) {
	s := newTestStore(t)
	cm := NewConflictManager(s)
	ctx := context.Background()

	item := queuedUpdate(t, s, "/orders/order-1/", `{"status":"served"}`)
	conflict, err := cm.RecordServerConflict(ctx, item, json.RawMessage(`{"id":"order-1","status":"cancelled"}`))
	require.NoError(t, err)
	assert.Equal(t, store.CollectionOrders, conflict.EntityType)
	assert.False(t, conflict.AutoResolvable)

	unresolved, err := cm.Unresolved(ctx)
	require.NoError(t, err)
	assert.Len(t, unresolved, 1)
}
