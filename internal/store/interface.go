package store

import (
	"context"
	"time"
)

// Store is the local persistent store shared by the foreground engine and
// the background reconciler. Every operation is atomic at single-record
// granularity; no cross-record transactions are offered.
type Store interface {
	// Domain records
	PutRecord(ctx context.Context, record *DomainRecord) error
	GetRecord(ctx context.Context, collection, id string) (*DomainRecord, error)
	ListRecords(ctx context.Context, collection string) ([]*DomainRecord, error)
	ListRecordsByRef(ctx context.Context, collection, ref string) ([]*DomainRecord, error)
	ListUnsyncedRecords(ctx context.Context, collection string) ([]*DomainRecord, error)
	DeleteRecord(ctx context.Context, collection, id string) error
	CountRecords(ctx context.Context, collection string) (int, error)
	// UpdateRecordID rewrites a record's key in place (ID reconciliation).
	UpdateRecordID(ctx context.Context, collection, oldID, newID string) error
	// UpdateRecordRef rewrites reference fields pointing at oldRef.
	UpdateRecordRef(ctx context.Context, collection, oldRef, newRef string) error
	MarkRecordSynced(ctx context.Context, collection, id string) error

	// Sync queue
	AppendQueueItem(ctx context.Context, item *QueueItem) error
	GetQueueItem(ctx context.Context, id string) (*QueueItem, error)
	ListQueueItems(ctx context.Context) ([]*QueueItem, error)
	// NextBatch returns retryable pending/failed items not suspended by an
	// unresolved conflict, ordered by (priority, enqueued_at) ascending.
	NextBatch(ctx context.Context) ([]*QueueItem, error)
	// MarkQueueItemSyncing conditionally transitions pending/failed -> syncing.
	// Returns false when another context already claimed the item.
	MarkQueueItemSyncing(ctx context.Context, id string, at time.Time) (bool, error)
	UpdateQueueItem(ctx context.Context, item *QueueItem) error
	DeleteQueueItem(ctx context.Context, id string) error
	QueueStats(ctx context.Context) (*QueueStats, error)

	// Conflicts
	CreateConflict(ctx context.Context, conflict *Conflict) error
	GetConflict(ctx context.Context, id string) (*Conflict, error)
	ListUnresolvedConflicts(ctx context.Context) ([]*Conflict, error)
	MarkConflictResolved(ctx context.Context, id, resolution string) error

	// Sync metadata
	SetLastSyncTime(ctx context.Context, key string, t time.Time) error
	GetLastSyncTime(ctx context.Context, key string) (*time.Time, error)

	Close() error
}
