package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"barstock-sync-service/internal/config"
	"barstock-sync-service/internal/logger"
)

// SQLiteStore implements Store on an embedded SQLite file so queued
// mutations and cached entities survive restarts of either process.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS records (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	body       TEXT NOT NULL,
	ref        TEXT,
	synced     INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS idx_records_synced ON records(collection, synced);
CREATE INDEX IF NOT EXISTS idx_records_ref ON records(collection, ref);

CREATE TABLE IF NOT EXISTS sync_queue (
	id              TEXT PRIMARY KEY,
	kind            TEXT NOT NULL,
	target          TEXT NOT NULL,
	payload         TEXT,
	priority        INTEGER NOT NULL,
	status          TEXT NOT NULL,
	enqueued_at     TIMESTAMP NOT NULL,
	retry_count     INTEGER NOT NULL DEFAULT 0,
	max_retries     INTEGER NOT NULL,
	last_error      TEXT,
	last_attempt_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_queue_priority ON sync_queue(priority);
CREATE INDEX IF NOT EXISTS idx_queue_enqueued ON sync_queue(enqueued_at);
CREATE INDEX IF NOT EXISTS idx_queue_status ON sync_queue(status);

CREATE TABLE IF NOT EXISTS conflicts (
	id              TEXT PRIMARY KEY,
	item_id         TEXT NOT NULL,
	entity_type     TEXT NOT NULL,
	local_data      TEXT,
	server_data     TEXT,
	detected_at     TIMESTAMP NOT NULL,
	auto_resolvable INTEGER NOT NULL DEFAULT 0,
	resolved        INTEGER NOT NULL DEFAULT 0,
	resolution      TEXT,
	resolved_at     TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_conflicts_resolved ON conflicts(resolved);
CREATE INDEX IF NOT EXISTS idx_conflicts_item ON conflicts(item_id);

CREATE TABLE IF NOT EXISTS sync_metadata (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// NewSQLiteStore opens (or creates) the store file and applies the schema.
// An open failure is fatal to the caller; the engine cannot run without it.
func NewSQLiteStore(cfg config.StoreConfig) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	// SQLite allows one writer at a time; the agent and the worker may both
	// hold the file open, so block briefly on contention instead of failing.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to configure store: %w", err)
		}
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply store schema: %w", err)
	}

	logger.Log.Info("Opened local store", zap.String("path", cfg.Path))

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ===== Domain records =====

func (s *SQLiteStore) PutRecord(ctx context.Context, record *DomainRecord) error {
	query := `INSERT INTO records (collection, id, body, ref, synced, created_at, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?)
			  ON CONFLICT (collection, id) DO UPDATE SET
			  body = excluded.body,
			  ref = excluded.ref,
			  synced = excluded.synced,
			  updated_at = excluded.updated_at`

	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, query,
		record.Collection,
		record.ID,
		string(record.Body),
		record.Ref,
		record.Synced,
		record.CreatedAt,
		record.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) scanRecord(row *sql.Row) (*DomainRecord, error) {
	var r DomainRecord
	var body string
	err := row.Scan(&r.Collection, &r.ID, &body, &r.Ref, &r.Synced, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Body = []byte(body)
	return &r, nil
}

func (s *SQLiteStore) GetRecord(ctx context.Context, collection, id string) (*DomainRecord, error) {
	query := `SELECT collection, id, body, ref, synced, created_at, updated_at
			  FROM records WHERE collection = ? AND id = ?`
	return s.scanRecord(s.db.QueryRowContext(ctx, query, collection, id))
}

func (s *SQLiteStore) listRecords(ctx context.Context, query string, args ...any) ([]*DomainRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*DomainRecord
	for rows.Next() {
		var r DomainRecord
		var body string
		if err := rows.Scan(&r.Collection, &r.ID, &body, &r.Ref, &r.Synced, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Body = []byte(body)
		records = append(records, &r)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) ListRecords(ctx context.Context, collection string) ([]*DomainRecord, error) {
	return s.listRecords(ctx, `SELECT collection, id, body, ref, synced, created_at, updated_at
		FROM records WHERE collection = ? ORDER BY created_at`, collection)
}

func (s *SQLiteStore) ListRecordsByRef(ctx context.Context, collection, ref string) ([]*DomainRecord, error) {
	return s.listRecords(ctx, `SELECT collection, id, body, ref, synced, created_at, updated_at
		FROM records WHERE collection = ? AND ref = ? ORDER BY created_at`, collection, ref)
}

func (s *SQLiteStore) ListUnsyncedRecords(ctx context.Context, collection string) ([]*DomainRecord, error) {
	return s.listRecords(ctx, `SELECT collection, id, body, ref, synced, created_at, updated_at
		FROM records WHERE collection = ? AND synced = 0 ORDER BY created_at`, collection)
}

func (s *SQLiteStore) DeleteRecord(ctx context.Context, collection, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND id = ?`, collection, id)
	return err
}

func (s *SQLiteStore) CountRecords(ctx context.Context, collection string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE collection = ?`, collection).Scan(&count)
	return count, err
}

func (s *SQLiteStore) UpdateRecordID(ctx context.Context, collection, oldID, newID string) error {
	query := `UPDATE records SET id = ?, updated_at = ? WHERE collection = ? AND id = ?`
	_, err := s.db.ExecContext(ctx, query, newID, time.Now().UTC(), collection, oldID)
	return err
}

func (s *SQLiteStore) UpdateRecordRef(ctx context.Context, collection, oldRef, newRef string) error {
	query := `UPDATE records SET ref = ?, updated_at = ? WHERE collection = ? AND ref = ?`
	_, err := s.db.ExecContext(ctx, query, newRef, time.Now().UTC(), collection, oldRef)
	return err
}

func (s *SQLiteStore) MarkRecordSynced(ctx context.Context, collection, id string) error {
	query := `UPDATE records SET synced = 1, updated_at = ? WHERE collection = ? AND id = ?`
	_, err := s.db.ExecContext(ctx, query, time.Now().UTC(), collection, id)
	return err
}

// ===== Sync queue =====

const queueColumns = `id, kind, target, payload, priority, status, enqueued_at, retry_count, max_retries, last_error, last_attempt_at`

func (s *SQLiteStore) AppendQueueItem(ctx context.Context, item *QueueItem) error {
	query := `INSERT INTO sync_queue (` + queueColumns + `)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var payload sql.NullString
	if len(item.Payload) > 0 {
		payload = sql.NullString{String: string(item.Payload), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		item.ID,
		item.Kind,
		item.Target,
		payload,
		item.Priority,
		item.Status,
		item.EnqueuedAt,
		item.RetryCount,
		item.MaxRetries,
		item.LastError,
		item.LastAttemptAt,
	)
	return err
}

func scanQueueItem(scan func(dest ...any) error) (*QueueItem, error) {
	var item QueueItem
	var payload sql.NullString
	err := scan(
		&item.ID,
		&item.Kind,
		&item.Target,
		&payload,
		&item.Priority,
		&item.Status,
		&item.EnqueuedAt,
		&item.RetryCount,
		&item.MaxRetries,
		&item.LastError,
		&item.LastAttemptAt,
	)
	if err != nil {
		return nil, err
	}
	if payload.Valid {
		item.Payload = []byte(payload.String)
	}
	return &item, nil
}

func (s *SQLiteStore) GetQueueItem(ctx context.Context, id string) (*QueueItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE id = ?`, id)
	item, err := scanQueueItem(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (s *SQLiteStore) listQueueItems(ctx context.Context, query string, args ...any) ([]*QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *SQLiteStore) ListQueueItems(ctx context.Context) ([]*QueueItem, error) {
	return s.listQueueItems(ctx, `SELECT `+queueColumns+` FROM sync_queue
		ORDER BY priority ASC, enqueued_at ASC, id ASC`)
}

// NextBatch is the scheduling contract: retryable pending/failed items,
// minus anything suspended behind an unresolved conflict, in
// (priority, enqueued_at) order so high-priority mutations drain first and
// arrival order holds within a tier.
func (s *SQLiteStore) NextBatch(ctx context.Context) ([]*QueueItem, error) {
	return s.listQueueItems(ctx, `SELECT `+queueColumns+` FROM sync_queue q
		WHERE q.status IN ('pending', 'failed')
		  AND q.retry_count < q.max_retries
		  AND NOT EXISTS (
			SELECT 1 FROM conflicts c WHERE c.item_id = q.id AND c.resolved = 0
		  )
		ORDER BY q.priority ASC, q.enqueued_at ASC, q.id ASC`)
}

// MarkQueueItemSyncing claims an item with a conditional write. When the
// foreground engine and the background reconciler race on the same item,
// exactly one observes an affected row; the other skips it.
func (s *SQLiteStore) MarkQueueItemSyncing(ctx context.Context, id string, at time.Time) (bool, error) {
	query := `UPDATE sync_queue SET status = 'syncing', last_attempt_at = ?
			  WHERE id = ? AND status IN ('pending', 'failed')`
	res, err := s.db.ExecContext(ctx, query, at, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) UpdateQueueItem(ctx context.Context, item *QueueItem) error {
	query := `UPDATE sync_queue SET kind = ?, target = ?, payload = ?, priority = ?,
			  status = ?, retry_count = ?, max_retries = ?, last_error = ?, last_attempt_at = ?
			  WHERE id = ?`

	var payload sql.NullString
	if len(item.Payload) > 0 {
		payload = sql.NullString{String: string(item.Payload), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		item.Kind,
		item.Target,
		payload,
		item.Priority,
		item.Status,
		item.RetryCount,
		item.MaxRetries,
		item.LastError,
		item.LastAttemptAt,
		item.ID,
	)
	return err
}

func (s *SQLiteStore) DeleteQueueItem(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) QueueStats(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{
		ByStatus:   make(map[string]int),
		ByPriority: make(map[int]int),
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, priority, retry_count >= max_retries
		FROM sync_queue`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var priority int
		var exhausted bool
		if err := rows.Scan(&status, &priority, &exhausted); err != nil {
			return nil, err
		}
		stats.Total++
		stats.ByStatus[status]++
		stats.ByPriority[priority]++
		if exhausted {
			stats.DeadLetter++
		}
	}
	return stats, rows.Err()
}

// ===== Conflicts =====

const conflictColumns = `id, item_id, entity_type, local_data, server_data, detected_at, auto_resolvable, resolved, resolution, resolved_at`

func (s *SQLiteStore) CreateConflict(ctx context.Context, conflict *Conflict) error {
	query := `INSERT INTO conflicts (` + conflictColumns + `)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		conflict.ID,
		conflict.ItemID,
		conflict.EntityType,
		string(conflict.LocalData),
		string(conflict.ServerData),
		conflict.DetectedAt,
		conflict.AutoResolvable,
		conflict.Resolved,
		conflict.Resolution,
		conflict.ResolvedAt,
	)
	return err
}

func scanConflict(scan func(dest ...any) error) (*Conflict, error) {
	var c Conflict
	var localData, serverData string
	err := scan(
		&c.ID,
		&c.ItemID,
		&c.EntityType,
		&localData,
		&serverData,
		&c.DetectedAt,
		&c.AutoResolvable,
		&c.Resolved,
		&c.Resolution,
		&c.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	c.LocalData = []byte(localData)
	c.ServerData = []byte(serverData)
	return &c, nil
}

func (s *SQLiteStore) GetConflict(ctx context.Context, id string) (*Conflict, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id)
	c, err := scanConflict(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *SQLiteStore) ListUnresolvedConflicts(ctx context.Context) ([]*Conflict, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+conflictColumns+` FROM conflicts
		WHERE resolved = 0 ORDER BY detected_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conflicts []*Conflict
	for rows.Next() {
		c, err := scanConflict(rows.Scan)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

func (s *SQLiteStore) MarkConflictResolved(ctx context.Context, id, resolution string) error {
	query := `UPDATE conflicts SET resolved = 1, resolution = ?, resolved_at = ? WHERE id = ?`
	_, err := s.db.ExecContext(ctx, query, resolution, time.Now().UTC(), id)
	return err
}

// ===== Sync metadata =====

func (s *SQLiteStore) SetLastSyncTime(ctx context.Context, key string, t time.Time) error {
	query := `INSERT INTO sync_metadata (key, value) VALUES (?, ?)
			  ON CONFLICT (key) DO UPDATE SET value = excluded.value`
	_, err := s.db.ExecContext(ctx, query, "last_sync_"+key, t.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *SQLiteStore) GetLastSyncTime(ctx context.Context, key string) (*time.Time, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_metadata WHERE key = ?`, "last_sync_"+key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil, fmt.Errorf("corrupt last-sync timestamp: %w", err)
	}
	return &t, nil
}
