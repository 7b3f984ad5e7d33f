package store

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"
)

// Collection names for cached domain entities.
const (
	CollectionSales          = "sales"
	CollectionOrders         = "orders"
	CollectionPayments       = "payments"
	CollectionStockMovements = "stock_movements"
	CollectionProducts       = "products"
	CollectionTables         = "tables"
)

// Collections lists every domain-entity collection.
var Collections = []string{
	CollectionSales,
	CollectionOrders,
	CollectionPayments,
	CollectionStockMovements,
	CollectionProducts,
	CollectionTables,
}

// TempIDPrefix marks client-generated identifiers for entities created
// offline, pending a server-assigned id.
const TempIDPrefix = "offline-"

// IsTempID reports whether id is a client-generated temporary identifier.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// DomainRecord is the uniform wrapper around one cached business entity.
// Ref holds the value of the collection's reference field (payments carry
// their sale_id, stock movements their product_id, sales their table_id)
// so dependent records can be looked up without unmarshalling bodies.
type DomainRecord struct {
	ID         string          `db:"id"`
	Collection string          `db:"collection"`
	Body       json.RawMessage `db:"body"`
	Ref        sql.NullString  `db:"ref"`
	Synced     bool            `db:"synced"`
	CreatedAt  time.Time       `db:"created_at"`
	UpdatedAt  time.Time       `db:"updated_at"`
}

// Queue item status values. A successful item is removed from the queue as
// soon as its post-success side effects complete; it never persists as such.
const (
	QueueStatusPending = "pending"
	QueueStatusSyncing = "syncing"
	QueueStatusFailed  = "failed"
)

// QueueItem is one pending mutation awaiting reconciliation with the server.
type QueueItem struct {
	ID            string          `db:"id"`
	Kind          string          `db:"kind"` // create | update | delete
	Target        string          `db:"target"`
	Payload       json.RawMessage `db:"payload"`
	Priority      int             `db:"priority"` // 1 high .. 3 low
	Status        string          `db:"status"`
	EnqueuedAt    time.Time       `db:"enqueued_at"`
	RetryCount    int             `db:"retry_count"`
	MaxRetries    int             `db:"max_retries"`
	LastError     sql.NullString  `db:"last_error"`
	LastAttemptAt sql.NullTime    `db:"last_attempt_at"`
}

// Exhausted reports whether the item's retry budget is spent.
func (q *QueueItem) Exhausted() bool {
	return q.RetryCount >= q.MaxRetries
}

// Conflict records a divergence between a queued mutation's assumed prior
// state and the server's actual current state of the same entity.
type Conflict struct {
	ID             string          `db:"id"`
	ItemID         string          `db:"item_id"` // originating queue item
	EntityType     string          `db:"entity_type"`
	LocalData      json.RawMessage `db:"local_data"`
	ServerData     json.RawMessage `db:"server_data"`
	DetectedAt     time.Time       `db:"detected_at"`
	AutoResolvable bool            `db:"auto_resolvable"`
	Resolved       bool            `db:"resolved"`
	Resolution     sql.NullString  `db:"resolution"` // local | server
	ResolvedAt     sql.NullTime    `db:"resolved_at"`
}

// QueueStats summarizes the queue for the control surface.
type QueueStats struct {
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"by_status"`
	ByPriority map[int]int    `json:"by_priority"`
	DeadLetter int            `json:"dead_letter"`
}
