package sync

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"barstock-sync-service/internal/store"
)

// Typed payload shapes for the mutations this engine serializes. The queue
// stores them as raw JSON; these structs pin the request shapes at compile
// time for the domain collaborators that build them.

type SaleLine struct {
	ProductID string  `json:"product_id"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
}

type SalePayload struct {
	ID      string     `json:"id,omitempty"`
	TableID string     `json:"table_id,omitempty"`
	Items   []SaleLine `json:"items,omitempty"`
	Total   float64    `json:"total,omitempty"`
	Status  string     `json:"status,omitempty"`
}

type OrderPayload struct {
	ID      string     `json:"id,omitempty"`
	TableID string     `json:"table_id,omitempty"`
	Items   []SaleLine `json:"items,omitempty"`
	Status  string     `json:"status,omitempty"`
}

type PaymentPayload struct {
	ID     string  `json:"id,omitempty"`
	SaleID string  `json:"sale_id,omitempty"`
	Amount float64 `json:"amount,omitempty"`
	Method string  `json:"method,omitempty"`
}

type StockMovementPayload struct {
	ID        string `json:"id,omitempty"`
	ProductID string `json:"product_id,omitempty"`
	Quantity  int    `json:"quantity,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type ProductPayload struct {
	ID    string  `json:"id,omitempty"`
	Name  string  `json:"name,omitempty"`
	Price float64 `json:"price,omitempty"`
	Stock int     `json:"stock,omitempty"`
}

// EncodePayload marshals a typed payload for enqueueing.
func EncodePayload(p any) (json.RawMessage, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return data, nil
}

// resourceCollections maps the leading target path segment to the local
// collection caching that resource.
var resourceCollections = map[string]string{
	"sales":    store.CollectionSales,
	"orders":   store.CollectionOrders,
	"payments": store.CollectionPayments,
	"stock":    store.CollectionStockMovements,
	"products": store.CollectionProducts,
	"tables":   store.CollectionTables,
}

// CollectionForTarget resolves the collection a mutation target applies to.
// Targets are resource paths like /sales/ or /payments/offline-payment-3/.
func CollectionForTarget(target string) (string, error) {
	segs := splitTarget(target)
	if len(segs) == 0 {
		return "", fmt.Errorf("empty mutation target")
	}
	collection, ok := resourceCollections[segs[0]]
	if !ok {
		return "", fmt.Errorf("unknown resource in target %q", target)
	}
	return collection, nil
}

// EntityIDFromTarget extracts the entity identifier from an update/delete
// target. Create targets have no id segment and return "".
func EntityIDFromTarget(target string) string {
	segs := splitTarget(target)
	if len(segs) < 2 {
		return ""
	}
	return segs[1]
}

func splitTarget(target string) []string {
	var segs []string
	for _, s := range strings.Split(target, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

// refFields names the foreign-key field each collection keeps in its ref
// column, so reference lookups stay indexed.
var refFields = map[string]string{
	store.CollectionPayments:       "sale_id",
	store.CollectionStockMovements: "product_id",
	store.CollectionSales:          "table_id",
}

// RefFromBody extracts the indexed reference value for a record body, if the
// collection carries one.
func RefFromBody(collection string, body map[string]any) sql.NullString {
	field, ok := refFields[collection]
	if !ok {
		return sql.NullString{}
	}
	if v, ok := body[field].(string); ok && v != "" {
		return sql.NullString{String: v, Valid: true}
	}
	return sql.NullString{}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: true}
}
