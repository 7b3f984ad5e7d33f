package sync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"barstock-sync-service/internal/store"
)

func TestReconcileIDRewritesRecordKeyAndBody(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutRecord(ctx, &store.DomainRecord{
		ID:         "offline-sale-7",
		Collection: store.CollectionSales,
		Body:       json.RawMessage(`{"id":"offline-sale-7","total":30}`),
	}))

	require.NoError(t, ReconcileID(ctx, s, store.CollectionSales, "offline-sale-7", "sale-1042"))

	old, err := s.GetRecord(ctx, store.CollectionSales, "offline-sale-7")
	require.NoError(t, err)
	assert.Nil(t, old)

	got, err := s.GetRecord(ctx, store.CollectionSales, "sale-1042")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.JSONEq(t, `{"id":"sale-1042","total":30}`, string(got.Body))
}

func TestReconcileIDRewritesDependentReferences(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutRecord(ctx, &store.DomainRecord{
		ID:         "offline-sale-7",
		Collection: store.CollectionSales,
		Body:       json.RawMessage(`{"id":"offline-sale-7"}`),
	}))
	require.NoError(t, s.PutRecord(ctx, &store.DomainRecord{
		ID:         "offline-payment-1",
		Collection: store.CollectionPayments,
		Body:       json.RawMessage(`{"id":"offline-payment-1","sale_id":"offline-sale-7","amount":30}`),
		Ref:        nullString("offline-sale-7"),
	}))

	require.NoError(t, ReconcileID(ctx, s, store.CollectionSales, "offline-sale-7", "sale-1042"))

	payment, err := s.GetRecord(ctx, store.CollectionPayments, "offline-payment-1")
	require.NoError(t, err)
	require.NotNil(t, payment)
	assert.JSONEq(t, `{"id":"offline-payment-1","sale_id":"sale-1042","amount":30}`, string(payment.Body))
	assert.Equal(t, "sale-1042", payment.Ref.String)

	// The old reference finds nothing, the new one finds the payment.
	deps, err := s.ListRecordsByRef(ctx, store.CollectionPayments, "offline-sale-7")
	require.NoError(t, err)
	assert.Empty(t, deps)
	deps, err = s.ListRecordsByRef(ctx, store.CollectionPayments, "sale-1042")
	require.NoError(t, err)
	assert.Len(t, deps, 1)
}

func TestReconcileIDRewritesQueuedMutations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// A payment created offline references the offline sale in both its
	// payload and nothing else; an update targets the sale directly.
	require.NoError(t, s.AppendQueueItem(ctx, &store.QueueItem{
		ID:         "q-payment",
		Kind:       "create",
		Target:     "/payments/",
		Payload:    json.RawMessage(`{"id":"offline-payment-1","sale_id":"offline-sale-7","amount":30}`),
		Priority:   1,
		Status:     store.QueueStatusPending,
		EnqueuedAt: time.Now().UTC(),
		MaxRetries: 10,
	}))
	require.NoError(t, s.AppendQueueItem(ctx, &store.QueueItem{
		ID:         "q-sale-update",
		Kind:       "update",
		Target:     "/sales/offline-sale-7/",
		Payload:    json.RawMessage(`{"status":"closed"}`),
		Priority:   1,
		Status:     store.QueueStatusPending,
		EnqueuedAt: time.Now().UTC(),
		MaxRetries: 10,
	}))

	require.NoError(t, ReconcileID(ctx, s, store.CollectionSales, "offline-sale-7", "sale-1042"))

	payment, err := s.GetQueueItem(ctx, "q-payment")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"offline-payment-1","sale_id":"sale-1042","amount":30}`, string(payment.Payload))

	update, err := s.GetQueueItem(ctx, "q-sale-update")
	require.NoError(t, err)
	assert.Equal(t, "/sales/sale-1042/", update.Target)
	assert.JSONEq(t, `{"status":"closed"}`, string(update.Payload))
}

func TestReconcileIDIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutRecord(ctx, &store.DomainRecord{
		ID:         "offline-product-2",
		Collection: store.CollectionProducts,
		Body:       json.RawMessage(`{"id":"offline-product-2","name":"IPA"}`),
	}))

	require.NoError(t, ReconcileID(ctx, s, store.CollectionProducts, "offline-product-2", "product-88"))
	require.NoError(t, ReconcileID(ctx, s, store.CollectionProducts, "offline-product-2", "product-88"))

	got, err := s.GetRecord(ctx, store.CollectionProducts, "product-88")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.JSONEq(t, `{"id":"product-88","name":"IPA"}`, string(got.Body))

	count, err := s.CountRecords(ctx, store.CollectionProducts)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestReconcileIDNoOpWithoutRealID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, ReconcileID(ctx, s, store.CollectionSales, "offline-sale-7", ""))
	require.NoError(t, ReconcileID(ctx, s, store.CollectionSales, "sale-1", "sale-1"))
}

func TestCollectionForTarget(t *testing.T) {
	tests := []struct {
		target     string
		collection string
		wantErr    bool
	}{
		{"/sales/", store.CollectionSales, false},
		{"/payments/offline-payment-3/", store.CollectionPayments, false},
		{"/stock/", store.CollectionStockMovements, false},
		{"/coupons/", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := CollectionForTarget(tt.target)
		if tt.wantErr {
			assert.Error(t, err, tt.target)
			continue
		}
		require.NoError(t, err, tt.target)
		assert.Equal(t, tt.collection, got, tt.target)
	}
}

func TestEntityIDFromTarget(t *testing.T) {
	assert.Equal(t, "sale-1", EntityIDFromTarget("/sales/sale-1/"))
	assert.Equal(t, "", EntityIDFromTarget("/sales/"))
}
