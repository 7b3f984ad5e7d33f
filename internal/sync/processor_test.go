package sync

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"barstock-sync-service/internal/config"
	"barstock-sync-service/internal/queue"
	"barstock-sync-service/internal/store"
)

type testBackend struct {
	*httptest.Server
	requests []recordedRequest
}

type recordedRequest struct {
	Method string
	Path   string
	Body   string
}

func newBackend(t *testing.T, handler http.HandlerFunc) *testBackend {
	t.Helper()
	b := &testBackend{}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		b.requests = append(b.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Body:   string(body),
		})
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		handler(w, r)
	}))
	t.Cleanup(b.Close)
	return b
}

func newProcessor(t *testing.T, backend *testBackend) (*Processor, *queue.Queue, store.Store) {
	t.Helper()
	s := newTestStore(t)
	q := queue.NewQueue(s, config.SyncConfig{})
	client := NewClient(config.RemoteConfig{
		BaseURL:    backend.URL,
		HealthPath: "/health",
	}, StaticTokenSource("test-token"))
	cm := NewConflictManager(s)
	return NewProcessor(s, q, client, cm), q, s
}

func TestProcessCreateReconcilesTempID(t *testing.T) {
	backend := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"id": "sale-1042", "total": 30})
	})
	p, q, s := newProcessor(t, backend)
	ctx := context.Background()

	require.NoError(t, s.PutRecord(ctx, &store.DomainRecord{
		ID:         "offline-sale-7",
		Collection: store.CollectionSales,
		Body:       json.RawMessage(`{"id":"offline-sale-7","total":30}`),
	}))
	item, err := q.Enqueue(ctx, queue.KindCreate, "/sales/", []byte(`{"id":"offline-sale-7","total":30}`), queue.PriorityHigh)
	require.NoError(t, err)

	outcome, err := p.ProcessItem(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, ItemSynced, outcome)

	// Local record carries the server id and is marked synced.
	record, err := s.GetRecord(ctx, store.CollectionSales, "sale-1042")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.True(t, record.Synced)

	gone, err := s.GetRecord(ctx, store.CollectionSales, "offline-sale-7")
	require.NoError(t, err)
	assert.Nil(t, gone)

	// Successful items leave the queue.
	left, err := q.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Nil(t, left)
}

func TestProcessCreatePermanentRejectionFreezes(t *testing.T) {
	backend := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"validation failed"}`, http.StatusUnprocessableEntity)
	})
	p, q, _ := newProcessor(t, backend)
	ctx := context.Background()

	item, err := q.Enqueue(ctx, queue.KindCreate, "/sales/", []byte(`{"total":-1}`), queue.PriorityHigh)
	require.NoError(t, err)

	outcome, err := p.ProcessItem(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, ItemFailed, outcome)

	got, err := q.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.True(t, got.Exhausted())
	assert.Contains(t, got.LastError.String, "422")

	// Only one attempt was made despite the high-priority budget of 10.
	assert.Len(t, backend.requests, 1)
}

func TestProcessCreateTransientFailureConsumesOneRetry(t *testing.T) {
	backend := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "try later", http.StatusServiceUnavailable)
	})
	p, q, _ := newProcessor(t, backend)
	ctx := context.Background()

	item, err := q.Enqueue(ctx, queue.KindCreate, "/sales/", []byte(`{}`), queue.PriorityHigh)
	require.NoError(t, err)

	outcome, err := p.ProcessItem(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, ItemFailed, outcome)

	got, err := q.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.False(t, got.Exhausted())
}

func TestProcessCreateServerConflict(t *testing.T) {
	backend := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{"id": "sale-1", "status": "voided"})
	})
	p, q, s := newProcessor(t, backend)
	ctx := context.Background()

	item, err := q.Enqueue(ctx, queue.KindCreate, "/sales/", []byte(`{"id":"sale-1"}`), queue.PriorityHigh)
	require.NoError(t, err)

	outcome, err := p.ProcessItem(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, ItemConflicted, outcome)

	// The conflict suspends the item without consuming retries.
	got, err := q.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.RetryCount)

	batch, err := s.NextBatch(ctx)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestProcessUpdateReplaysOnDisjointDivergence(t *testing.T) {
	backend := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{"id": "sale-1", "status": "open", "total": 55})
		case http.MethodPatch:
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]any{"id": "sale-1"})
		default:
			t.Errorf("unexpected method %s", r.Method)
		}
	})
	p, q, s := newProcessor(t, backend)
	ctx := context.Background()

	// Snapshot the mutation was computed against: total has since moved
	// server-side, but the payload only touches status.
	require.NoError(t, s.PutRecord(ctx, &store.DomainRecord{
		ID:         "sale-1",
		Collection: store.CollectionSales,
		Body:       json.RawMessage(`{"id":"sale-1","status":"open","total":40}`),
	}))
	item, err := q.Enqueue(ctx, queue.KindUpdate, "/sales/sale-1/", []byte(`{"status":"closed"}`), queue.PriorityHigh)
	require.NoError(t, err)

	outcome, err := p.ProcessItem(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, ItemSynced, outcome)

	// The PATCH body is the mutation replayed atop the server snapshot.
	require.Len(t, backend.requests, 2)
	patch := backend.requests[1]
	assert.Equal(t, http.MethodPatch, patch.Method)

	var sent map[string]any
	require.NoError(t, json.Unmarshal([]byte(patch.Body), &sent))
	assert.Equal(t, "closed", sent["status"])
	assert.Equal(t, float64(55), sent["total"])
}

func TestProcessUpdateOverlappingDivergenceSuspends(t *testing.T) {
	backend := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			json.NewEncoder(w).Encode(map[string]any{"id": "sale-1", "status": "voided"})
			return
		}
		t.Errorf("mutation must not be sent on conflict, got %s", r.Method)
	})
	p, q, s := newProcessor(t, backend)
	ctx := context.Background()

	require.NoError(t, s.PutRecord(ctx, &store.DomainRecord{
		ID:         "sale-1",
		Collection: store.CollectionSales,
		Body:       json.RawMessage(`{"id":"sale-1","status":"open"}`),
	}))
	item, err := q.Enqueue(ctx, queue.KindUpdate, "/sales/sale-1/", []byte(`{"status":"closed"}`), queue.PriorityHigh)
	require.NoError(t, err)

	outcome, err := p.ProcessItem(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, ItemConflicted, outcome)

	conflicts, err := s.ListUnresolvedConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, item.ID, conflicts[0].ItemID)
}

func TestProcessDeleteRemovesLocalRecord(t *testing.T) {
	backend := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{"id": "order-3"})
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected method %s", r.Method)
		}
	})
	p, q, s := newProcessor(t, backend)
	ctx := context.Background()

	require.NoError(t, s.PutRecord(ctx, &store.DomainRecord{
		ID:         "order-3",
		Collection: store.CollectionOrders,
		Body:       json.RawMessage(`{"id":"order-3"}`),
	}))
	item, err := q.Enqueue(ctx, queue.KindDelete, "/orders/order-3/", nil, queue.PriorityMedium)
	require.NoError(t, err)

	outcome, err := p.ProcessItem(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, ItemSynced, outcome)

	record, err := s.GetRecord(ctx, store.CollectionOrders, "order-3")
	require.NoError(t, err)
	assert.Nil(t, record)

	// Deletes carry no body.
	require.Len(t, backend.requests, 2)
	assert.Equal(t, http.MethodDelete, backend.requests[1].Method)
	assert.Empty(t, backend.requests[1].Body)
}

func TestProcessDeleteAgainstDivergedServerSuspends(t *testing.T) {
	backend := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			json.NewEncoder(w).Encode(map[string]any{"id": "sale-1", "status": "paid", "total": 99})
			return
		}
		t.Errorf("mutation must not be sent on conflict, got %s", r.Method)
	})
	p, q, s := newProcessor(t, backend)
	ctx := context.Background()

	// The entity changed server-side after the delete was queued; destroying
	// it now needs a decision.
	require.NoError(t, s.PutRecord(ctx, &store.DomainRecord{
		ID:         "sale-1",
		Collection: store.CollectionSales,
		Body:       json.RawMessage(`{"id":"sale-1","status":"open","total":40}`),
	}))
	item, err := q.Enqueue(ctx, queue.KindDelete, "/sales/sale-1/", nil, queue.PriorityHigh)
	require.NoError(t, err)

	outcome, err := p.ProcessItem(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, ItemConflicted, outcome)

	// Only the state fetch reached the wire.
	require.Len(t, backend.requests, 1)
	assert.Equal(t, http.MethodGet, backend.requests[0].Method)

	conflicts, err := s.ListUnresolvedConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, item.ID, conflicts[0].ItemID)

	// The local record survives until the conflict is settled.
	record, err := s.GetRecord(ctx, store.CollectionSales, "sale-1")
	require.NoError(t, err)
	assert.NotNil(t, record)
}

func TestProcessDeleteAlreadyGoneCountsAsSuccess(t *testing.T) {
	backend := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	p, q, s := newProcessor(t, backend)
	ctx := context.Background()

	require.NoError(t, s.PutRecord(ctx, &store.DomainRecord{
		ID:         "order-3",
		Collection: store.CollectionOrders,
		Body:       json.RawMessage(`{"id":"order-3"}`),
	}))
	item, err := q.Enqueue(ctx, queue.KindDelete, "/orders/order-3/", nil, queue.PriorityMedium)
	require.NoError(t, err)

	outcome, err := p.ProcessItem(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, ItemSynced, outcome)

	record, err := s.GetRecord(ctx, store.CollectionOrders, "order-3")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestProcessSkipsItemClaimedElsewhere(t *testing.T) {
	backend := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for a claimed item")
	})
	p, q, _ := newProcessor(t, backend)
	ctx := context.Background()

	item, err := q.Enqueue(ctx, queue.KindCreate, "/sales/", []byte(`{}`), queue.PriorityHigh)
	require.NoError(t, err)
	require.NoError(t, q.MarkSyncing(ctx, item.ID))

	outcome, err := p.ProcessItem(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, ItemSkipped, outcome)
	assert.Empty(t, backend.requests)
}

func TestProcessUnauthorizedReleasesWithoutRetry(t *testing.T) {
	backend := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "token expired", http.StatusUnauthorized)
	})
	p, q, _ := newProcessor(t, backend)
	ctx := context.Background()

	item, err := q.Enqueue(ctx, queue.KindCreate, "/sales/", []byte(`{}`), queue.PriorityHigh)
	require.NoError(t, err)

	outcome, err := p.ProcessItem(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, ItemAborted, outcome)

	got, err := q.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, store.QueueStatusPending, got.Status)
	assert.Equal(t, 0, got.RetryCount)
}
