// Package api exposes the local control surface terminals talk to: sync
// triggers, queue inspection, conflict resolution and the event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"barstock-sync-service/internal/config"
	"barstock-sync-service/internal/queue"
	"barstock-sync-service/internal/store"
	syncengine "barstock-sync-service/internal/sync"
)

// PrecacheFunc warms the local cache for a terminal role.
type PrecacheFunc func(ctx context.Context, role string, endpoints []string) error

type Handler struct {
	cfg       config.ServerConfig
	engine    *syncengine.Engine
	queue     *queue.Queue
	conflicts *syncengine.ConflictManager
	hub       *Hub
	precache  PrecacheFunc
}

func NewHandler(cfg config.ServerConfig, engine *syncengine.Engine, q *queue.Queue, cm *syncengine.ConflictManager, hub *Hub, precache PrecacheFunc) *Handler {
	return &Handler{
		cfg:       cfg,
		engine:    engine,
		queue:     q,
		conflicts: cm,
		hub:       hub,
		precache:  precache,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(h.corsMiddleware)

	r.Get("/health", h.HealthCheck)
	r.Get("/ws", h.hub.ServeWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.authMiddleware)

		r.Post("/sync/now", h.SyncNow)
		r.Get("/sync/status", h.SyncStatus)
		r.Post("/sync/complete", h.SyncComplete)
		r.Post("/precache", h.Precache)

		r.Get("/queue", h.ListQueue)
		r.Post("/queue", h.EnqueueMutation)
		r.Get("/queue/stats", h.QueueStats)
		r.Get("/queue/{id}", h.GetQueueItem)
		r.Delete("/queue/{id}", h.DeleteQueueItem)
		r.Post("/queue/{id}/requeue", h.RequeueItem)

		r.Get("/conflicts", h.ListConflicts)
		r.Post("/conflicts/{id}/resolve", h.ResolveConflict)
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) SyncNow(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.SyncNow(r.Context())
	switch {
	case errors.Is(err, syncengine.ErrCycleRunning):
		writeError(w, http.StatusConflict, "sync cycle already running")
	case errors.Is(err, syncengine.ErrOffline):
		writeError(w, http.StatusServiceUnavailable, "backend unreachable")
	case errors.Is(err, syncengine.ErrReauthRequired):
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error": "reauthentication required",
			"stats": stats,
		})
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, stats)
	}
}

func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.engine.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// SyncComplete receives the background reconciler's drain summary and relays
// it to connected terminals.
func (h *Handler) SyncComplete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type    string `json:"type"`
		Success int    `json:"success"`
		Failed  int    `json:"failed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Type != "sync-complete" {
		writeError(w, http.StatusBadRequest, "unknown notification type")
		return
	}

	h.hub.WorkerCompleted(body.Success, body.Failed)
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (h *Handler) Precache(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type      string   `json:"type"`
		Role      string   `json:"role"`
		Endpoints []string `json:"endpoints"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(body.Endpoints) == 0 {
		writeError(w, http.StatusBadRequest, "endpoints are required")
		return
	}

	if h.precache == nil {
		writeError(w, http.StatusNotImplemented, "precache not available")
		return
	}
	if err := h.precache(r.Context(), body.Role, body.Endpoints); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "precached"})
}

func (h *Handler) ListQueue(w http.ResponseWriter, r *http.Request) {
	items, err := h.queue.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (h *Handler) EnqueueMutation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Kind     string          `json:"kind"`
		Target   string          `json:"target"`
		Payload  json.RawMessage `json:"payload"`
		Priority int             `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Target == "" {
		writeError(w, http.StatusBadRequest, "target is required")
		return
	}
	if _, err := syncengine.CollectionForTarget(body.Target); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	item, err := h.queue.Enqueue(r.Context(), body.Kind, body.Target, body.Payload, body.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// New work while connected should not wait for the next periodic tick.
	if h.engine.Online() {
		go h.engine.TrySync(context.Background())
	}

	writeJSON(w, http.StatusCreated, item)
}

func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) GetQueueItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if item == nil {
		writeError(w, http.StatusNotFound, "queue item not found")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *Handler) DeleteQueueItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	item, err := h.queue.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if item == nil {
		writeError(w, http.StatusNotFound, "queue item not found")
		return
	}
	if err := h.queue.MarkSuccess(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) RequeueItem(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Requeue(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
}

func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := h.conflicts.Unresolved(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if conflicts == nil {
		conflicts = []*store.Conflict{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts, "count": len(conflicts)})
}

func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Resolution string `json:"resolution"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.conflicts.Resolve(r.Context(), chi.URLParam(r, "id"), body.Resolution); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := "*"
		if len(h.cfg.CorsOrigins) > 0 {
			origin = strings.Join(h.cfg.CorsOrigins, ", ")
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token != h.cfg.AuthToken {
			writeError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
