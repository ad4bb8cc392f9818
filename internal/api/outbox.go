package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/listsync/internal/outbox"
)

// OutboxServer handles inspection and retry of queued add-member calls
type OutboxServer struct {
	storage *outbox.BoltStorage
	logger  *slog.Logger
}

// NewOutboxServer creates a new outbox API server
func NewOutboxServer(storage *outbox.BoltStorage, logger *slog.Logger) *OutboxServer {
	return &OutboxServer{
		storage: storage,
		logger:  logger.With("component", "outbox-api"),
	}
}

// RegisterRoutes registers outbox API routes
func (o *OutboxServer) RegisterRoutes(r chi.Router) {
	r.Route("/outbox", func(r chi.Router) {
		r.Get("/", o.handleList)
		r.Get("/stats", o.handleStats)
		r.Get("/dlq", o.handleDLQ)
		r.Get("/{id}", o.handleGet)
		r.Post("/{id}/retry", o.handleRetry)
		r.Delete("/{id}", o.handleDelete)
	})
}

// OutboxListResponse is the response for GET /admin/outbox
type OutboxListResponse struct {
	Entries []*outbox.Entry `json:"entries"`
	Total   int             `json:"total"`
	Stats   *outbox.Stats   `json:"stats,omitempty"`
}

// DLQListResponse is the response for GET /admin/outbox/dlq
type DLQListResponse struct {
	Entries []*outbox.Entry  `json:"entries"`
	Total   int              `json:"total"`
	Stats   *outbox.DLQStats `json:"stats,omitempty"`
}

func (o *OutboxServer) handleList(w http.ResponseWriter, r *http.Request) {
	filter := outbox.ListFilter{
		Status: outbox.Status(r.URL.Query().Get("status")),
		ListID: r.URL.Query().Get("list_id"),
		Limit:  queryInt(r, "limit", 100, 1000),
		Offset: queryInt(r, "offset", 0, 1000000),
	}

	entries, err := o.storage.List(r.Context(), filter)
	if err != nil {
		o.logger.Error("failed to list outbox entries", "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to list outbox")
		return
	}
	if entries == nil {
		entries = []*outbox.Entry{}
	}

	stats, err := o.storage.Stats(r.Context())
	if err != nil {
		o.logger.Warn("failed to get outbox stats", "error", err)
	}

	sendJSON(w, http.StatusOK, OutboxListResponse{Entries: entries, Total: len(entries), Stats: stats})
}

func (o *OutboxServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := o.storage.Stats(r.Context())
	if err != nil {
		o.logger.Error("failed to get outbox stats", "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to get stats")
		return
	}
	sendJSON(w, http.StatusOK, stats)
}

func (o *OutboxServer) handleDLQ(w http.ResponseWriter, r *http.Request) {
	entries, err := o.storage.ListDLQ(r.Context(),
		queryInt(r, "limit", 100, 1000), queryInt(r, "offset", 0, 1000000))
	if err != nil {
		o.logger.Error("failed to list dead letter queue", "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to list dead letter queue")
		return
	}
	if entries == nil {
		entries = []*outbox.Entry{}
	}

	stats, err := o.storage.DLQStats(r.Context())
	if err != nil {
		o.logger.Warn("failed to get dead letter stats", "error", err)
	}

	sendJSON(w, http.StatusOK, DLQListResponse{Entries: entries, Total: len(entries), Stats: stats})
}

func (o *OutboxServer) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, err := o.storage.Get(r.Context(), id)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to get entry")
		return
	}
	if entry == nil {
		notFoundf(w, "Entry %s not found", id)
		return
	}
	sendJSON(w, http.StatusOK, entry)
}

func (o *OutboxServer) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := o.storage.Retry(r.Context(), id)
	switch {
	case err == nil:
	case errors.Is(err, outbox.ErrNotFound):
		notFoundf(w, "Entry %s not found", id)
		return
	case errors.Is(err, outbox.ErrNotRetryable):
		sendError(w, http.StatusConflict, err.Error())
		return
	default:
		o.logger.Error("failed to retry entry", "id", id, "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to retry entry")
		return
	}

	o.logger.Info("outbox entry requeued", "id", id)

	entry, err := o.storage.Get(r.Context(), id)
	if err != nil || entry == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	sendJSON(w, http.StatusOK, entry)
}

func (o *OutboxServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := o.storage.Delete(r.Context(), id); err != nil {
		if errors.Is(err, outbox.ErrNotFound) {
			notFoundf(w, "Entry %s not found", id)
			return
		}
		o.logger.Error("failed to delete entry", "id", id, "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to delete entry")
		return
	}

	o.logger.Info("outbox entry deleted", "id", id)
	w.WriteHeader(http.StatusNoContent)
}
