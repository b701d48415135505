package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/vdavid/mailsync/internal/jobs"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/repository"
)

// SyncHandler triggers syncs and reports their progress. Triggering never
// waits for the sync itself.
type SyncHandler struct {
	pool  *pgxpool.Pool
	repo  *repository.Repository
	queue *jobs.Queue
	log   *zerolog.Logger
}

func NewSyncHandler(pool *pgxpool.Pool, repo *repository.Repository, queue *jobs.Queue, log *zerolog.Logger) *SyncHandler {
	return &SyncHandler{pool: pool, repo: repo, queue: queue, log: log}
}

// Trigger enqueues a sync and answers 202 with the live job. Repeated
// triggers while a job is pending or running return that same job.
func (h *SyncHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ownerID, ok := GetOwnerIDFromContext(ctx, w, h.pool, h.log)
	if !ok {
		return
	}

	req := models.SyncRequest{Kind: models.JobKindIncremental}
	// An empty body means an incremental, non-immediate sync.
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Kind == "" {
		req.Kind = models.JobKindIncremental
	}
	if !req.Kind.Valid() {
		http.Error(w, "kind must be full or incremental", http.StatusBadRequest)
		return
	}

	account, err := h.repo.Account(ctx, ownerID, pathVar(r, "accountID"))
	if err != nil {
		writeStoreError(w, err, h.log)
		return
	}

	job, _, err := h.queue.Enqueue(ctx, account, req.Kind, req.Immediate)
	if err != nil {
		writeStoreError(w, err, h.log)
		return
	}

	writeJSON(w, http.StatusAccepted, models.SyncAccepted{JobID: job.ID, Status: job.Status, Kind: job.Kind}, h.log)
}

// Status returns the pollable sync summary.
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ownerID, ok := GetOwnerIDFromContext(ctx, w, h.pool, h.log)
	if !ok {
		return
	}

	status, err := h.repo.SyncStatus(ctx, ownerID, pathVar(r, "accountID"))
	if err != nil {
		writeStoreError(w, err, h.log)
		return
	}
	writeJSON(w, http.StatusOK, status, h.log)
}

// Jobs returns the account's recent job audit trail.
func (h *SyncHandler) Jobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ownerID, ok := GetOwnerIDFromContext(ctx, w, h.pool, h.log)
	if !ok {
		return
	}

	list, err := h.repo.Jobs(ctx, ownerID, pathVar(r, "accountID"))
	if err != nil {
		writeStoreError(w, err, h.log)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Jobs []*models.SyncJob `json:"jobs"`
	}{list}, h.log)
}
