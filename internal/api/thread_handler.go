package api

import (
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/vdavid/mailsync/internal/repository"
)

type ThreadHandler struct {
	pool *pgxpool.Pool
	repo *repository.Repository
	log  *zerolog.Logger
}

func NewThreadHandler(pool *pgxpool.Pool, repo *repository.Repository, log *zerolog.Logger) *ThreadHandler {
	return &ThreadHandler{pool: pool, repo: repo, log: log}
}

// GetThread returns the thread with its messages, attachments and labels.
// Bodies come from the local store only; the handler never talks to IMAP.
func (h *ThreadHandler) GetThread(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ownerID, ok := GetOwnerIDFromContext(ctx, w, h.pool, h.log)
	if !ok {
		return
	}

	thread, err := h.repo.Thread(ctx, ownerID, pathVar(r, "threadID"))
	if err != nil {
		writeStoreError(w, err, h.log)
		return
	}
	writeJSON(w, http.StatusOK, thread, h.log)
}
