package api

import (
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/vdavid/mailsync/internal/repository"
)

// ThreadsHandler handles thread-list requests.
type ThreadsHandler struct {
	pool *pgxpool.Pool
	repo *repository.Repository
	log  *zerolog.Logger
}

func NewThreadsHandler(pool *pgxpool.Pool, repo *repository.Repository, log *zerolog.Logger) *ThreadsHandler {
	return &ThreadsHandler{pool: pool, repo: repo, log: log}
}

// GetThreads returns a paginated list of the account's conversations.
// Serves cached data only; syncing is the job queue's business.
func (h *ThreadsHandler) GetThreads(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ownerID, ok := GetOwnerIDFromContext(ctx, w, h.pool, h.log)
	if !ok {
		return
	}

	page, limit := ParsePaginationParams(r, repository.DefaultPerPage)
	result, err := h.repo.ListThreads(ctx, ownerID, pathVar(r, "accountID"), page, limit)
	if err != nil {
		writeStoreError(w, err, h.log)
		return
	}
	writeJSON(w, http.StatusOK, result, h.log)
}
