package api

import (
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/repository"
)

// FoldersHandler reports the folders the engine has synced and where each one stands.
type FoldersHandler struct {
	pool *pgxpool.Pool
	repo *repository.Repository
	log  *zerolog.Logger
}

func NewFoldersHandler(pool *pgxpool.Pool, repo *repository.Repository, log *zerolog.Logger) *FoldersHandler {
	return &FoldersHandler{pool: pool, repo: repo, log: log}
}

// GetFolders returns one entry per folder cursor. It reads local state only,
// so folders the server has but no sync has reached yet are not listed.
func (h *FoldersHandler) GetFolders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ownerID, ok := GetOwnerIDFromContext(ctx, w, h.pool, h.log)
	if !ok {
		return
	}

	cursors, err := h.repo.Folders(ctx, ownerID, pathVar(r, "accountID"))
	if err != nil {
		writeStoreError(w, err, h.log)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Folders []models.FolderCursor `json:"folders"`
	}{cursors}, h.log)
}
