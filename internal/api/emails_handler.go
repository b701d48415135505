package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/repository"
)

// EmailsHandler serves email listings and local flag changes.
type EmailsHandler struct {
	pool *pgxpool.Pool
	repo *repository.Repository
	log  *zerolog.Logger
}

func NewEmailsHandler(pool *pgxpool.Pool, repo *repository.Repository, log *zerolog.Logger) *EmailsHandler {
	return &EmailsHandler{pool: pool, repo: repo, log: log}
}

// List returns a page of the account's emails.
// Query parameters: folder, unread, starred, q, page, limit.
func (h *EmailsHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ownerID, ok := GetOwnerIDFromContext(ctx, w, h.pool, h.log)
	if !ok {
		return
	}

	query := r.URL.Query()
	filter := models.EmailFilter{
		Folder:  strings.TrimSpace(query.Get("folder")),
		Unread:  parseBoolParam(r, "unread"),
		Starred: parseBoolParam(r, "starred"),
		Query:   query.Get("q"),
	}
	page, limit := ParsePaginationParams(r, repository.DefaultPerPage)

	result, err := h.repo.ListEmails(ctx, ownerID, pathVar(r, "accountID"), filter, page, limit)
	if err != nil {
		writeStoreError(w, err, h.log)
		return
	}
	writeJSON(w, http.StatusOK, result, h.log)
}

// Patch applies {is_read?, is_starred?, folder?} to one email and returns it.
// Nothing is written back to the IMAP server.
func (h *EmailsHandler) Patch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ownerID, ok := GetOwnerIDFromContext(ctx, w, h.pool, h.log)
	if !ok {
		return
	}

	var update models.FlagUpdate
	if err := decodeJSON(w, r, &update); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	email, err := h.repo.UpdateFlags(ctx, ownerID, pathVar(r, "emailID"), update)
	if errors.Is(err, repository.ErrEmptyUpdate) || errors.Is(err, repository.ErrInvalidFolder) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		writeStoreError(w, err, h.log)
		return
	}
	writeJSON(w, http.StatusOK, email, h.log)
}
