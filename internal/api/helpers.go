package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/vdavid/mailsync/internal/auth"
	"github.com/vdavid/mailsync/internal/db"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

// GetOwnerIDFromContext resolves the authenticated email to the owning user,
// creating the user on first sight, and writes the HTTP error when it fails.
func GetOwnerIDFromContext(ctx context.Context, w http.ResponseWriter, pool *pgxpool.Pool, log *zerolog.Logger) (string, bool) {
	email, ok := auth.GetUserEmailFromContext(ctx)
	if !ok {
		log.Warn().Msg("No user email in context")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return "", false
	}

	ownerID, err := db.GetOrCreateUser(ctx, pool, email)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get or create user")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return "", false
	}

	return ownerID, true
}

// ParsePaginationParams parses page and limit from query parameters.
// Missing or invalid values fall back to page=1 and limit=defaultLimit.
func ParsePaginationParams(r *http.Request, defaultLimit int) (page, limit int) {
	page = 1
	limit = defaultLimit

	if pageStr := r.URL.Query().Get("page"); pageStr != "" {
		if parsed, err := strconv.Atoi(pageStr); err == nil && parsed > 0 {
			page = parsed
		}
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	return page, limit
}

// parseBoolParam returns nil when the parameter is absent or not a bool.
func parseBoolParam(r *http.Request, name string) *bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(name))
	if err != nil {
		return nil
	}
	return &v
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// writeJSON encodes to a buffer first so a failed encode never leaves a partial body.
func writeJSON(w http.ResponseWriter, status int, v any, log *zerolog.Logger) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

// writeStoreError maps not-found sentinels to 404 and everything else to 500.
func writeStoreError(w http.ResponseWriter, err error, log *zerolog.Logger) {
	switch {
	case errors.Is(err, db.ErrAccountNotFound):
		http.Error(w, "Account not found", http.StatusNotFound)
	case errors.Is(err, db.ErrThreadNotFound):
		http.Error(w, "Thread not found", http.StatusNotFound)
	case errors.Is(err, db.ErrEmailNotFound):
		http.Error(w, "Email not found", http.StatusNotFound)
	case errors.Is(err, db.ErrAttachmentNotFound):
		http.Error(w, "Attachment not found", http.StatusNotFound)
	case errors.Is(err, context.Canceled):
		// Client went away.
	default:
		log.Error().Err(err).Msg("Request failed")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func pathVar(r *http.Request, name string) string {
	return mux.Vars(r)[name]
}
