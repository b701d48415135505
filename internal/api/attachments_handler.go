package api

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/vdavid/mailsync/internal/attachments"
	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/models"
)

// AttachmentOpener returns attachment bytes, fetching deferred ones on demand.
// *attachments.Store is the production implementation.
type AttachmentOpener interface {
	Open(ctx context.Context, att *models.Attachment) (io.ReadCloser, *models.Attachment, error)
}

// AttachmentLink is a short-lived download reference.
type AttachmentLink struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

type AttachmentsHandler struct {
	pool    *pgxpool.Pool
	store   AttachmentOpener
	signer  *crypto.LinkSigner
	baseURL string
	ttl     time.Duration
	log     *zerolog.Logger
}

func NewAttachmentsHandler(pool *pgxpool.Pool, store AttachmentOpener, signer *crypto.LinkSigner, baseURL string, ttl time.Duration, log *zerolog.Logger) *AttachmentsHandler {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &AttachmentsHandler{
		pool:    pool,
		store:   store,
		signer:  signer,
		baseURL: strings.TrimRight(baseURL, "/"),
		ttl:     ttl,
		log:     log,
	}
}

// Link returns a signed download URL for an attachment the caller owns.
func (h *AttachmentsHandler) Link(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ownerID, ok := GetOwnerIDFromContext(ctx, w, h.pool, h.log)
	if !ok {
		return
	}

	att, err := db.GetAttachmentForOwner(ctx, h.pool, ownerID, pathVar(r, "attachmentID"))
	if err != nil {
		writeStoreError(w, err, h.log)
		return
	}

	expires, sig := h.signer.Sign(att.ID, h.ttl)
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", sig)

	writeJSON(w, http.StatusOK, AttachmentLink{
		URL:       h.baseURL + "/api/v1/attachments/" + url.PathEscape(att.ID) + "/download?" + q.Encode(),
		ExpiresAt: time.Unix(expires, 0).UTC(),
	}, h.log)
}

// Download streams the attachment. The signed query is the credential, so
// the route sits outside bearer auth.
func (h *AttachmentsHandler) Download(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	attachmentID := pathVar(r, "attachmentID")
	query := r.URL.Query()

	if err := h.signer.Verify(attachmentID, query.Get("expires"), query.Get("sig")); err != nil {
		if errors.Is(err, crypto.ErrLinkExpired) {
			http.Error(w, "Link expired", http.StatusGone)
			return
		}
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	att, err := db.GetAttachment(ctx, h.pool, attachmentID)
	if err != nil {
		writeStoreError(w, err, h.log)
		return
	}

	body, att, err := h.store.Open(ctx, att)
	switch {
	case errors.Is(err, attachments.ErrNotStored), errors.Is(err, attachments.ErrBlobNotFound):
		http.Error(w, "Attachment content unavailable", http.StatusNotFound)
		return
	case err != nil:
		h.log.Error().Err(err).Str("attachment_id", attachmentID).Msg("Failed to open attachment")
		http.Error(w, "Failed to fetch attachment", http.StatusBadGateway)
		return
	}
	defer func() { _ = body.Close() }()

	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": att.Filename}))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if att.SizeBytes > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(att.SizeBytes, 10))
	}

	if _, err := io.Copy(w, body); err != nil {
		h.log.Debug().Err(err).Str("attachment_id", attachmentID).Msg("Attachment download interrupted")
	}
}
