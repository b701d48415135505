package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/repository"
	"github.com/vdavid/mailsync/internal/smtp"
)

// MailSender hands a message off for background delivery.
// *smtp.Sender is the production implementation.
type MailSender interface {
	Send(ctx context.Context, account *models.EmailAccount, msg *smtp.Message)
}

// SendRequest is the outbound message payload.
type SendRequest struct {
	To         []string `json:"to"`
	Cc         []string `json:"cc"`
	Subject    string   `json:"subject"`
	Text       string   `json:"text"`
	HTML       string   `json:"html"`
	InReplyTo  string   `json:"in_reply_to"`
	References []string `json:"references"`
}

// MessagesHandler queues outbound mail. Delivery is not reported back.
type MessagesHandler struct {
	pool   *pgxpool.Pool
	repo   *repository.Repository
	sender MailSender
	log    *zerolog.Logger
}

func NewMessagesHandler(pool *pgxpool.Pool, repo *repository.Repository, sender MailSender, log *zerolog.Logger) *MessagesHandler {
	return &MessagesHandler{pool: pool, repo: repo, sender: sender, log: log}
}

func (h *MessagesHandler) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ownerID, ok := GetOwnerIDFromContext(ctx, w, h.pool, h.log)
	if !ok {
		return
	}

	var req SendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.To = cleanAddresses(req.To)
	req.Cc = cleanAddresses(req.Cc)
	if len(req.To) == 0 {
		http.Error(w, "at least one recipient is required", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Subject) == "" {
		http.Error(w, "subject is required", http.StatusBadRequest)
		return
	}

	account, err := h.repo.Account(ctx, ownerID, pathVar(r, "accountID"))
	if err != nil {
		writeStoreError(w, err, h.log)
		return
	}
	if account.SMTPServerHostname == "" {
		http.Error(w, "account has no SMTP server", http.StatusConflict)
		return
	}

	h.sender.Send(ctx, account, &smtp.Message{
		To:         req.To,
		Cc:         req.Cc,
		Subject:    req.Subject,
		Text:       req.Text,
		HTML:       req.HTML,
		InReplyTo:  req.InReplyTo,
		References: req.References,
	})

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"}, h.log)
}

func cleanAddresses(in []string) []string {
	out := make([]string, 0, len(in))
	for _, a := range in {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}
