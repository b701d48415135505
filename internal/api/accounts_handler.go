package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/logging"
	"github.com/vdavid/mailsync/internal/models"
)

// AccountsHandler manages the owner's email accounts. Responses never carry
// secrets, only whether one is set.
type AccountsHandler struct {
	pool      *pgxpool.Pool
	encryptor *crypto.Encryptor
	log       *zerolog.Logger
}

func NewAccountsHandler(pool *pgxpool.Pool, encryptor *crypto.Encryptor, log *zerolog.Logger) *AccountsHandler {
	return &AccountsHandler{pool: pool, encryptor: encryptor, log: log}
}

func (h *AccountsHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ownerID, ok := GetOwnerIDFromContext(ctx, w, h.pool, h.log)
	if !ok {
		return
	}

	accounts, err := db.ListAccountsForOwner(ctx, h.pool, ownerID)
	if err != nil {
		writeStoreError(w, err, h.log)
		return
	}

	out := make([]models.AccountResponse, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, a.ToResponse())
	}
	writeJSON(w, http.StatusOK, struct {
		Accounts []models.AccountResponse `json:"accounts"`
	}{out}, h.log)
}

func (h *AccountsHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ownerID, ok := GetOwnerIDFromContext(ctx, w, h.pool, h.log)
	if !ok {
		return
	}

	account, err := db.GetAccountForOwner(ctx, h.pool, ownerID, pathVar(r, "accountID"))
	if err != nil {
		writeStoreError(w, err, h.log)
		return
	}
	writeJSON(w, http.StatusOK, account.ToResponse(), h.log)
}

// Create adds an account. The IMAP password is required here.
func (h *AccountsHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ownerID, ok := GetOwnerIDFromContext(ctx, w, h.pool, h.log)
	if !ok {
		return
	}

	var req models.AccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := validateAccountRequest(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.IMAPPassword == "" {
		http.Error(w, "IMAP password is required for a new account", http.StatusBadRequest)
		return
	}

	account := &models.EmailAccount{
		OwnerID:     ownerID,
		IsActive:    boolOr(req.IsActive, true),
		SyncEnabled: boolOr(req.SyncEnabled, true),
	}
	if !h.apply(w, account, &req) {
		return
	}

	err := db.WithTx(ctx, h.pool, func(tx pgx.Tx) error {
		return db.CreateAccount(ctx, tx, account)
	})
	if errors.Is(err, db.ErrAccountExists) {
		http.Error(w, "An account with this address already exists", http.StatusConflict)
		return
	}
	if err != nil {
		writeStoreError(w, err, h.log)
		return
	}

	h.log.Info().Str("account_id", account.ID).Str("email", logging.MaskEmail(account.EmailAddress)).Msg("Email account created")
	writeJSON(w, http.StatusCreated, account.ToResponse(), h.log)
}

// Update saves an edited account. A blank password keeps the stored secret;
// a new IMAP password clears a credential error.
func (h *AccountsHandler) Update(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ownerID, ok := GetOwnerIDFromContext(ctx, w, h.pool, h.log)
	if !ok {
		return
	}

	var req models.AccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := validateAccountRequest(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	existing, err := db.GetAccountForOwner(ctx, h.pool, ownerID, pathVar(r, "accountID"))
	if err != nil {
		writeStoreError(w, err, h.log)
		return
	}

	account := &models.EmailAccount{
		ID:          existing.ID,
		OwnerID:     ownerID,
		IsActive:    boolOr(req.IsActive, existing.IsActive),
		SyncEnabled: boolOr(req.SyncEnabled, existing.SyncEnabled),
	}
	if !h.apply(w, account, &req) {
		return
	}

	err = db.WithTx(ctx, h.pool, func(tx pgx.Tx) error {
		return db.UpdateAccount(ctx, tx, account)
	})
	if errors.Is(err, db.ErrAccountExists) {
		http.Error(w, "An account with this address already exists", http.StatusConflict)
		return
	}
	if err != nil {
		writeStoreError(w, err, h.log)
		return
	}

	h.log.Info().Str("account_id", account.ID).Bool("imap_secret_changed", req.IMAPPassword != "").Msg("Email account updated")
	writeJSON(w, http.StatusOK, account.ToResponse(), h.log)
}

// apply copies request fields onto account and seals any new passwords.
// Blank passwords leave the secret fields nil.
func (h *AccountsHandler) apply(w http.ResponseWriter, account *models.EmailAccount, req *models.AccountRequest) bool {
	account.EmailAddress = req.EmailAddress
	account.IMAPServerHostname = req.IMAPServerHostname
	account.IMAPUsername = req.IMAPUsername
	account.SMTPServerHostname = req.SMTPServerHostname
	account.SMTPUsername = req.SMTPUsername
	account.IsDefault = req.IsDefault

	var err error
	if req.IMAPPassword != "" {
		if account.EncryptedIMAPSecret, err = h.encryptor.Encrypt(req.IMAPPassword); err != nil {
			h.log.Error().Err(err).Msg("Failed to encrypt IMAP password")
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return false
		}
	}
	if req.SMTPPassword != "" {
		if account.EncryptedSMTPSecret, err = h.encryptor.Encrypt(req.SMTPPassword); err != nil {
			h.log.Error().Err(err).Msg("Failed to encrypt SMTP password")
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return false
		}
	}
	return true
}

// validateAccountRequest trims the request in place and checks required fields.
// Passwords are checked by the caller since edits may leave them blank.
func validateAccountRequest(req *models.AccountRequest) error {
	req.EmailAddress = strings.TrimSpace(req.EmailAddress)
	req.IMAPServerHostname = strings.TrimSpace(req.IMAPServerHostname)
	req.IMAPUsername = strings.TrimSpace(req.IMAPUsername)
	req.SMTPServerHostname = strings.TrimSpace(req.SMTPServerHostname)
	req.SMTPUsername = strings.TrimSpace(req.SMTPUsername)

	if req.EmailAddress == "" || !strings.Contains(req.EmailAddress, "@") {
		return errors.New("a valid email address is required")
	}
	if req.IMAPServerHostname == "" {
		return errors.New("IMAP server hostname is required")
	}
	if req.IMAPUsername == "" {
		return errors.New("IMAP username is required")
	}
	if req.SMTPServerHostname != "" && req.SMTPUsername == "" {
		return errors.New("SMTP username is required when an SMTP server is set")
	}
	return nil
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
