package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/vdavid/mailsync/internal/models"
)

// ErrAccountNotFound is returned when an account does not exist or belongs to someone else.
var ErrAccountNotFound = errors.New("email account not found")

// ErrAccountExists is returned when the owner already has an account with that address.
var ErrAccountExists = errors.New("email account already exists")

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const accountColumns = `
	id, owner_id, email_address,
	imap_server_hostname, imap_username, encrypted_imap_secret,
	smtp_server_hostname, smtp_username, encrypted_smtp_secret,
	is_default, is_active, sync_enabled,
	status, status_error, last_sync_at,
	created_at, updated_at`

func scanAccount(row pgx.Row) (*models.EmailAccount, error) {
	var a models.EmailAccount
	err := row.Scan(
		&a.ID, &a.OwnerID, &a.EmailAddress,
		&a.IMAPServerHostname, &a.IMAPUsername, &a.EncryptedIMAPSecret,
		&a.SMTPServerHostname, &a.SMTPUsername, &a.EncryptedSMTPSecret,
		&a.IsDefault, &a.IsActive, &a.SyncEnabled,
		&a.Status, &a.StatusError, &a.LastSyncAt,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateAccount inserts a new account and fills in its id and timestamps.
func CreateAccount(ctx context.Context, q Querier, a *models.EmailAccount) error {
	err := q.QueryRow(ctx, `
		INSERT INTO email_accounts (
			owner_id, email_address,
			imap_server_hostname, imap_username, encrypted_imap_secret,
			smtp_server_hostname, smtp_username, encrypted_smtp_secret,
			is_default, is_active, sync_enabled
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, status, created_at, updated_at
	`,
		a.OwnerID, a.EmailAddress,
		a.IMAPServerHostname, a.IMAPUsername, a.EncryptedIMAPSecret,
		a.SMTPServerHostname, a.SMTPUsername, a.EncryptedSMTPSecret,
		a.IsDefault, a.IsActive, a.SyncEnabled,
	).Scan(&a.ID, &a.Status, &a.CreatedAt, &a.UpdatedAt)

	if isUniqueViolation(err) {
		return ErrAccountExists
	}
	if err != nil {
		return fmt.Errorf("failed to create email account: %w", err)
	}

	return clearOtherDefaults(ctx, q, a)
}

// UpdateAccount saves connection parameters and flags.
// A nil encrypted secret keeps the stored one. Saving new credentials clears an error status.
func UpdateAccount(ctx context.Context, q Querier, a *models.EmailAccount) error {
	err := q.QueryRow(ctx, `
		UPDATE email_accounts SET
			email_address = $3,
			imap_server_hostname = $4,
			imap_username = $5,
			encrypted_imap_secret = COALESCE($6, encrypted_imap_secret),
			smtp_server_hostname = $7,
			smtp_username = $8,
			encrypted_smtp_secret = COALESCE($9, encrypted_smtp_secret),
			is_default = $10,
			is_active = $11,
			sync_enabled = $12,
			status = CASE WHEN $6::bytea IS NOT NULL THEN 'ok' ELSE status END,
			status_error = CASE WHEN $6::bytea IS NOT NULL THEN '' ELSE status_error END,
			updated_at = now()
		WHERE id = $1 AND owner_id = $2
		RETURNING ` + accountColumns,
		a.ID, a.OwnerID, a.EmailAddress,
		a.IMAPServerHostname, a.IMAPUsername, nilIfEmpty(a.EncryptedIMAPSecret),
		a.SMTPServerHostname, a.SMTPUsername, nilIfEmpty(a.EncryptedSMTPSecret),
		a.IsDefault, a.IsActive, a.SyncEnabled,
	).Scan(
		&a.ID, &a.OwnerID, &a.EmailAddress,
		&a.IMAPServerHostname, &a.IMAPUsername, &a.EncryptedIMAPSecret,
		&a.SMTPServerHostname, &a.SMTPUsername, &a.EncryptedSMTPSecret,
		&a.IsDefault, &a.IsActive, &a.SyncEnabled,
		&a.Status, &a.StatusError, &a.LastSyncAt,
		&a.CreatedAt, &a.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return ErrAccountNotFound
	}
	if isUniqueViolation(err) {
		return ErrAccountExists
	}
	if err != nil {
		return fmt.Errorf("failed to update email account: %w", err)
	}

	return clearOtherDefaults(ctx, q, a)
}

// clearOtherDefaults keeps at most one default account per owner.
func clearOtherDefaults(ctx context.Context, q Querier, a *models.EmailAccount) error {
	if !a.IsDefault {
		return nil
	}
	_, err := q.Exec(ctx, `
		UPDATE email_accounts SET is_default = false
		WHERE owner_id = $1 AND id <> $2 AND is_default
	`, a.OwnerID, a.ID)
	if err != nil {
		return fmt.Errorf("failed to clear default account: %w", err)
	}
	return nil
}

func nilIfEmpty(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

// GetAccount returns an account by id regardless of owner. Used by the sync engine.
func GetAccount(ctx context.Context, q Querier, accountID string) (*models.EmailAccount, error) {
	a, err := scanAccount(q.QueryRow(ctx, `SELECT `+accountColumns+` FROM email_accounts WHERE id = $1`, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email account: %w", err)
	}
	return a, nil
}

// GetAccountForOwner returns the account only if ownerID owns it.
func GetAccountForOwner(ctx context.Context, q Querier, ownerID, accountID string) (*models.EmailAccount, error) {
	a, err := scanAccount(q.QueryRow(ctx, `
		SELECT `+accountColumns+` FROM email_accounts WHERE id = $1 AND owner_id = $2
	`, accountID, ownerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email account: %w", err)
	}
	return a, nil
}

// ListAccountsForOwner returns the owner's accounts, default first.
func ListAccountsForOwner(ctx context.Context, q Querier, ownerID string) ([]*models.EmailAccount, error) {
	return queryAccounts(ctx, q, `
		SELECT `+accountColumns+` FROM email_accounts
		WHERE owner_id = $1
		ORDER BY is_default DESC, created_at
	`, ownerID)
}

// ListSyncableAccounts returns accounts the periodic trigger should sync.
// Accounts in error status are skipped until their credentials are re-entered.
func ListSyncableAccounts(ctx context.Context, q Querier) ([]*models.EmailAccount, error) {
	return queryAccounts(ctx, q, `
		SELECT `+accountColumns+` FROM email_accounts
		WHERE sync_enabled AND is_active AND status = 'ok'
		ORDER BY id
	`)
}

func queryAccounts(ctx context.Context, q Querier, sql string, args ...any) ([]*models.EmailAccount, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list email accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.EmailAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan email account: %w", err)
		}
		accounts = append(accounts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating email accounts: %w", err)
	}

	return accounts, nil
}

// SetAccountStatus records the engine's view of the account's health.
func SetAccountStatus(ctx context.Context, q Querier, accountID string, status models.AccountStatus, statusError string) error {
	tag, err := q.Exec(ctx, `
		UPDATE email_accounts SET status = $2, status_error = $3, updated_at = now()
		WHERE id = $1
	`, accountID, status, statusError)
	if err != nil {
		return fmt.Errorf("failed to set account status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// TouchAccountSynced marks a successful sync.
func TouchAccountSynced(ctx context.Context, q Querier, accountID string) error {
	_, err := q.Exec(ctx, `
		UPDATE email_accounts SET last_sync_at = now(), status = 'ok', status_error = ''
		WHERE id = $1
	`, accountID)
	if err != nil {
		return fmt.Errorf("failed to update last sync time: %w", err)
	}
	return nil
}
