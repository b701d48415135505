package models

import "time"

// AccountStatus is the only part of an account the sync engine writes.
type AccountStatus string

const (
	AccountStatusOK    AccountStatus = "ok"
	AccountStatusError AccountStatus = "error"
)

// EmailAccount holds connection parameters and encrypted credentials for one mailbox.
type EmailAccount struct {
	ID                  string        `json:"id"`
	OwnerID             string        `json:"owner_id"`
	EmailAddress        string        `json:"email_address"`
	IMAPServerHostname  string        `json:"imap_server_hostname"`
	IMAPUsername        string        `json:"imap_username"`
	EncryptedIMAPSecret []byte        `json:"-"`
	SMTPServerHostname  string        `json:"smtp_server_hostname"`
	SMTPUsername        string        `json:"smtp_username"`
	EncryptedSMTPSecret []byte        `json:"-"`
	IsDefault           bool          `json:"is_default"`
	IsActive            bool          `json:"is_active"`
	SyncEnabled         bool          `json:"sync_enabled"`
	Status              AccountStatus `json:"status"`
	StatusError         string        `json:"status_error,omitempty"`
	LastSyncAt          *time.Time    `json:"last_sync_at,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// AccountRequest is the create/edit payload. A blank password keeps the stored secret.
type AccountRequest struct {
	EmailAddress       string `json:"email_address"`
	IMAPServerHostname string `json:"imap_server_hostname"`
	IMAPUsername       string `json:"imap_username"`
	IMAPPassword       string `json:"imap_password"`
	SMTPServerHostname string `json:"smtp_server_hostname"`
	SMTPUsername       string `json:"smtp_username"`
	SMTPPassword       string `json:"smtp_password"`
	IsDefault          bool   `json:"is_default"`
	IsActive           *bool  `json:"is_active"`
	SyncEnabled        *bool  `json:"sync_enabled"`
}

// AccountResponse is what read APIs return (secrets are never included).
type AccountResponse struct {
	ID                 string        `json:"id"`
	EmailAddress       string        `json:"email_address"`
	IMAPServerHostname string        `json:"imap_server_hostname"`
	IMAPUsername       string        `json:"imap_username"`
	IMAPPasswordSet    bool          `json:"imap_password_set"`
	SMTPServerHostname string        `json:"smtp_server_hostname"`
	SMTPUsername       string        `json:"smtp_username"`
	SMTPPasswordSet    bool          `json:"smtp_password_set"`
	IsDefault          bool          `json:"is_default"`
	IsActive           bool          `json:"is_active"`
	SyncEnabled        bool          `json:"sync_enabled"`
	Status             AccountStatus `json:"status"`
	StatusError        string        `json:"status_error,omitempty"`
	LastSyncAt         *time.Time    `json:"last_sync_at,omitempty"`
}

// ToResponse strips credentials from the account.
func (a *EmailAccount) ToResponse() AccountResponse {
	return AccountResponse{
		ID:                 a.ID,
		EmailAddress:       a.EmailAddress,
		IMAPServerHostname: a.IMAPServerHostname,
		IMAPUsername:       a.IMAPUsername,
		IMAPPasswordSet:    len(a.EncryptedIMAPSecret) > 0,
		SMTPServerHostname: a.SMTPServerHostname,
		SMTPUsername:       a.SMTPUsername,
		SMTPPasswordSet:    len(a.EncryptedSMTPSecret) > 0,
		IsDefault:          a.IsDefault,
		IsActive:           a.IsActive,
		SyncEnabled:        a.SyncEnabled,
		Status:             a.Status,
		StatusError:        a.StatusError,
		LastSyncAt:         a.LastSyncAt,
	}
}

// FolderCursor is the per-folder sync position. LastSeenUID is only meaningful within UIDValidity.
type FolderCursor struct {
	AccountID      string     `json:"account_id"`
	FolderName     string     `json:"folder_name"`
	UIDValidity    uint32     `json:"uid_validity"`
	LastSeenUID    uint32     `json:"last_seen_uid"`
	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`
	LastSyncStatus string     `json:"last_sync_status"`
	LastSyncError  string     `json:"last_sync_error,omitempty"`
}
