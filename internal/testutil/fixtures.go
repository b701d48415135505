package testutil

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TestAccount is a user plus one email account inserted directly with SQL.
type TestAccount struct {
	OwnerID   string
	AccountID string
	Email     string
}

// CreateTestAccount inserts a user and a sync-enabled account whose IMAP
// secret is sealed with the test encryptor.
func CreateTestAccount(t *testing.T, pool *pgxpool.Pool, email string, imapHost string) TestAccount {
	t.Helper()
	ctx := context.Background()

	var ownerID string
	err := pool.QueryRow(ctx, `
		INSERT INTO users (email) VALUES ($1)
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		RETURNING id
	`, email).Scan(&ownerID)
	if err != nil {
		t.Fatalf("Failed to create test user: %v", err)
	}

	secret, err := GetTestEncryptor(t).Encrypt("password")
	if err != nil {
		t.Fatalf("Failed to encrypt test secret: %v", err)
	}

	var accountID string
	err = pool.QueryRow(ctx, `
		INSERT INTO email_accounts (owner_id, email_address, imap_server_hostname, imap_username, encrypted_imap_secret, is_default)
		VALUES ($1, $2, $3, 'username', $4, true)
		RETURNING id
	`, ownerID, email, imapHost, secret).Scan(&accountID)
	if err != nil {
		t.Fatalf("Failed to create test account: %v", err)
	}

	return TestAccount{OwnerID: ownerID, AccountID: accountID, Email: email}
}

// CreateTestEmail inserts a thread and one INBOX email in it and returns the email id.
func CreateTestEmail(t *testing.T, pool *pgxpool.Pool, accountID, messageID string, uid uint32) string {
	t.Helper()
	ctx := context.Background()

	var threadID string
	err := pool.QueryRow(ctx, `
		INSERT INTO threads (account_id, normalized_subject, message_count, last_message_at)
		VALUES ($1, 'test', 1, now())
		RETURNING id
	`, accountID).Scan(&threadID)
	if err != nil {
		t.Fatalf("Failed to create test thread: %v", err)
	}

	var emailID string
	err = pool.QueryRow(ctx, `
		INSERT INTO emails (account_id, folder_name, uid_validity, imap_uid, message_id, dedup_key, thread_id, subject, received_at)
		VALUES ($1, 'INBOX', 1, $2, $3, 'mid:' || $3, $4, 'Test', now())
		RETURNING id
	`, accountID, int64(uid), messageID, threadID).Scan(&emailID)
	if err != nil {
		t.Fatalf("Failed to create test email: %v", err)
	}

	return emailID
}
