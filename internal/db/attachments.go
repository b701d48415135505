package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/vdavid/mailsync/internal/models"
)

// ErrAttachmentNotFound is returned when a requested attachment cannot be found.
var ErrAttachmentNotFound = errors.New("attachment not found")

const attachmentColumns = `
	id, email_id, account_id, filename, content_type, size_bytes, content_id,
	is_inline, storage_ref, content_hash, part_locator, part_encoding, status`

func scanAttachment(row pgx.Row) (*models.Attachment, error) {
	var a models.Attachment
	err := row.Scan(
		&a.ID, &a.EmailID, &a.AccountID, &a.Filename, &a.ContentType, &a.SizeBytes, &a.ContentID,
		&a.IsInline, &a.StorageRef, &a.ContentHash, &a.PartLocator, &a.PartEncoding, &a.Status,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// InsertAttachment saves attachment metadata and fills in its id.
func InsertAttachment(ctx context.Context, q Querier, a *models.Attachment) error {
	err := q.QueryRow(ctx, `
		INSERT INTO attachments (
			email_id, account_id, filename, content_type, size_bytes, content_id,
			is_inline, storage_ref, content_hash, part_locator, part_encoding, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id
	`,
		a.EmailID, a.AccountID, a.Filename, a.ContentType, a.SizeBytes, a.ContentID,
		a.IsInline, a.StorageRef, a.ContentHash, a.PartLocator, a.PartEncoding, a.Status,
	).Scan(&a.ID)

	if err != nil {
		return fmt.Errorf("failed to save attachment: %w", err)
	}
	return nil
}

// FindStorageRefByHash returns the storage ref of a stored attachment with the same
// content hash in the account, or "" if there is none.
func FindStorageRefByHash(ctx context.Context, q Querier, accountID, contentHash string) (string, error) {
	var ref string
	err := q.QueryRow(ctx, `
		SELECT storage_ref FROM attachments
		WHERE account_id = $1 AND content_hash = $2 AND status = 'stored'
		ORDER BY created_at
		LIMIT 1
	`, accountID, contentHash).Scan(&ref)

	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up attachment hash: %w", err)
	}
	return ref, nil
}

// GetAttachmentForOwner returns the attachment if it belongs to one of ownerID's accounts.
func GetAttachmentForOwner(ctx context.Context, q Querier, ownerID, attachmentID string) (*models.Attachment, error) {
	a, err := scanAttachment(q.QueryRow(ctx, `
		SELECT `+prefixed("att.", attachmentColumns)+`
		FROM attachments att
		JOIN email_accounts acc ON acc.id = att.account_id
		WHERE att.id = $1 AND acc.owner_id = $2
	`, attachmentID, ownerID))

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAttachmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get attachment: %w", err)
	}
	return a, nil
}

// GetAttachment returns an attachment by id.
func GetAttachment(ctx context.Context, q Querier, attachmentID string) (*models.Attachment, error) {
	a, err := scanAttachment(q.QueryRow(ctx, `SELECT `+attachmentColumns+` FROM attachments WHERE id = $1`, attachmentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAttachmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get attachment: %w", err)
	}
	return a, nil
}

// GetAttachmentsForEmails returns attachments grouped by email id.
func GetAttachmentsForEmails(ctx context.Context, q Querier, emailIDs []string) (map[string][]models.Attachment, error) {
	rows, err := q.Query(ctx, `
		SELECT `+attachmentColumns+` FROM attachments
		WHERE email_id = ANY($1)
		ORDER BY created_at, id
	`, emailIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to get attachments: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]models.Attachment)
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		out[a.EmailID] = append(out[a.EmailID], *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attachments: %w", err)
	}
	return out, nil
}

// MarkAttachmentStored records bytes fetched after the sync that discovered the part.
func MarkAttachmentStored(ctx context.Context, q Querier, attachmentID, storageRef, contentHash string, size int64) error {
	tag, err := q.Exec(ctx, `
		UPDATE attachments
		SET storage_ref = $2, content_hash = $3, size_bytes = $4, status = 'stored'
		WHERE id = $1 AND status <> 'stored'
	`, attachmentID, storageRef, contentHash, size)
	if err != nil {
		return fmt.Errorf("failed to mark attachment stored: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAttachmentNotFound
	}
	return nil
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
