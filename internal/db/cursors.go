package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/vdavid/mailsync/internal/models"
)

// GetFolderCursor returns the stored cursor, or nil if the folder was never synced.
func GetFolderCursor(ctx context.Context, q Querier, accountID, folderName string) (*models.FolderCursor, error) {
	var c models.FolderCursor
	var uidValidity, lastSeen int64
	err := q.QueryRow(ctx, `
		SELECT account_id, folder_name, uid_validity, last_seen_uid, last_sync_at, last_sync_status, last_sync_error
		FROM folder_cursors
		WHERE account_id = $1 AND folder_name = $2
	`, accountID, folderName).Scan(
		&c.AccountID, &c.FolderName, &uidValidity, &lastSeen, &c.LastSyncAt, &c.LastSyncStatus, &c.LastSyncError,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get folder cursor: %w", err)
	}

	c.UIDValidity = uint32(uidValidity)
	c.LastSeenUID = uint32(lastSeen)
	return &c, nil
}

// ListFolderCursors returns every cursor for the account ordered by folder name.
func ListFolderCursors(ctx context.Context, q Querier, accountID string) ([]models.FolderCursor, error) {
	rows, err := q.Query(ctx, `
		SELECT account_id, folder_name, uid_validity, last_seen_uid, last_sync_at, last_sync_status, last_sync_error
		FROM folder_cursors
		WHERE account_id = $1
		ORDER BY folder_name
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list folder cursors: %w", err)
	}
	defer rows.Close()

	var cursors []models.FolderCursor
	for rows.Next() {
		var c models.FolderCursor
		var uidValidity, lastSeen int64
		if err := rows.Scan(&c.AccountID, &c.FolderName, &uidValidity, &lastSeen, &c.LastSyncAt, &c.LastSyncStatus, &c.LastSyncError); err != nil {
			return nil, fmt.Errorf("failed to scan folder cursor: %w", err)
		}
		c.UIDValidity = uint32(uidValidity)
		c.LastSeenUID = uint32(lastSeen)
		cursors = append(cursors, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating folder cursors: %w", err)
	}

	return cursors, nil
}

// AdvanceFolderCursor moves the cursor to lastSeenUID within uidValidity.
// Within one epoch the cursor never moves backwards. A different uidValidity
// starts a new epoch and replaces the old position outright.
// Call it in the same transaction as the batch it covers.
func AdvanceFolderCursor(ctx context.Context, q Querier, accountID, folderName string, uidValidity, lastSeenUID uint32) error {
	_, err := q.Exec(ctx, `
		INSERT INTO folder_cursors (account_id, folder_name, uid_validity, last_seen_uid)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id, folder_name) DO UPDATE SET
			last_seen_uid = CASE
				WHEN folder_cursors.uid_validity = EXCLUDED.uid_validity
					THEN GREATEST(folder_cursors.last_seen_uid, EXCLUDED.last_seen_uid)
				ELSE EXCLUDED.last_seen_uid
			END,
			uid_validity = EXCLUDED.uid_validity
	`, accountID, folderName, int64(uidValidity), int64(lastSeenUID))
	if err != nil {
		return fmt.Errorf("failed to advance folder cursor: %w", err)
	}
	return nil
}

// RecordFolderSyncResult stamps the outcome of the latest pass over a folder.
// It does not touch the UID position.
func RecordFolderSyncResult(ctx context.Context, q Querier, accountID, folderName, status, syncErr string) error {
	_, err := q.Exec(ctx, `
		UPDATE folder_cursors
		SET last_sync_at = now(), last_sync_status = $3, last_sync_error = $4
		WHERE account_id = $1 AND folder_name = $2
	`, accountID, folderName, status, syncErr)
	if err != nil {
		return fmt.Errorf("failed to record folder sync result: %w", err)
	}
	return nil
}
