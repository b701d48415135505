package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/vdavid/mailsync/internal/models"
)

// ErrEmailNotFound is returned when a requested email cannot be found.
var ErrEmailNotFound = errors.New("email not found")

// emailSummaryColumns excludes bodies; listings never need them.
const emailSummaryColumns = `
	e.id, e.account_id, e.folder_name, e.uid_validity, e.imap_uid,
	e.message_id, e.in_reply_to, e.refs, e.thread_id, e.subject,
	e.from_address, e.to_addresses, e.cc_addresses, e.received_at,
	e.is_read, e.is_starred, e.has_attachments, e.dedup_hash,
	ARRAY(SELECT DISTINCT s.folder_name FROM email_sightings s WHERE s.email_id = e.id ORDER BY 1)`

const emailFullColumns = emailSummaryColumns + `, e.body_plain, e.body_html`

func scanEmail(row pgx.Row, withBodies bool) (*models.Email, error) {
	var e models.Email
	var uidValidity, uid int64
	dest := []any{
		&e.ID, &e.AccountID, &e.Folder, &uidValidity, &uid,
		&e.MessageID, &e.InReplyTo, &e.References, &e.ThreadID, &e.Subject,
		&e.FromAddress, &e.ToAddresses, &e.CCAddresses, &e.ReceivedAt,
		&e.IsRead, &e.IsStarred, &e.HasAttachments, &e.DedupHash,
		&e.Labels,
	}
	if withBodies {
		dest = append(dest, &e.BodyPlain, &e.BodyHTML)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	e.UIDValidity = uint32(uidValidity)
	e.IMAPUID = uint32(uid)
	return &e, nil
}

// InsertEmail inserts the canonical row for a logical message. If a row with the
// same dedup key already exists, nothing is written, e is filled with the existing
// id and thread, and inserted is false.
func InsertEmail(ctx context.Context, q Querier, e *models.Email, dedupKey string) (inserted bool, err error) {
	err = q.QueryRow(ctx, `
		INSERT INTO emails (
			account_id, folder_name, uid_validity, imap_uid,
			message_id, dedup_key, dedup_hash, in_reply_to, refs, thread_id,
			subject, from_address, to_addresses, cc_addresses,
			body_plain, body_html, received_at,
			is_read, is_starred, has_attachments
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (account_id, dedup_key) DO NOTHING
		RETURNING id
	`,
		e.AccountID, e.Folder, int64(e.UIDValidity), int64(e.IMAPUID),
		e.MessageID, dedupKey, e.DedupHash, e.InReplyTo, nonNil(e.References), e.ThreadID,
		e.Subject, e.FromAddress, nonNil(e.ToAddresses), nonNil(e.CCAddresses),
		e.BodyPlain, e.BodyHTML, e.ReceivedAt,
		e.IsRead, e.IsStarred, e.HasAttachments,
	).Scan(&e.ID)

	if err == nil {
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("failed to insert email: %w", err)
	}

	err = q.QueryRow(ctx, `
		SELECT id, thread_id FROM emails WHERE account_id = $1 AND dedup_key = $2
	`, e.AccountID, dedupKey).Scan(&e.ID, &e.ThreadID)
	if err != nil {
		return false, fmt.Errorf("failed to load existing email: %w", err)
	}
	return false, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// FindEmailIDByDedupKey returns the canonical email id for the key, or "" if none.
func FindEmailIDByDedupKey(ctx context.Context, q Querier, accountID, dedupKey string) (string, error) {
	var id string
	err := q.QueryRow(ctx, `
		SELECT id FROM emails WHERE account_id = $1 AND dedup_key = $2
	`, accountID, dedupKey).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up dedup key: %w", err)
	}
	return id, nil
}

// SightingExists reports whether (folder, uidValidity, uid) was already ingested.
// This is the primary dedup key.
func SightingExists(ctx context.Context, q Querier, accountID, folderName string, uidValidity, uid uint32) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM email_sightings
			WHERE account_id = $1 AND folder_name = $2 AND uid_validity = $3 AND imap_uid = $4
		)
	`, accountID, folderName, int64(uidValidity), int64(uid)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check sighting: %w", err)
	}
	return exists, nil
}

// AddSighting records that the email is visible at (folder, uidValidity, uid).
// It returns false when the sighting was already known.
func AddSighting(ctx context.Context, q Querier, emailID, accountID, folderName string, uidValidity, uid uint32) (bool, error) {
	tag, err := q.Exec(ctx, `
		INSERT INTO email_sightings (email_id, account_id, folder_name, uid_validity, imap_uid)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING
	`, emailID, accountID, folderName, int64(uidValidity), int64(uid))
	if err != nil {
		return false, fmt.Errorf("failed to add sighting: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Sighting is one place on the server where an email can be fetched.
type Sighting struct {
	Folder      string
	UIDValidity uint32
	UID         uint32
}

// CurrentSighting returns where the email can be fetched now: a sighting in
// its folder's current UIDVALIDITY epoch, preferring the folder the email row
// names. Sightings in folders without a cursor count as current. It returns
// nil when every sighting belongs to a stale epoch or none exist.
func CurrentSighting(ctx context.Context, q Querier, emailID string) (*Sighting, error) {
	var sighting Sighting
	var uidValidity, uid int64
	err := q.QueryRow(ctx, `
		SELECT s.folder_name, s.uid_validity, s.imap_uid
		FROM email_sightings s
		JOIN emails e ON e.id = s.email_id
		LEFT JOIN folder_cursors c ON c.account_id = s.account_id AND c.folder_name = s.folder_name
		WHERE s.email_id = $1 AND (c.uid_validity IS NULL OR c.uid_validity = s.uid_validity)
		ORDER BY (c.uid_validity IS NOT NULL) DESC, (s.folder_name = e.folder_name) DESC,
			s.uid_validity DESC, s.imap_uid DESC
		LIMIT 1
	`, emailID).Scan(&sighting.Folder, &uidValidity, &uid)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get current sighting: %w", err)
	}
	sighting.UIDValidity = uint32(uidValidity)
	sighting.UID = uint32(uid)
	return &sighting, nil
}

// GetEmailForOwner returns a full email if it belongs to one of ownerID's accounts.
func GetEmailForOwner(ctx context.Context, q Querier, ownerID, emailID string) (*models.Email, error) {
	e, err := scanEmail(q.QueryRow(ctx, `
		SELECT `+emailFullColumns+`
		FROM emails e
		JOIN email_accounts a ON a.id = e.account_id
		WHERE e.id = $1 AND a.owner_id = $2
	`, emailID, ownerID), true)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEmailNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email: %w", err)
	}
	return e, nil
}

// GetEmail returns an email by id without bodies.
func GetEmail(ctx context.Context, q Querier, emailID string) (*models.Email, error) {
	e, err := scanEmail(q.QueryRow(ctx, `SELECT `+emailSummaryColumns+` FROM emails e WHERE e.id = $1`, emailID), false)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEmailNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email: %w", err)
	}
	return e, nil
}

// GetEmailsForThread returns all messages of a thread, oldest first, with bodies.
func GetEmailsForThread(ctx context.Context, q Querier, threadID string) ([]models.Email, error) {
	rows, err := q.Query(ctx, `
		SELECT `+emailFullColumns+`
		FROM emails e
		WHERE e.thread_id = $1
		ORDER BY e.received_at, e.id
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to get thread emails: %w", err)
	}
	defer rows.Close()

	var emails []models.Email
	for rows.Next() {
		e, err := scanEmail(rows, true)
		if err != nil {
			return nil, fmt.Errorf("failed to scan email: %w", err)
		}
		emails = append(emails, *e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating emails: %w", err)
	}

	return emails, nil
}

// ListEmails returns one page of the account's emails, newest first, and the total match count.
// A folder filter matches the primary folder or any sighting label.
func ListEmails(ctx context.Context, q Querier, accountID string, f models.EmailFilter, limit, offset int) ([]models.Email, int, error) {
	where := []string{"e.account_id = $1"}
	args := []any{accountID}

	if f.Folder != "" {
		args = append(args, f.Folder)
		n := len(args)
		where = append(where, fmt.Sprintf(
			"(e.folder_name = $%d OR EXISTS (SELECT 1 FROM email_sightings s WHERE s.email_id = e.id AND s.folder_name = $%d))", n, n))
	}
	if f.Unread != nil {
		args = append(args, !*f.Unread)
		where = append(where, fmt.Sprintf("e.is_read = $%d", len(args)))
	}
	if f.Starred != nil {
		args = append(args, *f.Starred)
		where = append(where, fmt.Sprintf("e.is_starred = $%d", len(args)))
	}
	if text := strings.TrimSpace(f.Query); text != "" {
		args = append(args, "%"+escapeLike(text)+"%")
		n := len(args)
		where = append(where, fmt.Sprintf(
			"(e.subject ILIKE $%d OR e.from_address ILIKE $%d OR e.body_plain ILIKE $%d OR array_to_string(e.to_addresses, ' ') ILIKE $%d)", n, n, n, n))
	}

	cond := strings.Join(where, " AND ")

	var total int
	if err := q.QueryRow(ctx, `SELECT count(*) FROM emails e WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count emails: %w", err)
	}

	args = append(args, limit, offset)
	rows, err := q.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM emails e
		WHERE %s
		ORDER BY e.received_at DESC, e.id
		LIMIT $%d OFFSET $%d
	`, emailSummaryColumns, cond, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list emails: %w", err)
	}
	defer rows.Close()

	emails := []models.Email{}
	for rows.Next() {
		e, err := scanEmail(rows, false)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan email: %w", err)
		}
		emails = append(emails, *e)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating emails: %w", err)
	}

	return emails, total, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// CountEmails returns the account's total and unread email counts.
func CountEmails(ctx context.Context, q Querier, accountID string) (models.SyncCounts, error) {
	var c models.SyncCounts
	err := q.QueryRow(ctx, `
		SELECT count(*), count(*) FILTER (WHERE NOT is_read)
		FROM emails WHERE account_id = $1
	`, accountID).Scan(&c.Total, &c.Unread)
	if err != nil {
		return c, fmt.Errorf("failed to count emails: %w", err)
	}
	return c, nil
}

// UpdateEmailFlags applies a partial flag update and keeps the thread's unread count in step.
// Run it inside a transaction.
func UpdateEmailFlags(ctx context.Context, q Querier, emailID string, u models.FlagUpdate) error {
	var threadID string
	var wasRead bool
	err := q.QueryRow(ctx, `
		SELECT thread_id, is_read FROM emails WHERE id = $1 FOR UPDATE
	`, emailID).Scan(&threadID, &wasRead)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrEmailNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock email: %w", err)
	}

	var isRead bool
	err = q.QueryRow(ctx, `
		UPDATE emails SET
			is_read = COALESCE($2, is_read),
			is_starred = COALESCE($3, is_starred),
			folder_name = COALESCE($4, folder_name)
		WHERE id = $1
		RETURNING is_read
	`, emailID, u.IsRead, u.IsStarred, u.Folder).Scan(&isRead)
	if err != nil {
		return fmt.Errorf("failed to update email flags: %w", err)
	}

	delta := 0
	switch {
	case wasRead && !isRead:
		delta = 1
	case !wasRead && isRead:
		delta = -1
	}
	if delta == 0 {
		return nil
	}

	_, err = q.Exec(ctx, `
		UPDATE threads SET unread_count = GREATEST(0, unread_count + $2) WHERE id = $1
	`, threadID, delta)
	if err != nil {
		return fmt.Errorf("failed to update thread unread count: %w", err)
	}
	return nil
}
