package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/threading"
)

// ErrThreadNotFound is returned when a requested thread cannot be found.
var ErrThreadNotFound = errors.New("thread not found")

// ThreadStore implements threading.Store on top of a Querier, normally the batch transaction.
type ThreadStore struct {
	q Querier
}

// NewThreadStore returns a store bound to q.
func NewThreadStore(q Querier) *ThreadStore {
	return &ThreadStore{q: q}
}

var _ threading.Store = (*ThreadStore)(nil)

func (s *ThreadStore) queryRefs(ctx context.Context, sql string, args ...any) ([]threading.ThreadRef, error) {
	rows, err := s.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []threading.ThreadRef
	for rows.Next() {
		var r threading.ThreadRef
		if err := rows.Scan(&r.ID, &r.Seq); err != nil {
			return nil, err
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

func (s *ThreadStore) ThreadsWithMessageIDs(ctx context.Context, accountID string, ids []string) ([]threading.ThreadRef, error) {
	refs, err := s.queryRefs(ctx, `
		SELECT t.id, t.seq FROM threads t
		WHERE t.merged_into IS NULL AND t.id IN (
			SELECT thread_id FROM emails WHERE account_id = $1 AND message_id = ANY($2)
			UNION
			SELECT thread_id FROM thread_anchors WHERE account_id = $1 AND message_id = ANY($2)
		)
		ORDER BY t.seq
	`, accountID, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to find threads by message id: %w", err)
	}
	return refs, nil
}

func (s *ThreadStore) ThreadsReferencing(ctx context.Context, accountID, messageID string) ([]threading.ThreadRef, error) {
	refs, err := s.queryRefs(ctx, `
		SELECT t.id, t.seq FROM threads t
		WHERE t.merged_into IS NULL AND t.id IN (
			SELECT thread_id FROM emails WHERE account_id = $1 AND (refs @> ARRAY[$2::text] OR in_reply_to = $2)
			UNION
			SELECT thread_id FROM thread_anchors WHERE account_id = $1 AND refs @> ARRAY[$2::text]
		)
		ORDER BY t.seq
	`, accountID, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to find referencing threads: %w", err)
	}
	return refs, nil
}

func (s *ThreadStore) ThreadsBySubject(ctx context.Context, accountID, subject string, from, to time.Time) ([]threading.SubjectCandidate, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, seq, participants FROM threads
		WHERE account_id = $1 AND merged_into IS NULL
		  AND normalized_subject = $2
		  AND last_message_at BETWEEN $3 AND $4
		ORDER BY seq
	`, accountID, subject, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to find threads by subject: %w", err)
	}
	defer rows.Close()

	var out []threading.SubjectCandidate
	for rows.Next() {
		var c threading.SubjectCandidate
		if err := rows.Scan(&c.ID, &c.Seq, &c.Participants); err != nil {
			return nil, fmt.Errorf("failed to scan subject candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *ThreadStore) CreateThread(ctx context.Context, accountID, subject string) (threading.ThreadRef, error) {
	var r threading.ThreadRef
	err := s.q.QueryRow(ctx, `
		INSERT INTO threads (account_id, normalized_subject) VALUES ($1, $2)
		RETURNING id, seq
	`, accountID, subject).Scan(&r.ID, &r.Seq)
	if err != nil {
		return r, fmt.Errorf("failed to create thread: %w", err)
	}
	return r, nil
}

// MergeThreads rewrites members of merged onto canonical and adds their aggregates.
// Threads that were already merged are ignored, which makes the call idempotent.
func (s *ThreadStore) MergeThreads(ctx context.Context, canonical threading.ThreadRef, merged []threading.ThreadRef) error {
	ids := make([]string, 0, len(merged))
	for _, m := range merged {
		ids = append(ids, m.ID)
	}

	rows, err := s.q.Query(ctx, `
		SELECT id FROM threads
		WHERE id = ANY($2) AND id <> $1 AND merged_into IS NULL
		ORDER BY seq
		FOR UPDATE
	`, canonical.ID, ids)
	if err != nil {
		return fmt.Errorf("failed to lock threads for merge: %w", err)
	}
	live, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("failed to lock threads for merge: %w", err)
	}
	if len(live) == 0 {
		return nil
	}

	steps := []struct {
		name string
		sql  string
	}{
		{"emails", `UPDATE emails SET thread_id = $1 WHERE thread_id = ANY($2)`},
		{"anchors", `UPDATE thread_anchors SET thread_id = $1 WHERE thread_id = ANY($2)`},
		{"aggregates", `
			UPDATE threads c SET
				message_count = c.message_count + s.mc,
				unread_count = c.unread_count + s.uc,
				last_message_at = GREATEST(c.last_message_at, s.lm),
				participants = ARRAY(SELECT DISTINCT x FROM unnest(c.participants || s.ps) AS x ORDER BY x)
			FROM (
				SELECT
					COALESCE(sum(message_count), 0) AS mc,
					COALESCE(sum(unread_count), 0) AS uc,
					max(last_message_at) AS lm,
					ARRAY(SELECT DISTINCT x FROM threads t2, unnest(t2.participants) AS x WHERE t2.id = ANY($2)) AS ps
				FROM threads WHERE id = ANY($2)
			) s
			WHERE c.id = $1`},
		{"tombstones", `UPDATE threads SET merged_into = $1, message_count = 0, unread_count = 0 WHERE id = ANY($2)`},
		{"redirects", `UPDATE threads SET merged_into = $1 WHERE merged_into = ANY($2)`},
	}

	for _, step := range steps {
		if _, err := s.q.Exec(ctx, step.sql, canonical.ID, live); err != nil {
			return fmt.Errorf("failed to merge thread %s: %w", step.name, err)
		}
	}
	return nil
}

func (s *ThreadStore) AddToThread(ctx context.Context, threadID string, sum threading.Summary) error {
	_, err := s.q.Exec(ctx, `
		UPDATE threads SET
			message_count = message_count + 1,
			unread_count = unread_count + CASE WHEN $3::boolean THEN 1 ELSE 0 END,
			last_message_at = GREATEST(last_message_at, $2),
			participants = ARRAY(SELECT DISTINCT x FROM unnest(participants || $4::text[]) AS x ORDER BY x)
		WHERE id = $1
	`, threadID, sum.ReceivedAt, sum.Unread, nonNil(sum.Participants))
	if err != nil {
		return fmt.Errorf("failed to add message to thread: %w", err)
	}
	return nil
}

func (s *ThreadStore) SaveAnchor(ctx context.Context, accountID, messageID string, refs []string, threadID string) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO thread_anchors (account_id, message_id, refs, thread_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id, message_id) DO UPDATE SET
			refs = EXCLUDED.refs,
			thread_id = EXCLUDED.thread_id
	`, accountID, messageID, nonNil(refs), threadID)
	if err != nil {
		return fmt.Errorf("failed to save thread anchor: %w", err)
	}
	return nil
}

// GetThreadForOwner returns the thread, following a merge to its canonical thread.
func GetThreadForOwner(ctx context.Context, q Querier, ownerID, threadID string) (*models.Thread, error) {
	var t models.Thread
	var lastAt *time.Time
	err := q.QueryRow(ctx, `
		SELECT t.id, t.account_id, t.normalized_subject, t.participants,
		       t.message_count, t.unread_count, t.last_message_at, t.merged_into
		FROM threads t0
		JOIN threads t ON t.id = COALESCE(t0.merged_into, t0.id)
		JOIN email_accounts a ON a.id = t.account_id
		WHERE t0.id = $1 AND a.owner_id = $2
	`, threadID, ownerID).Scan(
		&t.ID, &t.AccountID, &t.NormalizedSubject, &t.Participants,
		&t.MessageCount, &t.UnreadCount, &lastAt, &t.MergedInto,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}

	if lastAt != nil {
		t.LastMessageAt = *lastAt
	}
	return &t, nil
}

// ListThreads returns one page of the account's live threads, most recent first.
// Merged threads and anchor-only threads are left out.
func ListThreads(ctx context.Context, q Querier, accountID string, limit, offset int) ([]models.Thread, int, error) {
	var total int
	err := q.QueryRow(ctx, `
		SELECT count(*) FROM threads
		WHERE account_id = $1 AND merged_into IS NULL AND message_count > 0
	`, accountID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count threads: %w", err)
	}

	rows, err := q.Query(ctx, `
		SELECT id, account_id, normalized_subject, participants,
		       message_count, unread_count, last_message_at, merged_into
		FROM threads
		WHERE account_id = $1 AND merged_into IS NULL AND message_count > 0
		ORDER BY last_message_at DESC NULLS LAST, seq DESC
		LIMIT $2 OFFSET $3
	`, accountID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list threads: %w", err)
	}
	defer rows.Close()

	threads := []models.Thread{}
	for rows.Next() {
		var t models.Thread
		var lastAt *time.Time
		if err := rows.Scan(
			&t.ID, &t.AccountID, &t.NormalizedSubject, &t.Participants,
			&t.MessageCount, &t.UnreadCount, &lastAt, &t.MergedInto,
		); err != nil {
			return nil, 0, fmt.Errorf("failed to scan thread: %w", err)
		}
		if lastAt != nil {
			t.LastMessageAt = *lastAt
		}
		threads = append(threads, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating threads: %w", err)
	}

	return threads, total, nil
}
