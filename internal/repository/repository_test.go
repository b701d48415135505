package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/testutil"
)

func newRepo(pool *pgxpool.Pool) *Repository {
	log := zerolog.Nop()
	return New(pool, &log)
}

func newAccount(t *testing.T, pool *pgxpool.Pool) testutil.TestAccount {
	t.Helper()
	return testutil.CreateTestAccount(t, pool, uuid.NewString()+"@example.com", "imap.example.com:993")
}

func insertEmail(t *testing.T, pool *pgxpool.Pool, accountID, threadID, subject string, uid uint32, read bool, receivedAt time.Time) string {
	t.Helper()
	var id string
	err := pool.QueryRow(context.Background(), `
		INSERT INTO emails (account_id, folder_name, uid_validity, imap_uid, message_id, dedup_key,
		                    thread_id, subject, from_address, body_plain, received_at, is_read)
		VALUES ($1, 'INBOX', 1, $2, $3, 'mid:' || $3, $4, $5, 'alice@example.com', 'body of ' || $5, $6, $7)
		RETURNING id
	`, accountID, int64(uid), uuid.NewString()+"@test", threadID, subject, receivedAt, read).Scan(&id)
	require.NoError(t, err)

	_, err = pool.Exec(context.Background(), `
		INSERT INTO email_sightings (email_id, account_id, folder_name, uid_validity, imap_uid)
		VALUES ($1, $2, 'INBOX', 1, $3)
	`, id, accountID, int64(uid))
	require.NoError(t, err)
	return id
}

func insertThread(t *testing.T, pool *pgxpool.Pool, accountID string, messages, unread int) string {
	t.Helper()
	var id string
	err := pool.QueryRow(context.Background(), `
		INSERT INTO threads (account_id, normalized_subject, message_count, unread_count, last_message_at)
		VALUES ($1, 'subject', $2, $3, now())
		RETURNING id
	`, accountID, messages, unread).Scan(&id)
	require.NoError(t, err)
	return id
}

func TestListEmails(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()
	repo := newRepo(pool)
	ctx := context.Background()

	acc := newAccount(t, pool)
	thread := insertThread(t, pool, acc.AccountID, 3, 2)
	base := time.Now().Add(-time.Hour)
	insertEmail(t, pool, acc.AccountID, thread, "Quarterly report", 1, false, base)
	insertEmail(t, pool, acc.AccountID, thread, "Lunch plans", 2, true, base.Add(time.Minute))
	newest := insertEmail(t, pool, acc.AccountID, thread, "Report follow-up", 3, false, base.Add(2*time.Minute))

	_, err := pool.Exec(ctx, `
		INSERT INTO email_sightings (email_id, account_id, folder_name, uid_validity, imap_uid)
		VALUES ($1, $2, 'Archive', 7, 40)
	`, newest, acc.AccountID)
	require.NoError(t, err)

	t.Run("pages newest first", func(t *testing.T) {
		page, err := repo.ListEmails(ctx, acc.OwnerID, acc.AccountID, models.EmailFilter{}, 1, 2)
		require.NoError(t, err)
		assert.Equal(t, 3, page.Pagination.TotalCount)
		require.Len(t, page.Emails, 2)
		assert.Equal(t, newest, page.Emails[0].ID)
		assert.Empty(t, page.Emails[0].BodyPlain, "listings carry no bodies")
		assert.Equal(t, []string{"Archive", "INBOX"}, page.Emails[0].Labels)

		page, err = repo.ListEmails(ctx, acc.OwnerID, acc.AccountID, models.EmailFilter{}, 2, 2)
		require.NoError(t, err)
		require.Len(t, page.Emails, 1)
		assert.Equal(t, "Quarterly report", page.Emails[0].Subject)
	})

	t.Run("filters", func(t *testing.T) {
		unread := true
		page, err := repo.ListEmails(ctx, acc.OwnerID, acc.AccountID, models.EmailFilter{Unread: &unread}, 1, 50)
		require.NoError(t, err)
		assert.Equal(t, 2, page.Pagination.TotalCount)

		page, err = repo.ListEmails(ctx, acc.OwnerID, acc.AccountID, models.EmailFilter{Query: "report"}, 1, 50)
		require.NoError(t, err)
		assert.Equal(t, 2, page.Pagination.TotalCount)

		page, err = repo.ListEmails(ctx, acc.OwnerID, acc.AccountID, models.EmailFilter{Folder: "Archive"}, 1, 50)
		require.NoError(t, err)
		require.Len(t, page.Emails, 1)
		assert.Equal(t, newest, page.Emails[0].ID)

		page, err = repo.ListEmails(ctx, acc.OwnerID, acc.AccountID, models.EmailFilter{Query: "100%"}, 1, 50)
		require.NoError(t, err)
		assert.Equal(t, 0, page.Pagination.TotalCount)
	})

	t.Run("clamps page size", func(t *testing.T) {
		page, err := repo.ListEmails(ctx, acc.OwnerID, acc.AccountID, models.EmailFilter{}, 0, 10_000)
		require.NoError(t, err)
		assert.Equal(t, 1, page.Pagination.Page)
		assert.Equal(t, MaxPerPage, page.Pagination.PerPage)
	})

	t.Run("other owner is rejected", func(t *testing.T) {
		other := newAccount(t, pool)
		_, err := repo.ListEmails(ctx, other.OwnerID, acc.AccountID, models.EmailFilter{}, 1, 50)
		assert.ErrorIs(t, err, db.ErrAccountNotFound)
	})
}

func TestThread(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()
	repo := newRepo(pool)
	ctx := context.Background()

	acc := newAccount(t, pool)
	canonical := insertThread(t, pool, acc.AccountID, 2, 1)
	first := insertEmail(t, pool, acc.AccountID, canonical, "Hello", 1, true, time.Now().Add(-time.Hour))
	insertEmail(t, pool, acc.AccountID, canonical, "Re: Hello", 2, false, time.Now())

	_, err := pool.Exec(ctx, `
		INSERT INTO attachments (email_id, account_id, filename, content_type, size_bytes, status, part_locator)
		VALUES ($1, $2, 'notes.txt', 'text/plain', 12, 'deferred', '2')
	`, first, acc.AccountID)
	require.NoError(t, err)

	var merged string
	err = pool.QueryRow(ctx, `
		INSERT INTO threads (account_id, normalized_subject, message_count, merged_into)
		VALUES ($1, 'hello', 0, $2) RETURNING id
	`, acc.AccountID, canonical).Scan(&merged)
	require.NoError(t, err)

	t.Run("returns messages oldest first with attachments", func(t *testing.T) {
		thread, err := repo.Thread(ctx, acc.OwnerID, canonical)
		require.NoError(t, err)
		require.Len(t, thread.Emails, 2)
		assert.Equal(t, first, thread.Emails[0].ID)
		assert.Equal(t, "body of Hello", thread.Emails[0].BodyPlain)
		require.Len(t, thread.Emails[0].Attachments, 1)
		assert.Equal(t, models.AttachmentDeferred, thread.Emails[0].Attachments[0].Status)
		assert.Empty(t, thread.Emails[1].Attachments)
	})

	t.Run("merged id resolves to canonical thread", func(t *testing.T) {
		thread, err := repo.Thread(ctx, acc.OwnerID, merged)
		require.NoError(t, err)
		assert.Equal(t, canonical, thread.ID)
		assert.Len(t, thread.Emails, 2)
	})

	t.Run("anchor-only thread is not found", func(t *testing.T) {
		empty := insertThread(t, pool, acc.AccountID, 0, 0)
		_, err := repo.Thread(ctx, acc.OwnerID, empty)
		assert.ErrorIs(t, err, db.ErrThreadNotFound)
	})

	t.Run("other owner is rejected", func(t *testing.T) {
		other := newAccount(t, pool)
		_, err := repo.Thread(ctx, other.OwnerID, canonical)
		assert.ErrorIs(t, err, db.ErrThreadNotFound)
	})
}

func TestUpdateFlags(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()
	repo := newRepo(pool)
	ctx := context.Background()

	acc := newAccount(t, pool)
	thread := insertThread(t, pool, acc.AccountID, 1, 1)
	emailID := insertEmail(t, pool, acc.AccountID, thread, "Hi", 1, false, time.Now())

	unreadCount := func() int {
		var n int
		require.NoError(t, pool.QueryRow(ctx, `SELECT unread_count FROM threads WHERE id = $1`, thread).Scan(&n))
		return n
	}

	t.Run("marking read keeps thread unread count in step", func(t *testing.T) {
		read := true
		e, err := repo.UpdateFlags(ctx, acc.OwnerID, emailID, models.FlagUpdate{IsRead: &read})
		require.NoError(t, err)
		assert.True(t, e.IsRead)
		assert.Equal(t, 0, unreadCount())

		// Repeating the update is a no-op for the counter.
		_, err = repo.UpdateFlags(ctx, acc.OwnerID, emailID, models.FlagUpdate{IsRead: &read})
		require.NoError(t, err)
		assert.Equal(t, 0, unreadCount())

		unread := false
		_, err = repo.UpdateFlags(ctx, acc.OwnerID, emailID, models.FlagUpdate{IsRead: &unread})
		require.NoError(t, err)
		assert.Equal(t, 1, unreadCount())
	})

	t.Run("star and move", func(t *testing.T) {
		star := true
		folder := "  Archive "
		e, err := repo.UpdateFlags(ctx, acc.OwnerID, emailID, models.FlagUpdate{IsStarred: &star, Folder: &folder})
		require.NoError(t, err)
		assert.True(t, e.IsStarred)
		assert.Equal(t, "Archive", e.Folder)
		assert.False(t, e.IsRead, "untouched flags stay put")
	})

	t.Run("rejects empty and blank updates", func(t *testing.T) {
		_, err := repo.UpdateFlags(ctx, acc.OwnerID, emailID, models.FlagUpdate{})
		assert.ErrorIs(t, err, ErrEmptyUpdate)

		blank := " "
		_, err = repo.UpdateFlags(ctx, acc.OwnerID, emailID, models.FlagUpdate{Folder: &blank})
		assert.ErrorIs(t, err, ErrInvalidFolder)
	})

	t.Run("other owner is rejected", func(t *testing.T) {
		other := newAccount(t, pool)
		read := true
		_, err := repo.UpdateFlags(ctx, other.OwnerID, emailID, models.FlagUpdate{IsRead: &read})
		assert.ErrorIs(t, err, db.ErrEmailNotFound)
	})
}

func TestSyncStatus(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()
	repo := newRepo(pool)
	ctx := context.Background()

	t.Run("idle with counts", func(t *testing.T) {
		acc := newAccount(t, pool)
		thread := insertThread(t, pool, acc.AccountID, 2, 1)
		insertEmail(t, pool, acc.AccountID, thread, "a", 1, false, time.Now())
		insertEmail(t, pool, acc.AccountID, thread, "b", 2, true, time.Now())

		status, err := repo.SyncStatus(ctx, acc.OwnerID, acc.AccountID)
		require.NoError(t, err)
		assert.Equal(t, models.SyncIdle, status.Status)
		assert.Nil(t, status.LastSyncAt)
		assert.Equal(t, models.SyncCounts{Total: 2, Unread: 1}, status.Counts)
	})

	t.Run("failed last job reads as error until a success", func(t *testing.T) {
		acc := newAccount(t, pool)
		_, _, err := db.EnqueueJob(ctx, pool, acc.AccountID, models.JobKindIncremental, true)
		require.NoError(t, err)
		job, err := db.ClaimNextJob(ctx, pool, "owner-1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, job)
		require.NoError(t, db.FailJob(ctx, pool, job.ID, "owner-1", "connection refused", 0, 0))

		status, err := repo.SyncStatus(ctx, acc.OwnerID, acc.AccountID)
		require.NoError(t, err)
		assert.Equal(t, models.SyncFailed, status.Status)
		assert.Equal(t, "connection refused", status.Error)

		_, _, err = db.EnqueueJob(ctx, pool, acc.AccountID, models.JobKindIncremental, true)
		require.NoError(t, err)
		job, err = db.ClaimNextJob(ctx, pool, "owner-1", time.Minute)
		require.NoError(t, err)
		require.NoError(t, db.CompleteJob(ctx, pool, job.ID, "owner-1", 3, 0))
		require.NoError(t, db.TouchAccountSynced(ctx, pool, acc.AccountID))

		status, err = repo.SyncStatus(ctx, acc.OwnerID, acc.AccountID)
		require.NoError(t, err)
		assert.Equal(t, models.SyncIdle, status.Status)
		assert.NotNil(t, status.LastSyncAt)
	})

	t.Run("live job reads as syncing", func(t *testing.T) {
		acc := newAccount(t, pool)
		_, _, err := db.EnqueueJob(ctx, pool, acc.AccountID, models.JobKindIncremental, true)
		require.NoError(t, err)

		status, err := repo.SyncStatus(ctx, acc.OwnerID, acc.AccountID)
		require.NoError(t, err)
		assert.Equal(t, models.SyncSyncing, status.Status)
	})

	t.Run("credential error reads as error", func(t *testing.T) {
		acc := newAccount(t, pool)
		require.NoError(t, db.SetAccountStatus(ctx, pool, acc.AccountID, models.AccountStatusError, "authentication failed"))

		status, err := repo.SyncStatus(ctx, acc.OwnerID, acc.AccountID)
		require.NoError(t, err)
		assert.Equal(t, models.SyncFailed, status.Status)
		assert.Equal(t, "authentication failed", status.Error)
	})

	t.Run("audit trail", func(t *testing.T) {
		acc := newAccount(t, pool)
		jobs, err := repo.Jobs(ctx, acc.OwnerID, acc.AccountID)
		require.NoError(t, err)
		assert.NotNil(t, jobs)
		assert.Empty(t, jobs)

		_, _, err = db.EnqueueJob(ctx, pool, acc.AccountID, models.JobKindFull, false)
		require.NoError(t, err)
		jobs, err = repo.Jobs(ctx, acc.OwnerID, acc.AccountID)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, models.JobKindFull, jobs[0].Kind)
	})
}
