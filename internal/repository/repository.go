// Package repository is the read/write boundary the UI talks to. It never
// touches IMAP: flag changes and folder moves are recorded locally, and sync
// progress is read from the job table.
package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/models"
)

const (
	DefaultPerPage = 50
	MaxPerPage     = 200
	jobAuditLimit  = 50
)

// ErrEmptyUpdate is returned for a flag update that changes nothing.
var ErrEmptyUpdate = errors.New("flag update has no fields")

// ErrInvalidFolder is returned when a move names a blank folder.
var ErrInvalidFolder = errors.New("folder must not be blank")

type Repository struct {
	pool *pgxpool.Pool
	log  *zerolog.Logger
}

func New(pool *pgxpool.Pool, log *zerolog.Logger) *Repository {
	return &Repository{pool: pool, log: log}
}

// Account returns the account if ownerID owns it.
func (r *Repository) Account(ctx context.Context, ownerID, accountID string) (*models.EmailAccount, error) {
	return db.GetAccountForOwner(ctx, r.pool, ownerID, accountID)
}

// ListEmails returns one page of the account's emails, newest first.
// Pages start at 1; perPage is clamped to MaxPerPage.
func (r *Repository) ListEmails(ctx context.Context, ownerID, accountID string, f models.EmailFilter, page, perPage int) (*models.EmailPage, error) {
	if _, err := r.Account(ctx, ownerID, accountID); err != nil {
		return nil, err
	}

	page, perPage = clampPage(page, perPage)

	emails, total, err := db.ListEmails(ctx, r.pool, accountID, f, perPage, (page-1)*perPage)
	if err != nil {
		return nil, err
	}

	return &models.EmailPage{
		Emails:     emails,
		Pagination: models.Pagination{TotalCount: total, Page: page, PerPage: perPage},
	}, nil
}

// ListThreads returns one page of the account's conversations, most recent first.
func (r *Repository) ListThreads(ctx context.Context, ownerID, accountID string, page, perPage int) (*models.ThreadPage, error) {
	if _, err := r.Account(ctx, ownerID, accountID); err != nil {
		return nil, err
	}
	page, perPage = clampPage(page, perPage)

	threads, total, err := db.ListThreads(ctx, r.pool, accountID, perPage, (page-1)*perPage)
	if err != nil {
		return nil, err
	}
	return &models.ThreadPage{
		Threads:    threads,
		Pagination: models.Pagination{TotalCount: total, Page: page, PerPage: perPage},
	}, nil
}

// Folders returns the per-folder sync cursors, one per folder seen so far.
func (r *Repository) Folders(ctx context.Context, ownerID, accountID string) ([]models.FolderCursor, error) {
	if _, err := r.Account(ctx, ownerID, accountID); err != nil {
		return nil, err
	}
	cursors, err := db.ListFolderCursors(ctx, r.pool, accountID)
	if err != nil {
		return nil, err
	}
	if cursors == nil {
		cursors = []models.FolderCursor{}
	}
	return cursors, nil
}

// Thread returns the thread with every message, oldest first. A thread id that
// was merged away resolves to the thread it was merged into.
func (r *Repository) Thread(ctx context.Context, ownerID, threadID string) (*models.Thread, error) {
	thread, err := db.GetThreadForOwner(ctx, r.pool, ownerID, threadID)
	if err != nil {
		return nil, err
	}
	// Anchors alone never make a visible thread.
	if thread.MessageCount == 0 {
		return nil, db.ErrThreadNotFound
	}

	emails, err := db.GetEmailsForThread(ctx, r.pool, thread.ID)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(emails))
	for _, e := range emails {
		ids = append(ids, e.ID)
	}
	attachments, err := db.GetAttachmentsForEmails(ctx, r.pool, ids)
	if err != nil {
		return nil, err
	}
	for i := range emails {
		emails[i].Attachments = attachments[emails[i].ID]
	}

	thread.Emails = emails
	return thread, nil
}

// UpdateFlags applies a partial update to one email and returns the new state.
func (r *Repository) UpdateFlags(ctx context.Context, ownerID, emailID string, u models.FlagUpdate) (*models.Email, error) {
	if u.IsRead == nil && u.IsStarred == nil && u.Folder == nil {
		return nil, ErrEmptyUpdate
	}
	if u.Folder != nil {
		folder := strings.TrimSpace(*u.Folder)
		if folder == "" {
			return nil, ErrInvalidFolder
		}
		u.Folder = &folder
	}

	if _, err := db.GetEmailForOwner(ctx, r.pool, ownerID, emailID); err != nil {
		return nil, err
	}

	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return db.UpdateEmailFlags(ctx, tx, emailID, u)
	})
	if err != nil {
		return nil, err
	}

	r.log.Debug().Str("email_id", emailID).Msg("Email flags updated")
	return db.GetEmailForOwner(ctx, r.pool, ownerID, emailID)
}

// SyncStatus summarizes the account's sync state for polling. A queued or
// running job reads as syncing, including one waiting out a retry backoff.
// Otherwise a credential problem or a failed last job reads as error.
func (r *Repository) SyncStatus(ctx context.Context, ownerID, accountID string) (*models.SyncStatus, error) {
	account, err := r.Account(ctx, ownerID, accountID)
	if err != nil {
		return nil, err
	}

	counts, err := db.CountEmails(ctx, r.pool, accountID)
	if err != nil {
		return nil, err
	}

	status := &models.SyncStatus{Status: models.SyncIdle, LastSyncAt: account.LastSyncAt, Counts: counts}

	live, err := db.GetLiveJob(ctx, r.pool, accountID)
	if err != nil {
		return nil, err
	}
	if live != nil {
		status.Status = models.SyncSyncing
		status.Error = live.Error
		return status, nil
	}

	if account.Status == models.AccountStatusError {
		status.Status = models.SyncFailed
		status.Error = account.StatusError
		return status, nil
	}

	last, err := db.GetLastFinishedJob(ctx, r.pool, accountID)
	if err != nil {
		return nil, err
	}
	if last != nil && last.Status == models.JobError {
		status.Status = models.SyncFailed
		status.Error = last.Error
	}
	return status, nil
}

// Jobs returns the account's recent job audit trail, newest first.
func (r *Repository) Jobs(ctx context.Context, ownerID, accountID string) ([]*models.SyncJob, error) {
	if _, err := r.Account(ctx, ownerID, accountID); err != nil {
		return nil, err
	}
	jobs, err := db.ListJobsForAccount(ctx, r.pool, accountID, jobAuditLimit)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []*models.SyncJob{}
	}
	return jobs, nil
}

func clampPage(page, perPage int) (int, int) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = DefaultPerPage
	}
	return page, min(perPage, MaxPerPage)
}
