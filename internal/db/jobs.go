package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/vdavid/mailsync/internal/models"
)

var (
	// ErrJobNotFound is returned when a requested job cannot be found.
	ErrJobNotFound = errors.New("sync job not found")
	// ErrLeaseLost is returned when a worker touches a job it no longer owns.
	ErrLeaseLost = errors.New("sync job lease lost")
)

const jobColumns = `
	id, account_id, kind, status, attempt, scheduled_at, started_at, finished_at,
	error, count_processed, count_skipped, lease_owner, lease_expires_at, created_at`

func scanJob(row pgx.Row) (*models.SyncJob, error) {
	var j models.SyncJob
	err := row.Scan(
		&j.ID, &j.AccountID, &j.Kind, &j.Status, &j.Attempt, &j.ScheduledAt, &j.StartedAt, &j.FinishedAt,
		&j.Error, &j.CountProcessed, &j.CountSkipped, &j.LeaseOwner, &j.LeaseExpiresAt, &j.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// EnqueueJob creates a pending job unless the account already has a live
// (pending or running) one, in which case that job is returned and created is false.
// With immediate set, a waiting pending job is pulled forward to now and a full
// request upgrades a pending incremental job in place. Running jobs are never changed.
func EnqueueJob(ctx context.Context, q Querier, accountID string, kind models.JobKind, immediate bool) (job *models.SyncJob, created bool, err error) {
	// The live job can finish between the conflicting insert and the lookup; try again then.
	for range 3 {
		job, err = scanJob(q.QueryRow(ctx, `
			INSERT INTO sync_jobs (account_id, kind) VALUES ($1, $2)
			ON CONFLICT (account_id) WHERE status IN ('pending', 'running') DO NOTHING
			RETURNING `+jobColumns,
			accountID, kind))
		if err == nil {
			return job, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, fmt.Errorf("failed to enqueue sync job: %w", err)
		}

		if immediate {
			job, err = scanJob(q.QueryRow(ctx, `
				UPDATE sync_jobs SET
					scheduled_at = LEAST(scheduled_at, now()),
					kind = CASE WHEN $2 = 'full' THEN 'full' ELSE kind END
				WHERE account_id = $1 AND status = 'pending'
				RETURNING `+jobColumns,
				accountID, string(kind)))
			if err == nil {
				return job, false, nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return nil, false, fmt.Errorf("failed to reschedule sync job: %w", err)
			}
		}

		job, err = GetLiveJob(ctx, q, accountID)
		if err != nil {
			return nil, false, err
		}
		if job != nil {
			return job, false, nil
		}
	}

	return nil, false, fmt.Errorf("failed to enqueue sync job: live job kept changing")
}

// GetLiveJob returns the account's pending or running job, or nil.
func GetLiveJob(ctx context.Context, q Querier, accountID string) (*models.SyncJob, error) {
	job, err := scanJob(q.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM sync_jobs
		WHERE account_id = $1 AND status IN ('pending', 'running')
	`, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get live sync job: %w", err)
	}
	return job, nil
}

// GetLastFinishedJob returns the account's most recent terminal job, or nil.
func GetLastFinishedJob(ctx context.Context, q Querier, accountID string) (*models.SyncJob, error) {
	job, err := scanJob(q.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM sync_jobs
		WHERE account_id = $1 AND status IN ('success', 'error')
		ORDER BY finished_at DESC NULLS LAST, created_at DESC
		LIMIT 1
	`, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last sync job: %w", err)
	}
	return job, nil
}

// GetJob returns a job by id.
func GetJob(ctx context.Context, q Querier, jobID string) (*models.SyncJob, error) {
	job, err := scanJob(q.QueryRow(ctx, `SELECT `+jobColumns+` FROM sync_jobs WHERE id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync job: %w", err)
	}
	return job, nil
}

// ListJobsForAccount returns the newest jobs first.
func ListJobsForAccount(ctx context.Context, q Querier, accountID string, limit int) ([]*models.SyncJob, error) {
	rows, err := q.Query(ctx, `
		SELECT `+jobColumns+` FROM sync_jobs
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*models.SyncJob{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync jobs: %w", err)
	}
	return jobs, nil
}

// ClaimNextJob marks the oldest due pending job as running under owner's lease.
// It returns nil when nothing is due. Concurrent claimers never get the same job.
func ClaimNextJob(ctx context.Context, q Querier, owner string, leaseTTL time.Duration) (*models.SyncJob, error) {
	job, err := scanJob(q.QueryRow(ctx, `
		UPDATE sync_jobs SET
			status = 'running',
			attempt = attempt + 1,
			started_at = now(),
			lease_owner = $1,
			lease_expires_at = now() + make_interval(secs => $2)
		WHERE id = (
			SELECT id FROM sync_jobs
			WHERE status = 'pending' AND scheduled_at <= now()
			ORDER BY scheduled_at, created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns,
		owner, leaseTTL.Seconds()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim sync job: %w", err)
	}
	return job, nil
}

// RenewLease extends the lease of a running job owned by owner.
func RenewLease(ctx context.Context, q Querier, jobID, owner string, leaseTTL time.Duration) error {
	tag, err := q.Exec(ctx, `
		UPDATE sync_jobs SET lease_expires_at = now() + make_interval(secs => $3)
		WHERE id = $1 AND lease_owner = $2 AND status = 'running'
	`, jobID, owner, leaseTTL.Seconds())
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// CompleteJob marks a running job successful. Counts add to those of earlier attempts.
func CompleteJob(ctx context.Context, q Querier, jobID, owner string, processed, skipped int) error {
	return finishJob(ctx, q, `
		UPDATE sync_jobs SET
			status = 'success', finished_at = now(), error = '',
			count_processed = count_processed + $3, count_skipped = count_skipped + $4,
			lease_owner = '', lease_expires_at = NULL
		WHERE id = $1 AND lease_owner = $2 AND status = 'running'
	`, jobID, owner, processed, skipped)
}

// RetryJob returns a running job to pending, due at runAt.
func RetryJob(ctx context.Context, q Querier, jobID, owner, errMsg string, runAt time.Time, processed, skipped int) error {
	return finishJob(ctx, q, `
		UPDATE sync_jobs SET
			status = 'pending', scheduled_at = $5, error = $6,
			count_processed = count_processed + $3, count_skipped = count_skipped + $4,
			lease_owner = '', lease_expires_at = NULL
		WHERE id = $1 AND lease_owner = $2 AND status = 'running'
	`, jobID, owner, processed, skipped, runAt, errMsg)
}

// FailJob marks a running job as a terminal error.
func FailJob(ctx context.Context, q Querier, jobID, owner, errMsg string, processed, skipped int) error {
	return finishJob(ctx, q, `
		UPDATE sync_jobs SET
			status = 'error', finished_at = now(), error = $5,
			count_processed = count_processed + $3, count_skipped = count_skipped + $4,
			lease_owner = '', lease_expires_at = NULL
		WHERE id = $1 AND lease_owner = $2 AND status = 'running'
	`, jobID, owner, processed, skipped, errMsg)
}

func finishJob(ctx context.Context, q Querier, sql string, args ...any) error {
	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to update sync job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// ReapExpiredLeases recovers running jobs whose worker stopped renewing.
// Jobs with attempts left go back to pending; the rest become errors.
func ReapExpiredLeases(ctx context.Context, q Querier, maxAttempts int) ([]*models.SyncJob, error) {
	rows, err := q.Query(ctx, `
		UPDATE sync_jobs SET
			status = CASE WHEN attempt >= $1 THEN 'error' ELSE 'pending' END,
			finished_at = CASE WHEN attempt >= $1 THEN now() END,
			error = 'worker lease expired',
			scheduled_at = now(),
			lease_owner = '',
			lease_expires_at = NULL
		WHERE status = 'running' AND lease_expires_at < now()
		RETURNING `+jobColumns,
		maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to reap expired leases: %w", err)
	}
	defer rows.Close()

	var jobs []*models.SyncJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reaped job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
