package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/logging"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/syncer"
	"golang.org/x/sync/errgroup"
)

// Runner executes one sync pass. *syncer.Syncer is the production Runner.
type Runner interface {
	Run(ctx context.Context, account *models.EmailAccount, kind models.JobKind, progress syncer.ProgressFunc) (syncer.Result, error)
}

// IdlePauser hands an account's IMAP connection over to a sync job.
// *IdleWatcher is the production IdlePauser.
type IdlePauser interface {
	Pause(ctx context.Context, accountID string) (resume func())
}

type WorkerOptions struct {
	Workers      int
	PollInterval time.Duration
	LeaseTTL     time.Duration
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
}

// Workers claims due jobs and runs them. Each claimed job holds a lease that
// is renewed while it runs; a job whose lease expires is recovered by the reaper.
type Workers struct {
	pool      *pgxpool.Pool
	runner    Runner
	publisher Publisher
	opts      WorkerOptions
	idle      IdlePauser
	log       *zerolog.Logger
}

func NewWorkers(pool *pgxpool.Pool, runner Runner, publisher Publisher, opts WorkerOptions, log *zerolog.Logger) *Workers {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 2 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 30 * time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 30 * time.Minute
	}
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &Workers{pool: pool, runner: runner, publisher: publisher, opts: opts, log: log}
}

// PauseIdleDuringSync makes every job close the account's IDLE session before
// it connects and reopen it when the job ends, so an account never holds more
// than one IMAP session.
func (w *Workers) PauseIdleDuringSync(idle IdlePauser) {
	w.idle = idle
}

// Run starts the workers and the lease reaper and blocks until ctx ends.
func (w *Workers) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for range w.opts.Workers {
		owner := uuid.NewString()
		g.Go(func() error {
			w.loop(ctx, owner)
			return nil
		})
	}
	g.Go(func() error {
		w.reapLoop(ctx)
		return nil
	})

	w.log.Info().Int("workers", w.opts.Workers).Msg("Sync workers started")
	return g.Wait()
}

func (w *Workers) loop(ctx context.Context, owner string) {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		for ctx.Err() == nil {
			claimed, err := w.RunOnce(ctx, owner)
			if err != nil {
				w.log.Error().Err(err).Msg("Failed to claim sync job")
			}
			if !claimed {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims the oldest due job as owner and runs it to completion.
// It reports whether a job was claimed.
func (w *Workers) RunOnce(ctx context.Context, owner string) (bool, error) {
	job, err := db.ClaimNextJob(ctx, w.pool, owner, w.opts.LeaseTTL)
	if err != nil || job == nil {
		return false, err
	}
	w.execute(ctx, owner, job)
	return true, nil
}

func (w *Workers) execute(ctx context.Context, owner string, job *models.SyncJob) {
	log := w.log.With().Str("job_id", job.ID).Str("account_id", job.AccountID).Int("attempt", job.Attempt).Logger()

	// Bookkeeping must land even when shutdown cancels ctx.
	finishCtx := context.WithoutCancel(ctx)

	account, err := db.GetAccount(ctx, w.pool, job.AccountID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load account for sync job")
		if ferr := db.FailJob(finishCtx, w.pool, job.ID, owner, err.Error(), 0, 0); ferr != nil {
			log.Error().Err(ferr).Msg("Failed to mark sync job failed")
		}
		return
	}

	log.Info().Str("kind", string(job.Kind)).Msg("Sync job started")
	w.publisher.Publish(account.OwnerID, models.JobStarted{AccountID: account.ID, JobID: job.ID, Kind: job.Kind, Attempt: job.Attempt})

	runCtx, cancelRun := context.WithCancel(ctx)
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		w.renewLease(runCtx, job.ID, owner, cancelRun, &log)
	}()

	resumeIdle := func() {}
	if w.idle != nil {
		resumeIdle = w.idle.Pause(runCtx, account.ID)
	}
	res, runErr := w.runner.Run(runCtx, account, job.Kind, func(folder string, total syncer.Result) {
		w.publisher.Publish(account.OwnerID, models.JobProgress{
			AccountID: account.ID, JobID: job.ID, Folder: folder,
			Processed: total.Processed, Skipped: total.Skipped,
		})
	})
	resumeIdle()
	cancelRun()
	<-renewDone

	w.finish(finishCtx, ctx, owner, job, account, res, runErr, &log)
}

// renewLease keeps the lease alive at a third of its TTL. Losing the lease
// cancels the run, since another worker may pick the job up.
func (w *Workers) renewLease(ctx context.Context, jobID, owner string, cancelRun context.CancelFunc, log *zerolog.Logger) {
	ticker := time.NewTicker(w.opts.LeaseTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := db.RenewLease(ctx, w.pool, jobID, owner, w.opts.LeaseTTL)
			if errors.Is(err, db.ErrLeaseLost) {
				log.Warn().Msg("Sync job lease lost, stopping run")
				cancelRun()
				return
			}
			if err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("Failed to renew sync job lease")
			}
		}
	}
}

func (w *Workers) finish(ctx, parent context.Context, owner string, job *models.SyncJob, account *models.EmailAccount, res syncer.Result, runErr error, log *zerolog.Logger) {
	// Server error text often echoes the login address.
	var errMsg string
	if runErr != nil {
		errMsg = logging.RedactEmails(runErr.Error())
	}

	var err error
	switch {
	case runErr == nil:
		err = db.CompleteJob(ctx, w.pool, job.ID, owner, res.Processed, res.Skipped)
		if err == nil {
			err = db.TouchAccountSynced(ctx, w.pool, account.ID)
		}
		if err == nil {
			log.Info().Int("processed", res.Processed).Int("skipped", res.Skipped).Msg("Sync job succeeded")
			w.publisher.Publish(account.OwnerID, models.JobSucceeded{
				AccountID: account.ID, JobID: job.ID, Processed: res.Processed, Skipped: res.Skipped,
			})
		}

	case parent.Err() != nil:
		// Shutdown: hand the job back without waiting for a backoff.
		log.Info().Msg("Sync job interrupted by shutdown, returning it to the queue")
		err = db.RetryJob(ctx, w.pool, job.ID, owner, "interrupted by shutdown", time.Now(), res.Processed, res.Skipped)

	case syncer.IsAuth(runErr):
		log.Warn().Err(runErr).Msg("Sync job failed authentication, not retrying")
		err = db.FailJob(ctx, w.pool, job.ID, owner, errMsg, res.Processed, res.Skipped)
		if err == nil {
			err = db.SetAccountStatus(ctx, w.pool, account.ID, models.AccountStatusError, errMsg)
		}
		w.publishFailed(account, job, errMsg, nil)

	case syncer.IsRetryable(runErr) && job.Attempt < w.opts.MaxAttempts:
		next := time.Now().Add(RetryDelay(w.opts.BackoffBase, w.opts.BackoffMax, job.Attempt))
		log.Warn().Err(runErr).Time("next_run_at", next).Msg("Sync job failed, retrying")
		err = db.RetryJob(ctx, w.pool, job.ID, owner, errMsg, next, res.Processed, res.Skipped)
		w.publishFailed(account, job, errMsg, &next)

	default:
		log.Error().Err(runErr).Msg("Sync job failed")
		err = db.FailJob(ctx, w.pool, job.ID, owner, errMsg, res.Processed, res.Skipped)
		w.publishFailed(account, job, errMsg, nil)
	}

	if errors.Is(err, db.ErrLeaseLost) {
		log.Warn().Msg("Sync job was reclaimed before it finished")
	} else if err != nil {
		log.Error().Err(err).Msg("Failed to record sync job outcome")
	}
}

func (w *Workers) publishFailed(account *models.EmailAccount, job *models.SyncJob, errMsg string, next *time.Time) {
	w.publisher.Publish(account.OwnerID, models.JobFailed{
		AccountID: account.ID, JobID: job.ID, Error: errMsg, Retrying: next != nil, NextRunAt: next,
	})
}

func (w *Workers) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(w.opts.LeaseTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Reap(ctx); err != nil && ctx.Err() == nil {
				w.log.Error().Err(err).Msg("Failed to reap expired sync jobs")
			}
		}
	}
}

// Reap recovers running jobs whose lease expired and returns how many it touched.
func (w *Workers) Reap(ctx context.Context) (int, error) {
	jobs, err := db.ReapExpiredLeases(ctx, w.pool, w.opts.MaxAttempts)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		w.log.Warn().Str("job_id", job.ID).Str("account_id", job.AccountID).Str("status", string(job.Status)).
			Msg("Recovered sync job with expired lease")
	}
	return len(jobs), nil
}
