// Package jobs runs sync work off the request path: a durable queue in
// Postgres, a periodic scheduler feeding it, and a worker pool draining it.
package jobs

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/models"
)

// Publisher delivers sync events to the account owner's live connections.
type Publisher interface {
	Publish(ownerID string, event models.SyncEvent)
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(string, models.SyncEvent) {}

// Queue is the entry point for requesting a sync.
type Queue struct {
	pool      *pgxpool.Pool
	publisher Publisher
	log       *zerolog.Logger
}

func NewQueue(pool *pgxpool.Pool, publisher Publisher, log *zerolog.Logger) *Queue {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &Queue{pool: pool, publisher: publisher, log: log}
}

// Enqueue requests a sync of the account. If the account already has a live
// job that job is returned with created false, so concurrent triggers never
// produce two.
func (q *Queue) Enqueue(ctx context.Context, account *models.EmailAccount, kind models.JobKind, immediate bool) (job *models.SyncJob, created bool, err error) {
	job, created, err = db.EnqueueJob(ctx, q.pool, account.ID, kind, immediate)
	if err != nil {
		return nil, false, err
	}

	if created {
		q.log.Info().Str("account_id", account.ID).Str("job_id", job.ID).Str("kind", string(job.Kind)).Msg("Sync job queued")
		q.publisher.Publish(account.OwnerID, models.JobQueued{AccountID: account.ID, JobID: job.ID, Kind: job.Kind})
	}
	return job, created, nil
}

// RetryDelay is the wait before attempt+1 after attempt failed: base doubled
// per attempt and capped at ceiling.
func RetryDelay(base, ceiling time.Duration, attempt int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         ceiling,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	delay := base
	for range max(attempt, 1) {
		delay = b.NextBackOff()
	}
	return delay
}
