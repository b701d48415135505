package jobs

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/models"
)

// Scheduler periodically enqueues an incremental sync for every account with sync enabled.
type Scheduler struct {
	pool     *pgxpool.Pool
	queue    *Queue
	interval time.Duration
	log      *zerolog.Logger
}

func NewScheduler(pool *pgxpool.Pool, queue *Queue, interval time.Duration, log *zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scheduler{pool: pool, queue: queue, interval: interval, log: log}
}

// Run ticks once at start and then every interval until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.log.Error().Err(err).Msg("Periodic sync scheduling failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick enqueues one round and returns the number of jobs it created.
// Accounts that already have a live job are left alone.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	accounts, err := db.ListSyncableAccounts(ctx, s.pool)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, account := range accounts {
		_, isNew, err := s.queue.Enqueue(ctx, account, models.JobKindIncremental, false)
		if err != nil {
			s.log.Warn().Err(err).Str("account_id", account.ID).Msg("Failed to enqueue periodic sync")
			continue
		}
		if isNew {
			created++
		}
	}

	s.log.Debug().Int("accounts", len(accounts)).Int("queued", created).Msg("Periodic sync tick")
	return created, nil
}
