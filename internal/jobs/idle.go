package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/syncer"
)

const idleFolder = "INBOX"

// errIdlePaused ends an IDLE session that a sync job took over.
var errIdlePaused = errors.New("idle paused for sync")

// SessionOpener opens an authenticated session for an account.
type SessionOpener interface {
	OpenSession(ctx context.Context, account *models.EmailAccount) (*imap.Session, error)
}

// IdleWatcher keeps an IDLE session on every syncable account's INBOX and
// enqueues an immediate incremental sync when new mail arrives. Its sessions
// should come from a manager other than the sync workers', since each watcher
// holds its slot for as long as it runs. While a sync job runs for an account
// the account's IDLE session is closed (see Pause).
type IdleWatcher struct {
	pool         *pgxpool.Pool
	opener       SessionOpener
	queue        *Queue
	publisher    Publisher
	pollInterval time.Duration
	refresh      time.Duration
	log          *zerolog.Logger

	newBackOff func() backoff.BackOff

	mu      sync.Mutex
	paused  map[string]*idlePause
	holding map[string]*idleHold
}

type idlePause struct {
	count   int
	resumed chan struct{}
}

// idleHold is the live IDLE session of one account.
type idleHold struct {
	stop   context.CancelFunc
	closed chan struct{}
}

func NewIdleWatcher(pool *pgxpool.Pool, opener SessionOpener, queue *Queue, publisher Publisher, refresh time.Duration, log *zerolog.Logger) *IdleWatcher {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	if refresh <= 0 {
		refresh = 5 * time.Minute
	}
	return &IdleWatcher{
		pool:         pool,
		opener:       opener,
		queue:        queue,
		publisher:    publisher,
		pollInterval: time.Minute,
		refresh:      refresh,
		log:          log,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 5 * time.Second
			b.MaxInterval = 5 * time.Minute
			b.MaxElapsedTime = 0
			return b
		},
		paused:  make(map[string]*idlePause),
		holding: make(map[string]*idleHold),
	}
}

// Pause closes the account's IDLE session, waits until it is logged out and
// keeps it closed until resume is called. Pauses nest. If ctx ends before the
// session is closed, Pause returns anyway.
func (w *IdleWatcher) Pause(ctx context.Context, accountID string) (resume func()) {
	w.mu.Lock()
	p, ok := w.paused[accountID]
	if !ok {
		p = &idlePause{resumed: make(chan struct{})}
		w.paused[accountID] = p
	}
	p.count++
	live := w.holding[accountID]
	w.mu.Unlock()

	if live != nil {
		live.stop()
		select {
		case <-live.closed:
		case <-ctx.Done():
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			p.count--
			if p.count == 0 {
				delete(w.paused, accountID)
				close(p.resumed)
			}
		})
	}
}

// hold waits out any pause and registers a new IDLE session for the account.
// The returned func must be called once the session is closed.
func (w *IdleWatcher) hold(ctx context.Context, accountID string) (context.Context, func(), error) {
	for {
		w.mu.Lock()
		p, paused := w.paused[accountID]
		if !paused {
			holdCtx, stop := context.WithCancel(ctx)
			h := &idleHold{stop: stop, closed: make(chan struct{})}
			w.holding[accountID] = h
			w.mu.Unlock()

			return holdCtx, func() {
				stop()
				w.mu.Lock()
				if w.holding[accountID] == h {
					delete(w.holding, accountID)
				}
				w.mu.Unlock()
				close(h.closed)
			}, nil
		}
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-p.resumed:
		}
	}
}

// Run watches accounts until ctx ends, picking up added and removed accounts
// every refresh interval.
func (w *IdleWatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	running := map[string]context.CancelFunc{}
	defer func() {
		for _, stop := range running {
			stop()
		}
		wg.Wait()
	}()

	ticker := time.NewTicker(w.refresh)
	defer ticker.Stop()

	for {
		accounts, err := db.ListSyncableAccounts(ctx, w.pool)
		if err != nil && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("Failed to list accounts for IDLE")
		}

		if err == nil {
			wanted := make(map[string]struct{}, len(accounts))
			for _, account := range accounts {
				wanted[account.ID] = struct{}{}
				if _, ok := running[account.ID]; ok {
					continue
				}
				watchCtx, stop := context.WithCancel(ctx)
				running[account.ID] = stop
				wg.Add(1)
				go func() {
					defer wg.Done()
					w.watch(watchCtx, account)
				}()
			}
			for id, stop := range running {
				if _, ok := wanted[id]; !ok {
					stop()
					delete(running, id)
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// watch reconnects with backoff until ctx ends. Rejected credentials end the
// watcher; the next scheduled sync flags the account.
func (w *IdleWatcher) watch(ctx context.Context, account *models.EmailAccount) {
	log := w.log.With().Str("account_id", account.ID).Logger()
	b := w.newBackOff()

	for ctx.Err() == nil {
		err := w.watchOnce(ctx, account)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, errIdlePaused) {
			continue
		}
		if syncer.IsAuth(err) {
			log.Warn().Err(err).Msg("IDLE stopped, credentials rejected")
			return
		}
		if err == nil {
			b.Reset()
		}

		delay := b.NextBackOff()
		log.Debug().Err(err).Dur("retry_in", delay).Msg("IDLE session ended, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (w *IdleWatcher) watchOnce(ctx context.Context, account *models.EmailAccount) error {
	sessionCtx, release, err := w.hold(ctx, account.ID)
	if err != nil {
		return err
	}
	defer release()

	s, err := w.opener.OpenSession(sessionCtx, account)
	if err == nil {
		err = s.Idle(sessionCtx, idleFolder, w.pollInterval, func(added int) {
			w.publisher.Publish(account.OwnerID, models.NewMail{AccountID: account.ID, Folder: idleFolder, Count: added})
			if _, _, err := w.queue.Enqueue(ctx, account, models.JobKindIncremental, true); err != nil {
				w.log.Warn().Err(err).Str("account_id", account.ID).Msg("Failed to enqueue sync after new mail")
			}
		})
		_ = s.Close()
	}

	if sessionCtx.Err() != nil && ctx.Err() == nil {
		return errIdlePaused
	}
	return err
}
