// Package syncer runs one sync pass over an account: plan each folder, stream
// the planned messages in batches, and commit every batch together with its
// cursor advance. A crash mid-batch leaves the cursor where it was, so the next
// pass fetches the batch again.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/vdavid/mailsync/internal/attachments"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/threading"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/vdavid/mailsync/internal/syncer"

// Options are the pipeline knobs, normally taken from config.
type Options struct {
	BatchSize     int
	FullSyncLimit int
	// EagerLimit is the size above which attachment bytes are deferred.
	EagerLimit int64
	// Timeout is the total budget of one Run. Zero means no budget.
	Timeout time.Duration
}

// Result counts what a run did. Processed is new email rows and new folder
// sightings; Skipped is messages that could not be fetched or parsed; Known is
// messages an earlier run already stored.
type Result struct {
	Processed int
	Skipped   int
	Known     int
}

func (r *Result) add(o Result) {
	r.Processed += o.Processed
	r.Skipped += o.Skipped
	r.Known += o.Known
}

// ProgressFunc is called after each folder with the running totals.
type ProgressFunc func(folder string, total Result)

type Syncer struct {
	pool        *pgxpool.Pool
	connector   Connector
	resolver    *threading.Resolver
	attachments *attachments.Store
	opts        Options
	log         *zerolog.Logger
	tracer      trace.Tracer
}

func New(pool *pgxpool.Pool, connector Connector, resolver *threading.Resolver, store *attachments.Store, opts Options, log *zerolog.Logger) *Syncer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.FullSyncLimit <= 0 {
		opts.FullSyncLimit = 500
	}
	return &Syncer{
		pool:        pool,
		connector:   connector,
		resolver:    resolver,
		attachments: store,
		opts:        opts,
		log:         log,
		tracer:      otel.Tracer(tracerName),
	}
}

// Run syncs every selectable folder of the account. The returned Result
// covers all batches committed before an error, so it is meaningful either way.
func (s *Syncer) Run(ctx context.Context, account *models.EmailAccount, kind models.JobKind, progress ProgressFunc) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "sync.account", trace.WithAttributes(
		attribute.String("account.id", account.ID),
		attribute.String("sync.kind", string(kind)),
	))
	defer span.End()

	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	log := s.log.With().Str("account_id", account.ID).Str("kind", string(kind)).Logger()

	var total Result
	err := s.run(ctx, account, kind, progress, &total, &log)

	span.SetAttributes(
		attribute.Int("sync.processed", total.Processed),
		attribute.Int("sync.skipped", total.Skipped),
		attribute.Int("sync.known", total.Known),
	)

	if err != nil {
		err = classify(ctx, err)
		if errors.Is(err, ErrJobTimeout) {
			s.connector.ForceClose(account.ID)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return total, err
	}

	log.Info().Int("processed", total.Processed).Int("skipped", total.Skipped).Int("known", total.Known).Msg("Sync finished")
	return total, nil
}

func (s *Syncer) run(ctx context.Context, account *models.EmailAccount, kind models.JobKind, progress ProgressFunc, total *Result, log *zerolog.Logger) error {
	session, err := s.connector.Connect(ctx, account)
	if err != nil {
		return err
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.Debug().Err(err).Msg("Failed to close IMAP session")
		}
	}()

	folders, err := session.ListFolders(ctx)
	if err != nil {
		return fmt.Errorf("failed to list folders: %w", err)
	}

	for _, folder := range folders {
		res, err := s.syncFolder(ctx, session, account, folder.Name, kind, log)
		total.add(res)
		s.recordFolder(ctx, account.ID, folder.Name, err, log)
		if err != nil {
			return fmt.Errorf("failed to sync folder %s: %w", folder.Name, err)
		}
		if progress != nil {
			progress(folder.Name, *total)
		}
	}
	return nil
}

func (s *Syncer) recordFolder(ctx context.Context, accountID, folder string, syncErr error, log *zerolog.Logger) {
	status, msg := "success", ""
	if syncErr != nil {
		status, msg = "error", syncErr.Error()
	}
	// Recorded even when the run's context has expired.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := db.RecordFolderSyncResult(ctx, s.pool, accountID, folder, status, msg); err != nil {
		log.Warn().Err(err).Str("folder", folder).Msg("Failed to record folder sync result")
	}
}

func (s *Syncer) syncFolder(ctx context.Context, session Session, account *models.EmailAccount, folder string, kind models.JobKind, parent *zerolog.Logger) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "sync.folder", trace.WithAttributes(attribute.String("imap.folder", folder)))
	defer span.End()

	log := parent.With().Str("folder", folder).Logger()

	cursor, err := db.GetFolderCursor(ctx, s.pool, account.ID, folder)
	if err != nil {
		return Result{}, err
	}

	plan, err := session.FetchSince(ctx, folder, cursor, imap.FetchOptions{
		Full:  kind == models.JobKindFull,
		Limit: s.opts.FullSyncLimit,
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to plan fetch: %w", err)
	}

	if plan.Reset {
		log.Warn().Uint32("old_uid_validity", cursor.UIDValidity).Uint32("uid_validity", plan.UIDValidity).
			Msg("UIDVALIDITY changed, ignoring stored cursor")
	}
	span.SetAttributes(attribute.Int("imap.planned", len(plan.UIDs)), attribute.Bool("imap.bounded", plan.Bounded))

	if len(plan.UIDs) == 0 {
		// Still pin the epoch so a later reset is detected.
		return Result{}, db.AdvanceFolderCursor(ctx, s.pool, account.ID, folder, plan.UIDValidity, 0)
	}

	var total Result
	for start := 0; start < len(plan.UIDs); start += s.opts.BatchSize {
		end := min(start+s.opts.BatchSize, len(plan.UIDs))
		res, err := s.syncBatch(ctx, session, account, plan, plan.UIDs[start:end], &log)
		if err != nil {
			return total, err
		}
		total.add(res)
	}

	log.Debug().Int("processed", total.Processed).Int("skipped", total.Skipped).Int("known", total.Known).Msg("Folder synced")
	return total, nil
}

// syncBatch ingests uids and advances the cursor past the last of them in one
// transaction. On error nothing of the batch is kept.
func (s *Syncer) syncBatch(ctx context.Context, session Session, account *models.EmailAccount, plan *imap.FetchPlan, uids []uint32, log *zerolog.Logger) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "sync.batch", trace.WithAttributes(attribute.Int("imap.batch_size", len(uids))))
	defer span.End()

	stream, err := session.Fetch(ctx, plan.Folder, uids, s.opts.EagerLimit)
	if err != nil {
		return Result{}, fmt.Errorf("failed to start fetch: %w", err)
	}
	defer stream.Close()

	var res Result
	err = db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		in := &ingester{
			syncer:      s,
			tx:          tx,
			threads:     db.NewThreadStore(tx),
			account:     account,
			folder:      plan.Folder,
			uidValidity: plan.UIDValidity,
			log:         log,
		}

		for {
			msg, err := stream.Next(ctx)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return fmt.Errorf("failed to fetch messages: %w", err)
			}

			out, err := in.ingest(ctx, msg)
			if err != nil {
				return err
			}
			switch out {
			case outcomeAdded:
				res.Processed++
			case outcomeSkipped:
				res.Skipped++
			default:
				res.Known++
			}
		}

		return db.AdvanceFolderCursor(ctx, tx, account.ID, plan.Folder, plan.UIDValidity, uids[len(uids)-1])
	})
	if err != nil {
		span.RecordError(err)
		return Result{}, err
	}
	return res, nil
}
