package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/vdavid/mailsync/internal/api"
	"github.com/vdavid/mailsync/internal/attachments"
	"github.com/vdavid/mailsync/internal/auth"
	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/jobs"
	"github.com/vdavid/mailsync/internal/logging"
	"github.com/vdavid/mailsync/internal/repository"
	"github.com/vdavid/mailsync/internal/smtp"
	"github.com/vdavid/mailsync/internal/syncer"
	"github.com/vdavid/mailsync/internal/threading"
	ws "github.com/vdavid/mailsync/internal/websocket"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Environment, cfg.LogLevel)
	if err := run(cfg, &log); err != nil {
		log.Fatal().Err(err).Msg("Server stopped with error")
	}
}

func run(cfg *config.Config, log *zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewConnection(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.CloseConnection(pool)
	log.Info().Msg("Connected to database")

	app, err := newApp(cfg, pool, log)
	if err != nil {
		return err
	}
	defer app.imap.Close()
	if app.idleIMAP != nil {
		defer app.idleIMAP.Close()
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           app.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.workers.Run(gctx) })
	g.Go(func() error {
		app.scheduler.Run(gctx)
		return nil
	})
	if app.idle != nil {
		g.Go(func() error {
			app.idle.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		log.Info().Str("address", server.Addr).Str("environment", cfg.Environment).Msg("Mail sync server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		app.sender.Wait()
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// app is the wired process: the HTTP surface plus the background loops.
type app struct {
	handler   http.Handler
	imap      *imap.Manager
	idleIMAP  *imap.Manager
	workers   *jobs.Workers
	scheduler *jobs.Scheduler
	idle      *jobs.IdleWatcher
	sender    *smtp.Sender
}

func newApp(cfg *config.Config, pool *pgxpool.Pool, log *zerolog.Logger) (*app, error) {
	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryptor: %w", err)
	}
	signer, err := crypto.NewLinkSigner(cfg.EncryptionKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to create link signer: %w", err)
	}
	blobs, err := attachments.NewFileStore(cfg.BlobDir)
	if err != nil {
		return nil, err
	}

	manager := imap.NewManager(cfg.IMAPMaxSessions, cfg.IMAPUseTLS, cfg.IMAPTimeout, logging.Component(log, "imap"))
	connector := syncer.NewIMAPConnector(manager, encryptor)
	store := attachments.NewStore(blobs, pool, connector, logging.Component(log, "attachments"))
	resolver := threading.NewResolver(cfg.SubjectMatchWindow, logging.Component(log, "threading"))

	pipeline := syncer.New(pool, connector, resolver, store, syncer.Options{
		BatchSize:     cfg.SyncBatchSize,
		FullSyncLimit: cfg.FullSyncLimit,
		EagerLimit:    cfg.AttachmentEagerLimit,
		Timeout:       cfg.JobTimeout,
	}, logging.Component(log, "syncer"))

	hub := ws.NewHub(cfg.WebSocketMaxPerUser, logging.Component(log, "websocket"))
	queue := jobs.NewQueue(pool, hub, logging.Component(log, "queue"))
	workers := jobs.NewWorkers(pool, pipeline, hub, jobs.WorkerOptions{
		Workers:      cfg.SyncWorkers,
		PollInterval: cfg.QueuePollInterval,
		LeaseTTL:     cfg.JobLeaseTTL,
		MaxAttempts:  cfg.JobMaxAttempts,
		BackoffBase:  cfg.JobBackoffBase,
		BackoffMax:   cfg.JobBackoffMax,
	}, logging.Component(log, "workers"))
	scheduler := jobs.NewScheduler(pool, queue, cfg.PeriodicSyncInterval, logging.Component(log, "scheduler"))

	var idle *jobs.IdleWatcher
	var idleManager *imap.Manager
	if cfg.IMAPIdleEnabled {
		// IDLE sessions are long-lived; they get their own slots so they never starve sync jobs.
		idleManager = imap.NewManager(cfg.IMAPIdleMaxSessions, cfg.IMAPUseTLS, cfg.IMAPTimeout, logging.Component(log, "imap_idle"))
		idle = jobs.NewIdleWatcher(pool, syncer.NewIMAPConnector(idleManager, encryptor), queue, hub, cfg.PeriodicSyncInterval, logging.Component(log, "idle"))
		workers.PauseIdleDuringSync(idle)
	}

	sender := smtp.NewSender(encryptor, cfg.SMTPUseTLS, cfg.IMAPTimeout, logging.Component(log, "smtp"))
	authenticator := auth.NewAuthenticator(signer, cfg.TestMode, logging.Component(log, "auth"))
	if cfg.TestMode {
		log.Warn().Msg("Test mode is on: email bearer tokens are accepted")
	}

	apiLog := logging.Component(log, "api")
	repo := repository.New(pool, apiLog)
	router := api.NewRouter(api.Handlers{
		Auth:        authenticator,
		Accounts:    api.NewAccountsHandler(pool, encryptor, apiLog),
		Sync:        api.NewSyncHandler(pool, repo, queue, apiLog),
		Emails:      api.NewEmailsHandler(pool, repo, apiLog),
		Folders:     api.NewFoldersHandler(pool, repo, apiLog),
		ThreadList:  api.NewThreadsHandler(pool, repo, apiLog),
		Threads:     api.NewThreadHandler(pool, repo, apiLog),
		Attachments: api.NewAttachmentsHandler(pool, store, signer, cfg.PublicBaseURL, cfg.DownloadLinkTTL, apiLog),
		Messages:    api.NewMessagesHandler(pool, repo, sender, apiLog),
		WebSocket:   api.NewWebSocketHandler(pool, authenticator, hub, queue, apiLog),
	})
	router.HandleFunc("/", handleRoot)

	return &app{
		handler:   router,
		imap:      manager,
		idleIMAP:  idleManager,
		workers:   workers,
		scheduler: scheduler,
		idle:      idle,
		sender:    sender,
	}, nil
}

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Mail sync API is running")
}
