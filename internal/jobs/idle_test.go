package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/syncer"
	"github.com/vdavid/mailsync/internal/testutil"
)

// connectingRunner opens a real sync session and notes how many IDLE
// sessions the account held meanwhile.
type connectingRunner struct {
	connector *syncer.IMAPConnector
	idle      *imap.Manager

	connectErr    error
	idleDuringRun int
}

func (r *connectingRunner) Run(ctx context.Context, account *models.EmailAccount, _ models.JobKind, _ syncer.ProgressFunc) (syncer.Result, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	s, err := r.connector.Connect(connectCtx, account)
	r.connectErr = err
	if err != nil {
		return syncer.Result{}, err
	}
	defer func() { _ = s.Close() }()

	r.idleDuringRun = r.idle.OpenSessions(account.ID)
	_, err = s.ListFolders(ctx)
	return syncer.Result{}, err
}

func TestWorkersPauseIdleDuringSync(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)
	pool := testutil.NewTestDB(t)
	log := zerolog.Nop()
	ctx := context.Background()
	encryptor := testutil.GetTestEncryptor(t)

	// One slot each, so nothing here can borrow capacity from the other manager.
	syncManager := imap.NewManager(1, false, 5*time.Second, &log)
	defer syncManager.Close()
	idleManager := imap.NewManager(1, false, 5*time.Second, &log)
	defer idleManager.Close()

	ta := testutil.CreateTestAccount(t, pool, "idle-owner@example.com", server.Address)
	account, err := db.GetAccount(ctx, pool, ta.AccountID)
	require.NoError(t, err)

	queue := NewQueue(pool, nil, &log)
	watcher := NewIdleWatcher(pool, syncer.NewIMAPConnector(idleManager, encryptor), queue, nil, time.Minute, &log)

	watchCtx, stopWatching := context.WithCancel(ctx)
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		watcher.Run(watchCtx)
	}()
	defer func() {
		stopWatching()
		<-watchDone
	}()

	require.Eventually(t, func() bool { return idleManager.OpenSessions(account.ID) == 1 },
		5*time.Second, 20*time.Millisecond, "IDLE session never opened")

	runner := &connectingRunner{connector: syncer.NewIMAPConnector(syncManager, encryptor), idle: idleManager}
	workers := newWorkers(pool, runner, nil, 3)
	workers.PauseIdleDuringSync(watcher)

	_, _, err = queue.Enqueue(ctx, account, models.JobKindIncremental, true)
	require.NoError(t, err)

	claimed, err := workers.RunOnce(ctx, "worker-idle")
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, runner.connectErr)
	assert.Zero(t, runner.idleDuringRun, "the account held an IDLE session while the sync job was connected")

	last, err := db.GetLastFinishedJob(ctx, pool, account.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobSuccess, last.Status)

	assert.Eventually(t, func() bool { return idleManager.OpenSessions(account.ID) == 1 },
		5*time.Second, 20*time.Millisecond, "IDLE did not resume after the job")
}

func TestIdleWatcherPause(t *testing.T) {
	log := zerolog.Nop()
	w := NewIdleWatcher(nil, nil, nil, nil, time.Minute, &log)
	ctx := context.Background()

	first := w.Pause(ctx, "acc-1")
	second := w.Pause(ctx, "acc-1")

	holdCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, _, err := w.hold(holdCtx, "acc-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded, "a paused account must not reopen IDLE")

	first()
	first()
	second()

	sessionCtx, release, err := w.hold(ctx, "acc-1")
	require.NoError(t, err)

	// A new pause stops the live session and waits for its release.
	stopped := make(chan struct{})
	go func() {
		<-sessionCtx.Done()
		close(stopped)
		release()
	}()
	resume := w.Pause(ctx, "acc-1")
	select {
	case <-stopped:
	default:
		t.Fatal("Pause returned before the IDLE session was released")
	}
	resume()
}
