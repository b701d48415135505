package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/attachments"
	"github.com/vdavid/mailsync/internal/auth"
	"github.com/vdavid/mailsync/internal/jobs"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/repository"
	"github.com/vdavid/mailsync/internal/smtp"
	"github.com/vdavid/mailsync/internal/testutil"
	ws "github.com/vdavid/mailsync/internal/websocket"
)

// fakeFetcher serves deferred attachment parts from memory.
type fakeFetcher struct {
	mu    sync.Mutex
	parts map[string][]byte // locator -> raw part
	calls int
}

func (f *fakeFetcher) FetchPart(_ context.Context, _ *models.EmailAccount, _ string, _, _ uint32, locator string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	raw, ok := f.parts[locator]
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	return raw, nil
}

// fakeSender records messages instead of delivering them.
type fakeSender struct {
	mu   sync.Mutex
	sent []*smtp.Message
}

func (f *fakeSender) Send(_ context.Context, _ *models.EmailAccount, msg *smtp.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
}

type testServer struct {
	router  *mux.Router
	pool    *pgxpool.Pool
	hub     *ws.Hub
	store   *attachments.Store
	fetcher *fakeFetcher
	sender  *fakeSender
}

func newTestServer(t *testing.T, pool *pgxpool.Pool) *testServer {
	t.Helper()
	log := zerolog.Nop()

	blobs, err := attachments.NewFileStore(t.TempDir())
	require.NoError(t, err)
	fetcher := &fakeFetcher{parts: map[string][]byte{}}
	store := attachments.NewStore(blobs, pool, fetcher, &log)

	signer := testutil.GetTestLinkSigner(t)
	authenticator := auth.NewAuthenticator(signer, true, &log)
	hub := ws.NewHub(5, &log)
	queue := jobs.NewQueue(pool, hub, &log)
	repo := repository.New(pool, &log)
	sender := &fakeSender{}

	router := NewRouter(Handlers{
		Auth:        authenticator,
		Accounts:    NewAccountsHandler(pool, testutil.GetTestEncryptor(t), &log),
		Sync:        NewSyncHandler(pool, repo, queue, &log),
		Emails:      NewEmailsHandler(pool, repo, &log),
		Folders:     NewFoldersHandler(pool, repo, &log),
		ThreadList:  NewThreadsHandler(pool, repo, &log),
		Threads:     NewThreadHandler(pool, repo, &log),
		Attachments: NewAttachmentsHandler(pool, store, signer, "https://mail.example.com/", 0, &log),
		Messages:    NewMessagesHandler(pool, repo, sender, &log),
		WebSocket:   NewWebSocketHandler(pool, authenticator, hub, queue, &log),
	})

	return &testServer{router: router, pool: pool, hub: hub, store: store, fetcher: fetcher, sender: sender}
}

// do sends a request as email (empty email sends no credentials) and returns the recorder.
func (s *testServer) do(t *testing.T, method, target, email string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}

	req := httptest.NewRequest(method, target, reader)
	if email != "" {
		req.Header.Set("Authorization", "Bearer email:"+email)
	}
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), "body: %s", rr.Body.String())
	return v
}

func newAccount(t *testing.T, pool *pgxpool.Pool) testutil.TestAccount {
	t.Helper()
	return testutil.CreateTestAccount(t, pool, uuid.NewString()+"@example.com", "imap.example.com:993")
}

// emailInThread inserts a thread holding one email and returns both ids.
func emailInThread(t *testing.T, pool *pgxpool.Pool, accountID string) (emailID, threadID string) {
	t.Helper()
	emailID = testutil.CreateTestEmail(t, pool, accountID, uuid.NewString()+"@test", 1)
	require.NoError(t, pool.QueryRow(context.Background(),
		`SELECT thread_id FROM emails WHERE id = $1`, emailID).Scan(&threadID))
	return emailID, threadID
}
