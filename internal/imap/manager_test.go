package imap

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/testutil"
)

func newTestManager(maxSessions int) *Manager {
	log := zerolog.Nop()
	return NewManager(maxSessions, false, 5*time.Second, &log)
}

func serverCredentials(server *testutil.TestIMAPServer) Credentials {
	return Credentials{Address: server.Address, Username: server.Username(), Password: server.Password()}
}

func connectTestSession(t *testing.T, server *testutil.TestIMAPServer) *Session {
	t.Helper()

	manager := newTestManager(2)
	s, err := manager.Connect(context.Background(), "account-1", serverCredentials(server))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestManagerConnect(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)
	defer server.Close()

	t.Run("opens and closes a session", func(t *testing.T) {
		manager := newTestManager(2)

		s, err := manager.Connect(context.Background(), "account-1", serverCredentials(server))
		require.NoError(t, err)
		assert.Equal(t, 1, manager.OpenSessions("account-1"))

		require.NoError(t, s.Close())
		assert.Equal(t, 0, manager.OpenSessions("account-1"))

		// Second close is a no-op.
		assert.NoError(t, s.Close())
	})

	t.Run("classifies rejected credentials as auth failure", func(t *testing.T) {
		manager := newTestManager(2)
		creds := serverCredentials(server)
		creds.Password = "wrong"

		_, err := manager.Connect(context.Background(), "account-1", creds)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrAuthFailed))
		assert.Equal(t, 0, manager.OpenSessions("account-1"))
	})

	t.Run("unreachable server is not an auth failure", func(t *testing.T) {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := listener.Addr().String()
		_ = listener.Close()

		manager := newTestManager(2)
		_, err = manager.Connect(context.Background(), "account-1", Credentials{Address: addr, Username: "u", Password: "p"})
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrAuthFailed))
	})

	t.Run("caps concurrent sessions", func(t *testing.T) {
		manager := newTestManager(1)

		first, err := manager.Connect(context.Background(), "account-1", serverCredentials(server))
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		_, err = manager.Connect(ctx, "account-2", serverCredentials(server))
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.DeadlineExceeded))

		require.NoError(t, first.Close())

		second, err := manager.Connect(context.Background(), "account-2", serverCredentials(server))
		require.NoError(t, err)
		_ = second.Close()
	})

	t.Run("force close breaks open sessions", func(t *testing.T) {
		manager := newTestManager(2)

		s, err := manager.Connect(context.Background(), "account-1", serverCredentials(server))
		require.NoError(t, err)
		defer func() { _ = s.Close() }()

		manager.ForceClose("account-1")

		_, err = s.ListFolders(context.Background())
		assert.Error(t, err)
	})
}
