package imap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/testutil"
)

func TestIdle(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)
	defer server.Close()

	t.Run("returns cleanly when the context ends", func(t *testing.T) {
		s := connectTestSession(t, server)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- s.Idle(ctx, "INBOX", 100*time.Millisecond, func(int) {})
		}()

		time.Sleep(300 * time.Millisecond)
		cancel()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("Idle did not stop after cancel")
		}

		// The session is still usable afterwards.
		_, err := s.ListFolders(context.Background())
		require.NoError(t, err)
	})

	t.Run("fails for a missing folder", func(t *testing.T) {
		s := connectTestSession(t, server)

		err := s.Idle(context.Background(), "Nope", 100*time.Millisecond, func(int) {})
		assert.Error(t, err)
	})
}
