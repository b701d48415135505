package imap

import (
	"context"
	"fmt"
	"sync"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/rs/zerolog"
)

// Session is one logged-in IMAP connection. Commands are serialized, and a
// command whose context ends terminates the connection.
type Session struct {
	client    *client.Client
	accountID string
	manager   *Manager
	log       *zerolog.Logger

	mu        sync.Mutex
	closeOnce sync.Once
}

// do runs fn under the command lock, bounded by ctx.
func (s *Session) do(ctx context.Context, fn func(c *client.Client) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- fn(s.client)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		s.terminate()
		<-done
		return ctx.Err()
	}
}

func (s *Session) terminate() {
	_ = s.client.Terminate()
}

// selectFolder opens folder read-only. Caller holds the command lock via do.
func selectFolder(c *client.Client, folder string) (*imap.MailboxStatus, error) {
	status, err := c.Select(folder, true)
	if err != nil {
		return nil, fmt.Errorf("failed to select folder %s: %w", folder, err)
	}
	return status, nil
}

// Close logs out and gives the session slot back. Safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.client.State() != imap.LogoutState {
			err = s.client.Logout()
		}
		s.manager.unregister(s)
		s.manager.slots.Release(1)
		s.log.Debug().Msg("IMAP session closed")
	})
	if err != nil && err != client.ErrAlreadyLoggedOut {
		return fmt.Errorf("failed to logout: %w", err)
	}
	return nil
}
