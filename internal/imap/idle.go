package imap

import (
	"context"
	"fmt"
	"time"

	idle "github.com/emersion/go-imap-idle"
	"github.com/emersion/go-imap/client"
)

// Idle watches folder with IDLE (or NOOP polling when the server lacks IDLE)
// and calls onNewMail with the number of new messages whenever the count grows. It blocks until ctx
// ends or the connection fails, and holds the command lock the whole time.
func (s *Session) Idle(ctx context.Context, folder string, pollInterval time.Duration, onNewMail func(added int)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.client
	status, err := selectFolder(c, folder)
	if err != nil {
		return err
	}
	known := status.Messages

	updates := make(chan client.Update, 10)
	c.Updates = updates
	defer func() { c.Updates = nil }()

	idleClient := idle.NewClient(c)
	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- idleClient.IdleWithFallback(stop, pollInterval)
	}()

	for {
		select {
		case <-ctx.Done():
			close(stop)
			for {
				select {
				case <-done:
					return nil
				case <-updates:
				}
			}
		case err := <-done:
			if err != nil {
				return fmt.Errorf("idle on %s ended: %w", folder, err)
			}
			return nil
		case update := <-updates:
			mbox, ok := update.(*client.MailboxUpdate)
			if !ok || mbox.Mailbox == nil {
				continue
			}
			if mbox.Mailbox.Messages > known {
				s.log.Debug().Str("folder", folder).Uint32("messages", mbox.Mailbox.Messages).Msg("IMAP IDLE: new mail")
				onNewMail(int(mbox.Mailbox.Messages - known))
			}
			known = mbox.Mailbox.Messages
		}
	}
}
