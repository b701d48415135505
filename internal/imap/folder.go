package imap

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/vdavid/mailsync/internal/models"
)

// ListFolders lists all selectable folders with their current UIDVALIDITY.
func (s *Session) ListFolders(ctx context.Context) ([]models.Folder, error) {
	var folders []models.Folder

	err := s.do(ctx, func(c *client.Client) error {
		mailboxes := make(chan *imap.MailboxInfo, 10)
		done := make(chan error, 1)

		go func() {
			done <- c.List("", "*", mailboxes)
		}()

		var names []string
		for m := range mailboxes {
			if hasAttribute(m.Attributes, imap.NoSelectAttr) {
				continue
			}
			names = append(names, m.Name)
		}

		if err := <-done; err != nil {
			return fmt.Errorf("failed to list folders: %w", err)
		}

		for _, name := range names {
			status, err := c.Status(name, []imap.StatusItem{imap.StatusUidValidity, imap.StatusMessages})
			if err != nil {
				return fmt.Errorf("failed to get status of %s: %w", name, err)
			}
			folders = append(folders, models.Folder{
				Name:        name,
				UIDValidity: status.UidValidity,
				Messages:    status.Messages,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return folders, nil
}

func hasAttribute(attrs []string, attr string) bool {
	for _, a := range attrs {
		if a == attr {
			return true
		}
	}
	return false
}
