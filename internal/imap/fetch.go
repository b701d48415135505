package imap

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/vdavid/mailsync/internal/models"
)

// FetchPlan lists the UIDs a folder sync should fetch, in ascending order.
// Bounded is set when the stored cursor could not be used and the plan covers
// only the most recent messages. Reset is set when that happened because the
// folder's UIDVALIDITY changed.
type FetchPlan struct {
	Folder      string
	UIDValidity uint32
	UIDs        []uint32
	Bounded     bool
	Reset       bool
}

// FetchOptions controls how FetchSince plans.
type FetchOptions struct {
	// Full ignores the cursor and plans a bounded fetch of recent messages.
	Full bool
	// Limit is the most messages a bounded plan may contain.
	Limit int
}

// FetchSince plans the fetch of folder relative to cursor, which may be nil.
// With a usable cursor it returns the UIDs above LastSeenUID; otherwise the
// newest opts.Limit messages.
func (s *Session) FetchSince(ctx context.Context, folder string, cursor *models.FolderCursor, opts FetchOptions) (*FetchPlan, error) {
	plan := &FetchPlan{Folder: folder}

	err := s.do(ctx, func(c *client.Client) error {
		status, err := selectFolder(c, folder)
		if err != nil {
			return err
		}
		plan.UIDValidity = status.UidValidity

		if cursor != nil && cursor.UIDValidity != status.UidValidity {
			plan.Reset = true
		}

		incremental := !opts.Full && !plan.Reset && cursor != nil && cursor.LastSeenUID > 0
		if incremental {
			if status.UidNext != 0 && status.UidNext <= cursor.LastSeenUID+1 {
				return nil
			}
			criteria := imap.NewSearchCriteria()
			criteria.Uid = new(imap.SeqSet)
			criteria.Uid.AddRange(cursor.LastSeenUID+1, 0)

			uids, err := c.UidSearch(criteria)
			if err != nil {
				return fmt.Errorf("failed to search %s: %w", folder, err)
			}
			// "n:*" always matches the highest UID, even below n.
			for _, uid := range uids {
				if uid > cursor.LastSeenUID {
					plan.UIDs = append(plan.UIDs, uid)
				}
			}
			return nil
		}

		plan.Bounded = true
		if status.Messages == 0 {
			return nil
		}

		from := uint32(1)
		if opts.Limit > 0 && status.Messages > uint32(opts.Limit) {
			from = status.Messages - uint32(opts.Limit) + 1
		}
		criteria := imap.NewSearchCriteria()
		criteria.SeqNum = new(imap.SeqSet)
		criteria.SeqNum.AddRange(from, status.Messages)

		uids, err := c.UidSearch(criteria)
		if err != nil {
			return fmt.Errorf("failed to search %s: %w", folder, err)
		}
		plan.UIDs = uids
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(plan.UIDs, func(i, j int) bool { return plan.UIDs[i] < plan.UIDs[j] })
	return plan, nil
}

// FetchPart downloads one body section of a message. uidValidity must match
// the folder's current epoch, otherwise ErrUIDValidityChanged is returned.
func (s *Session) FetchPart(ctx context.Context, folder string, uidValidity, uid uint32, locator string) ([]byte, error) {
	path, err := parseLocator(locator)
	if err != nil {
		return nil, err
	}

	var content []byte
	err = s.do(ctx, func(c *client.Client) error {
		status, err := selectFolder(c, folder)
		if err != nil {
			return err
		}
		if status.UidValidity != uidValidity {
			return ErrUIDValidityChanged
		}

		section := &imap.BodySectionName{BodyPartName: imap.BodyPartName{Path: path}, Peek: true}
		seqSet := new(imap.SeqSet)
		seqSet.AddNum(uid)

		messages := make(chan *imap.Message, 1)
		done := make(chan error, 1)
		go func() {
			done <- c.UidFetch(seqSet, []imap.FetchItem{imap.FetchUid, section.FetchItem()}, messages)
		}()

		var literal imap.Literal
		for msg := range messages {
			if l := msg.GetBody(section); l != nil {
				literal = l
			}
		}
		if err := <-done; err != nil {
			return fmt.Errorf("failed to fetch part %s of uid %d: %w", locator, uid, err)
		}
		if literal == nil {
			return ErrPartNotFound
		}

		content, err = io.ReadAll(literal)
		if err != nil {
			return fmt.Errorf("failed to read part %s of uid %d: %w", locator, uid, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return content, nil
}
