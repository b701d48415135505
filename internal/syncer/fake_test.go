package syncer

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/models"
)

type fakeFolder struct {
	uidValidity uint32
	messages    map[uint32][]byte
}

// fakeMailbox plans and streams like a server would, without the protocol.
type fakeMailbox struct {
	mu      sync.Mutex
	folders map[string]*fakeFolder
	order   []string

	connectErr error
	// blockFetch makes the nth Fetch call (1-based) hang until its context ends.
	blockFetch int
	fetches    int
	planned    map[string][]uint32
	forced     bool
}

func newFakeMailbox() *fakeMailbox {
	return &fakeMailbox{folders: map[string]*fakeFolder{}, planned: map[string][]uint32{}}
}

func (m *fakeMailbox) addFolder(folder string) *fakeFolder {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.folders[folder]
	if !ok {
		f = &fakeFolder{uidValidity: 1, messages: map[uint32][]byte{}}
		m.folders[folder] = f
		m.order = append(m.order, folder)
	}
	return f
}

func (m *fakeMailbox) add(folder string, uid uint32, raw []byte) {
	f := m.addFolder(folder)
	m.mu.Lock()
	f.messages[uid] = raw
	m.mu.Unlock()
}

func (m *fakeMailbox) Connect(context.Context, *models.EmailAccount) (Session, error) {
	if m.connectErr != nil {
		return nil, m.connectErr
	}
	return &fakeSession{box: m}, nil
}

func (m *fakeMailbox) ForceClose(string) {
	m.mu.Lock()
	m.forced = true
	m.mu.Unlock()
}

type fakeSession struct {
	box *fakeMailbox
}

func (s *fakeSession) ListFolders(context.Context) ([]models.Folder, error) {
	s.box.mu.Lock()
	defer s.box.mu.Unlock()
	var out []models.Folder
	for _, name := range s.box.order {
		f := s.box.folders[name]
		out = append(out, models.Folder{Name: name, UIDValidity: f.uidValidity, Messages: uint32(len(f.messages))})
	}
	return out, nil
}

func (s *fakeSession) FetchSince(_ context.Context, folder string, cursor *models.FolderCursor, opts imap.FetchOptions) (*imap.FetchPlan, error) {
	s.box.mu.Lock()
	defer s.box.mu.Unlock()

	f := s.box.folders[folder]
	plan := &imap.FetchPlan{Folder: folder, UIDValidity: f.uidValidity}
	plan.Reset = cursor != nil && cursor.UIDValidity != f.uidValidity

	var all []uint32
	for uid := range f.messages {
		all = append(all, uid)
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })

	if !opts.Full && !plan.Reset && cursor != nil && cursor.LastSeenUID > 0 {
		for _, uid := range all {
			if uid > cursor.LastSeenUID {
				plan.UIDs = append(plan.UIDs, uid)
			}
		}
	} else {
		plan.Bounded = true
		if opts.Limit > 0 && len(all) > opts.Limit {
			all = all[len(all)-opts.Limit:]
		}
		plan.UIDs = all
	}

	s.box.planned[folder] = plan.UIDs
	return plan, nil
}

func (s *fakeSession) Fetch(_ context.Context, folder string, uids []uint32, _ int64) (Stream, error) {
	s.box.mu.Lock()
	defer s.box.mu.Unlock()

	s.box.fetches++
	st := &fakeStream{block: s.box.fetches == s.box.blockFetch}
	for _, uid := range uids {
		raw, ok := s.box.folders[folder].messages[uid]
		msg := &imap.RawMessage{UID: uid, InternalDate: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), Body: raw}
		if !ok {
			msg = &imap.RawMessage{UID: uid, Err: imap.ErrMessageGone}
		}
		msg.Size = int64(len(raw))
		st.messages = append(st.messages, msg)
	}
	return st, nil
}

func (s *fakeSession) Close() error { return nil }

type fakeStream struct {
	messages []*imap.RawMessage
	block    bool
}

func (st *fakeStream) Next(ctx context.Context) (*imap.RawMessage, error) {
	if st.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(st.messages) == 0 {
		return nil, io.EOF
	}
	msg := st.messages[0]
	st.messages = st.messages[1:]
	return msg, nil
}

func (st *fakeStream) Close() {}

var errConnRefused = errors.New("dial tcp: connection refused")
