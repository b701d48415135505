package imap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/vdavid/mailsync/internal/parser"
)

const (
	// chunkMessages and chunkBytes bound one BODY[] fetch of small messages.
	chunkMessages = 10
	chunkBytes    = 8 << 20
)

// ErrMessageGone means a planned UID was expunged before it could be fetched.
var ErrMessageGone = errors.New("message no longer exists")

// RawMessage is one fetched message. Exactly one of Body, Partial and Err is set:
// Body holds the whole message, Partial the pieces of a message over the eager
// limit, and Err a failure scoped to this message only.
type RawMessage struct {
	UID          uint32
	Flags        []string
	InternalDate time.Time
	Size         int64
	Body         []byte
	Partial      *parser.PartialMessage
	Err          error
}

func (m *RawMessage) hasFlag(flag string) bool {
	for _, f := range m.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

func (m *RawMessage) Seen() bool    { return m.hasFlag(imap.SeenFlag) }
func (m *RawMessage) Flagged() bool { return m.hasFlag(imap.FlaggedFlag) }

// MessageStream delivers fetched messages in ascending UID order. The producer
// fetches ahead by at most one chunk, so a slow consumer slows the fetch down.
type MessageStream struct {
	messages <-chan *RawMessage
	cancel   context.CancelFunc
	err      error
}

// Next returns the next message, or io.EOF once the stream is exhausted.
func (st *MessageStream) Next(ctx context.Context) (*RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-st.messages:
		if !ok {
			if st.err != nil {
				return nil, st.err
			}
			return nil, io.EOF
		}
		return msg, nil
	}
}

// Close stops the producer. Closing before io.EOF may end the session.
func (st *MessageStream) Close() {
	st.cancel()
	for range st.messages {
	}
}

type messageMeta struct {
	flags        []string
	internalDate time.Time
	size         int64
}

// Fetch streams the messages with the given UIDs from folder. Messages larger
// than eagerLimit bytes are fetched as header, text parts and part references.
func (s *Session) Fetch(ctx context.Context, folder string, uids []uint32, eagerLimit int64) (*MessageStream, error) {
	var meta map[uint32]messageMeta

	err := s.do(ctx, func(c *client.Client) error {
		if _, err := selectFolder(c, folder); err != nil {
			return err
		}
		var err error
		meta, err = fetchMeta(c, uids)
		return err
	})
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	messages := make(chan *RawMessage)
	st := &MessageStream{messages: messages, cancel: cancel}

	go func() {
		defer close(messages)
		st.err = s.produce(streamCtx, uids, meta, eagerLimit, messages)
	}()

	return st, nil
}

func (s *Session) produce(ctx context.Context, uids []uint32, meta map[uint32]messageMeta, eagerLimit int64, out chan<- *RawMessage) error {
	emit := func(m *RawMessage) error {
		select {
		case out <- m:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var chunk []uint32
	var chunkSize int64
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		var bodies map[uint32][]byte
		err := s.do(ctx, func(c *client.Client) error {
			var err error
			bodies, err = fetchBodies(c, chunk)
			return err
		})
		if err != nil {
			return err
		}
		for _, uid := range chunk {
			m := newRawMessage(uid, meta[uid])
			if body, ok := bodies[uid]; ok {
				m.Body = body
			} else {
				m.Err = ErrMessageGone
			}
			if err := emit(m); err != nil {
				return err
			}
		}
		chunk, chunkSize = chunk[:0], 0
		return nil
	}

	for _, uid := range uids {
		md, ok := meta[uid]
		if !ok {
			if err := flush(); err != nil {
				return err
			}
			if err := emit(&RawMessage{UID: uid, Err: ErrMessageGone}); err != nil {
				return err
			}
			continue
		}

		if eagerLimit > 0 && md.size > eagerLimit {
			if err := flush(); err != nil {
				return err
			}
			m := newRawMessage(uid, md)
			err := s.do(ctx, func(c *client.Client) error {
				partial, err := fetchPartial(c, uid, md.size)
				if err != nil {
					return err
				}
				m.Partial = partial
				return nil
			})
			if errors.Is(err, ErrMessageGone) || errors.Is(err, ErrPartNotFound) {
				m.Err = err
			} else if err != nil {
				return err
			}
			if err := emit(m); err != nil {
				return err
			}
			continue
		}

		if len(chunk) > 0 && (len(chunk) >= chunkMessages || chunkSize+md.size > chunkBytes) {
			if err := flush(); err != nil {
				return err
			}
		}
		chunk = append(chunk, uid)
		chunkSize += md.size
	}

	return flush()
}

func newRawMessage(uid uint32, md messageMeta) *RawMessage {
	return &RawMessage{UID: uid, Flags: md.flags, InternalDate: md.internalDate, Size: md.size}
}

func uidSet(uids []uint32) *imap.SeqSet {
	seqSet := new(imap.SeqSet)
	for _, uid := range uids {
		seqSet.AddNum(uid)
	}
	return seqSet
}

// fetchMeta fetches only flags, internal date and size.
func fetchMeta(c *client.Client, uids []uint32) (map[uint32]messageMeta, error) {
	meta := make(map[uint32]messageMeta, len(uids))
	if len(uids) == 0 {
		return meta, nil
	}

	items := []imap.FetchItem{imap.FetchUid, imap.FetchFlags, imap.FetchInternalDate, imap.FetchRFC822Size}
	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(uidSet(uids), items, messages)
	}()

	for msg := range messages {
		meta[msg.Uid] = messageMeta{flags: msg.Flags, internalDate: msg.InternalDate, size: int64(msg.Size)}
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch message metadata: %w", err)
	}
	return meta, nil
}

// fetchBodies downloads BODY.PEEK[] for each UID.
func fetchBodies(c *client.Client, uids []uint32) (map[uint32][]byte, error) {
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(uidSet(uids), items, messages)
	}()

	bodies := make(map[uint32][]byte, len(uids))
	var readErr error
	for msg := range messages {
		literal := msg.GetBody(section)
		if literal == nil {
			continue
		}
		body, err := io.ReadAll(literal)
		if err != nil && readErr == nil {
			readErr = fmt.Errorf("failed to read body of uid %d: %w", msg.Uid, err)
		}
		bodies[msg.Uid] = body
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch message bodies: %w", err)
	}
	if readErr != nil {
		return nil, readErr
	}
	return bodies, nil
}

// fetchPartial downloads the header block and text parts of a large message.
func fetchPartial(c *client.Client, uid uint32, size int64) (*parser.PartialMessage, error) {
	header := &imap.BodySectionName{BodyPartName: imap.BodyPartName{Specifier: imap.HeaderSpecifier}, Peek: true}
	msg, err := fetchOne(c, uid, []imap.FetchItem{imap.FetchUid, imap.FetchBodyStructure, header.FetchItem()})
	if err != nil {
		return nil, err
	}

	headerLiteral := msg.GetBody(header)
	if headerLiteral == nil {
		return nil, ErrPartNotFound
	}
	headerBytes, err := io.ReadAll(headerLiteral)
	if err != nil {
		return nil, fmt.Errorf("failed to read header of uid %d: %w", uid, err)
	}

	plan := planParts(msg.BodyStructure)
	partial := &parser.PartialMessage{Header: headerBytes, Size: size, Deferred: plan.deferred}

	if len(plan.texts) == 0 {
		return partial, nil
	}

	sections := make([]*imap.BodySectionName, len(plan.texts))
	items := []imap.FetchItem{imap.FetchUid}
	for i, text := range plan.texts {
		path, err := parseLocator(text.Locator)
		if err != nil {
			return nil, err
		}
		sections[i] = &imap.BodySectionName{BodyPartName: imap.BodyPartName{Path: path}, Peek: true}
		items = append(items, sections[i].FetchItem())
	}

	msg, err = fetchOne(c, uid, items)
	if err != nil {
		return nil, err
	}
	for i, text := range plan.texts {
		literal := msg.GetBody(sections[i])
		if literal == nil {
			continue
		}
		text.Content, err = io.ReadAll(literal)
		if err != nil {
			return nil, fmt.Errorf("failed to read part %s of uid %d: %w", text.Locator, uid, err)
		}
		partial.Texts = append(partial.Texts, text)
	}

	return partial, nil
}

func fetchOne(c *client.Client, uid uint32, items []imap.FetchItem) (*imap.Message, error) {
	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(uidSet([]uint32{uid}), items, messages)
	}()

	var found *imap.Message
	for msg := range messages {
		found = msg
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch uid %d: %w", uid, err)
	}
	if found == nil {
		return nil, ErrMessageGone
	}
	return found, nil
}
