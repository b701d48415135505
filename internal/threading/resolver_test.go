package threading

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memThread struct {
	ref          ThreadRef
	subject      string
	participants []string
	count        int
	lastAt       time.Time
	mergedInto   string
}

type memMessage struct {
	messageID string
	refs      []string
	threadID  string
}

// memStore mirrors the semantics of the Postgres store closely enough for the resolver.
type memStore struct {
	seq      int64
	threads  map[string]*memThread
	messages []*memMessage
	merges   int
}

func newMemStore() *memStore {
	return &memStore{threads: map[string]*memThread{}}
}

func (s *memStore) live(ids map[string]struct{}) []ThreadRef {
	var out []ThreadRef
	for id := range ids {
		out = append(out, s.threads[id].ref)
	}
	return out
}

func (s *memStore) ThreadsWithMessageIDs(_ context.Context, _ string, ids []string) ([]ThreadRef, error) {
	want := map[string]struct{}{}
	for _, id := range ids {
		want[id] = struct{}{}
	}
	found := map[string]struct{}{}
	for _, m := range s.messages {
		if _, ok := want[m.messageID]; ok {
			found[m.threadID] = struct{}{}
		}
	}
	return s.live(found), nil
}

func (s *memStore) ThreadsReferencing(_ context.Context, _ string, messageID string) ([]ThreadRef, error) {
	found := map[string]struct{}{}
	for _, m := range s.messages {
		for _, r := range m.refs {
			if r == messageID {
				found[m.threadID] = struct{}{}
			}
		}
	}
	return s.live(found), nil
}

func (s *memStore) ThreadsBySubject(_ context.Context, _ string, subject string, from, to time.Time) ([]SubjectCandidate, error) {
	var out []SubjectCandidate
	for _, t := range s.threads {
		if t.mergedInto != "" || t.subject != subject {
			continue
		}
		if t.lastAt.Before(from) || t.lastAt.After(to) {
			continue
		}
		out = append(out, SubjectCandidate{ThreadRef: t.ref, Participants: t.participants})
	}
	return out, nil
}

func (s *memStore) CreateThread(_ context.Context, _ string, subject string) (ThreadRef, error) {
	s.seq++
	ref := ThreadRef{ID: fmt.Sprintf("t%d", s.seq), Seq: s.seq}
	s.threads[ref.ID] = &memThread{ref: ref, subject: subject}
	return ref, nil
}

func (s *memStore) MergeThreads(_ context.Context, canonical ThreadRef, merged []ThreadRef) error {
	s.merges++
	target := s.threads[canonical.ID]
	for _, m := range merged {
		t := s.threads[m.ID]
		if t.mergedInto != "" {
			continue
		}
		for _, msg := range s.messages {
			if msg.threadID == m.ID {
				msg.threadID = canonical.ID
			}
		}
		target.count += t.count
		target.participants = Participants(target.participants, t.participants)
		if t.lastAt.After(target.lastAt) {
			target.lastAt = t.lastAt
		}
		t.count = 0
		t.mergedInto = canonical.ID
	}
	return nil
}

func (s *memStore) AddToThread(_ context.Context, threadID string, sum Summary) error {
	t := s.threads[threadID]
	t.count++
	t.participants = Participants(t.participants, sum.Participants)
	if sum.ReceivedAt.After(t.lastAt) {
		t.lastAt = sum.ReceivedAt
	}
	return nil
}

func (s *memStore) SaveAnchor(_ context.Context, _ string, messageID string, refs []string, threadID string) error {
	s.messages = append(s.messages, &memMessage{messageID: messageID, refs: refs, threadID: threadID})
	return nil
}

func (s *memStore) threadOf(messageID string) string {
	for _, m := range s.messages {
		if m.messageID == messageID {
			return m.threadID
		}
	}
	return ""
}

// ingest runs the same steps as the sync pipeline for one message.
func ingest(t *testing.T, r *Resolver, s *memStore, m Message) Resolution {
	t.Helper()
	res, err := r.Resolve(context.Background(), s, m)
	require.NoError(t, err)
	s.messages = append(s.messages, &memMessage{messageID: m.MessageID, refs: m.Ancestors, threadID: res.ThreadID})
	require.NoError(t, r.Attach(context.Background(), s, res.ThreadID, Summary{ReceivedAt: m.Date, Participants: m.Participants}))
	return res
}

var day = time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)

func msgA() Message {
	return Message{AccountID: "acc", MessageID: "<a@x>", Subject: "Pricing", Participants: []string{"alice@x.com", "bob@y.com"}, Date: day}
}

func msgB() Message {
	return Message{AccountID: "acc", MessageID: "<b@y>", Ancestors: []string{"<a@x>"}, Subject: "Re: Pricing", Participants: []string{"bob@y.com", "alice@x.com"}, Date: day.Add(time.Hour)}
}

func msgC() Message {
	return Message{AccountID: "acc", MessageID: "<c@x>", Ancestors: []string{"<a@x>", "<b@y>"}, Subject: "Re: Pricing", Participants: []string{"alice@x.com", "bob@y.com"}, Date: day.Add(2 * time.Hour)}
}

func TestResolveNewAndReply(t *testing.T) {
	r := NewResolver(0, nil)
	s := newMemStore()

	first := ingest(t, r, s, msgA())
	assert.Equal(t, MethodNew, first.Method)

	reply := ingest(t, r, s, msgB())
	assert.Equal(t, MethodHeaders, reply.Method)
	assert.Equal(t, first.ThreadID, reply.ThreadID)
	assert.Equal(t, 2, s.threads[first.ThreadID].count)
}

func TestResolveConvergesRegardlessOfOrder(t *testing.T) {
	orders := [][]func() Message{
		{msgA, msgB, msgC},
		{msgA, msgC, msgB},
		{msgB, msgA, msgC},
		{msgB, msgC, msgA},
		{msgC, msgA, msgB},
		{msgC, msgB, msgA},
	}

	for i, order := range orders {
		t.Run(fmt.Sprintf("order %d", i), func(t *testing.T) {
			r := NewResolver(0, nil)
			s := newMemStore()
			for _, m := range order {
				ingest(t, r, s, m())
			}

			threadID := s.threadOf("<a@x>")
			assert.Equal(t, threadID, s.threadOf("<b@y>"))
			assert.Equal(t, threadID, s.threadOf("<c@x>"))
			assert.Equal(t, 3, s.threads[threadID].count)
			assert.Empty(t, s.threads[threadID].mergedInto)
		})
	}
}

func TestResolveMergesFanInIntoEarliestThread(t *testing.T) {
	r := NewResolver(0, nil)
	s := newMemStore()

	a := ingest(t, r, s, msgA())
	// C only names B, so it starts its own thread.
	c := msgC()
	c.Ancestors = []string{"<b@y>"}
	second := ingest(t, r, s, c)
	require.NotEqual(t, a.ThreadID, second.ThreadID)

	b := ingest(t, r, s, msgB())
	assert.Equal(t, a.ThreadID, b.ThreadID)
	assert.Equal(t, []string{second.ThreadID}, b.Merged)
	assert.Equal(t, a.ThreadID, s.threadOf("<c@x>"))
	assert.Equal(t, 3, s.threads[a.ThreadID].count)
	assert.Equal(t, 0, s.threads[second.ThreadID].count)

	t.Run("merge is idempotent", func(t *testing.T) {
		before := s.threads[a.ThreadID].count
		err := s.MergeThreads(context.Background(), s.threads[a.ThreadID].ref, []ThreadRef{s.threads[second.ThreadID].ref})
		require.NoError(t, err)
		assert.Equal(t, before, s.threads[a.ThreadID].count)
	})
}

func TestResolveSubjectFallback(t *testing.T) {
	noHeaders := func(subject string, participants []string, at time.Time) Message {
		return Message{AccountID: "acc", Subject: subject, Participants: participants, Date: at}
	}

	t.Run("matches normalized subject with shared participant", func(t *testing.T) {
		r := NewResolver(30*24*time.Hour, nil)
		s := newMemStore()
		root := ingest(t, r, s, msgA())

		res := ingest(t, r, s, noHeaders("RE: Fwd:  pricing", []string{"bob@y.com"}, day.Add(48*time.Hour)))
		assert.Equal(t, MethodSubject, res.Method)
		assert.Equal(t, root.ThreadID, res.ThreadID)
	})

	t.Run("no shared participant starts a new thread", func(t *testing.T) {
		r := NewResolver(30*24*time.Hour, nil)
		s := newMemStore()
		root := ingest(t, r, s, msgA())

		res := ingest(t, r, s, noHeaders("Re: Pricing", []string{"eve@z.com"}, day.Add(time.Hour)))
		assert.Equal(t, MethodNew, res.Method)
		assert.NotEqual(t, root.ThreadID, res.ThreadID)
	})

	t.Run("outside the window starts a new thread", func(t *testing.T) {
		r := NewResolver(30*24*time.Hour, nil)
		s := newMemStore()
		root := ingest(t, r, s, msgA())

		res := ingest(t, r, s, noHeaders("Re: Pricing", []string{"bob@y.com"}, day.Add(40*24*time.Hour)))
		assert.NotEqual(t, root.ThreadID, res.ThreadID)
	})

	t.Run("fresh message with its own Message-ID is not subject matched", func(t *testing.T) {
		r := NewResolver(30*24*time.Hour, nil)
		s := newMemStore()
		root := ingest(t, r, s, msgA())

		m := noHeaders("Pricing", []string{"bob@y.com"}, day.Add(time.Hour))
		m.MessageID = "<new@y>"
		res := ingest(t, r, s, m)
		assert.NotEqual(t, root.ThreadID, res.ThreadID)
	})

	t.Run("reply subject with its own Message-ID is not subject matched", func(t *testing.T) {
		r := NewResolver(30*24*time.Hour, nil)
		s := newMemStore()
		root := ingest(t, r, s, msgA())

		m := noHeaders("Re: Pricing", []string{"bob@y.com"}, day.Add(time.Hour))
		m.MessageID = "<other-client@y>"
		res := ingest(t, r, s, m)
		assert.Equal(t, MethodNew, res.Method)
		assert.NotEqual(t, root.ThreadID, res.ThreadID)
	})
}

func TestAnchorKeepsConversationTogether(t *testing.T) {
	r := NewResolver(0, nil)
	s := newMemStore()

	a := ingest(t, r, s, msgA())

	// B failed to parse but its headers were readable.
	anchored, err := r.Anchor(context.Background(), s, msgB())
	require.NoError(t, err)
	assert.Equal(t, a.ThreadID, anchored.ThreadID)

	c := msgC()
	c.Ancestors = []string{"<b@y>"}
	res := ingest(t, r, s, c)
	assert.Equal(t, a.ThreadID, res.ThreadID)

	_, err = r.Anchor(context.Background(), s, Message{AccountID: "acc"})
	assert.Error(t, err)
}

func TestNormalizeSubject(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		isReply bool
	}{
		{"Pricing", "pricing", false},
		{"Re: Pricing", "pricing", true},
		{"RE: re: Pricing", "pricing", true},
		{"Fwd: Pricing", "pricing", true},
		{"  Quarterly   Report ", "quarterly report", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, isReply := NormalizeSubject(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.isReply, isReply)
		})
	}
}

func TestAncestorChain(t *testing.T) {
	got := AncestorChain("<self@x>", "<b@y>", []string{"<a@x>", "<b@y>", "<self@x>", ""})
	assert.Equal(t, []string{"<a@x>", "<b@y>"}, got)

	got = AncestorChain("", "<b@y>", nil)
	assert.Equal(t, []string{"<b@y>"}, got)
}

func TestParticipants(t *testing.T) {
	got := Participants([]string{"Alice@X.com"}, []string{"bob@y.com", "alice@x.com", " "})
	assert.Equal(t, []string{"alice@x.com", "bob@y.com"}, got)
}
