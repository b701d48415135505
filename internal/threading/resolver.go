// Package threading assigns messages to conversations.
//
// Matching is header based first: a message joins every thread that holds one of
// its ancestors, and every thread that holds a message naming it as an ancestor.
// When that reaches more than one thread they are merged into the one created
// first, so the final assignment does not depend on arrival order. Messages with
// no threading headers fall back to subject plus participant overlap.
package threading

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// ThreadRef identifies a live thread. Seq orders threads by creation.
type ThreadRef struct {
	ID  string
	Seq int64
}

// SubjectCandidate is a thread considered by the subject fallback.
type SubjectCandidate struct {
	ThreadRef
	Participants []string
}

// Summary is what a newly inserted message contributes to its thread's aggregates.
type Summary struct {
	ReceivedAt   time.Time
	Unread       bool
	Participants []string
}

// Store is the persistence the resolver needs. Implementations must only ever
// return live (not merged) threads.
type Store interface {
	// ThreadsWithMessageIDs returns threads of emails or anchors whose Message-ID is in ids.
	ThreadsWithMessageIDs(ctx context.Context, accountID string, ids []string) ([]ThreadRef, error)
	// ThreadsReferencing returns threads of emails or anchors that list messageID as an ancestor.
	ThreadsReferencing(ctx context.Context, accountID, messageID string) ([]ThreadRef, error)
	// ThreadsBySubject returns threads with the normalized subject active in [from, to].
	ThreadsBySubject(ctx context.Context, accountID, subject string, from, to time.Time) ([]SubjectCandidate, error)
	CreateThread(ctx context.Context, accountID, subject string) (ThreadRef, error)
	// MergeThreads folds merged into canonical: members are rewritten, aggregates summed.
	// Merging an already-merged thread is a no-op.
	MergeThreads(ctx context.Context, canonical ThreadRef, merged []ThreadRef) error
	AddToThread(ctx context.Context, threadID string, s Summary) error
	SaveAnchor(ctx context.Context, accountID, messageID string, refs []string, threadID string) error
}

// Message is the threading view of a parsed message.
type Message struct {
	AccountID    string
	MessageID    string
	Ancestors    []string
	Subject      string
	Participants []string
	Date         time.Time
}

type Method string

const (
	MethodHeaders Method = "headers"
	MethodSubject Method = "subject"
	MethodNew     Method = "new"
)

// Resolution is the outcome of Resolve.
type Resolution struct {
	ThreadID string
	Method   Method
	Merged   []string
}

type Resolver struct {
	window time.Duration
	log    *zerolog.Logger
}

// NewResolver returns a resolver whose subject fallback only matches threads
// active within window of the message date.
func NewResolver(window time.Duration, log *zerolog.Logger) *Resolver {
	if window <= 0 {
		window = 30 * 24 * time.Hour
	}
	if log == nil {
		nop := zerolog.Nop()
		log = &nop
	}
	return &Resolver{window: window, log: log}
}

// Resolve picks the thread for m, creating or merging threads as needed.
func (r *Resolver) Resolve(ctx context.Context, store Store, m Message) (Resolution, error) {
	var matches []ThreadRef

	if len(m.Ancestors) > 0 {
		refs, err := store.ThreadsWithMessageIDs(ctx, m.AccountID, m.Ancestors)
		if err != nil {
			return Resolution{}, fmt.Errorf("failed to look up ancestor threads: %w", err)
		}
		matches = append(matches, refs...)
	}

	if m.MessageID != "" {
		refs, err := store.ThreadsReferencing(ctx, m.AccountID, m.MessageID)
		if err != nil {
			return Resolution{}, fmt.Errorf("failed to look up descendant threads: %w", err)
		}
		matches = append(matches, refs...)
	}

	matches = distinctBySeq(matches)

	switch len(matches) {
	case 0:
		if ref, ok, err := r.matchSubject(ctx, store, m); err != nil {
			return Resolution{}, err
		} else if ok {
			return Resolution{ThreadID: ref.ID, Method: MethodSubject}, nil
		}

		subject, _ := NormalizeSubject(m.Subject)
		ref, err := store.CreateThread(ctx, m.AccountID, subject)
		if err != nil {
			return Resolution{}, fmt.Errorf("failed to create thread: %w", err)
		}
		return Resolution{ThreadID: ref.ID, Method: MethodNew}, nil

	case 1:
		return Resolution{ThreadID: matches[0].ID, Method: MethodHeaders}, nil
	}

	canonical, rest := matches[0], matches[1:]
	if err := store.MergeThreads(ctx, canonical, rest); err != nil {
		return Resolution{}, fmt.Errorf("failed to merge threads: %w", err)
	}

	merged := make([]string, len(rest))
	for i, t := range rest {
		merged[i] = t.ID
	}
	r.log.Info().
		Str("account_id", m.AccountID).
		Str("canonical_thread", canonical.ID).
		Strs("merged_threads", merged).
		Msg("merged threads joined by a common message")

	return Resolution{ThreadID: canonical.ID, Method: MethodHeaders, Merged: merged}, nil
}

// matchSubject only applies to messages with no threading headers at all:
// no Message-ID, no In-Reply-To and no References.
func (r *Resolver) matchSubject(ctx context.Context, store Store, m Message) (ThreadRef, bool, error) {
	if m.MessageID != "" || len(m.Ancestors) > 0 || len(m.Participants) == 0 {
		return ThreadRef{}, false, nil
	}

	subject, _ := NormalizeSubject(m.Subject)
	if subject == "" {
		return ThreadRef{}, false, nil
	}

	candidates, err := store.ThreadsBySubject(ctx, m.AccountID, subject, m.Date.Add(-r.window), m.Date.Add(r.window))
	if err != nil {
		return ThreadRef{}, false, fmt.Errorf("failed to look up subject threads: %w", err)
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Seq < candidates[j].Seq })
	for _, c := range candidates {
		if overlaps(c.Participants, m.Participants) {
			return c.ThreadRef, true, nil
		}
	}
	return ThreadRef{}, false, nil
}

// Attach adds a freshly inserted message to its thread's aggregates.
func (r *Resolver) Attach(ctx context.Context, store Store, threadID string, s Summary) error {
	if err := store.AddToThread(ctx, threadID, s); err != nil {
		return fmt.Errorf("failed to update thread aggregates: %w", err)
	}
	return nil
}

// Anchor records a Message-ID whose body could not be parsed so that later
// replies still find the conversation through it.
func (r *Resolver) Anchor(ctx context.Context, store Store, m Message) (Resolution, error) {
	if m.MessageID == "" {
		return Resolution{}, fmt.Errorf("anchor requires a Message-ID")
	}

	res, err := r.Resolve(ctx, store, m)
	if err != nil {
		return Resolution{}, err
	}

	if err := store.SaveAnchor(ctx, m.AccountID, m.MessageID, m.Ancestors, res.ThreadID); err != nil {
		return Resolution{}, fmt.Errorf("failed to save thread anchor: %w", err)
	}
	return res, nil
}

// distinctBySeq dedups and orders by creation, so index 0 is the canonical thread.
func distinctBySeq(refs []ThreadRef) []ThreadRef {
	seen := make(map[string]struct{}, len(refs))
	out := refs[:0:0]
	for _, t := range refs {
		if _, ok := seen[t.ID]; ok {
			continue
		}
		seen[t.ID] = struct{}{}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}
