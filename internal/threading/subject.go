package threading

import (
	"strings"

	sortthread "github.com/emersion/go-imap-sortthread"
	"golang.org/x/text/unicode/norm"
)

// NormalizeSubject returns the RFC 5256 base subject, case-folded and NFC-normalized,
// and whether the original carried a reply or forward marker.
func NormalizeSubject(subject string) (string, bool) {
	base, isReply := sortthread.GetBaseSubject(subject)
	base = strings.Join(strings.Fields(base), " ")
	return strings.ToLower(norm.NFC.String(base)), isReply
}

// Participants returns the distinct, lowercased addresses in the order first seen.
func Participants(groups ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, group := range groups {
		for _, addr := range group {
			addr = strings.ToLower(strings.TrimSpace(addr))
			if addr == "" {
				continue
			}
			if _, ok := seen[addr]; ok {
				continue
			}
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
	}
	return out
}

// AncestorChain merges References (oldest first) and In-Reply-To into one chain
// without duplicates or self references.
func AncestorChain(messageID, inReplyTo string, references []string) []string {
	seen := map[string]struct{}{}
	if messageID != "" {
		seen[messageID] = struct{}{}
	}

	var chain []string
	add := func(id string) {
		id = strings.TrimSpace(id)
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		chain = append(chain, id)
	}

	for _, ref := range references {
		add(ref)
	}
	add(inReplyTo)
	return chain
}

func overlaps(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, x := range a {
		set[x] = struct{}{}
	}
	for _, y := range b {
		if _, ok := set[y]; ok {
			return true
		}
	}
	return false
}
