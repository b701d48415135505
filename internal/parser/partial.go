package parser

import (
	"fmt"
	"strings"
	"time"
)

// TextPart is a text/* body part fetched by its section path.
type TextPart struct {
	Locator     string
	ContentType string
	Charset     string
	Encoding    string
	Content     []byte
}

// PartRef describes a part that was left on the server.
type PartRef struct {
	Locator     string
	Filename    string
	ContentType string
	ContentID   string
	Encoding    string
	Inline      bool
	Size        int64
}

// PartialMessage is what gets fetched for a message too large to download whole:
// the header block, its text parts, and references to the remaining parts.
type PartialMessage struct {
	Header   []byte
	Size     int64
	Texts    []TextPart
	Deferred []PartRef
}

// ParsePartial builds a ParsedMessage from a PartialMessage. Attachments are all deferred.
func ParsePartial(p *PartialMessage, internalDate time.Time) (*ParsedMessage, error) {
	header, err := readHeader(p.Header)
	if err != nil {
		return nil, &ParseError{Reason: "unreadable header", Err: err}
	}
	headers := extractHeaders(header, internalDate)

	msg := &ParsedMessage{Headers: *headers, Size: p.Size}

	for _, part := range p.Texts {
		decoded, err := DecodePart(part.Content, part.ContentType, part.Encoding, part.Charset)
		if err != nil {
			return nil, &ParseError{
				Reason:  fmt.Sprintf("unreadable part %s", part.Locator),
				Headers: headers,
				Err:     err,
			}
		}
		switch strings.ToLower(part.ContentType) {
		case "text/html":
			if msg.BodyHTML == "" {
				msg.BodyHTML = string(decoded)
			}
		default:
			if msg.BodyPlain == "" {
				msg.BodyPlain = string(decoded)
			}
		}
	}

	for _, ref := range p.Deferred {
		msg.Attachments = append(msg.Attachments, Attachment{
			Filename:    ref.Filename,
			ContentType: ref.ContentType,
			ContentID:   strings.Trim(ref.ContentID, "<>"),
			Inline:      ref.Inline,
			Size:        ref.Size,
			Deferred:    true,
			Locator:     ref.Locator,
			Encoding:    ref.Encoding,
		})
	}

	body := msg.BodyPlain
	if body == "" {
		body = msg.BodyHTML
	}
	msg.DedupHash = ContentHash(msg.Size, body)
	return msg, nil
}
