package parser

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/jhillyerd/enmime"
)

// dedupBodyLimit is how much of the body goes into the fallback identity hash.
const dedupBodyLimit = 4096

// Headers are the fields the pipeline needs even when the body is unreadable.
// Message-IDs are stored without angle brackets.
type Headers struct {
	MessageID  string
	InReplyTo  string
	References []string
	Subject    string
	From       []*mail.Address
	To         []*mail.Address
	Cc         []*mail.Address
	Date       time.Time
}

// Participants returns the bare addresses of everyone on the message.
func (h *Headers) Participants() []string {
	var out []string
	for _, list := range [][]*mail.Address{h.From, h.To, h.Cc} {
		for _, a := range list {
			if a != nil && a.Address != "" {
				out = append(out, a.Address)
			}
		}
	}
	return out
}

// FromString returns the first From address formatted for display.
func (h *Headers) FromString() string {
	if len(h.From) == 0 {
		return ""
	}
	return formatAddress(h.From[0])
}

func (h *Headers) ToStrings() []string { return formatAddressList(h.To) }
func (h *Headers) CcStrings() []string { return formatAddressList(h.Cc) }

// Attachment is one non-body part. Content is nil when Deferred is set.
// Locator (the IMAP section) and Encoding are what is needed to fetch the
// part again, and are set for eagerly read parts too.
type Attachment struct {
	Filename    string
	ContentType string
	ContentID   string
	Inline      bool
	Size        int64
	Content     []byte
	Deferred    bool
	Locator     string
	Encoding    string
}

type ParsedMessage struct {
	Headers
	BodyPlain   string
	BodyHTML    string
	Attachments []Attachment
	Size        int64
	DedupHash   string
}

// DedupKey is the cross-folder identity of the message.
func (m *ParsedMessage) DedupKey() string {
	return DedupKey(m.MessageID, m.DedupHash)
}

// ParseError reports a message that could not be turned into a record.
// Headers is set when the header block was readable, so the Message-ID can still anchor a thread.
type ParseError struct {
	Reason  string
	Headers *Headers
	Err     error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse failed: %s: %v", e.Reason, e.Err)
	}
	return "parse failed: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

// AsParseError unwraps err into a *ParseError.
func AsParseError(err error) (*ParseError, bool) {
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// Parse turns a complete RFC 5322 message into a ParsedMessage.
// internalDate is used when the Date header is missing or unparsable.
func Parse(raw []byte, internalDate time.Time) (*ParsedMessage, error) {
	header, err := readHeader(raw)
	if err != nil {
		return nil, &ParseError{Reason: "unreadable header", Err: err}
	}

	headers := extractHeaders(header, internalDate)

	if err := checkStructure(header); err != nil {
		return nil, &ParseError{Reason: "broken mime structure", Headers: headers, Err: err}
	}

	envelope, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, &ParseError{Reason: "unreadable body", Headers: headers, Err: err}
	}

	msg := &ParsedMessage{
		Headers:   *headers,
		BodyPlain: validUTF8(envelope.Text),
		BodyHTML:  validUTF8(envelope.HTML),
		Size:      int64(len(raw)),
	}

	sections := partSections(envelope.Root)
	for _, part := range envelope.Attachments {
		msg.Attachments = append(msg.Attachments, attachmentFromPart(part, sections[part], false))
	}
	for _, part := range envelope.Inlines {
		msg.Attachments = append(msg.Attachments, attachmentFromPart(part, sections[part], true))
	}

	msg.DedupHash = ContentHash(msg.Size, dedupBody(msg, raw))
	return msg, nil
}

func attachmentFromPart(part *enmime.Part, section string, inline bool) Attachment {
	return Attachment{
		Filename:    part.FileName,
		ContentType: part.ContentType,
		ContentID:   strings.Trim(part.ContentID, "<>"),
		Inline:      inline || part.ContentID != "",
		Size:        int64(len(part.Content)),
		Content:     part.Content,
		Locator:     section,
		Encoding:    strings.ToLower(strings.TrimSpace(part.Header.Get("Content-Transfer-Encoding"))),
	}
}

// partSections numbers the MIME tree the way IMAP BODY[<section>] does:
// children of a multipart are 1, 2, ... nested as "2.1", and a single-part
// message body is "1".
func partSections(root *enmime.Part) map[*enmime.Part]string {
	sections := make(map[*enmime.Part]string)
	if root == nil {
		return sections
	}
	if root.FirstChild == nil {
		sections[root] = "1"
		return sections
	}

	var walk func(parent *enmime.Part, prefix string)
	walk = func(parent *enmime.Part, prefix string) {
		n := 0
		for child := parent.FirstChild; child != nil; child = child.NextSibling {
			n++
			section := strconv.Itoa(n)
			if prefix != "" {
				section = prefix + "." + section
			}
			sections[child] = section
			if child.FirstChild != nil {
				walk(child, section)
			}
		}
	}
	walk(root, "")
	return sections
}

// readHeader parses the header block. A message without a body separator is treated as header-only.
func readHeader(raw []byte) (mail.Header, error) {
	if !bytes.Contains(raw, []byte("\n\n")) && !bytes.Contains(raw, []byte("\r\n\r\n")) {
		raw = append(append([]byte{}, raw...), "\r\n\r\n"...)
	}

	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return mail.Header{}, err
	}
	return mail.Header{Header: message.Header{Header: h}}, nil
}

// extractHeaders never fails: malformed fields degrade to their raw text or to empty.
func extractHeaders(h mail.Header, internalDate time.Time) *Headers {
	out := &Headers{}

	if id, err := h.MessageID(); err == nil && id != "" {
		out.MessageID = id
	} else {
		out.MessageID = trimMsgID(h.Get("Message-Id"))
	}

	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		out.InReplyTo = ids[0]
	} else {
		out.InReplyTo = trimMsgID(h.Get("In-Reply-To"))
	}

	if ids, err := h.MsgIDList("References"); err == nil {
		out.References = ids
	} else {
		for _, f := range strings.Fields(h.Get("References")) {
			if id := trimMsgID(f); id != "" {
				out.References = append(out.References, id)
			}
		}
	}

	if subject, err := h.Subject(); err == nil {
		out.Subject = validUTF8(subject)
	} else {
		out.Subject = validUTF8(h.Get("Subject"))
	}

	out.From, _ = h.AddressList("From")
	out.To, _ = h.AddressList("To")
	out.Cc, _ = h.AddressList("Cc")

	if date, err := h.Date(); err == nil && !date.IsZero() {
		out.Date = date
	} else {
		out.Date = internalDate
	}

	return out
}

// checkStructure rejects multipart containers that cannot be split into parts.
func checkStructure(h mail.Header) error {
	if h.Get("Content-Type") == "" {
		return nil
	}
	mediaType, params, err := h.ContentType()
	if err != nil {
		return fmt.Errorf("invalid content type: %w", err)
	}
	if strings.HasPrefix(mediaType, "multipart/") && params["boundary"] == "" {
		return fmt.Errorf("%s without boundary", mediaType)
	}
	return nil
}

func trimMsgID(v string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(v), "<>"))
}

func dedupBody(msg *ParsedMessage, raw []byte) string {
	body := msg.BodyPlain
	if body == "" {
		body = msg.BodyHTML
	}
	if body == "" {
		if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
			body = string(raw[i+4:])
		} else if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
			body = string(raw[i+2:])
		}
	}
	return body
}

// ContentHash is the fallback identity for messages without a Message-ID.
func ContentHash(size int64, body string) string {
	if len(body) > dedupBodyLimit {
		body = body[:dedupBodyLimit]
	}
	sum := sha256.Sum256([]byte(strconv.FormatInt(size, 10) + "\n" + body))
	return hex.EncodeToString(sum[:])
}

// DedupKey prefers the Message-ID and falls back to the content hash.
func DedupKey(messageID, hash string) string {
	if messageID != "" {
		return "mid:" + messageID
	}
	return "hash:" + hash
}

// formatAddress formats an address for display.
func formatAddress(address *mail.Address) string {
	if address == nil || address.Address == "" {
		return ""
	}
	if address.Name != "" {
		return fmt.Sprintf("%s <%s>", address.Name, address.Address)
	}
	return address.Address
}

func formatAddressList(addresses []*mail.Address) []string {
	result := make([]string, 0, len(addresses))
	for _, address := range addresses {
		if formatted := formatAddress(address); formatted != "" {
			result = append(result, formatted)
		}
	}
	return result
}
