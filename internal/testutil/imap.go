package testutil

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
	"github.com/emersion/go-message/mail"
)

// The memory backend ships with a single user.
const (
	imapTestUser     = "username"
	imapTestPassword = "password"
)

// TestIMAPServer is a plaintext go-imap server over the memory backend,
// listening on a random loopback port.
type TestIMAPServer struct {
	Address string
	srv     *server.Server
}

// NewTestIMAPServer starts the server. It is closed at test cleanup; Close may
// also be called earlier.
func NewTestIMAPServer(t *testing.T) *TestIMAPServer {
	t.Helper()

	srv := server.New(memory.New())
	srv.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen for IMAP: %v", err)
	}
	// The listener is bound, so clients can dial before Serve gets scheduled.
	go func() { _ = srv.Serve(listener) }()

	s := &TestIMAPServer{Address: listener.Addr().String(), srv: srv}
	t.Cleanup(s.Close)
	return s
}

// Close stops the server. Safe to call more than once.
func (s *TestIMAPServer) Close() {
	_ = s.srv.Close()
}

func (s *TestIMAPServer) Username() string { return imapTestUser }

func (s *TestIMAPServer) Password() string { return imapTestPassword }

// dial logs in a fresh client that is logged out at the end of the calling helper.
func (s *TestIMAPServer) dial(t *testing.T) (*imapclient.Client, func()) {
	t.Helper()

	c, err := imapclient.Dial(s.Address)
	if err != nil {
		t.Fatalf("Failed to dial test IMAP server: %v", err)
	}
	if err := c.Login(imapTestUser, imapTestPassword); err != nil {
		_ = c.Logout()
		t.Fatalf("Failed to log in to test IMAP server: %v", err)
	}
	return c, func() { _ = c.Logout() }
}

// CreateFolder creates a mailbox for the default user.
func (s *TestIMAPServer) CreateFolder(t *testing.T, name string) {
	t.Helper()

	client, logout := s.dial(t)
	defer logout()

	if err := client.Create(name); err != nil {
		t.Fatalf("Failed to create folder %s: %v", name, err)
	}
}

// ClearFolder expunges every message in the folder. The memory backend seeds
// INBOX with a welcome message, so tests that need an empty mailbox call this.
func (s *TestIMAPServer) ClearFolder(t *testing.T, name string) {
	t.Helper()

	client, logout := s.dial(t)
	defer logout()

	status, err := client.Select(name, false)
	if err != nil {
		t.Fatalf("Failed to select folder %s: %v", name, err)
	}
	if status.Messages == 0 {
		return
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(1, status.Messages)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := client.Store(seqSet, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
		t.Fatalf("Failed to flag messages deleted: %v", err)
	}
	if err := client.Expunge(nil); err != nil {
		t.Fatalf("Failed to expunge %s: %v", name, err)
	}
}

// AddMessage builds a simple text message and appends it. Returns its UID.
func (s *TestIMAPServer) AddMessage(t *testing.T, folderName, messageID, subject, from, to string, sentAt time.Time) uint32 {
	t.Helper()

	raw := BuildMessage(t, MessageFixture{
		MessageID: messageID,
		Subject:   subject,
		From:      from,
		To:        []string{to},
		Date:      sentAt,
		Text:      "Test message body.",
	})
	return s.AddRawMessage(t, folderName, raw, imap.SeenFlag)
}

// AddRawMessage appends raw RFC 5322 bytes and returns the UID the server assigned.
func (s *TestIMAPServer) AddRawMessage(t *testing.T, folderName string, raw []byte, flags ...string) uint32 {
	t.Helper()

	client, logout := s.dial(t)
	defer logout()

	if err := client.Append(folderName, flags, time.Now(), bytes.NewReader(raw)); err != nil {
		t.Fatalf("Failed to append message: %v", err)
	}

	status, err := client.Select(folderName, true)
	if err != nil {
		t.Fatalf("Failed to select folder: %v", err)
	}
	if status.UidNext == 0 {
		t.Fatalf("Server did not report UIDNEXT for %s", folderName)
	}

	return status.UidNext - 1
}

// AttachmentFixture is one attachment of a MessageFixture.
type AttachmentFixture struct {
	Filename    string
	ContentType string
	Data        []byte
}

// MessageFixture describes a test message. IDs are given without angle brackets.
type MessageFixture struct {
	MessageID   string
	InReplyTo   string
	References  []string
	Subject     string
	From        string
	To          []string
	Cc          []string
	Date        time.Time
	Text        string
	HTML        string
	Attachments []AttachmentFixture
}

// BuildMessage renders msg as a MIME message using go-message's writer.
func BuildMessage(t *testing.T, msg MessageFixture) []byte {
	t.Helper()

	var h mail.Header
	if msg.Date.IsZero() {
		msg.Date = time.Now()
	}
	h.SetDate(msg.Date)
	h.SetSubject(msg.Subject)
	if msg.MessageID != "" {
		h.SetMessageID(msg.MessageID)
	}
	if msg.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{msg.InReplyTo})
	}
	if len(msg.References) > 0 {
		h.SetMsgIDList("References", msg.References)
	}
	h.SetAddressList("From", addresses(msg.From))
	h.SetAddressList("To", addresses(msg.To...))
	if len(msg.Cc) > 0 {
		h.SetAddressList("Cc", addresses(msg.Cc...))
	}

	var buf bytes.Buffer
	if msg.HTML == "" && len(msg.Attachments) == 0 {
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			t.Fatalf("Failed to create message writer: %v", err)
		}
		_, _ = io.WriteString(w, msg.Text)
		_ = w.Close()
		return buf.Bytes()
	}

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		t.Fatalf("Failed to create message writer: %v", err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		t.Fatalf("Failed to create inline writer: %v", err)
	}
	writeTextPart(t, tw, "text/plain", msg.Text)
	if msg.HTML != "" {
		writeTextPart(t, tw, "text/html", msg.HTML)
	}
	_ = tw.Close()

	for _, att := range msg.Attachments {
		var ah mail.AttachmentHeader
		ah.SetContentType(att.ContentType, nil)
		ah.SetFilename(att.Filename)
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			t.Fatalf("Failed to create attachment writer: %v", err)
		}
		_, _ = aw.Write(att.Data)
		_ = aw.Close()
	}

	_ = mw.Close()
	return buf.Bytes()
}

func writeTextPart(t *testing.T, tw *mail.InlineWriter, contentType, body string) {
	t.Helper()

	var ih mail.InlineHeader
	ih.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	w, err := tw.CreatePart(ih)
	if err != nil {
		t.Fatalf("Failed to create %s part: %v", contentType, err)
	}
	_, _ = io.WriteString(w, body)
	_ = w.Close()
}

func addresses(list ...string) []*mail.Address {
	out := make([]*mail.Address, 0, len(list))
	for _, a := range list {
		if a != "" {
			out = append(out, &mail.Address{Address: a})
		}
	}
	return out
}
