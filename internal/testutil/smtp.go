package testutil

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// CapturedMessage is one message accepted by the capture server.
type CapturedMessage struct {
	From     string
	To       []string
	Username string
	Data     []byte
}

// SMTPCapture is an in-process SMTP server that keeps every message it accepts.
// It offers AUTH PLAIN and checks credentials against Username/Password.
type SMTPCapture struct {
	Address  string
	Username string
	Password string

	server   *smtp.Server
	mu       sync.Mutex
	messages []CapturedMessage
}

// NewSMTPCapture starts a capture server on a random local port. It shuts
// down when the test finishes.
func NewSMTPCapture(t *testing.T) *SMTPCapture {
	t.Helper()

	c := &SMTPCapture{Username: "smtp-user", Password: "smtp-pass"}

	s := smtp.NewServer(c)
	s.Domain = "localhost"
	s.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	c.Address = listener.Addr().String()
	c.server = s

	go func() { _ = s.Serve(listener) }()

	t.Cleanup(func() { _ = s.Close() })
	return c
}

// Messages returns a snapshot of the accepted messages.
func (c *SMTPCapture) Messages() []CapturedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CapturedMessage(nil), c.messages...)
}

func (c *SMTPCapture) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &captureSession{capture: c}, nil
}

type captureSession struct {
	capture  *SMTPCapture
	username string
	from     string
	to       []string
}

func (s *captureSession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *captureSession) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username != s.capture.Username || password != s.capture.Password {
			return errors.New("invalid credentials")
		}
		s.username = username
		return nil
	}), nil
}

func (s *captureSession) Mail(from string, _ *smtp.MailOptions) error {
	if s.username == "" {
		return smtp.ErrAuthRequired
	}
	s.from = from
	return nil
}

func (s *captureSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.to = append(s.to, to)
	return nil
}

func (s *captureSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	s.capture.mu.Lock()
	defer s.capture.mu.Unlock()
	s.capture.messages = append(s.capture.messages, CapturedMessage{
		From:     s.from,
		To:       s.to,
		Username: s.username,
		Data:     data,
	})
	return nil
}

func (s *captureSession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *captureSession) Logout() error {
	return nil
}
