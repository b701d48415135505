// Package smtp sends outbound mail for an account. Sends are fire-and-forget:
// callers get no delivery result, failures are logged.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/jhillyerd/enmime"
	"github.com/rs/zerolog"
	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/logging"
	"github.com/vdavid/mailsync/internal/models"
)

// ErrNoSMTPServer means the account has no outbound server configured.
var ErrNoSMTPServer = errors.New("account has no smtp server")

// Message is an outgoing plain or HTML message. InReplyTo and References keep
// replies in the recipient's thread.
type Message struct {
	To         []string
	Cc         []string
	Subject    string
	Text       string
	HTML       string
	InReplyTo  string
	References []string
}

// Sender delivers messages through each account's own SMTP server.
type Sender struct {
	encryptor *crypto.Encryptor
	useTLS    bool
	timeout   time.Duration
	log       *zerolog.Logger
	wg        sync.WaitGroup
}

// NewSender creates a sender. useTLS: true for production (implicit TLS on
// port 465, STARTTLS elsewhere), false for tests.
func NewSender(encryptor *crypto.Encryptor, useTLS bool, timeout time.Duration, log *zerolog.Logger) *Sender {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Sender{encryptor: encryptor, useTLS: useTLS, timeout: timeout, log: log}
}

// Send queues msg for delivery in the background and returns immediately.
// The send runs detached from ctx's cancellation but keeps its values.
func (s *Sender) Send(ctx context.Context, account *models.EmailAccount, msg *Message) {
	ctx = context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sendCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		if err := s.SendNow(sendCtx, account, msg); err != nil {
			s.log.Error().Err(err).
				Str("account_id", account.ID).
				Int("recipients", len(msg.To)+len(msg.Cc)).
				Msg("Failed to send email")
			return
		}
		s.log.Info().Str("account_id", account.ID).
			Str("from", logging.MaskEmail(account.EmailAddress)).
			Msg("Email sent")
	}()
}

// Wait blocks until every background send has finished.
func (s *Sender) Wait() {
	s.wg.Wait()
}

// SendNow delivers msg and reports the outcome.
func (s *Sender) SendNow(ctx context.Context, account *models.EmailAccount, msg *Message) error {
	if account.SMTPServerHostname == "" {
		return ErrNoSMTPServer
	}
	if len(msg.To)+len(msg.Cc) == 0 {
		return errors.New("message has no recipients")
	}

	raw, err := compose(account.EmailAddress, msg)
	if err != nil {
		return err
	}

	password, err := s.password(account)
	if err != nil {
		return err
	}

	c, err := s.dial(ctx, account.SMTPServerHostname)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		c.CommandTimeout = time.Until(deadline)
		c.SubmissionTimeout = time.Until(deadline)
	}

	if ok, _ := c.Extension("AUTH"); ok {
		username := account.SMTPUsername
		if username == "" {
			username = account.IMAPUsername
		}
		if err := c.Auth(sasl.NewPlainClient("", username, password)); err != nil {
			return fmt.Errorf("smtp authentication failed: %w", err)
		}
	}

	recipients := append(append([]string{}, msg.To...), msg.Cc...)
	if err := c.SendMail(account.EmailAddress, recipients, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("failed to send mail: %w", err)
	}
	return c.Quit()
}

// password returns the SMTP secret, falling back to the IMAP one since most
// providers share credentials.
func (s *Sender) password(account *models.EmailAccount) (string, error) {
	sealed := account.EncryptedSMTPSecret
	if len(sealed) == 0 {
		sealed = account.EncryptedIMAPSecret
	}
	password, err := s.encryptor.Decrypt(sealed)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt smtp secret: %w", err)
	}
	return password, nil
}

func (s *Sender) dial(ctx context.Context, addr string) (*gosmtp.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host, port = addr, "587"
		addr = net.JoinHostPort(host, port)
	}

	var c *gosmtp.Client
	switch {
	case !s.useTLS:
		c, err = gosmtp.Dial(addr)
	case port == "465":
		c, err = gosmtp.DialTLS(addr, &tls.Config{ServerName: host})
	default:
		c, err = gosmtp.DialStartTLS(addr, &tls.Config{ServerName: host})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return c, nil
}

// compose renders msg as an RFC 5322 message from the account address.
func compose(from string, msg *Message) ([]byte, error) {
	b := enmime.Builder().
		From("", from).
		Subject(msg.Subject).
		Date(time.Now())
	for _, to := range msg.To {
		b = b.To("", to)
	}
	for _, cc := range msg.Cc {
		b = b.CC("", cc)
	}
	if msg.InReplyTo != "" {
		b = b.Header("In-Reply-To", msg.InReplyTo)
	}
	if len(msg.References) > 0 {
		b = b.Header("References", strings.Join(msg.References, " "))
	}
	if msg.Text != "" || msg.HTML == "" {
		b = b.Text([]byte(msg.Text))
	}
	if msg.HTML != "" {
		b = b.HTML([]byte(msg.HTML))
	}

	root, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build message: %w", err)
	}

	var buf bytes.Buffer
	if err := root.Encode(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return buf.Bytes(), nil
}
