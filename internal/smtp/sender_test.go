package smtp

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/testutil"
)

func newSender(t *testing.T) *Sender {
	t.Helper()
	log := zerolog.Nop()
	return NewSender(testutil.GetTestEncryptor(t), false, 5*time.Second, &log)
}

func testAccount(t *testing.T, server *testutil.SMTPCapture, password string) *models.EmailAccount {
	t.Helper()
	secret, err := testutil.GetTestEncryptor(t).Encrypt(password)
	require.NoError(t, err)
	return &models.EmailAccount{
		ID:                  "acc-1",
		EmailAddress:        "sender@example.com",
		IMAPUsername:        "imap-user",
		SMTPServerHostname:  server.Address,
		SMTPUsername:        server.Username,
		EncryptedSMTPSecret: secret,
	}
}

func TestSendNow(t *testing.T) {
	server := testutil.NewSMTPCapture(t)
	sender := newSender(t)

	t.Run("delivers a reply with threading headers", func(t *testing.T) {
		account := testAccount(t, server, server.Password)
		err := sender.SendNow(context.Background(), account, &Message{
			To:         []string{"lead@example.org"},
			Cc:         []string{"boss@example.org"},
			Subject:    "Re: Pricing",
			Text:       "Sounds good.",
			InReplyTo:  "<orig@example.org>",
			References: []string{"<root@example.org>", "<orig@example.org>"},
		})
		require.NoError(t, err)

		messages := server.Messages()
		require.Len(t, messages, 1)
		got := messages[0]
		assert.Equal(t, "sender@example.com", got.From)
		assert.Equal(t, []string{"lead@example.org", "boss@example.org"}, got.To)
		assert.Equal(t, server.Username, got.Username)

		data := string(got.Data)
		assert.Contains(t, data, "Subject: Re: Pricing")
		assert.Contains(t, data, "In-Reply-To: <orig@example.org>")
		assert.Contains(t, data, "References: <root@example.org> <orig@example.org>")
		assert.Contains(t, data, "Sounds good.")
	})

	t.Run("wrong password fails auth", func(t *testing.T) {
		account := testAccount(t, server, "nope")
		err := sender.SendNow(context.Background(), account, &Message{To: []string{"a@example.org"}, Subject: "x", Text: "x"})
		require.Error(t, err)
		assert.True(t, strings.Contains(err.Error(), "authentication"), err.Error())
	})

	t.Run("falls back to the imap secret", func(t *testing.T) {
		account := testAccount(t, server, server.Password)
		account.EncryptedIMAPSecret = account.EncryptedSMTPSecret
		account.EncryptedSMTPSecret = nil
		err := sender.SendNow(context.Background(), account, &Message{To: []string{"a@example.org"}, Subject: "fallback", Text: "x"})
		require.NoError(t, err)
	})

	t.Run("requires a server and recipients", func(t *testing.T) {
		account := testAccount(t, server, server.Password)
		err := sender.SendNow(context.Background(), account, &Message{Subject: "x"})
		assert.Error(t, err)

		account.SMTPServerHostname = ""
		err = sender.SendNow(context.Background(), account, &Message{To: []string{"a@example.org"}, Subject: "x"})
		assert.ErrorIs(t, err, ErrNoSMTPServer)
	})
}

func TestSendIsFireAndForget(t *testing.T) {
	server := testutil.NewSMTPCapture(t)
	sender := newSender(t)
	account := testAccount(t, server, server.Password)

	ctx, cancel := context.WithCancel(context.Background())
	sender.Send(ctx, account, &Message{To: []string{"a@example.org"}, Subject: "bg", Text: "x"})
	cancel()
	sender.Wait()

	require.Len(t, server.Messages(), 1, "cancelling the caller's context does not abort the send")

	// A failing send only logs.
	account.SMTPServerHostname = ""
	sender.Send(context.Background(), account, &Message{To: []string{"a@example.org"}, Subject: "bg", Text: "x"})
	sender.Wait()
	assert.Len(t, server.Messages(), 1)
}
