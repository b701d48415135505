package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/models"
)

// Stream yields fetched messages in ascending UID order and io.EOF at the end.
type Stream interface {
	Next(ctx context.Context) (*imap.RawMessage, error)
	Close()
}

// Session is the slice of an IMAP session the pipeline uses.
type Session interface {
	ListFolders(ctx context.Context) ([]models.Folder, error)
	FetchSince(ctx context.Context, folder string, cursor *models.FolderCursor, opts imap.FetchOptions) (*imap.FetchPlan, error)
	Fetch(ctx context.Context, folder string, uids []uint32, eagerLimit int64) (Stream, error)
	Close() error
}

// Connector opens sessions for accounts.
type Connector interface {
	Connect(ctx context.Context, account *models.EmailAccount) (Session, error)
	// ForceClose drops every open session of the account.
	ForceClose(accountID string)
}

// IMAPConnector opens real sessions through the shared manager, decrypting
// the stored secret on every connect.
type IMAPConnector struct {
	manager   *imap.Manager
	encryptor *crypto.Encryptor
}

func NewIMAPConnector(manager *imap.Manager, encryptor *crypto.Encryptor) *IMAPConnector {
	return &IMAPConnector{manager: manager, encryptor: encryptor}
}

func (c *IMAPConnector) Connect(ctx context.Context, account *models.EmailAccount) (Session, error) {
	s, err := c.OpenSession(ctx, account)
	if err != nil {
		return nil, err
	}
	return imapSession{s}, nil
}

// OpenSession returns the raw session, for callers that need more than Session.
// Errors are classified like Connect's.
func (c *IMAPConnector) OpenSession(ctx context.Context, account *models.EmailAccount) (*imap.Session, error) {
	password, err := c.encryptor.Decrypt(account.EncryptedIMAPSecret)
	if err != nil {
		return nil, &AuthError{Err: fmt.Errorf("failed to decrypt imap secret: %w", err)}
	}

	s, err := c.manager.Connect(ctx, account.ID, imap.Credentials{
		Address:  account.IMAPServerHostname,
		Username: account.IMAPUsername,
		Password: password,
	})
	switch {
	case err == nil:
		return s, nil
	case errors.Is(err, imap.ErrAuthFailed):
		return nil, &AuthError{Err: err}
	case ctx.Err() != nil:
		return nil, err
	default:
		return nil, &ConnectionError{Err: err}
	}
}

func (c *IMAPConnector) ForceClose(accountID string) {
	c.manager.ForceClose(accountID)
}

// FetchPart opens a short session to download one deferred body part.
func (c *IMAPConnector) FetchPart(ctx context.Context, account *models.EmailAccount, folder string, uidValidity, uid uint32, locator string) ([]byte, error) {
	s, err := c.OpenSession(ctx, account)
	if err != nil {
		return nil, err
	}
	defer func() { _ = s.Close() }()

	return s.FetchPart(ctx, folder, uidValidity, uid, locator)
}

// imapSession adapts *imap.Session to Session.
type imapSession struct {
	*imap.Session
}

func (s imapSession) Fetch(ctx context.Context, folder string, uids []uint32, eagerLimit int64) (Stream, error) {
	stream, err := s.Session.Fetch(ctx, folder, uids, eagerLimit)
	if err != nil {
		return nil, err
	}
	return stream, nil
}
