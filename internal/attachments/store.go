package attachments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/parser"
)

// ErrNotStored is returned when opening an attachment whose bytes are not in the blob store.
var ErrNotStored = errors.New("attachment bytes are not stored")

// PartFetcher downloads one body part of a message from the account's server.
type PartFetcher interface {
	FetchPart(ctx context.Context, account *models.EmailAccount, folder string, uidValidity, uid uint32, locator string) ([]byte, error)
}

// Store records attachment rows and their bytes. Identical bytes within an
// account share one storage ref.
type Store struct {
	blobs   BlobStore
	pool    *pgxpool.Pool
	fetcher PartFetcher
	log     *zerolog.Logger

	// newBackOff builds the retry policy for blob writes.
	newBackOff func() backoff.BackOff
}

func NewStore(blobs BlobStore, pool *pgxpool.Pool, fetcher PartFetcher, log *zerolog.Logger) *Store {
	return &Store{
		blobs:   blobs,
		pool:    pool,
		fetcher: fetcher,
		log:     log,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = time.Second
			return backoff.WithMaxRetries(b, 3)
		},
	}
}

// ContentHash is the dedup key of attachment bytes.
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Save inserts the attachment row for emailID using q, which is normally the
// batch transaction. Deferred parts only get their locator recorded. A blob
// write that keeps failing marks the row failed instead of failing the message;
// FetchDeferred can retry it later from the server.
func (s *Store) Save(ctx context.Context, q db.Querier, accountID, emailID string, att parser.Attachment) (*models.Attachment, error) {
	row := &models.Attachment{
		EmailID:     emailID,
		AccountID:   accountID,
		Filename:    att.Filename,
		ContentType: att.ContentType,
		SizeBytes:   att.Size,
		ContentID:   att.ContentID,
		IsInline:    att.Inline,
		// Kept for every part so a failed write can be fetched again later.
		PartLocator:  att.Locator,
		PartEncoding: att.Encoding,
	}

	if att.Deferred {
		row.Status = models.AttachmentDeferred
	} else {
		row.ContentHash = ContentHash(att.Content)
		row.SizeBytes = int64(len(att.Content))

		ref, err := s.storeBytes(ctx, q, accountID, row.ContentHash, att.Content)
		if err != nil {
			s.log.Warn().Err(err).Str("email_id", emailID).Str("filename", att.Filename).
				Msg("Attachment write failed, keeping message without it")
			row.Status = models.AttachmentFailed
		} else {
			row.Status = models.AttachmentStored
			row.StorageRef = ref
		}
	}

	if err := db.InsertAttachment(ctx, q, row); err != nil {
		return nil, err
	}
	return row, nil
}

// storeBytes reuses an existing ref for the same hash or writes a new blob.
func (s *Store) storeBytes(ctx context.Context, q db.Querier, accountID, contentHash string, content []byte) (string, error) {
	ref, err := db.FindStorageRefByHash(ctx, q, accountID, contentHash)
	if err != nil {
		return "", err
	}
	if ref != "" {
		return ref, nil
	}

	err = backoff.Retry(func() error {
		var putErr error
		ref, putErr = s.blobs.Put(ctx, accountID, contentHash, content)
		if putErr != nil && ctx.Err() != nil {
			return backoff.Permanent(putErr)
		}
		return putErr
	}, backoff.WithContext(s.newBackOff(), ctx))
	if err != nil {
		return "", fmt.Errorf("failed to store attachment bytes: %w", err)
	}
	return ref, nil
}

// FetchDeferred downloads a deferred or failed attachment from the server and stores it.
// Already stored attachments are returned unchanged.
func (s *Store) FetchDeferred(ctx context.Context, att *models.Attachment) (*models.Attachment, error) {
	if att.Status == models.AttachmentStored {
		return att, nil
	}
	if att.PartLocator == "" {
		return nil, fmt.Errorf("attachment %s has no part locator", att.ID)
	}

	email, err := db.GetEmail(ctx, s.pool, att.EmailID)
	if err != nil {
		return nil, err
	}
	account, err := db.GetAccount(ctx, s.pool, email.AccountID)
	if err != nil {
		return nil, err
	}

	// The email row keeps the first place it was seen; a move or a UIDVALIDITY
	// reset is only reflected in its sightings.
	location := db.Sighting{Folder: email.Folder, UIDValidity: email.UIDValidity, UID: email.IMAPUID}
	current, err := db.CurrentSighting(ctx, s.pool, email.ID)
	if err != nil {
		return nil, err
	}
	if current != nil {
		location = *current
	}

	raw, err := s.fetcher.FetchPart(ctx, account, location.Folder, location.UIDValidity, location.UID, att.PartLocator)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch attachment part: %w", err)
	}

	content, err := parser.DecodePart(raw, att.ContentType, att.PartEncoding, "")
	if err != nil {
		return nil, err
	}

	contentHash := ContentHash(content)
	ref, err := s.storeBytes(ctx, s.pool, att.AccountID, contentHash, content)
	if err != nil {
		return nil, err
	}

	if err := db.MarkAttachmentStored(ctx, s.pool, att.ID, ref, contentHash, int64(len(content))); err != nil {
		return nil, err
	}

	s.log.Info().Str("attachment_id", att.ID).Int("bytes", len(content)).Msg("Fetched deferred attachment")

	updated := *att
	updated.StorageRef = ref
	updated.ContentHash = contentHash
	updated.SizeBytes = int64(len(content))
	updated.Status = models.AttachmentStored
	return &updated, nil
}

// Open returns the attachment bytes, fetching them first when they were deferred.
func (s *Store) Open(ctx context.Context, att *models.Attachment) (io.ReadCloser, *models.Attachment, error) {
	if att.Status != models.AttachmentStored {
		if att.PartLocator == "" {
			return nil, nil, ErrNotStored
		}
		var err error
		att, err = s.FetchDeferred(ctx, att)
		if err != nil {
			return nil, nil, err
		}
	}

	r, err := s.blobs.Open(ctx, att.StorageRef)
	if err != nil {
		return nil, nil, err
	}
	return r, att, nil
}
