package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/parser"
	"github.com/vdavid/mailsync/internal/threading"
)

// ingester writes the messages of one batch inside the batch transaction.
type ingester struct {
	syncer      *Syncer
	tx          pgx.Tx
	threads     *db.ThreadStore
	account     *models.EmailAccount
	folder      string
	uidValidity uint32
	log         *zerolog.Logger
}

// outcome is what ingest did with one message.
type outcome int

const (
	// outcomeKnown: this folder sighting was stored by an earlier run.
	outcomeKnown outcome = iota
	// outcomeAdded: a new email row or a new folder sighting.
	outcomeAdded
	// outcomeSkipped: the message could not be fetched or parsed.
	outcomeSkipped
)

func sightingOutcome(added bool, err error) (outcome, error) {
	if err != nil {
		return outcomeKnown, err
	}
	if added {
		return outcomeAdded, nil
	}
	return outcomeKnown, nil
}

// ingest stores msg. Errors returned here are systemic and fail the batch;
// per-message problems are logged and reported as outcomeSkipped.
func (in *ingester) ingest(ctx context.Context, msg *imap.RawMessage) (outcome, error) {
	known, err := db.SightingExists(ctx, in.tx, in.account.ID, in.folder, in.uidValidity, msg.UID)
	if err != nil {
		return outcomeKnown, err
	}
	if known {
		return outcomeKnown, nil
	}

	if msg.Err != nil {
		in.log.Warn().Err(msg.Err).Uint32("uid", msg.UID).Msg("Skipping message that could not be fetched")
		return outcomeSkipped, nil
	}

	parsed, err := parseMessage(msg)
	if err != nil {
		return outcomeSkipped, in.skipUnparsable(ctx, msg.UID, err)
	}

	key := parsed.DedupKey()
	existingID, err := db.FindEmailIDByDedupKey(ctx, in.tx, in.account.ID, key)
	if err != nil {
		return outcomeKnown, err
	}
	if existingID != "" {
		// Same logical message seen in another folder or under a new epoch.
		return sightingOutcome(db.AddSighting(ctx, in.tx, existingID, in.account.ID, in.folder, in.uidValidity, msg.UID))
	}

	participants := threading.Participants(parsed.Participants())
	tm := threadingMessage(in.account.ID, &parsed.Headers, participants)
	resolution, err := in.syncer.resolver.Resolve(ctx, in.threads, tm)
	if err != nil {
		return outcomeKnown, err
	}

	email := &models.Email{
		AccountID:      in.account.ID,
		Folder:         in.folder,
		UIDValidity:    in.uidValidity,
		IMAPUID:        msg.UID,
		MessageID:      parsed.MessageID,
		InReplyTo:      parsed.InReplyTo,
		References:     tm.Ancestors,
		ThreadID:       resolution.ThreadID,
		Subject:        parsed.Subject,
		FromAddress:    parsed.FromString(),
		ToAddresses:    parsed.ToStrings(),
		CCAddresses:    parsed.CcStrings(),
		BodyPlain:      parsed.BodyPlain,
		BodyHTML:       parsed.BodyHTML,
		ReceivedAt:     receivedAt(msg, parsed),
		IsRead:         msg.Seen(),
		IsStarred:      msg.Flagged(),
		HasAttachments: len(parsed.Attachments) > 0,
		DedupHash:      parsed.DedupHash,
	}

	inserted, err := db.InsertEmail(ctx, in.tx, email, key)
	if err != nil {
		return outcomeKnown, err
	}
	if !inserted {
		return sightingOutcome(db.AddSighting(ctx, in.tx, email.ID, in.account.ID, in.folder, in.uidValidity, msg.UID))
	}

	if _, err := db.AddSighting(ctx, in.tx, email.ID, in.account.ID, in.folder, in.uidValidity, msg.UID); err != nil {
		return outcomeKnown, err
	}

	err = in.syncer.resolver.Attach(ctx, in.threads, resolution.ThreadID, threading.Summary{
		ReceivedAt:   email.ReceivedAt,
		Unread:       !email.IsRead,
		Participants: participants,
	})
	if err != nil {
		return outcomeKnown, err
	}

	for _, att := range parsed.Attachments {
		row, err := in.syncer.attachments.Save(ctx, in.tx, in.account.ID, email.ID, att)
		if err != nil {
			return outcomeKnown, err
		}
		if row.Status == models.AttachmentFailed {
			in.log.Warn().Err(&StorageError{EmailID: email.ID, Filename: att.Filename}).Msg("Keeping message without attachment body")
		}
	}

	in.log.Debug().Uint32("uid", msg.UID).Str("thread_id", resolution.ThreadID).Str("method", string(resolution.Method)).
		Msg("Ingested message")
	return outcomeAdded, nil
}

// skipUnparsable logs a parse failure and, when the headers still yielded a
// Message-ID, keeps it as a thread anchor so replies find the conversation.
func (in *ingester) skipUnparsable(ctx context.Context, uid uint32, err error) error {
	in.log.Warn().Err(&ParseError{Folder: in.folder, UID: uid, Err: err}).Msg("Skipping unparsable message")

	pe, ok := parser.AsParseError(err)
	if !ok || pe.Headers == nil || pe.Headers.MessageID == "" {
		return nil
	}

	h := pe.Headers
	_, err = in.syncer.resolver.Anchor(ctx, in.threads, threadingMessage(in.account.ID, h, threading.Participants(h.Participants())))
	if err != nil {
		return fmt.Errorf("failed to anchor unparsable message: %w", err)
	}
	return nil
}

// parseMessage never panics; a panic inside MIME decoding becomes a parse error.
func parseMessage(msg *imap.RawMessage) (parsed *parser.ParsedMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			parsed, err = nil, &parser.ParseError{Reason: fmt.Sprintf("panic while parsing: %v", r)}
		}
	}()

	if msg.Partial != nil {
		return parser.ParsePartial(msg.Partial, msg.InternalDate)
	}
	return parser.Parse(msg.Body, msg.InternalDate)
}

func threadingMessage(accountID string, h *parser.Headers, participants []string) threading.Message {
	return threading.Message{
		AccountID:    accountID,
		MessageID:    h.MessageID,
		Ancestors:    threading.AncestorChain(h.MessageID, h.InReplyTo, h.References),
		Subject:      h.Subject,
		Participants: participants,
		Date:         h.Date,
	}
}

func receivedAt(msg *imap.RawMessage, parsed *parser.ParsedMessage) time.Time {
	if !msg.InternalDate.IsZero() {
		return msg.InternalDate
	}
	return parsed.Date
}
