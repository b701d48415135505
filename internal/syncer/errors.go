package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/vdavid/mailsync/internal/imap"
)

// ErrJobTimeout is returned when a run exceeds its total time budget.
var ErrJobTimeout = errors.New("sync job exceeded its time budget")

// ConnectionError is a network or TLS failure talking to the IMAP server.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string { return "connection error: " + e.Err.Error() }
func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthError means the server rejected the account's credentials.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return "authentication failed: " + e.Err.Error() }
func (e *AuthError) Unwrap() error { return e.Err }

// ParseError is a single message that could not be parsed. It is logged and
// counted as skipped, never returned from Run.
type ParseError struct {
	Folder string
	UID    uint32
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse %s/%d: %v", e.Folder, e.UID, e.Err)
}
func (e *ParseError) Unwrap() error { return e.Err }

// StorageError is an attachment write that kept failing. The message is kept
// and the attachment marked failed.
type StorageError struct {
	EmailID  string
	Filename string
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("attachment %q of email %s was not stored", e.Filename, e.EmailID)
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsRetryable reports whether a failed run should be retried with backoff.
// Auth failures and time budget overruns are final.
func IsRetryable(err error) bool {
	if err == nil || IsAuth(err) || errors.Is(err, ErrJobTimeout) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// classify maps a raw connect or fetch error onto the taxonomy. ctx is the
// run's context, used to tell a budget overrun from an ordinary failure.
func classify(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case IsAuth(err) || errors.Is(err, ErrJobTimeout):
		return err
	case errors.Is(err, imap.ErrAuthFailed):
		return &AuthError{Err: err}
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrJobTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	}

	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return err
	}
	if imap.IsConnectionFailure(err) {
		return &ConnectionError{Err: err}
	}
	return err
}
