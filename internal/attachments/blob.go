package attachments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrBlobNotFound is returned when a storage ref points at nothing.
var ErrBlobNotFound = errors.New("blob not found")

// BlobStore persists attachment bytes under a content-addressed ref.
type BlobStore interface {
	// Put stores content for the account under its hash and returns the ref.
	// Putting the same hash twice is a no-op.
	Put(ctx context.Context, accountID, contentHash string, content []byte) (string, error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
}

// FileStore keeps blobs on the local filesystem as <root>/<account>/<hh>/<hash>.
type FileStore struct {
	root string
}

func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create blob dir: %w", err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) Put(ctx context.Context, accountID, contentHash string, content []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(contentHash) < 2 || strings.ContainsAny(contentHash, `/\.`) || strings.ContainsAny(accountID, `/\.`) {
		return "", fmt.Errorf("invalid blob key %s/%s", accountID, contentHash)
	}

	ref := filepath.ToSlash(filepath.Join(accountID, contentHash[:2], contentHash))
	path := filepath.Join(s.root, filepath.FromSlash(ref))

	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("failed to create blob dir: %w", err)
	}

	// Write to a temp name and rename so readers never see a partial blob.
	tmp := filepath.Join(filepath.Dir(path), ".tmp-"+uuid.NewString())
	if err := os.WriteFile(tmp, content, 0o640); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}

	return ref, nil
}

func (s *FileStore) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	clean := filepath.Clean(filepath.FromSlash(ref))
	if ref == "" || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return nil, ErrBlobNotFound
	}

	f, err := os.Open(filepath.Join(s.root, clean))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}
	return f, nil
}
