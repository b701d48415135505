package testutil

import (
	"encoding/base64"
	"testing"

	"github.com/vdavid/mailsync/internal/crypto"
)

// TestMasterKey returns the deterministic base64 master key used across test packages.
func TestMasterKey() string {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return base64.StdEncoding.EncodeToString(key)
}

// GetTestEncryptor creates a test encryptor with a deterministic key for testing.
func GetTestEncryptor(t *testing.T) *crypto.Encryptor {
	t.Helper()

	encryptor, err := crypto.NewEncryptor(TestMasterKey())
	if err != nil {
		t.Fatalf("Failed to create encryptor: %v", err)
	}
	return encryptor
}

// GetTestLinkSigner returns a download link signer derived from the test key.
func GetTestLinkSigner(t *testing.T) *crypto.LinkSigner {
	t.Helper()

	signer, err := crypto.NewLinkSigner(TestMasterKey())
	if err != nil {
		t.Fatalf("Failed to create link signer: %v", err)
	}
	return signer
}
