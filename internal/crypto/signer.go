package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	// ErrLinkExpired is returned when a signed link is past its expiry.
	ErrLinkExpired = errors.New("link expired")
	// ErrBadSignature is returned when a signature does not match.
	ErrBadSignature = errors.New("invalid link signature")
)

// LinkSigner issues short-lived HMAC signatures for attachment download links.
type LinkSigner struct {
	key []byte
	now func() time.Time
}

// NewLinkSigner derives the signing key from the base64-encoded master key.
func NewLinkSigner(base64Key string) (*LinkSigner, error) {
	master, err := DecodeMasterKey(base64Key)
	if err != nil {
		return nil, err
	}

	key, err := deriveKey(master, linksKeyInfo)
	if err != nil {
		return nil, err
	}

	return &LinkSigner{key: key, now: time.Now}, nil
}

// Sign returns the expiry (unix seconds) and signature for the resource.
func (s *LinkSigner) Sign(resourceID string, ttl time.Duration) (int64, string) {
	expires := s.now().Add(ttl).Unix()
	return expires, s.mac(resourceID, expires)
}

// Verify checks a signature produced by Sign. expires is the raw query value.
func (s *LinkSigner) Verify(resourceID, expires, signature string) error {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad expiry", ErrBadSignature)
	}

	given, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return ErrBadSignature
	}

	want, _ := base64.RawURLEncoding.DecodeString(s.mac(resourceID, exp))
	if !hmac.Equal(given, want) {
		return ErrBadSignature
	}

	if s.now().Unix() > exp {
		return ErrLinkExpired
	}

	return nil
}

func (s *LinkSigner) mac(resourceID string, expires int64) string {
	h := hmac.New(sha256.New, s.key)
	h.Write([]byte(resourceID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(expires, 10)))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
