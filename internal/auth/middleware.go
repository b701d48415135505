package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/logging"
)

type contextKey string

// UserEmailKey is the context key used to store the authenticated user's email.
const UserEmailKey contextKey = "user_email"

// ErrInvalidToken is returned for any token that does not validate.
var ErrInvalidToken = errors.New("invalid token")

const tokenResourcePrefix = "user:"

// Authenticator validates bearer tokens issued by the CRM. A token is
// base64url(email) "." expires "." signature, signed with the shared key.
// In test mode "email:<address>" is accepted as is.
type Authenticator struct {
	signer   *crypto.LinkSigner
	testMode bool
	log      *zerolog.Logger
}

func NewAuthenticator(signer *crypto.LinkSigner, testMode bool, log *zerolog.Logger) *Authenticator {
	return &Authenticator{signer: signer, testMode: testMode, log: log}
}

// IssueToken signs a token for email valid for ttl.
func (a *Authenticator) IssueToken(email string, ttl time.Duration) string {
	expires, sig := a.signer.Sign(tokenResourcePrefix+email, ttl)
	return base64.RawURLEncoding.EncodeToString([]byte(email)) + "." + strconv.FormatInt(expires, 10) + "." + sig
}

// ValidateToken returns the email the token was issued for.
func (a *Authenticator) ValidateToken(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrInvalidToken
	}

	if a.testMode && strings.HasPrefix(token, "email:") {
		email := strings.TrimPrefix(token, "email:")
		if email == "" {
			return "", ErrInvalidToken
		}
		return email, nil
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", ErrInvalidToken
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil || len(raw) == 0 {
		return "", ErrInvalidToken
	}
	email := string(raw)

	if err := a.signer.Verify(tokenResourcePrefix+email, parts[1], parts[2]); err != nil {
		return "", errors.Join(ErrInvalidToken, err)
	}
	return email, nil
}

// RequireAuth checks for a valid bearer token in the Authorization header and
// stores the user's email in the request context. Returns 401 otherwise.
func (a *Authenticator) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := BearerToken(r.Header.Get("Authorization"))
		if !ok {
			a.log.Debug().Str("path", r.URL.Path).Msg("Missing or malformed Authorization header")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		email, err := a.ValidateToken(token)
		if err != nil {
			a.log.Info().Err(err).Str("path", r.URL.Path).Msg("Token validation failed")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		a.log.Debug().Str("user", logging.MaskEmail(email)).Str("path", r.URL.Path).Msg("Authenticated request")
		next.ServeHTTP(w, r.WithContext(WithUserEmail(r.Context(), email)))
	})
}

// BearerToken extracts the token from an Authorization header value.
// The scheme is case-insensitive (RFC 7235).
func BearerToken(header string) (string, bool) {
	fields := strings.Fields(header)
	if len(fields) < 2 || !strings.EqualFold(fields[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(strings.Join(fields[1:], " "))
	return token, token != ""
}

// WithUserEmail returns ctx carrying the authenticated email.
func WithUserEmail(ctx context.Context, email string) context.Context {
	return context.WithValue(ctx, UserEmailKey, email)
}

// GetUserEmailFromContext returns the user email from the context.
func GetUserEmailFromContext(ctx context.Context) (string, bool) {
	email, ok := ctx.Value(UserEmailKey).(string)
	return email, ok
}
