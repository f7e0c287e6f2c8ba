package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/eventkart/internal/domain/apperr"
	"github.com/xenking/eventkart/internal/domain/auth"
)

// APIKeyHeader carries the caller's API key.
const APIKeyHeader = "api_key"

// SignatureHeader carries the hex HMAC-SHA256 of a webhook body.
const SignatureHeader = "X-Webhook-Signature"

var errInvalidKey = errors.New("invalid api key")

// Authenticator resolves API keys into an auth.Caller. Keys are stored as
// HMAC-SHA256(pepper, key) so a leaked table does not leak usable keys.
type Authenticator struct {
	apikeys auth.Repository
	pepper  []byte
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(apikeys auth.Repository, pepper []byte) *Authenticator {
	return &Authenticator{apikeys: apikeys, pepper: pepper}
}

// HashKey returns the hex digest stored for key.
func HashKey(pepper []byte, key string) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

// Authenticate looks the key up by its digest.
func (a *Authenticator) Authenticate(ctx context.Context, key string) (auth.Caller, error) {
	digest := HashKey(a.pepper, key)
	info, err := a.apikeys.FindByHash(ctx, digest)
	if err != nil {
		return auth.Caller{}, errors.Wrap(err, "find api key")
	}
	stored, err := hex.DecodeString(info.KeyHash)
	if err != nil {
		return auth.Caller{}, errInvalidKey
	}
	want, _ := hex.DecodeString(digest)
	if subtle.ConstantTimeCompare(want, stored) != 1 {
		return auth.Caller{}, errInvalidKey
	}
	return info.Caller(), nil
}

// Middleware attaches the caller for requests carrying a key. Requests
// without one pass through anonymously; a key that does not resolve is
// rejected with 401.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := apiKey(r)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		caller, err := a.Authenticate(r.Context(), key)
		switch {
		case errors.Is(err, auth.ErrKeyNotFound), errors.Is(err, errInvalidKey):
			zctx.From(r.Context()).Debug("API key rejected", zap.Error(err))
			writeError(w, r, apperr.ErrUnauthenticated)
			return
		case err != nil:
			writeError(w, r, err)
			return
		}
		ctx := zctx.With(auth.WithCaller(r.Context(), caller),
			zap.String("api_key_id", caller.KeyID),
		)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func apiKey(r *http.Request) string {
	if k := r.Header.Get(APIKeyHeader); k != "" {
		return k
	}
	if v, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// validSignature checks the hex HMAC-SHA256 of body under secret.
func validSignature(secret []byte, body []byte, signature string) bool {
	got, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil || len(secret) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
