// Package auth provides shared-secret bearer token authentication for the
// segment gateway.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Authenticator compares presented bearer tokens against one configured
// token. Tokens are compared as SHA-256 digests with hmac.Equal so the
// comparison time does not depend on the presented token's length or prefix.
type Authenticator struct {
	digest [sha256.Size]byte
	logger *zap.Logger
}

// NewAuthenticator returns nil when token is empty, which disables
// authentication (Middleware on a nil Authenticator passes every request).
func NewAuthenticator(token string, logger *zap.Logger) *Authenticator {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authenticator{digest: sha256.Sum256([]byte(token)), logger: logger}
}

// Authenticate checks an Authorization header value.
func (a *Authenticator) Authenticate(header string) error {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ErrMissingToken
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return ErrMissingToken
	}
	presented := sha256.Sum256([]byte(token))
	if !hmac.Equal(presented[:], a.digest[:]) {
		return ErrInvalidToken
	}
	return nil
}

// Middleware rejects unauthenticated requests with 401 and a {"message"} body.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	if a == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.Authenticate(r.Header.Get("Authorization")); err != nil {
			a.logger.Debug("request rejected", zap.String("path", r.URL.Path), zap.Error(err))
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", `Bearer realm="eventpilot"`)
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": err.Error()})
			return
		}
		next.ServeHTTP(w, r)
	})
}
