package gateway

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"surfacebroker/internal/domain"
)

// Authenticator validates bearer tokens presented by clients.
type Authenticator interface {
	Authenticate(token string) error
}

// StaticTokenAuth authenticates clients against a static token list
// using constant-time comparison to prevent timing attacks.
type StaticTokenAuth struct {
	tokens [][]byte
}

// NewStaticTokenAuth builds an authenticator from tokens.
func NewStaticTokenAuth(tokens []string) *StaticTokenAuth {
	a := &StaticTokenAuth{tokens: make([][]byte, len(tokens))}
	for i, t := range tokens {
		a.tokens[i] = []byte(t)
	}
	return a
}

// Authenticate returns nil if the token is valid.
func (a *StaticTokenAuth) Authenticate(token string) error {
	tokenBytes := []byte(token)
	for _, t := range a.tokens {
		if subtle.ConstantTimeCompare(tokenBytes, t) == 1 {
			return nil
		}
	}
	return domain.ErrAuthFailed
}

// bearerToken extracts the token from the Authorization header or, for
// EventSource and WebSocket clients that cannot set headers, the token
// query parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return token
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// requireAuth rejects requests without a valid token. A nil auth passes
// everything through.
func requireAuth(auth Authenticator, logger *slog.Logger, next http.Handler) http.Handler {
	if auth == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := auth.Authenticate(bearerToken(r)); err != nil {
			logger.Warn("request rejected",
				"path", r.URL.Path,
				"remote", r.RemoteAddr,
				"code", domain.ErrorCodeOf(err),
				"security", true,
			)
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}
