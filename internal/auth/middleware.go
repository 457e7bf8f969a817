package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// Authenticator checks requests against the service's API token.
type Authenticator struct {
	token []byte
	log   zerolog.Logger
}

func NewAuthenticator(token string, logger zerolog.Logger) *Authenticator {
	return &Authenticator{
		token: []byte(token),
		log:   logger.With().Str("component", "auth").Logger(),
	}
}

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header. The scheme is case-insensitive per RFC 7235.
func BearerToken(header string) string {
	fields := strings.Fields(header)
	if len(fields) < 2 || !strings.EqualFold(fields[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(strings.Join(fields[1:], " "))
}

// TokenFromRequest reads the bearer header, falling back to the token query
// parameter since browsers cannot set headers on WebSocket connections.
func TokenFromRequest(r *http.Request) string {
	if token := BearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return r.URL.Query().Get("token")
}

// Valid compares in constant time. An unset API token rejects everything.
func (a *Authenticator) Valid(token string) bool {
	if len(a.token) == 0 || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), a.token) == 1
}

// RequireAuth middleware rejects requests without a valid bearer token with
// 401 Unauthorized.
func (a *Authenticator) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			a.log.Debug().Str("path", r.URL.Path).Msg("No Authorization header present")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		token := BearerToken(authHeader)
		if token == "" {
			a.log.Debug().Str("path", r.URL.Path).Msg("Invalid Authorization header format")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		if !a.Valid(token) {
			a.log.Warn().Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("Token validation failed")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}
