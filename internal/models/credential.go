package models

import "time"

// Credential is the auth material for one session. Exactly one of the
// XOAUTH2 or Plain field groups is meaningful, selected by Kind.
type Credential struct {
	Kind AuthKind

	// XOAUTH2
	Email       string
	AccessToken string
	ExpiresAt   time.Time

	// Plain
	Username string
	Password string
}

// XOAuth2Credential builds a bearer-token credential.
func XOAuth2Credential(email, accessToken string, expiresAt time.Time) Credential {
	return Credential{Kind: AuthXOAuth2, Email: email, AccessToken: accessToken, ExpiresAt: expiresAt}
}

// PlainCredential builds a username/password credential.
func PlainCredential(username, password string) Credential {
	return Credential{Kind: AuthPlain, Username: username, Password: password}
}

// Expired reports whether a bearer token is past its expiry (with a small skew).
// Plain credentials never expire.
func (c Credential) Expired(now time.Time) bool {
	if c.Kind != AuthXOAuth2 || c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(30 * time.Second).Before(c.ExpiresAt)
}
