package models

import "time"

// AuthKind selects how an account authenticates against its provider.
type AuthKind string

const (
	AuthXOAuth2 AuthKind = "xoauth2"
	AuthPlain   AuthKind = "plain"
)

// Account is one remote mailbox. Its ID is the root of all per-account state.
type Account struct {
	ID                string    `json:"id"`
	Email             string    `json:"email"`
	Provider          string    `json:"provider"`
	AuthKind          AuthKind  `json:"auth_kind"`
	IMAPUsername      string    `json:"imap_username"`
	SMTPUsername      string    `json:"smtp_username"`
	EncryptedPassword []byte    `json:"-"`
	TokenCommand      string    `json:"-"`
	Active            bool      `json:"active"`
	DeactivatedReason string    `json:"deactivated_reason,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Protocol identifies which wire protocol a session speaks.
type Protocol string

const (
	ProtocolIMAP Protocol = "imap"
	ProtocolSMTP Protocol = "smtp"
)
