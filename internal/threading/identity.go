// Package threading groups messages into conversations from their header
// data: reference edges first, then normalized subjects within a time window.
package threading

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/vdavid/mailsync/internal/models"
)

// NormalizeMessageID strips angle brackets and surrounding space and lowercases.
func NormalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.ToLower(strings.TrimSpace(id))
}

// FallbackKey is the canonical header hash used when a message has no usable
// Message-ID. It covers the sender address, the normalized subject and the
// sent date truncated to the minute.
func FallbackKey(from, subject string, dateSent *time.Time) string {
	var date string
	if dateSent != nil {
		date = dateSent.UTC().Truncate(time.Minute).Format(time.RFC3339)
	}
	sum := sha256.Sum256([]byte(senderAddress(from) + "|" + NormalizeSubject(subject) + "|" + date))
	return "h:" + hex.EncodeToString(sum[:])
}

// IdentityKey is the key a message is stored and threaded under when its
// Message-ID is not contested.
func IdentityKey(m *models.Message) string {
	if id := NormalizeMessageID(m.MessageID); id != "" {
		return id
	}
	return FallbackKey(m.From, m.Subject, m.DateSent)
}

// Lookup finds the fallback key of the message already stored under key.
type Lookup func(key string) (fallback string, found bool)

// ResolveKey sets m.IdentityKey and m.FallbackKey. When the Message-ID is
// already held by a different message (its fallback key differs), m falls
// back to its header hash so the two are never merged.
func ResolveKey(m *models.Message, lookup Lookup) {
	m.FallbackKey = FallbackKey(m.From, m.Subject, m.DateSent)
	key := IdentityKey(m)
	if key != m.FallbackKey && lookup != nil {
		if existing, found := lookup(key); found && existing != m.FallbackKey {
			key = m.FallbackKey
		}
	}
	m.IdentityKey = key
}

func senderAddress(from string) string {
	from = strings.TrimSpace(from)
	if from == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(from); err == nil {
		return strings.ToLower(addr.Address)
	}
	return strings.ToLower(from)
}
