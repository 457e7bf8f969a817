package sendqueue

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/vdavid/mailsync/internal/models"
	gomail "github.com/wneessen/go-mail"
)

// Draft is an outgoing message as the user wrote it.
type Draft struct {
	AccountID  string   `json:"account_id"`
	From       string   `json:"from"`
	To         []string `json:"to"`
	Cc         []string `json:"cc,omitempty"`
	Bcc        []string `json:"bcc,omitempty"`
	Subject    string   `json:"subject"`
	Text       string   `json:"text"`
	HTML       string   `json:"html,omitempty"`
	InReplyTo  string   `json:"in_reply_to,omitempty"`
	References []string `json:"references,omitempty"`
}

// Compose renders d as an RFC 5322 message and returns it as a queued
// Message. The Message-ID is generated on the sender's domain.
func Compose(d Draft, now time.Time) (*models.Message, error) {
	if len(d.To)+len(d.Cc)+len(d.Bcc) == 0 {
		return nil, fmt.Errorf("draft has no recipients")
	}
	from, err := mail.ParseAddress(d.From)
	if err != nil {
		return nil, fmt.Errorf("invalid from address %q: %w", d.From, err)
	}
	domain := "localhost"
	if at := strings.LastIndex(from.Address, "@"); at >= 0 {
		domain = from.Address[at+1:]
	}
	messageID := uuid.NewString() + "@" + domain

	msg := gomail.NewMsg()
	if err := msg.From(d.From); err != nil {
		return nil, fmt.Errorf("failed to set From: %w", err)
	}
	if len(d.To) > 0 {
		if err := msg.To(d.To...); err != nil {
			return nil, fmt.Errorf("failed to set To: %w", err)
		}
	}
	if len(d.Cc) > 0 {
		if err := msg.Cc(d.Cc...); err != nil {
			return nil, fmt.Errorf("failed to set Cc: %w", err)
		}
	}
	if len(d.Bcc) > 0 {
		if err := msg.Bcc(d.Bcc...); err != nil {
			return nil, fmt.Errorf("failed to set Bcc: %w", err)
		}
	}
	msg.Subject(d.Subject)
	msg.SetDateWithValue(now)
	msg.SetMessageIDWithValue(messageID)
	if d.InReplyTo != "" {
		msg.SetGenHeader(gomail.HeaderInReplyTo, d.InReplyTo)
	}
	if len(d.References) > 0 {
		msg.SetGenHeader(gomail.HeaderReferences, strings.Join(d.References, " "))
	}
	msg.SetBodyString(gomail.TypeTextPlain, d.Text)
	if d.HTML != "" {
		msg.AddAlternativeString(gomail.TypeTextHTML, d.HTML)
	}

	var buf bytes.Buffer
	if _, err := msg.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to render message: %w", err)
	}

	sent := now.UTC()
	m := &models.Message{
		ID:           uuid.NewString(),
		AccountID:    d.AccountID,
		MessageID:    "<" + messageID + ">",
		InReplyTo:    d.InReplyTo,
		References:   d.References,
		From:         d.From,
		To:           d.To,
		Cc:           d.Cc,
		Bcc:          d.Bcc,
		Subject:      d.Subject,
		DateSent:     &sent,
		SizeBytes:    int64(buf.Len()),
		SendQueuedAt: &sent,
		RawMIME:      buf.Bytes(),
	}
	if d.Text != "" {
		text := d.Text
		m.BodyPlain = &text
	}
	if d.HTML != "" {
		html := d.HTML
		m.BodyHTML = &html
	}
	return m, nil
}

// envelope returns the SMTP reverse-path and forward-paths of a message.
func envelope(m *models.Message) (string, []string, error) {
	from, err := mail.ParseAddress(m.From)
	if err != nil {
		return "", nil, fmt.Errorf("invalid from address %q: %w", m.From, err)
	}
	var recipients []string
	seen := make(map[string]bool)
	for _, list := range [][]string{m.To, m.Cc, m.Bcc} {
		for _, raw := range list {
			addr, err := mail.ParseAddress(raw)
			if err != nil {
				return "", nil, fmt.Errorf("invalid recipient %q: %w", raw, err)
			}
			key := strings.ToLower(addr.Address)
			if seen[key] {
				continue
			}
			seen[key] = true
			recipients = append(recipients, addr.Address)
		}
	}
	return from.Address, recipients, nil
}
