package threading

import (
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/jaytaylor/html2text"
	"github.com/vdavid/mailsync/internal/models"
)

// Summarize derives the thread row for a component. The ID and account are
// left for the caller.
func Summarize(c Component, opts Options) models.Thread {
	t := models.Thread{MessageCount: len(c.Messages)}
	if len(c.Messages) == 0 {
		return t
	}
	t.Subject = c.Root().Subject

	var latest time.Time
	for _, m := range c.Messages {
		if d := m.LatestDate(); d.After(latest) {
			latest = d
		}
		if !m.IsRead {
			t.UnreadCount++
		}
	}
	t.LatestDate = latest
	t.Snippet = Snippet(c.Latest(), opts.SnippetLength)
	t.Participants = Participants(c.Messages)
	return t
}

// Snippet is the first n runes of the message's text with whitespace
// collapsed. HTML-only messages are converted to text first; messages with no
// body fall back to the subject.
func Snippet(m *models.Message, n int) string {
	if m == nil {
		return ""
	}
	var text string
	switch {
	case m.BodyPlain != nil && strings.TrimSpace(*m.BodyPlain) != "":
		text = *m.BodyPlain
	case m.BodyHTML != nil && strings.TrimSpace(*m.BodyHTML) != "":
		converted, err := html2text.FromString(*m.BodyHTML, html2text.Options{TextOnly: true, OmitLinks: true})
		if err == nil {
			text = converted
		}
	}
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		text = strings.Join(strings.Fields(m.Subject), " ")
	}
	if n > 0 {
		runes := []rune(text)
		if len(runes) > n {
			text = string(runes[:n])
		}
	}
	return text
}

// Participants lists everyone on the thread once, keyed by address. The first
// display name seen for an address is kept.
func Participants(msgs []*models.Message) []string {
	type participant struct {
		name, address string
	}
	var order []string
	seen := make(map[string]*participant)

	add := func(raw string) {
		name, address := splitAddress(raw)
		if address == "" {
			return
		}
		key := strings.ToLower(address)
		if p, ok := seen[key]; ok {
			if p.name == "" {
				p.name = name
			}
			return
		}
		seen[key] = &participant{name: name, address: address}
		order = append(order, key)
	}

	for _, m := range msgs {
		add(m.From)
		for _, a := range m.To {
			add(a)
		}
		for _, a := range m.Cc {
			add(a)
		}
	}

	result := make([]string, 0, len(order))
	for _, key := range order {
		p := seen[key]
		if p.name != "" {
			result = append(result, fmt.Sprintf("%s <%s>", p.name, p.address))
		} else {
			result = append(result, p.address)
		}
	}
	return result
}

func splitAddress(raw string) (name, address string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ""
	}
	if addr, err := mail.ParseAddress(raw); err == nil {
		return addr.Name, addr.Address
	}
	return "", raw
}
