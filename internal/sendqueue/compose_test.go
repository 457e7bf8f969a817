package sendqueue

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/mailsync/internal/models"
)

func TestCompose(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	m, err := Compose(Draft{
		AccountID:  "acc-1",
		From:       "Ann <ann@example.com>",
		To:         []string{"bob@example.com"},
		Cc:         []string{"carol@example.com"},
		Subject:    "Re: Plans",
		Text:       "Sounds good",
		HTML:       "<p>Sounds good</p>",
		InReplyTo:  "<parent@example.com>",
		References: []string{"<root@example.com>", "<parent@example.com>"},
	}, now)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(m.MessageID, "<"))
	assert.True(t, strings.HasSuffix(m.MessageID, "@example.com>"))
	assert.Equal(t, "acc-1", m.AccountID)
	require.NotNil(t, m.SendQueuedAt)
	assert.True(t, now.Equal(*m.SendQueuedAt))
	require.NotNil(t, m.BodyPlain)
	assert.Equal(t, "Sounds good", *m.BodyPlain)
	assert.Equal(t, int64(len(m.RawMIME)), m.SizeBytes)

	r, err := mail.CreateReader(bytes.NewReader(m.RawMIME))
	require.NoError(t, err)
	defer r.Close()

	subject, err := r.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "Re: Plans", subject)

	id, err := r.Header.MessageID()
	require.NoError(t, err)
	assert.Equal(t, m.MessageID, "<"+id+">")

	inReplyTo, err := r.Header.MsgIDList("In-Reply-To")
	require.NoError(t, err)
	assert.Equal(t, []string{"parent@example.com"}, inReplyTo)

	refs, err := r.Header.MsgIDList("References")
	require.NoError(t, err)
	assert.Equal(t, []string{"root@example.com", "parent@example.com"}, refs)
}

func TestCompose_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		draft Draft
	}{
		{"no recipients", Draft{From: "ann@example.com", Subject: "x"}},
		{"bad sender", Draft{From: "not an address", To: []string{"bob@example.com"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Compose(tt.draft, time.Now()); err == nil {
				t.Errorf("Expected error for %s", tt.name)
			}
		})
	}
}

func TestEnvelope(t *testing.T) {
	m := &models.Message{
		From: "Ann <ann@example.com>",
		To:   []string{"Bob <bob@example.com>", "carol@example.com"},
		Cc:   []string{"BOB@example.com"},
		Bcc:  []string{"dave@example.com"},
	}
	from, recipients, err := envelope(m)
	require.NoError(t, err)
	assert.Equal(t, "ann@example.com", from)
	assert.Equal(t, []string{"bob@example.com", "carol@example.com", "dave@example.com"}, recipients)
}
