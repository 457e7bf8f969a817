package threading

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/models"
)

var base = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func at(days int) *time.Time {
	t := base.Add(time.Duration(days) * 24 * time.Hour)
	return &t
}

func msg(id, subject string, date *time.Time, inReplyTo string, refs ...string) *models.Message {
	m := &models.Message{
		MessageID:  id,
		Subject:    subject,
		From:       "Alice <alice@example.com>",
		DateSent:   date,
		InReplyTo:  inReplyTo,
		References: refs,
	}
	ResolveKey(m, nil)
	return m
}

func threadOf(t *testing.T, components []Component, m *models.Message) int {
	t.Helper()
	for i, c := range components {
		for _, member := range c.Messages {
			if member == m {
				return i
			}
		}
	}
	t.Fatalf("message %s not in any component", m.MessageID)
	return -1
}

func TestGroup(t *testing.T) {
	conversation := func() []*models.Message {
		a := msg("<a@example.com>", "Quarterly plan", at(0), "")
		b := msg("<b@example.com>", "Re: Quarterly plan", at(1), "<a@example.com>", "<a@example.com>")
		c := msg("<c@example.com>", "RE: Quarterly plan", at(2), "<a@example.com>")
		d := msg("<d@example.com>", "Re: Re: Quarterly plan", at(3), "", "<a@example.com>", "<b@example.com>")
		return []*models.Message{a, b, c, d}
	}

	t.Run("reference graph forms one thread", func(t *testing.T) {
		msgs := conversation()
		components := Group(msgs, DefaultOptions())

		require.Len(t, components, 1)
		assert.Len(t, components[0].Messages, 4)
		assert.Equal(t, "a@example.com", components[0].Root().IdentityKey)
		assert.Equal(t, "d@example.com", components[0].Latest().IdentityKey)
	})

	t.Run("same subject outside the window starts a new thread", func(t *testing.T) {
		msgs := conversation()
		e := msg("<e@example.com>", "Quarterly plan", at(3+40), "")
		components := Group(append(msgs, e), DefaultOptions())

		require.Len(t, components, 2)
		assert.NotEqual(t, threadOf(t, components, msgs[0]), threadOf(t, components, e))
	})

	t.Run("same subject inside the window joins the thread", func(t *testing.T) {
		msgs := conversation()
		e := msg("<e@example.com>", "Quarterly plan", at(3+10), "")
		components := Group(append(msgs, e), DefaultOptions())

		require.Len(t, components, 1)
		assert.Len(t, components[0].Messages, 5)
		assert.Equal(t, e, components[0].Latest())
	})

	t.Run("messages referencing a missing parent are grouped", func(t *testing.T) {
		x := msg("<x@example.com>", "Lost root", at(0), "<missing@example.com>")
		y := msg("<y@example.com>", "Other subject", at(1), "", "<missing@example.com>")
		components := Group([]*models.Message{x, y}, DefaultOptions())

		require.Len(t, components, 1)
	})

	t.Run("undated messages never match by subject", func(t *testing.T) {
		a := msg("<a@example.com>", "Hello", at(0), "")
		undated := msg("<u@example.com>", "Hello", nil, "")
		components := Group([]*models.Message{a, undated}, DefaultOptions())

		assert.Len(t, components, 2)
	})

	t.Run("message with references does not join by subject", func(t *testing.T) {
		a := msg("<a@example.com>", "Hello", at(0), "")
		other := msg("<z@example.com>", "Re: Hello", at(1), "<unrelated@example.com>")
		components := Group([]*models.Message{a, other}, DefaultOptions())

		assert.Len(t, components, 2)
	})

	t.Run("loner picks the nearest thread", func(t *testing.T) {
		early := msg("<p@example.com>", "Status", at(0), "")
		early2 := msg("<p2@example.com>", "Re: Status", at(1), "<p@example.com>")
		late := msg("<q@example.com>", "Status", at(20), "")
		late2 := msg("<q2@example.com>", "Re: Status", at(21), "<q@example.com>")
		loner := msg("<r@example.com>", "Fwd: Status", at(19), "")
		components := Group([]*models.Message{early, early2, late, late2, loner}, DefaultOptions())

		require.Len(t, components, 2)
		assert.Equal(t, threadOf(t, components, late), threadOf(t, components, loner))
	})

	t.Run("empty input", func(t *testing.T) {
		assert.Empty(t, Group(nil, DefaultOptions()))
	})
}

func TestNormalizeSubject(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Hello", "hello"},
		{"Re: Hello", "hello"},
		{"RE: Re: FW: Hello", "hello"},
		{"AW: SV: Hello World", "hello world"},
		{"Fwd: Re:  Project   plan ", "project plan"},
		{"Re[2]: Budget", "budget"},
		{"re:re:re: x", "x"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := NormalizeSubject(tt.in); got != tt.want {
				t.Errorf("NormalizeSubject(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestIdentity(t *testing.T) {
	t.Run("message id is normalized", func(t *testing.T) {
		assert.Equal(t, "abc@example.com", NormalizeMessageID("  <ABC@Example.com> "))
	})

	t.Run("missing message id uses the header hash", func(t *testing.T) {
		m := msg("", "Hello", at(0), "")
		assert.True(t, strings.HasPrefix(m.IdentityKey, "h:"))
		assert.Equal(t, m.FallbackKey, m.IdentityKey)
	})

	t.Run("header hash ignores seconds, case and reply prefixes", func(t *testing.T) {
		d1 := base.Add(5 * time.Second)
		d2 := base.Add(40 * time.Second)
		k1 := FallbackKey("Alice <ALICE@example.com>", "Re: Hello", &d1)
		k2 := FallbackKey("alice@example.com", "hello", &d2)
		assert.Equal(t, k1, k2)

		d3 := base.Add(time.Minute)
		assert.NotEqual(t, k1, FallbackKey("alice@example.com", "hello", &d3))
	})

	t.Run("duplicate message id falls back to the hash", func(t *testing.T) {
		first := msg("<dup@example.com>", "First", at(0), "")
		stored := map[string]string{first.IdentityKey: first.FallbackKey}
		lookup := func(key string) (string, bool) {
			fb, ok := stored[key]
			return fb, ok
		}

		second := &models.Message{MessageID: "<dup@example.com>", Subject: "Second", From: "bob@example.com", DateSent: at(2)}
		ResolveKey(second, lookup)
		assert.Equal(t, second.FallbackKey, second.IdentityKey)

		same := &models.Message{MessageID: "<dup@example.com>", Subject: "First", From: "Alice <alice@example.com>", DateSent: at(0)}
		ResolveKey(same, lookup)
		assert.Equal(t, "dup@example.com", same.IdentityKey)
	})
}

func TestSnippet(t *testing.T) {
	plain := "  Hello\n\nthere,   friend  "
	html := "<html><body><p>Rich text</p><p>body</p></body></html>"
	long := strings.Repeat("é", 150)

	tests := []struct {
		name string
		m    *models.Message
		n    int
		want string
	}{
		{"plain text collapses whitespace", &models.Message{BodyPlain: &plain}, 100, "Hello there, friend"},
		{"html is converted", &models.Message{BodyHTML: &html}, 100, "Rich text body"},
		{"subject when no body", &models.Message{Subject: "Just a subject"}, 100, "Just a subject"},
		{"truncated by runes", &models.Message{BodyPlain: &long}, 100, strings.Repeat("é", 100)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Snippet(tt.m, tt.n))
		})
	}
}

func TestParticipants(t *testing.T) {
	msgs := []*models.Message{
		{From: "alice@example.com", To: []string{"Bob <bob@example.com>"}},
		{From: "Alice Smith <ALICE@example.com>", To: []string{"bob@example.com"}, Cc: []string{"Carol <carol@example.com>"}},
	}

	got := Participants(msgs)
	assert.Equal(t, []string{
		"Alice Smith <alice@example.com>",
		"Bob <bob@example.com>",
		"Carol <carol@example.com>",
	}, got)
}

func TestSummarize(t *testing.T) {
	a := msg("<a@example.com>", "Plan", at(0), "")
	a.IsRead = true
	body := "Latest reply body"
	b := msg("<b@example.com>", "Re: Plan", at(2), "<a@example.com>")
	b.BodyPlain = &body

	components := Group([]*models.Message{b, a}, DefaultOptions())
	require.Len(t, components, 1)

	thread := Summarize(components[0], DefaultOptions())
	assert.Equal(t, "Plan", thread.Subject)
	assert.Equal(t, 2, thread.MessageCount)
	assert.Equal(t, 1, thread.UnreadCount)
	assert.Equal(t, *at(2), thread.LatestDate)
	assert.Equal(t, "Latest reply body", thread.Snippet)
}

func TestAssign(t *testing.T) {
	counter := 0
	newID := func() string {
		counter++
		return fmt.Sprintf("new-%d", counter)
	}

	t.Run("new components get fresh ids", func(t *testing.T) {
		a := msg("<a@example.com>", "One", at(0), "")
		b := msg("<b@example.com>", "Two", at(1), "")
		assignments := Assign(Group([]*models.Message{a, b}, DefaultOptions()), "acct", DefaultOptions(), newID)

		require.Len(t, assignments, 2)
		assert.NotEqual(t, assignments[0].Thread.ID, assignments[1].Thread.ID)
		assert.Equal(t, "acct", assignments[0].Thread.AccountID)
		assert.Equal(t, assignments[0].Thread.ID, a.ThreadID)
	})

	t.Run("earliest message's thread wins a merge", func(t *testing.T) {
		a := msg("<a@example.com>", "Plan", at(0), "")
		a.ThreadID = "thread-a"
		c := msg("<c@example.com>", "Other", at(2), "")
		c.ThreadID = "thread-c"
		b := msg("<b@example.com>", "Re: Plan", at(3), "<a@example.com>", "<a@example.com>", "<c@example.com>")

		assignments := Assign(Group([]*models.Message{a, b, c}, DefaultOptions()), "acct", DefaultOptions(), newID)

		require.Len(t, assignments, 1)
		assert.Equal(t, "thread-a", assignments[0].Thread.ID)
		assert.Equal(t, []string{"thread-c"}, assignments[0].Merged)
		for _, m := range []*models.Message{a, b, c} {
			assert.Equal(t, "thread-a", m.ThreadID)
		}
	})

	t.Run("split thread keeps the id on one side only", func(t *testing.T) {
		a := msg("<a@example.com>", "First", at(0), "")
		a.ThreadID = "shared"
		b := msg("<b@example.com>", "Second", at(1), "")
		b.ThreadID = "shared"

		assignments := Assign(Group([]*models.Message{a, b}, DefaultOptions()), "acct", DefaultOptions(), newID)

		require.Len(t, assignments, 2)
		assert.Equal(t, "shared", assignments[0].Thread.ID)
		assert.NotEqual(t, "shared", assignments[1].Thread.ID)
		assert.Empty(t, assignments[0].Merged)
		assert.Empty(t, assignments[1].Merged)
	})

	t.Run("ids are stable across regrouping", func(t *testing.T) {
		a := msg("<a@example.com>", "Plan", at(0), "")
		b := msg("<b@example.com>", "Re: Plan", at(1), "<a@example.com>")
		first := Assign(Group([]*models.Message{a, b}, DefaultOptions()), "acct", DefaultOptions(), newID)
		require.Len(t, first, 1)

		c := msg("<c@example.com>", "Re: Plan", at(2), "<b@example.com>")
		second := Assign(Group([]*models.Message{a, b, c}, DefaultOptions()), "acct", DefaultOptions(), newID)
		require.Len(t, second, 1)
		assert.Equal(t, first[0].Thread.ID, second[0].Thread.ID)
	})
}
