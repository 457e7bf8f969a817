package models

import "time"

// SendState is the outbound lifecycle of a message.
type SendState string

const (
	SendNone    SendState = "none"
	SendQueued  SendState = "queued"
	SendSending SendState = "sending"
	SendFailed  SendState = "failed"
	SendSent    SendState = "sent"
)

// CanTransition reports whether s may move to next. Failed may go back to
// queued when the user retries.
func (s SendState) CanTransition(next SendState) bool {
	switch s {
	case SendNone:
		return next == SendQueued
	case SendQueued:
		return next == SendSending || next == SendFailed
	case SendSending:
		return next == SendSent || next == SendFailed || next == SendQueued
	case SendFailed:
		return next == SendQueued
	default:
		return false
	}
}

type Message struct {
	ID             string       `json:"id"`
	AccountID      string       `json:"account_id"`
	ThreadID       string       `json:"thread_id"`
	IdentityKey    string       `json:"-"`
	FallbackKey    string       `json:"-"`
	MessageID      string       `json:"message_id"`
	InReplyTo      string       `json:"in_reply_to,omitempty"`
	References     []string     `json:"references,omitempty"`
	From           string       `json:"from"`
	To             []string     `json:"to"`
	Cc             []string     `json:"cc,omitempty"`
	Bcc            []string     `json:"bcc,omitempty"`
	Subject        string       `json:"subject"`
	BodyPlain      *string      `json:"body_plain,omitempty"`
	BodyHTML       *string      `json:"body_html,omitempty"`
	DateSent       *time.Time   `json:"date_sent,omitempty"`
	DateReceived   *time.Time   `json:"date_received,omitempty"`
	IsRead         bool         `json:"is_read"`
	IsStarred      bool         `json:"is_starred"`
	IsDraft        bool         `json:"is_draft"`
	IsDeleted      bool         `json:"is_deleted"`
	ServerRead     bool         `json:"-"`
	ServerStarred  bool         `json:"-"`
	SizeBytes      int64        `json:"size_bytes"`
	SendState      SendState    `json:"send_state"`
	SendRetryCount int          `json:"send_retry_count"`
	SendQueuedAt   *time.Time   `json:"send_queued_at,omitempty"`
	SendDueAt      *time.Time   `json:"send_due_at,omitempty"`
	SendError      string       `json:"send_error,omitempty"`
	RawMIME        []byte       `json:"-"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// LatestDate is the later of the sent and received dates, or the zero time.
func (m *Message) LatestDate() time.Time {
	var latest time.Time
	if m.DateSent != nil {
		latest = *m.DateSent
	}
	if m.DateReceived != nil && m.DateReceived.After(latest) {
		latest = *m.DateReceived
	}
	return latest
}

type Attachment struct {
	ID               string  `json:"id" db:"id"`
	MessageID        string  `json:"message_id" db:"message_id"`
	Filename         string  `json:"filename" db:"filename"`
	MimeType         string  `json:"mime_type" db:"mime_type"`
	SizeBytes        int64   `json:"size_bytes" db:"size_bytes"`
	IsDownloaded     bool    `json:"is_downloaded" db:"is_downloaded"`
	LocalPath        *string `json:"local_path,omitempty" db:"local_path"`
	BodySection      string  `json:"body_section" db:"body_section"`
	TransferEncoding string  `json:"transfer_encoding" db:"transfer_encoding"`
}

// Flags is the read/starred pair the reconciler cares about.
type Flags struct {
	Read    bool `json:"read"`
	Starred bool `json:"starred"`
}

// FlagChange is a user-initiated local change. Nil fields are left alone.
type FlagChange struct {
	Read    *bool `json:"read,omitempty"`
	Starred *bool `json:"starred,omitempty"`
}

// Apply returns f with the change applied.
func (c FlagChange) Apply(f Flags) Flags {
	if c.Read != nil {
		f.Read = *c.Read
	}
	if c.Starred != nil {
		f.Starred = *c.Starred
	}
	return f
}

// FetchedMessage is one message as returned by a header fetch, before identity
// resolution and threading.
type FetchedMessage struct {
	UID     uint32
	Message Message
	Flags   Flags
}
