package wire

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/jhillyerd/enmime"

	"github.com/vdavid/mailsync/internal/models"
)

func threadingHeaderSection() *imap.BodySectionName {
	return &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{
			Specifier: imap.HeaderSpecifier,
			Fields:    []string{"REFERENCES", "IN-REPLY-TO"},
		},
		Peek: true,
	}
}

// headerMessage converts a header fetch result into our model.
func headerMessage(msg *imap.Message, section *imap.BodySectionName) models.FetchedMessage {
	flags := flagsOf(msg.Flags)
	m := models.Message{
		IsRead:        flags.Read,
		IsStarred:     flags.Starred,
		ServerRead:    flags.Read,
		ServerStarred: flags.Starred,
		IsDraft:       hasFlag(msg.Flags, imap.DraftFlag),
		SizeBytes:     int64(msg.Size),
		SendState:     models.SendNone,
	}
	if !msg.InternalDate.IsZero() {
		received := msg.InternalDate.UTC()
		m.DateReceived = &received
	}

	if env := msg.Envelope; env != nil {
		m.MessageID = trimMsgID(env.MessageId)
		m.InReplyTo = firstMsgID(env.InReplyTo)
		m.Subject = env.Subject
		if len(env.From) > 0 {
			m.From = formatAddress(env.From[0])
		}
		m.To = formatAddressList(env.To)
		m.Cc = formatAddressList(env.Cc)
		m.Bcc = formatAddressList(env.Bcc)
		if !env.Date.IsZero() {
			sent := env.Date.UTC()
			m.DateSent = &sent
		}
	}

	if lit := msg.GetBody(section); lit != nil {
		inReplyTo, references := parseThreadingHeaders(lit)
		if inReplyTo != "" {
			m.InReplyTo = inReplyTo
		}
		m.References = references
	}

	if msg.BodyStructure != nil {
		m.Attachments = attachmentsOf(msg.BodyStructure)
	}

	return models.FetchedMessage{UID: msg.Uid, Message: m, Flags: flags}
}

// parseThreadingHeaders reads In-Reply-To and References out of a
// HEADER.FIELDS literal.
func parseThreadingHeaders(r io.Reader) (string, []string) {
	h, err := textproto.ReadHeader(bufio.NewReader(r))
	if err != nil {
		return "", nil
	}
	header := mail.Header{Header: message.Header{Header: h}}

	var inReplyTo string
	if ids, err := header.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		inReplyTo = ids[0]
	}
	references, err := header.MsgIDList("References")
	if err != nil {
		references = nil
	}
	return inReplyTo, references
}

func flagsOf(flags []string) models.Flags {
	return models.Flags{
		Read:    hasFlag(flags, imap.SeenFlag),
		Starred: hasFlag(flags, imap.FlaggedFlag),
	}
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, want) {
			return true
		}
	}
	return false
}

func trimMsgID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	return strings.TrimSuffix(id, ">")
}

// firstMsgID takes the first id of an envelope In-Reply-To, which may list several.
func firstMsgID(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if end := strings.Index(raw, ">"); end >= 0 {
		raw = raw[:end+1]
	}
	return trimMsgID(raw)
}

// attachmentsOf lists the parts of a BODYSTRUCTURE that are attachments or
// inline parts with a file name. Content is not fetched here.
func attachmentsOf(bs *imap.BodyStructure) []models.Attachment {
	var result []models.Attachment
	bs.Walk(func(path []int, part *imap.BodyStructure) bool {
		if strings.EqualFold(part.MIMEType, "multipart") {
			return true
		}
		filename, _ := part.Filename()
		if !strings.EqualFold(part.Disposition, "attachment") && filename == "" {
			return true
		}
		result = append(result, models.Attachment{
			Filename:         filename,
			MimeType:         strings.ToLower(part.MIMEType + "/" + part.MIMESubType),
			SizeBytes:        int64(part.Size),
			BodySection:      sectionPath(path),
			TransferEncoding: strings.ToLower(part.Encoding),
		})
		return true
	})
	return result
}

func sectionPath(path []int) string {
	parts := make([]string, len(path))
	for i, p := range path {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ".")
}

func formatAddress(address *imap.Address) string {
	if address == nil {
		return ""
	}
	if address.MailboxName == "" && address.HostName == "" {
		return ""
	}
	if address.PersonalName != "" {
		return fmt.Sprintf("%s <%s@%s>", address.PersonalName, address.MailboxName, address.HostName)
	}
	return fmt.Sprintf("%s@%s", address.MailboxName, address.HostName)
}

func formatAddressList(addresses []*imap.Address) []string {
	result := make([]string, 0, len(addresses))
	for _, address := range addresses {
		if formatted := formatAddress(address); formatted != "" {
			result = append(result, formatted)
		}
	}
	return result
}

// Body is a parsed full message.
type Body struct {
	Plain       string
	HTML        string
	Attachments []AttachmentContent
}

// AttachmentContent is a decoded attachment part.
type AttachmentContent struct {
	Filename  string
	MimeType  string
	ContentID string
	Content   []byte
}

// ParseBody parses a raw RFC 5322 message with enmime.
func ParseBody(raw []byte) (*Body, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse email body: %w", err)
	}

	body := &Body{Plain: env.Text, HTML: env.HTML}
	parts := append(append([]*enmime.Part{}, env.Attachments...), env.Inlines...)
	for _, part := range parts {
		body.Attachments = append(body.Attachments, AttachmentContent{
			Filename:  part.FileName,
			MimeType:  part.ContentType,
			ContentID: part.ContentID,
			Content:   part.Content,
		})
	}
	return body, nil
}
