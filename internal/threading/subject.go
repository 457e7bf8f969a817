package threading

import (
	"regexp"
	"strings"

	sortthread "github.com/emersion/go-imap-sortthread"
)

// replyPrefix matches one or more reply/forward markers, including localised
// ones (AW, SV) and counted ones ("Re[2]:").
var replyPrefix = regexp.MustCompile(`(?i)^\s*((re|fwd?|aw|sv)(\[\d+\])?\s*:\s*)+`)

// NormalizeSubject reduces a subject to the form used for subject matching:
// reply and forward prefixes stripped recursively, RFC 5256 base subject,
// whitespace trimmed, lowercased.
func NormalizeSubject(subject string) string {
	s := subject
	for {
		prev := s
		s = replyPrefix.ReplaceAllString(s, "")
		s, _ = sortthread.GetBaseSubject(s)
		s = strings.TrimSpace(s)
		if s == prev {
			break
		}
	}
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
