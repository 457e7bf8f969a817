package threading

import (
	"github.com/google/uuid"
	"github.com/vdavid/mailsync/internal/models"
)

// Assignment is the outcome of threading one component.
type Assignment struct {
	Thread   models.Thread
	Messages []*models.Message
	// Merged lists previous thread IDs absorbed into Thread.ID.
	Merged []string
}

// Assign gives every component a thread ID. A component reuses the thread ID
// already held by its earliest message; other previous IDs in it are merged
// away. An ID already claimed by an earlier component is not reused, and a
// previous ID still owned by another component is never reported as merged. New
// threads get IDs from newID, or random UUIDs when newID is nil.
//
// Messages in each component have their ThreadID updated.
func Assign(components []Component, accountID string, opts Options, newID func() string) []Assignment {
	if newID == nil {
		newID = uuid.NewString
	}
	claimed := make(map[string]bool)
	ids := make([]string, len(components))
	for i, c := range components {
		for _, m := range c.Messages {
			if m.ThreadID != "" && !claimed[m.ThreadID] {
				ids[i] = m.ThreadID
				break
			}
		}
		if ids[i] == "" {
			ids[i] = newID()
		}
		claimed[ids[i]] = true
	}

	result := make([]Assignment, 0, len(components))
	for i, c := range components {
		id := ids[i]
		var merged []string
		for _, m := range c.Messages {
			if m.ThreadID != "" && !claimed[m.ThreadID] {
				claimed[m.ThreadID] = true
				merged = append(merged, m.ThreadID)
			}
			m.ThreadID = id
		}

		thread := Summarize(c, opts)
		thread.ID = id
		thread.AccountID = accountID
		result = append(result, Assignment{Thread: thread, Messages: c.Messages, Merged: merged})
	}
	return result
}
