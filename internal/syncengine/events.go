package syncengine

import "time"

type EventKind string

const (
	EventStateChanged       EventKind = "state_changed"
	EventRenderReady        EventKind = "render_ready"
	EventMessagesChanged    EventKind = "messages_changed"
	EventFolderSynced       EventKind = "folder_synced"
	EventFolderFailed       EventKind = "folder_failed"
	EventSyncFailed         EventKind = "sync_failed"
	EventAccountDeactivated EventKind = "account_deactivated"
)

// Event is what observers are told about an account's sync.
type Event struct {
	Kind       EventKind `json:"kind"`
	AccountID  string    `json:"account_id"`
	State      State     `json:"state,omitempty"`
	Folder     string    `json:"folder,omitempty"`
	MessageIDs []string  `json:"message_ids,omitempty"`
	ThreadIDs  []string  `json:"thread_ids,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// Observer receives events synchronously on the engine's goroutine and must
// not block.
type Observer func(Event)

// Observers fans one event out to several observers.
func Observers(list ...Observer) Observer {
	return func(e Event) {
		for _, o := range list {
			if o != nil {
				o(e)
			}
		}
	}
}
