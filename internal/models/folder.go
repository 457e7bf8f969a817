package models

import "time"

// FolderType is the special-use role of a folder.
type FolderType string

const (
	FolderInbox   FolderType = "inbox"
	FolderSent    FolderType = "sent"
	FolderDrafts  FolderType = "drafts"
	FolderArchive FolderType = "archive"
	FolderTrash   FolderType = "trash"
	FolderSpam    FolderType = "spam"
	FolderOther   FolderType = "other"
)

// CatchUpStatus tracks backfill progress for a folder.
type CatchUpStatus string

const (
	CatchUpIdle      CatchUpStatus = "idle"
	CatchUpRunning   CatchUpStatus = "running"
	CatchUpPaused    CatchUpStatus = "paused"
	CatchUpCompleted CatchUpStatus = "completed"
	CatchUpError     CatchUpStatus = "error"
)

// Folder is a synced remote mailbox and its checkpoint state.
//
// ForwardCursorUID is the highest UID persisted (0 = nothing yet) and only grows.
// BackfillCursorUID is the lowest UID persisted (0 = nothing yet) and only shrinks.
type Folder struct {
	ID                string        `json:"id" db:"id"`
	AccountID         string        `json:"account_id" db:"account_id"`
	IMAPPath          string        `json:"imap_path" db:"imap_path"`
	FolderType        FolderType    `json:"folder_type" db:"folder_type"`
	UIDValidity       uint32        `json:"uid_validity" db:"uid_validity"`
	ForwardCursorUID  uint32        `json:"forward_cursor_uid" db:"forward_cursor_uid"`
	BackfillCursorUID uint32        `json:"backfill_cursor_uid" db:"backfill_cursor_uid"`
	BootstrapComplete bool          `json:"bootstrap_complete" db:"bootstrap_complete"`
	CatchUpStatus     CatchUpStatus `json:"catch_up_status" db:"catch_up_status"`
	LastSyncDate      *time.Time    `json:"last_sync_date,omitempty" db:"last_sync_date"`
}

// RemoteFolder is a folder as reported by LIST.
type RemoteFolder struct {
	Path       string
	Delimiter  string
	Attributes []string
}

// FolderStatus is what SELECT reports.
type FolderStatus struct {
	Path        string
	UIDValidity uint32
	UIDNext     uint32
	Messages    uint32
}

// FolderMembership links one message to one folder at a folder-scoped UID.
type FolderMembership struct {
	MessageID string `json:"message_id" db:"message_id"`
	FolderID  string `json:"folder_id" db:"folder_id"`
	IMAPUID   uint32 `json:"imap_uid" db:"imap_uid"`
}
