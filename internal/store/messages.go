package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/threading"
)

const messageColumns = `id, account_id, thread_id, identity_key, fallback_key, message_id_header,
	in_reply_to, refs, from_address, to_addresses, cc_addresses, bcc_addresses, subject, body_plain,
	body_html, date_sent, date_received, is_read, is_starred, is_draft, is_deleted, server_read,
	server_starred, size_bytes, send_state, send_retry_count, send_queued_at, send_due_at, send_error,
	raw_mime`

type messageRow struct {
	ID             string     `db:"id"`
	AccountID      string     `db:"account_id"`
	ThreadID       string     `db:"thread_id"`
	IdentityKey    string     `db:"identity_key"`
	FallbackKey    string     `db:"fallback_key"`
	MessageID      string     `db:"message_id_header"`
	InReplyTo      string     `db:"in_reply_to"`
	References     string     `db:"refs"`
	From           string     `db:"from_address"`
	To             string     `db:"to_addresses"`
	Cc             string     `db:"cc_addresses"`
	Bcc            string     `db:"bcc_addresses"`
	Subject        string     `db:"subject"`
	BodyPlain      *string    `db:"body_plain"`
	BodyHTML       *string    `db:"body_html"`
	DateSent       *time.Time `db:"date_sent"`
	DateReceived   *time.Time `db:"date_received"`
	IsRead         bool       `db:"is_read"`
	IsStarred      bool       `db:"is_starred"`
	IsDraft        bool       `db:"is_draft"`
	IsDeleted      bool       `db:"is_deleted"`
	ServerRead     bool       `db:"server_read"`
	ServerStarred  bool       `db:"server_starred"`
	SizeBytes      int64      `db:"size_bytes"`
	SendState      string     `db:"send_state"`
	SendRetryCount int        `db:"send_retry_count"`
	SendQueuedAt   *time.Time `db:"send_queued_at"`
	SendDueAt      *time.Time `db:"send_due_at"`
	SendError      string     `db:"send_error"`
	RawMIME        []byte     `db:"raw_mime"`
}

func (r *messageRow) toModel() (*models.Message, error) {
	m := &models.Message{
		ID:             r.ID,
		AccountID:      r.AccountID,
		ThreadID:       r.ThreadID,
		IdentityKey:    r.IdentityKey,
		FallbackKey:    r.FallbackKey,
		MessageID:      r.MessageID,
		InReplyTo:      r.InReplyTo,
		From:           r.From,
		Subject:        r.Subject,
		BodyPlain:      r.BodyPlain,
		BodyHTML:       r.BodyHTML,
		DateSent:       r.DateSent,
		DateReceived:   r.DateReceived,
		IsRead:         r.IsRead,
		IsStarred:      r.IsStarred,
		IsDraft:        r.IsDraft,
		IsDeleted:      r.IsDeleted,
		ServerRead:     r.ServerRead,
		ServerStarred:  r.ServerStarred,
		SizeBytes:      r.SizeBytes,
		SendState:      models.SendState(r.SendState),
		SendRetryCount: r.SendRetryCount,
		SendQueuedAt:   r.SendQueuedAt,
		SendDueAt:      r.SendDueAt,
		SendError:      r.SendError,
		RawMIME:        r.RawMIME,
	}
	for _, field := range []struct {
		raw  string
		dest *[]string
	}{
		{r.References, &m.References},
		{r.To, &m.To},
		{r.Cc, &m.Cc},
		{r.Bcc, &m.Bcc},
	} {
		if err := json.Unmarshal([]byte(field.raw), field.dest); err != nil {
			return nil, fmt.Errorf("decoding address list of message %s: %w", r.ID, err)
		}
	}
	return m, nil
}

func toModels(rows []messageRow) ([]*models.Message, error) {
	result := make([]*models.Message, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, nil
}

func jsonList(list []string) string {
	if list == nil {
		list = []string{}
	}
	b, _ := json.Marshal(list)
	return string(b)
}

// BatchItem is one fetched message and the UID it has in the batch's folder.
type BatchItem struct {
	UID     uint32
	Message *models.Message
}

// FetchFailure is a message that could not be fetched in a batch.
type FetchFailure struct {
	UID uint32
	Err string
}

// Batch is one unit of sync progress for one folder. Items, failures and
// cursor movement commit together or not at all.
type Batch struct {
	FolderID string
	Items    []BatchItem
	Failures []FetchFailure
	// ForwardCursor, when non-zero, raises the forward cursor to at least this UID.
	ForwardCursor uint32
	// BackfillCursor, when non-zero, lowers the backfill cursor to at most this UID.
	BackfillCursor    uint32
	BootstrapComplete bool
}

// CommitResult reports what a batch changed.
type CommitResult struct {
	// Inserted are message IDs stored for the first time.
	Inserted []string
	// Linked are existing messages that gained a membership in the folder.
	Linked []string
}

// Changed returns every message ID the batch touched.
func (r CommitResult) Changed() []string {
	return append(append([]string{}, r.Inserted...), r.Linked...)
}

// CommitBatch persists a batch. Messages are matched to stored ones by
// identity key; a known message only gains the folder membership and its
// server flags, so it is never duplicated across folders. Each item's
// Message.ID is set.
func (s *SQLiteStore) CommitBatch(ctx context.Context, b Batch) (CommitResult, error) {
	var result CommitResult
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		result = CommitResult{}
		for _, item := range b.Items {
			inserted, err := upsertMessage(ctx, tx, item.Message)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO folder_memberships (message_id, folder_id, imap_uid) VALUES (?, ?, ?)
				ON CONFLICT (folder_id, imap_uid) DO UPDATE SET message_id = excluded.message_id
			`, item.Message.ID, b.FolderID, item.UID); err != nil {
				return fmt.Errorf("failed to save membership for uid %d: %w", item.UID, err)
			}
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM fetch_retries WHERE folder_id = ? AND imap_uid = ?", b.FolderID, item.UID); err != nil {
				return fmt.Errorf("failed to clear fetch retry: %w", err)
			}
			if inserted {
				result.Inserted = append(result.Inserted, item.Message.ID)
			} else {
				result.Linked = append(result.Linked, item.Message.ID)
			}
		}

		for _, f := range b.Failures {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO fetch_retries (folder_id, imap_uid, attempts, last_error) VALUES (?, ?, 1, ?)
				ON CONFLICT (folder_id, imap_uid) DO UPDATE SET
					attempts = fetch_retries.attempts + 1,
					last_error = excluded.last_error
			`, b.FolderID, f.UID, f.Err); err != nil {
				return fmt.Errorf("failed to record fetch retry for uid %d: %w", f.UID, err)
			}
		}

		return advanceCursors(ctx, tx, b)
	})
	if err != nil {
		return CommitResult{}, err
	}
	return result, nil
}

func advanceCursors(ctx context.Context, tx *sqlx.Tx, b Batch) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE folders SET
			forward_cursor_uid = MAX(forward_cursor_uid, ?),
			backfill_cursor_uid = CASE
				WHEN ? = 0 THEN backfill_cursor_uid
				WHEN backfill_cursor_uid = 0 OR ? < backfill_cursor_uid THEN ?
				ELSE backfill_cursor_uid
			END,
			bootstrap_complete = MAX(bootstrap_complete, ?)
		WHERE id = ?
	`, b.ForwardCursor, b.BackfillCursor, b.BackfillCursor, b.BackfillCursor, b.BootstrapComplete, b.FolderID)
	if err != nil {
		return fmt.Errorf("failed to advance cursors: %w", err)
	}
	return expectRow(res, ErrFolderNotFound)
}

// upsertMessage stores m or, when its identity key is known, refreshes the
// server-side state of the stored copy. Reports whether a row was inserted.
func upsertMessage(ctx context.Context, tx *sqlx.Tx, m *models.Message) (bool, error) {
	if m.IdentityKey == "" {
		threading.ResolveKey(m, nil)
	}

	var existing struct {
		ID       string `db:"id"`
		ThreadID string `db:"thread_id"`
	}
	err := tx.GetContext(ctx, &existing,
		"SELECT id, thread_id FROM messages WHERE account_id = ? AND identity_key = ?", m.AccountID, m.IdentityKey)
	switch {
	case err == nil:
		m.ID = existing.ID
		m.ThreadID = existing.ThreadID
		_, err = tx.ExecContext(ctx, `
			UPDATE messages SET server_read = ?, server_starred = ?, is_read = ?, is_starred = ?
			WHERE id = ?`, m.ServerRead, m.ServerStarred, m.IsRead, m.IsStarred, m.ID)
		if err != nil {
			return false, fmt.Errorf("failed to update message %s: %w", m.ID, err)
		}
		return false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return false, fmt.Errorf("failed to look up message: %w", err)
	}

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.SendState == "" {
		m.SendState = models.SendNone
	}
	if err := insertMessage(ctx, tx, m); err != nil {
		return false, err
	}
	return true, nil
}

func insertMessage(ctx context.Context, tx *sqlx.Tx, m *models.Message) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (
			id, account_id, thread_id, identity_key, fallback_key, message_id_header,
			in_reply_to, refs, from_address, to_addresses, cc_addresses, bcc_addresses,
			subject, normalized_subject, body_plain, body_html, date_sent, date_received,
			is_read, is_starred, is_draft, is_deleted, server_read, server_starred,
			size_bytes, send_state, send_retry_count, send_queued_at, send_due_at, send_error, raw_mime
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.ID, m.AccountID, m.ThreadID, m.IdentityKey, m.FallbackKey, m.MessageID,
		m.InReplyTo, jsonList(m.References), m.From, jsonList(m.To), jsonList(m.Cc), jsonList(m.Bcc),
		m.Subject, threading.NormalizeSubject(m.Subject), m.BodyPlain, m.BodyHTML, utc(m.DateSent), utc(m.DateReceived),
		m.IsRead, m.IsStarred, m.IsDraft, m.IsDeleted, m.ServerRead, m.ServerStarred,
		m.SizeBytes, string(m.SendState), m.SendRetryCount, utc(m.SendQueuedAt), utc(m.SendDueAt), m.SendError, m.RawMIME,
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	for _, ref := range referenceKeys(m) {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO message_refs (message_id, ref_key) VALUES (?, ?)", m.ID, ref); err != nil {
			return fmt.Errorf("failed to save reference: %w", err)
		}
	}

	for i := range m.Attachments {
		a := &m.Attachments[i]
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		a.MessageID = m.ID
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO attachments (id, message_id, filename, mime_type, size_bytes, is_downloaded,
				local_path, body_section, transfer_encoding)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, a.ID, a.MessageID, a.Filename, a.MimeType, a.SizeBytes, a.IsDownloaded,
			a.LocalPath, a.BodySection, a.TransferEncoding); err != nil {
			return fmt.Errorf("failed to save attachment: %w", err)
		}
	}
	return nil
}

func referenceKeys(m *models.Message) []string {
	var keys []string
	if k := threading.NormalizeMessageID(m.InReplyTo); k != "" {
		keys = append(keys, k)
	}
	for _, ref := range m.References {
		if k := threading.NormalizeMessageID(ref); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	m, err := row.toModel()
	if err != nil {
		return nil, err
	}
	if err := s.db.SelectContext(ctx, &m.Attachments, `
		SELECT id, message_id, filename, mime_type, size_bytes, is_downloaded, local_path,
			body_section, transfer_encoding
		FROM attachments WHERE message_id = ? ORDER BY body_section`, id); err != nil {
		return nil, fmt.Errorf("failed to get attachments: %w", err)
	}
	return m, nil
}

// FallbackKeyFor returns the fallback key of the message stored under key,
// for duplicate Message-ID detection.
func (s *SQLiteStore) FallbackKeyFor(ctx context.Context, accountID, key string) (string, bool, error) {
	var fallback string
	err := s.db.GetContext(ctx, &fallback,
		"SELECT fallback_key FROM messages WHERE account_id = ? AND identity_key = ?", accountID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up identity key: %w", err)
	}
	return fallback, true, nil
}

// SetBody stores the lazily fetched body of a message.
func (s *SQLiteStore) SetBody(ctx context.Context, messageID string, plain, html *string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE messages SET body_plain = ?, body_html = ? WHERE id = ?", plain, html, messageID)
	if err != nil {
		return fmt.Errorf("failed to save body: %w", err)
	}
	return expectRow(res, ErrMessageNotFound)
}

// DeleteMessage removes a message with its memberships and attachments.
// Returns the thread it belonged to.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, id string) (string, error) {
	var threadID string
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.GetContext(ctx, &threadID, "SELECT thread_id FROM messages WHERE id = ?", id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrMessageNotFound
			}
			return fmt.Errorf("failed to get message: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id); err != nil {
			return fmt.Errorf("failed to delete message: %w", err)
		}
		return nil
	})
	return threadID, err
}

// Membership is where a message lives on the server.
type Membership struct {
	FolderID    string `db:"folder_id"`
	FolderPath  string `db:"imap_path"`
	UIDValidity uint32 `db:"uid_validity"`
	UID         uint32 `db:"imap_uid"`
}

func (s *SQLiteStore) Memberships(ctx context.Context, messageID string) ([]Membership, error) {
	var result []Membership
	err := s.db.SelectContext(ctx, &result, `
		SELECT fm.folder_id, f.imap_path, f.uid_validity, fm.imap_uid
		FROM folder_memberships fm
		JOIN folders f ON f.id = fm.folder_id
		WHERE fm.message_id = ?
		ORDER BY f.imap_path`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to get memberships: %w", err)
	}
	return result, nil
}

// FolderUIDs returns every UID the folder is known to hold, ascending.
func (s *SQLiteStore) FolderUIDs(ctx context.Context, folderID string) ([]uint32, error) {
	var uids []uint32
	if err := s.db.SelectContext(ctx, &uids,
		"SELECT imap_uid FROM folder_memberships WHERE folder_id = ? ORDER BY imap_uid", folderID); err != nil {
		return nil, fmt.Errorf("failed to list folder uids: %w", err)
	}
	return uids, nil
}

// RemoveMemberships drops the folder's memberships for uids, deleting
// messages that end up in no folder. Outbox entries are kept. Returns the
// deleted message IDs and the threads that lost messages.
func (s *SQLiteStore) RemoveMemberships(ctx context.Context, folderID string, uids []uint32) (deleted, threads []string, err error) {
	if len(uids) == 0 {
		return nil, nil, nil
	}
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		query, args, err := sqlx.In(
			"SELECT message_id FROM folder_memberships WHERE folder_id = ? AND imap_uid IN (?)", folderID, uids)
		if err != nil {
			return fmt.Errorf("failed to build membership query: %w", err)
		}
		var messageIDs []string
		if err := tx.SelectContext(ctx, &messageIDs, tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("failed to list memberships: %w", err)
		}

		query, args, err = sqlx.In(
			"DELETE FROM folder_memberships WHERE folder_id = ? AND imap_uid IN (?)", folderID, uids)
		if err != nil {
			return fmt.Errorf("failed to build delete query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("failed to remove memberships: %w", err)
		}

		deleted, err = orphanIDs(ctx, tx, messageIDs)
		if err != nil {
			return err
		}
		threads, err = deleteOrphans(ctx, tx, messageIDs)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return deleted, threads, nil
}

// ArchiveMembership drops one membership of a message that was moved to the
// archive and marks the message archived. Archived messages are kept even
// with no membership left. Returns the message ID, or ErrMessageNotFound
// when the folder holds nothing at uid.
func (s *SQLiteStore) ArchiveMembership(ctx context.Context, folderID string, uid uint32) (string, error) {
	var messageID string
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &messageID,
			"SELECT message_id FROM folder_memberships WHERE folder_id = ? AND imap_uid = ?", folderID, uid)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrMessageNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to look up membership: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "UPDATE messages SET archived = 1 WHERE id = ?", messageID); err != nil {
			return fmt.Errorf("failed to mark message archived: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM folder_memberships WHERE folder_id = ? AND imap_uid = ?", folderID, uid); err != nil {
			return fmt.Errorf("failed to remove membership: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return messageID, nil
}

// IsArchived reports whether the message was archived.
func (s *SQLiteStore) IsArchived(ctx context.Context, messageID string) (bool, error) {
	var archived bool
	err := s.db.GetContext(ctx, &archived, "SELECT archived FROM messages WHERE id = ?", messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrMessageNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to read archived state: %w", err)
	}
	return archived, nil
}

// orphanIDs filters ids down to messages without memberships that are
// neither outbox entries nor archived.
func orphanIDs(ctx context.Context, tx *sqlx.Tx, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT id FROM messages
		WHERE id IN (?) AND send_state IN ('none', 'sent') AND archived = 0
			AND NOT EXISTS (SELECT 1 FROM folder_memberships fm WHERE fm.message_id = messages.id)
		ORDER BY id`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to build orphan query: %w", err)
	}
	var orphans []string
	if err := tx.SelectContext(ctx, &orphans, tx.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to find orphans: %w", err)
	}
	return orphans, nil
}

// deleteOrphans deletes messages among ids that no folder holds any more and
// returns the distinct threads they belonged to.
func deleteOrphans(ctx context.Context, tx *sqlx.Tx, ids []string) ([]string, error) {
	orphans, err := orphanIDs(ctx, tx, ids)
	if err != nil || len(orphans) == 0 {
		return nil, err
	}
	query, args, err := sqlx.In(
		"SELECT DISTINCT thread_id FROM messages WHERE id IN (?) AND thread_id != '' ORDER BY thread_id", orphans)
	if err != nil {
		return nil, fmt.Errorf("failed to build thread query: %w", err)
	}
	var threads []string
	if err := tx.SelectContext(ctx, &threads, tx.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list orphan threads: %w", err)
	}
	query, args, err = sqlx.In("DELETE FROM messages WHERE id IN (?)", orphans)
	if err != nil {
		return nil, fmt.Errorf("failed to build orphan delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to delete orphans: %w", err)
	}
	return threads, nil
}

// PendingRetries returns UIDs of the folder that failed to fetch fewer than
// maxAttempts times.
func (s *SQLiteStore) PendingRetries(ctx context.Context, folderID string, maxAttempts int) ([]uint32, error) {
	var uids []uint32
	if err := s.db.SelectContext(ctx, &uids, `
		SELECT imap_uid FROM fetch_retries WHERE folder_id = ? AND attempts < ? ORDER BY imap_uid`,
		folderID, maxAttempts); err != nil {
		return nil, fmt.Errorf("failed to list fetch retries: %w", err)
	}
	return uids, nil
}
