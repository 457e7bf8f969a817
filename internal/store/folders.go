package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/vdavid/mailsync/internal/models"
)

const folderColumns = `id, account_id, imap_path, folder_type, uid_validity, forward_cursor_uid,
	backfill_cursor_uid, bootstrap_complete, catch_up_status, last_sync_date`

// UpsertFolder records a discovered remote folder. Existing folders keep their
// cursors; only the folder type is refreshed.
func (s *SQLiteStore) UpsertFolder(ctx context.Context, accountID, path string, folderType models.FolderType) (*models.Folder, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO folders (id, account_id, imap_path, folder_type)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (account_id, imap_path) DO UPDATE SET folder_type = excluded.folder_type
	`, uuid.NewString(), accountID, path, string(folderType))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert folder %s: %w", path, err)
	}
	return s.FolderByPath(ctx, accountID, path)
}

func (s *SQLiteStore) GetFolder(ctx context.Context, id string) (*models.Folder, error) {
	var f models.Folder
	err := s.db.GetContext(ctx, &f, "SELECT "+folderColumns+" FROM folders WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFolderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get folder: %w", err)
	}
	return &f, nil
}

func (s *SQLiteStore) FolderByPath(ctx context.Context, accountID, path string) (*models.Folder, error) {
	var f models.Folder
	err := s.db.GetContext(ctx, &f,
		"SELECT "+folderColumns+" FROM folders WHERE account_id = ? AND imap_path = ?", accountID, path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFolderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get folder %s: %w", path, err)
	}
	return &f, nil
}

// ListFolders returns the account's folders, inbox first.
func (s *SQLiteStore) ListFolders(ctx context.Context, accountID string) ([]*models.Folder, error) {
	var folders []*models.Folder
	err := s.db.SelectContext(ctx, &folders, "SELECT "+folderColumns+` FROM folders
		WHERE account_id = ?
		ORDER BY CASE folder_type WHEN 'inbox' THEN 0 ELSE 1 END, imap_path`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	return folders, nil
}

func (s *SQLiteStore) SetCatchUpStatus(ctx context.Context, folderID string, status models.CatchUpStatus) error {
	res, err := s.db.ExecContext(ctx, "UPDATE folders SET catch_up_status = ? WHERE id = ?", string(status), folderID)
	if err != nil {
		return fmt.Errorf("failed to set catch-up status: %w", err)
	}
	return expectRow(res, ErrFolderNotFound)
}

// MarkFolderSynced stamps the folder's last successful sync.
func (s *SQLiteStore) MarkFolderSynced(ctx context.Context, folderID string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE folders SET last_sync_date = ? WHERE id = ?", s.now().UTC(), folderID)
	if err != nil {
		return fmt.Errorf("failed to mark folder synced: %w", err)
	}
	return expectRow(res, ErrFolderNotFound)
}

// ResetFolder handles a UIDVALIDITY change: the folder's memberships and
// pending retries are dropped, both cursors return to zero and bootstrap
// starts over. Messages left without any membership are deleted unless they
// belong to the outbox. Returns the threads that lost messages.
func (s *SQLiteStore) ResetFolder(ctx context.Context, folderID string, uidValidity uint32) ([]string, error) {
	var threads []string
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE folders SET uid_validity = ?, forward_cursor_uid = 0, backfill_cursor_uid = 0,
				bootstrap_complete = 0, catch_up_status = 'idle'
			WHERE id = ?`, uidValidity, folderID)
		if err != nil {
			return fmt.Errorf("failed to reset folder: %w", err)
		}
		if err := expectRow(res, ErrFolderNotFound); err != nil {
			return err
		}

		var messageIDs []string
		if err := tx.SelectContext(ctx, &messageIDs,
			"SELECT message_id FROM folder_memberships WHERE folder_id = ?", folderID); err != nil {
			return fmt.Errorf("failed to list memberships: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM folder_memberships WHERE folder_id = ?", folderID); err != nil {
			return fmt.Errorf("failed to clear memberships: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM fetch_retries WHERE folder_id = ?", folderID); err != nil {
			return fmt.Errorf("failed to clear fetch retries: %w", err)
		}
		threads, err = deleteOrphans(ctx, tx, messageIDs)
		return err
	})
	if err != nil {
		return nil, err
	}
	return threads, nil
}

// SetUIDValidity records the validity of a folder seen for the first time.
func (s *SQLiteStore) SetUIDValidity(ctx context.Context, folderID string, uidValidity uint32) error {
	res, err := s.db.ExecContext(ctx, "UPDATE folders SET uid_validity = ? WHERE id = ?", uidValidity, folderID)
	if err != nil {
		return fmt.Errorf("failed to set uid validity: %w", err)
	}
	return expectRow(res, ErrFolderNotFound)
}

func expectRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
