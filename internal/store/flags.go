package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/vdavid/mailsync/internal/models"
)

// FlagState is a message's local and last-known server flags.
type FlagState struct {
	MessageID string
	ThreadID  string
	Local     models.Flags
	Server    models.Flags
}

type flagRow struct {
	MessageID     string `db:"id"`
	ThreadID      string `db:"thread_id"`
	IMAPUID       uint32 `db:"imap_uid"`
	IsRead        bool   `db:"is_read"`
	IsStarred     bool   `db:"is_starred"`
	ServerRead    bool   `db:"server_read"`
	ServerStarred bool   `db:"server_starred"`
}

func (r flagRow) state() FlagState {
	return FlagState{
		MessageID: r.MessageID,
		ThreadID:  r.ThreadID,
		Local:     models.Flags{Read: r.IsRead, Starred: r.IsStarred},
		Server:    models.Flags{Read: r.ServerRead, Starred: r.ServerStarred},
	}
}

func (s *SQLiteStore) GetFlagState(ctx context.Context, messageID string) (FlagState, error) {
	var row flagRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, thread_id, 0 AS imap_uid, is_read, is_starred, server_read, server_starred
		FROM messages WHERE id = ?`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return FlagState{}, ErrMessageNotFound
	}
	if err != nil {
		return FlagState{}, fmt.Errorf("failed to get flags: %w", err)
	}
	return row.state(), nil
}

// FolderFlagState returns the flag state of every message in the folder, by UID.
func (s *SQLiteStore) FolderFlagState(ctx context.Context, folderID string) (map[uint32]FlagState, error) {
	var rows []flagRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT m.id, m.thread_id, fm.imap_uid, m.is_read, m.is_starred, m.server_read, m.server_starred
		FROM folder_memberships fm
		JOIN messages m ON m.id = fm.message_id
		WHERE fm.folder_id = ?`, folderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get folder flags: %w", err)
	}
	result := make(map[uint32]FlagState, len(rows))
	for _, r := range rows {
		result[r.IMAPUID] = r.state()
	}
	return result, nil
}

// SetLocalFlags records an optimistic local change. Server flags are untouched.
func (s *SQLiteStore) SetLocalFlags(ctx context.Context, messageID string, f models.Flags) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE messages SET is_read = ?, is_starred = ? WHERE id = ?", f.Read, f.Starred, messageID)
	if err != nil {
		return fmt.Errorf("failed to set flags: %w", err)
	}
	return expectRow(res, ErrMessageNotFound)
}

// ConfirmServerFlags records that the server now holds f.
func (s *SQLiteStore) ConfirmServerFlags(ctx context.Context, messageID string, f models.Flags) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE messages SET server_read = ?, server_starred = ? WHERE id = ?", f.Read, f.Starred, messageID)
	if err != nil {
		return fmt.Errorf("failed to confirm flags: %w", err)
	}
	return expectRow(res, ErrMessageNotFound)
}

// RevertFlags restores the local flags to the last-known server state.
func (s *SQLiteStore) RevertFlags(ctx context.Context, messageID string) (models.Flags, error) {
	var reverted models.Flags
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var row flagRow
		err := tx.GetContext(ctx, &row, `
			SELECT id, thread_id, 0 AS imap_uid, is_read, is_starred, server_read, server_starred
			FROM messages WHERE id = ?`, messageID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrMessageNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get flags: %w", err)
		}
		reverted = row.state().Server
		if _, err := tx.ExecContext(ctx,
			"UPDATE messages SET is_read = server_read, is_starred = server_starred WHERE id = ?", messageID); err != nil {
			return fmt.Errorf("failed to revert flags: %w", err)
		}
		return nil
	})
	return reverted, err
}

// FlagUpdate overwrites both local and server flags of a message.
type FlagUpdate struct {
	MessageID string
	Flags     models.Flags
}

// ApplyServerFlags writes server-won flag states in one transaction.
func (s *SQLiteStore) ApplyServerFlags(ctx context.Context, updates []FlagUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, u := range updates {
			if _, err := tx.ExecContext(ctx, `
				UPDATE messages SET is_read = ?, is_starred = ?, server_read = ?, server_starred = ?
				WHERE id = ?`, u.Flags.Read, u.Flags.Starred, u.Flags.Read, u.Flags.Starred, u.MessageID); err != nil {
				return fmt.Errorf("failed to apply server flags to %s: %w", u.MessageID, err)
			}
		}
		return nil
	})
}
