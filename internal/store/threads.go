package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/threading"
)

type threadRow struct {
	ID           string     `db:"id"`
	AccountID    string     `db:"account_id"`
	Subject      string     `db:"subject"`
	Snippet      string     `db:"snippet"`
	LatestDate   *time.Time `db:"latest_date"`
	MessageCount int        `db:"message_count"`
	UnreadCount  int        `db:"unread_count"`
	Participants string     `db:"participants"`
}

func (r *threadRow) toModel() (*models.Thread, error) {
	t := &models.Thread{
		ID:           r.ID,
		AccountID:    r.AccountID,
		Subject:      r.Subject,
		Snippet:      r.Snippet,
		MessageCount: r.MessageCount,
		UnreadCount:  r.UnreadCount,
	}
	if r.LatestDate != nil {
		t.LatestDate = *r.LatestDate
	}
	if err := json.Unmarshal([]byte(r.Participants), &t.Participants); err != nil {
		return nil, fmt.Errorf("decoding participants of thread %s: %w", r.ID, err)
	}
	return t, nil
}

func (s *SQLiteStore) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	var row threadRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM threads WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	return row.toModel()
}

// ListThreads returns the account's threads, most recent first.
func (s *SQLiteStore) ListThreads(ctx context.Context, accountID string, limit, offset int) ([]*models.Thread, error) {
	var rows []threadRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM threads WHERE account_id = ?
		ORDER BY latest_date DESC, id
		LIMIT ? OFFSET ?`, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	threads := make([]*models.Thread, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		threads = append(threads, t)
	}
	return threads, nil
}

// MessagesForThread returns a thread's messages in date order.
func (s *SQLiteStore) MessagesForThread(ctx context.Context, threadID string) ([]*models.Message, error) {
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, "SELECT "+messageColumns+`
		FROM messages WHERE thread_id = ?
		ORDER BY COALESCE(date_sent, date_received), id`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to get thread messages: %w", err)
	}
	return toModels(rows)
}

// UnthreadedMessages returns up to limit synced messages of the account that
// have no thread yet, oldest first. These are left behind when threading a
// committed batch fails.
func (s *SQLiteStore) UnthreadedMessages(ctx context.Context, accountID string, limit int) ([]*models.Message, error) {
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, "SELECT "+messageColumns+`
		FROM messages
		WHERE account_id = ? AND thread_id = ''
			AND EXISTS (SELECT 1 FROM folder_memberships fm WHERE fm.message_id = messages.id)
		ORDER BY COALESCE(date_sent, date_received), id
		LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unthreaded messages: %w", err)
	}
	return toModels(rows)
}

// ThreadingNeighborhood loads every stored message that threading msgs could
// touch: messages they reference or that reference them, the whole threads
// those belong to, and threads with a matching normalized subject whose
// messages fall within window of one of msgs.
func (s *SQLiteStore) ThreadingNeighborhood(ctx context.Context, accountID string, msgs []*models.Message, window time.Duration) ([]*models.Message, error) {
	if len(msgs) == 0 {
		return nil, nil
	}

	keySet := make(map[string]bool)
	for _, m := range msgs {
		if m.IdentityKey != "" {
			keySet[m.IdentityKey] = true
		}
		for _, ref := range referenceKeys(m) {
			keySet[ref] = true
		}
	}
	keys := setToSlice(keySet)

	threadSet := make(map[string]bool)
	idSet := make(map[string]bool)

	if len(keys) > 0 {
		query, args, err := sqlx.In(`
			SELECT id, thread_id FROM messages WHERE account_id = ? AND identity_key IN (?)
			UNION
			SELECT m.id, m.thread_id FROM message_refs r JOIN messages m ON m.id = r.message_id
			WHERE m.account_id = ? AND r.ref_key IN (?)`, accountID, keys, accountID, keys)
		if err != nil {
			return nil, fmt.Errorf("failed to build neighborhood query: %w", err)
		}
		var related []struct {
			ID       string `db:"id"`
			ThreadID string `db:"thread_id"`
		}
		if err := s.db.SelectContext(ctx, &related, s.db.Rebind(query), args...); err != nil {
			return nil, fmt.Errorf("failed to load related messages: %w", err)
		}
		for _, r := range related {
			idSet[r.ID] = true
			if r.ThreadID != "" {
				threadSet[r.ThreadID] = true
			}
		}
	}

	for _, m := range msgs {
		subject := threading.NormalizeSubject(m.Subject)
		date := m.LatestDate()
		if subject == "" || date.IsZero() {
			continue
		}
		var threadIDs []string
		err := s.db.SelectContext(ctx, &threadIDs, `
			SELECT DISTINCT thread_id FROM messages
			WHERE account_id = ? AND normalized_subject = ? AND thread_id != ''
				AND COALESCE(date_sent, date_received) BETWEEN ? AND ?`,
			accountID, subject, date.Add(-window).UTC(), date.Add(window).UTC())
		if err != nil {
			return nil, fmt.Errorf("failed to load subject candidates: %w", err)
		}
		for _, id := range threadIDs {
			threadSet[id] = true
		}
	}

	if len(idSet) == 0 && len(threadSet) == 0 {
		return nil, nil
	}
	ids := setToSlice(idSet)
	threads := setToSlice(threadSet)
	if len(ids) == 0 {
		ids = []string{""}
	}
	if len(threads) == 0 {
		threads = []string{""}
	}
	query, args, err := sqlx.In("SELECT "+messageColumns+`
		FROM messages WHERE id IN (?) OR (thread_id != '' AND thread_id IN (?))`, ids, threads)
	if err != nil {
		return nil, fmt.Errorf("failed to build neighborhood load: %w", err)
	}
	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to load neighborhood: %w", err)
	}
	return toModels(rows)
}

// ApplyThreads writes threading results: thread rows are upserted, member
// messages point at their thread, and merged-away threads are deleted.
func (s *SQLiteStore) ApplyThreads(ctx context.Context, assignments []threading.Assignment) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, a := range assignments {
			t := a.Thread
			var latest *time.Time
			if !t.LatestDate.IsZero() {
				l := t.LatestDate.UTC()
				latest = &l
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO threads (id, account_id, subject, snippet, latest_date, message_count, unread_count, participants)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (id) DO UPDATE SET
					subject = excluded.subject,
					snippet = excluded.snippet,
					latest_date = excluded.latest_date,
					message_count = excluded.message_count,
					unread_count = excluded.unread_count,
					participants = excluded.participants
			`, t.ID, t.AccountID, t.Subject, t.Snippet, latest, t.MessageCount, t.UnreadCount, jsonList(t.Participants)); err != nil {
				return fmt.Errorf("failed to save thread %s: %w", t.ID, err)
			}
			for _, m := range a.Messages {
				if m.ID == "" {
					continue
				}
				if _, err := tx.ExecContext(ctx, "UPDATE messages SET thread_id = ? WHERE id = ?", t.ID, m.ID); err != nil {
					return fmt.Errorf("failed to link message %s to thread: %w", m.ID, err)
				}
			}
			for _, old := range a.Merged {
				if _, err := tx.ExecContext(ctx, "DELETE FROM threads WHERE id = ?", old); err != nil {
					return fmt.Errorf("failed to delete merged thread %s: %w", old, err)
				}
			}
		}
		return nil
	})
}

// RecountThreads refreshes message and unread counts from the stored messages
// and deletes threads left empty.
func (s *SQLiteStore) RecountThreads(ctx context.Context, threadIDs []string) error {
	if len(threadIDs) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, id := range threadIDs {
			var agg struct {
				Count  int `db:"cnt"`
				Unread int `db:"unread"`
			}
			if err := tx.GetContext(ctx, &agg, `
				SELECT COUNT(*) AS cnt, COALESCE(SUM(CASE WHEN is_read = 0 THEN 1 ELSE 0 END), 0) AS unread
				FROM messages WHERE thread_id = ?`, id); err != nil {
				return fmt.Errorf("failed to count thread %s: %w", id, err)
			}
			if agg.Count == 0 {
				if _, err := tx.ExecContext(ctx, "DELETE FROM threads WHERE id = ?", id); err != nil {
					return fmt.Errorf("failed to delete empty thread %s: %w", id, err)
				}
				continue
			}
			if _, err := tx.ExecContext(ctx,
				"UPDATE threads SET message_count = ?, unread_count = ? WHERE id = ?",
				agg.Count, agg.Unread, id); err != nil {
				return fmt.Errorf("failed to update thread %s: %w", id, err)
			}
		}
		return nil
	})
}

func setToSlice(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
