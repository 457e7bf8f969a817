package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/threading"
)

// ErrInvalidTransition is returned when a send-state change is not allowed
// from the entry's current state.
var ErrInvalidTransition = errors.New("invalid send state transition")

// QueueMessage stores a composed outgoing message as queued. It has no folder
// memberships until the Sent copy is synced.
func (s *SQLiteStore) QueueMessage(ctx context.Context, m *models.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	threading.ResolveKey(m, nil)
	m.SendState = models.SendQueued
	m.IsRead = true
	m.ServerRead = true
	if m.SendQueuedAt == nil {
		now := s.now().UTC()
		m.SendQueuedAt = &now
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		return insertMessage(ctx, tx, m)
	})
}

// Outbox lists the account's queued, sending and failed messages in queue order.
func (s *SQLiteStore) Outbox(ctx context.Context, accountID string) ([]*models.Message, error) {
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, "SELECT "+messageColumns+`
		FROM messages
		WHERE account_id = ? AND send_state IN ('queued', 'sending', 'failed')
		ORDER BY send_queued_at, id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox: %w", err)
	}
	return toModels(rows)
}

// QueuedMessages lists every queued message across accounts in queue order.
func (s *SQLiteStore) QueuedMessages(ctx context.Context) ([]*models.Message, error) {
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, "SELECT "+messageColumns+`
		FROM messages WHERE send_state = 'queued'
		ORDER BY send_queued_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list queued messages: %w", err)
	}
	return toModels(rows)
}

// SendUpdate carries the fields written with a send-state change.
type SendUpdate struct {
	RetryCount int
	DueAt      *time.Time
	Error      string
}

// TransitionSend moves a message to state next if its current state allows it.
func (s *SQLiteStore) TransitionSend(ctx context.Context, id string, next models.SendState, u SendUpdate) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var current string
		err := tx.GetContext(ctx, &current, "SELECT send_state FROM messages WHERE id = ?", id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrMessageNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get send state: %w", err)
		}
		if !models.SendState(current).CanTransition(next) {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, current, next)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE messages SET send_state = ?, send_retry_count = ?, send_due_at = ?, send_error = ?
			WHERE id = ?`, string(next), u.RetryCount, utc(u.DueAt), u.Error, id); err != nil {
			return fmt.Errorf("failed to update send state: %w", err)
		}
		return nil
	})
}

// MarkSendAccepted records that the server took a message still in sending,
// so recovery marks it sent instead of sending it again.
func (s *SQLiteStore) MarkSendAccepted(ctx context.Context, id string) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		"UPDATE messages SET send_accepted_at = ? WHERE id = ? AND send_state = 'sending'", now, id)
	if err != nil {
		return fmt.Errorf("failed to mark send accepted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s is not sending", ErrInvalidTransition, id)
	}
	return nil
}

// SendRecovery counts what RecoverSending did.
type SendRecovery struct {
	// Sent were accepted by the server before the crash.
	Sent int64
	// Requeued were interrupted before the server accepted them.
	Requeued int64
}

// RecoverSending settles entries a crash left in sending: accepted ones
// become sent, the rest go back to queued.
func (s *SQLiteStore) RecoverSending(ctx context.Context) (SendRecovery, error) {
	var r SendRecovery
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE messages SET send_state = 'sent', send_due_at = NULL, send_error = ''
			WHERE send_state = 'sending' AND send_accepted_at IS NOT NULL`)
		if err != nil {
			return fmt.Errorf("failed to settle accepted messages: %w", err)
		}
		if r.Sent, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		res, err = tx.ExecContext(ctx, "UPDATE messages SET send_state = 'queued' WHERE send_state = 'sending'")
		if err != nil {
			return fmt.Errorf("failed to recover sending messages: %w", err)
		}
		if r.Requeued, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		return nil
	})
	return r, err
}

// DeleteFailed removes a failed outbox entry.
func (s *SQLiteStore) DeleteFailed(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var current string
		err := tx.GetContext(ctx, &current, "SELECT send_state FROM messages WHERE id = ?", id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrMessageNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get send state: %w", err)
		}
		if models.SendState(current) != models.SendFailed {
			return fmt.Errorf("%w: only failed messages can be discarded, this one is %s", ErrInvalidTransition, current)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id); err != nil {
			return fmt.Errorf("failed to delete message: %w", err)
		}
		return nil
	})
}
