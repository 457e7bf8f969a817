package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/models"
)

// ErrAccountNotFound is returned when no account has the requested ID.
var ErrAccountNotFound = errors.New("account not found")

const accountColumns = `id, email, provider, auth_kind, imap_username, smtp_username,
	encrypted_password, token_command, active, deactivated_reason, created_at, updated_at`

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	var authKind string
	err := row.Scan(
		&a.ID,
		&a.Email,
		&a.Provider,
		&authKind,
		&a.IMAPUsername,
		&a.SMTPUsername,
		&a.EncryptedPassword,
		&a.TokenCommand,
		&a.Active,
		&a.DeactivatedReason,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.AuthKind = models.AuthKind(authKind)
	return &a, nil
}

// CreateAccount registers a mailbox. The generated ID and timestamps are
// written back into a.
func CreateAccount(ctx context.Context, pool *pgxpool.Pool, a *models.Account) error {
	err := pool.QueryRow(ctx, `
		INSERT INTO accounts (email, provider, auth_kind, imap_username, smtp_username, encrypted_password, token_command)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, active, created_at, updated_at
	`, a.Email, a.Provider, string(a.AuthKind), a.IMAPUsername, a.SMTPUsername, a.EncryptedPassword, a.TokenCommand,
	).Scan(&a.ID, &a.Active, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func GetAccount(ctx context.Context, pool *pgxpool.Pool, id string) (*models.Account, error) {
	a, err := scanAccount(pool.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return a, nil
}

// ListActiveAccounts returns every account the service should sync.
func ListActiveAccounts(ctx context.Context, pool *pgxpool.Pool) ([]*models.Account, error) {
	rows, err := pool.Query(ctx, "SELECT "+accountColumns+" FROM accounts WHERE active ORDER BY email")
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate accounts: %w", err)
	}
	return accounts, nil
}

// DeactivateAccount stops an account from syncing, keeping the reason so it
// can be shown to the user.
func DeactivateAccount(ctx context.Context, pool *pgxpool.Pool, id, reason string) error {
	tag, err := pool.Exec(ctx, `
		UPDATE accounts SET active = FALSE, deactivated_reason = $2, updated_at = now()
		WHERE id = $1
	`, id, reason)
	if err != nil {
		return fmt.Errorf("failed to deactivate account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// SetAccountPassword stores a new sealed app password and reactivates the
// account, since a new credential is what a deactivated account waits for.
func SetAccountPassword(ctx context.Context, pool *pgxpool.Pool, id string, encrypted []byte) error {
	tag, err := pool.Exec(ctx, `
		UPDATE accounts SET encrypted_password = $2, active = TRUE, deactivated_reason = '', updated_at = now()
		WHERE id = $1
	`, id, encrypted)
	if err != nil {
		return fmt.Errorf("failed to set account password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// Registry adapts the account functions to the interface the sync engine
// uses to deactivate accounts whose credentials are exhausted.
type Registry struct {
	Pool *pgxpool.Pool
}

func (r Registry) Deactivate(ctx context.Context, accountID, reason string) error {
	return DeactivateAccount(ctx, r.Pool, accountID, reason)
}

func (r Registry) Account(ctx context.Context, accountID string) (*models.Account, error) {
	return GetAccount(ctx, r.Pool, accountID)
}

func (r Registry) ListActive(ctx context.Context) ([]*models.Account, error) {
	return ListActiveAccounts(ctx, r.Pool)
}
