// Package credential supplies the auth material sessions log in with: sealed
// app passwords from the account registry, or OAuth tokens cached in the
// system keyring and refreshed through a TokenSource.
package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/99designs/keyring"
	"github.com/rs/zerolog"
	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/models"
)

// ErrRefreshExhausted means the account kept failing to authenticate after
// the allowed number of credential refreshes.
var ErrRefreshExhausted = errors.New("credential refresh budget exhausted")

// AccountLookup loads an account from the registry.
type AccountLookup interface {
	Account(ctx context.Context, accountID string) (*models.Account, error)
}

type Options struct {
	// MaxRefreshes bounds consecutive refreshes not followed by a successful login.
	MaxRefreshes int
	Now          func() time.Time
}

// Provider hands out credentials per account.
type Provider struct {
	accounts  AccountLookup
	encryptor *crypto.Encryptor
	tokens    TokenSource
	cache     keyring.Keyring
	logger    zerolog.Logger
	opts      Options

	mu        sync.Mutex
	refreshes map[string]int
}

func NewProvider(accounts AccountLookup, encryptor *crypto.Encryptor, tokens TokenSource, cache keyring.Keyring, logger zerolog.Logger, opts Options) *Provider {
	if opts.MaxRefreshes <= 0 {
		opts.MaxRefreshes = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Provider{
		accounts:  accounts,
		encryptor: encryptor,
		tokens:    tokens,
		cache:     cache,
		logger:    logger.With().Str("component", "credential").Logger(),
		opts:      opts,
		refreshes: make(map[string]int),
	}
}

// Credential returns the account's current credential. OAuth accounts get the
// cached token while it is still valid and a freshly acquired one otherwise.
func (p *Provider) Credential(ctx context.Context, accountID string) (models.Credential, error) {
	account, err := p.accounts.Account(ctx, accountID)
	if err != nil {
		return models.Credential{}, err
	}

	if account.AuthKind != models.AuthXOAuth2 {
		return p.plain(account)
	}

	if token, ok := p.cached(accountID); ok {
		cred := models.XOAuth2Credential(account.Email, token.AccessToken, token.ExpiresAt)
		if !cred.Expired(p.opts.Now()) {
			return cred, nil
		}
	}
	return p.acquire(ctx, account)
}

// Refresh is called after an authentication failure. It bypasses the cache
// and counts against the account's refresh budget.
func (p *Provider) Refresh(ctx context.Context, accountID string) (models.Credential, error) {
	p.mu.Lock()
	p.refreshes[accountID]++
	attempts := p.refreshes[accountID]
	p.mu.Unlock()

	if attempts > p.opts.MaxRefreshes {
		return models.Credential{}, fmt.Errorf("%w after %d attempts", ErrRefreshExhausted, attempts-1)
	}

	account, err := p.accounts.Account(ctx, accountID)
	if err != nil {
		return models.Credential{}, err
	}
	p.logger.Info().Str("account", accountID).Int("attempt", attempts).Msg("Refreshing credential")

	if account.AuthKind != models.AuthXOAuth2 {
		return p.plain(account)
	}
	if p.cache != nil {
		if err := p.cache.Remove(tokenKey(accountID)); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
			p.logger.Warn().Err(err).Str("account", accountID).Msg("Failed to drop cached token")
		}
	}
	return p.acquire(ctx, account)
}

// Succeeded resets the refresh budget after a successful login.
func (p *Provider) Succeeded(accountID string) {
	p.mu.Lock()
	delete(p.refreshes, accountID)
	p.mu.Unlock()
}

func (p *Provider) plain(account *models.Account) (models.Credential, error) {
	if len(account.EncryptedPassword) == 0 {
		return models.Credential{}, fmt.Errorf("account %s has no stored password", account.Email)
	}
	password, err := p.encryptor.Open(account.ID, account.EncryptedPassword)
	if err != nil {
		return models.Credential{}, fmt.Errorf("failed to open password of %s: %w", account.Email, err)
	}
	username := account.IMAPUsername
	if username == "" {
		username = account.Email
	}
	return models.PlainCredential(username, password), nil
}

func (p *Provider) acquire(ctx context.Context, account *models.Account) (models.Credential, error) {
	if p.tokens == nil {
		return models.Credential{}, fmt.Errorf("no token source configured for %s", account.Email)
	}
	token, err := p.tokens.Token(ctx, account)
	if err != nil {
		return models.Credential{}, fmt.Errorf("failed to acquire token for %s: %w", account.Email, err)
	}
	p.store(account.ID, token)
	return models.XOAuth2Credential(account.Email, token.AccessToken, token.ExpiresAt), nil
}

func (p *Provider) cached(accountID string) (Token, bool) {
	if p.cache == nil {
		return Token{}, false
	}
	item, err := p.cache.Get(tokenKey(accountID))
	if err != nil {
		if !errors.Is(err, keyring.ErrKeyNotFound) {
			p.logger.Warn().Err(err).Str("account", accountID).Msg("Failed to read cached token")
		}
		return Token{}, false
	}
	var token Token
	if err := json.Unmarshal(item.Data, &token); err != nil || token.AccessToken == "" {
		return Token{}, false
	}
	return token, true
}

func (p *Provider) store(accountID string, token Token) {
	if p.cache == nil {
		return
	}
	data, err := json.Marshal(token)
	if err != nil {
		return
	}
	if err := p.cache.Set(keyring.Item{
		Key:   tokenKey(accountID),
		Data:  data,
		Label: "mailsync OAuth token",
	}); err != nil {
		p.logger.Warn().Err(err).Str("account", accountID).Msg("Failed to cache token")
	}
}
