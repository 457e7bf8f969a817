package syncengine

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/metrics"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/pool"
	"github.com/vdavid/mailsync/internal/wire"
)

// ErrUnknownAccount is returned for accounts the manager has no engine for.
var ErrUnknownAccount = errors.New("account is not being synced")

const defaultMaxConnections = 5

// Accounts is the account registry the manager syncs from.
type Accounts interface {
	ListActive(ctx context.Context) ([]*models.Account, error)
	Account(ctx context.Context, accountID string) (*models.Account, error)
	Deactivate(ctx context.Context, accountID, reason string) error
}

type ManagerConfig struct {
	Catalogue   *config.Catalogue
	Accounts    Accounts
	Store       Store
	Credentials Credentials
	Notifier    ChangeNotifier
	Observer    Observer
	RootCAs     *x509.CertPool
	ClientName  string
	DisablePush bool
	Logger      zerolog.Logger
}

// Manager owns the session pools shared by every account and runs one engine
// per active account.
type Manager struct {
	cfg    ManagerConfig
	limits config.Limits
	log    zerolog.Logger
	imap   *pool.Pool[Mailbox]
	smtp   *pool.Pool[*wire.SMTPSession]
	locks  *FolderLocks

	mu        sync.Mutex
	providers map[string]config.Provider
	engines   map[string]*Engine
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		cfg:       cfg,
		limits:    cfg.Catalogue.Limits,
		log:       cfg.Logger.With().Str("component", "manager").Logger(),
		locks:     NewFolderLocks(),
		providers: make(map[string]config.Provider),
		engines:   make(map[string]*Engine),
	}
	poolCfg := pool.Config{
		Limit:            m.limit,
		HealthCheckAfter: m.limits.HealthCheckAfter,
		IdleTimeout:      m.limits.PoolIdleTimeout,
		OnAcquire: func(key pool.Key, waited time.Duration) {
			metrics.ObservePoolWait(string(key.Protocol), waited)
		},
		Logger: cfg.Logger,
	}
	m.imap = pool.New[Mailbox](m.dialIMAP, poolCfg)
	m.smtp = pool.New[*wire.SMTPSession](m.dialSMTP, poolCfg)
	return m
}

// Start launches an engine for every active account. Engines stop when ctx
// is cancelled or Close is called.
func (m *Manager) Start(ctx context.Context) error {
	accounts, err := m.cfg.Accounts.ListActive(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	for _, a := range accounts {
		e, err := m.addEngine(a)
		if err != nil {
			m.log.Error().Err(err).Str("account", a.Email).Msg("Skipping account")
			continue
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := e.Run(ctx); err != nil && ctx.Err() == nil {
				m.log.Warn().Err(err).Str("account", a.Email).Msg("Engine stopped")
			}
			m.imap.CloseAccount(a.ID)
			m.smtp.CloseAccount(a.ID)
		}()
	}
	m.log.Info().Int("accounts", len(accounts)).Msg("Sync started")
	return nil
}

// Engine builds an engine for one account without running it. Used by the
// one-shot sync command.
func (m *Manager) Engine(ctx context.Context, accountID string) (*Engine, error) {
	m.mu.Lock()
	e, ok := m.engines[accountID]
	m.mu.Unlock()
	if ok {
		return e, nil
	}
	a, err := m.cfg.Accounts.Account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return m.addEngine(a)
}

// Archive moves a message of the account to its archive folder. See
// Engine.Archive.
func (m *Manager) Archive(ctx context.Context, accountID, messageID string) error {
	e, err := m.Engine(ctx, accountID)
	if err != nil {
		return err
	}
	return e.Archive(ctx, messageID)
}

// Running returns the engine of an account started by Start.
func (m *Manager) Running(accountID string) (*Engine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.engines[accountID]
	if !ok {
		return nil, ErrUnknownAccount
	}
	return e, nil
}

func (m *Manager) addEngine(a *models.Account) (*Engine, error) {
	p, err := m.provider(a)
	if err != nil {
		return nil, err
	}
	e := New(Config{
		AccountID:   a.ID,
		Provider:    p,
		Limits:      m.limits,
		Store:       m.cfg.Store,
		Sessions:    m.imap,
		Credentials: m.cfg.Credentials,
		Registry:    m.cfg.Accounts,
		Locks:       m.locks,
		Notifier:    m.cfg.Notifier,
		Observer:    m.cfg.Observer,
		DisablePush: m.cfg.DisablePush,
		Logger:      m.cfg.Logger,
	})
	m.mu.Lock()
	m.engines[a.ID] = e
	m.mu.Unlock()
	return e, nil
}

func (m *Manager) provider(a *models.Account) (config.Provider, error) {
	m.mu.Lock()
	p, ok := m.providers[a.ID]
	m.mu.Unlock()
	if ok {
		return p, nil
	}
	if a.Provider != "" {
		p, ok = m.cfg.Catalogue.Provider(a.Provider)
	}
	if !ok {
		p, ok = m.cfg.Catalogue.ProviderForEmail(a.Email)
	}
	if !ok {
		return config.Provider{}, fmt.Errorf("no provider configured for %s", a.Email)
	}
	m.mu.Lock()
	m.providers[a.ID] = p
	m.mu.Unlock()
	return p, nil
}

func (m *Manager) providerFor(ctx context.Context, accountID string) (config.Provider, error) {
	m.mu.Lock()
	p, ok := m.providers[accountID]
	m.mu.Unlock()
	if ok {
		return p, nil
	}
	a, err := m.cfg.Accounts.Account(ctx, accountID)
	if err != nil {
		return config.Provider{}, err
	}
	return m.provider(a)
}

func (m *Manager) limit(key pool.Key) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.providers[key.AccountID]; ok && p.MaxConnections > 0 {
		return p.MaxConnections
	}
	return defaultMaxConnections
}

func (m *Manager) wireOptions() wire.Options {
	return wire.Options{
		ConnectTimeout: m.limits.ConnectTimeout,
		ReadTimeout:    m.limits.ReadTimeout,
		IdleRefresh:    m.limits.IdleRefresh,
		PollInterval:   m.limits.IdlePollInterval,
		ClientName:     m.cfg.ClientName,
		RootCAs:        m.cfg.RootCAs,
		Logger:         m.cfg.Logger,
	}
}

func wireEndpoint(ep config.Endpoint) wire.Endpoint {
	return wire.Endpoint{Host: ep.Host, Port: ep.Port, Security: wire.Security(ep.Security)}
}

func (m *Manager) dialIMAP(ctx context.Context, key pool.Key) (Mailbox, error) {
	p, err := m.providerFor(ctx, key.AccountID)
	if err != nil {
		return nil, err
	}
	s, err := wire.DialIMAP(ctx, wireEndpoint(p.IMAP), m.wireOptions())
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (m *Manager) dialSMTP(ctx context.Context, key pool.Key) (*wire.SMTPSession, error) {
	p, err := m.providerFor(ctx, key.AccountID)
	if err != nil {
		return nil, err
	}
	return wire.DialSMTP(ctx, wireEndpoint(p.SMTP), m.wireOptions())
}

// WithIMAP runs fn on an authenticated IMAP session of the account, taken from
// the pool the engines use.
func (m *Manager) WithIMAP(ctx context.Context, accountID string, fn func(Mailbox) error) error {
	key := pool.Key{AccountID: accountID, Protocol: models.ProtocolIMAP}
	return m.imap.With(ctx, key, func(s Mailbox) error {
		if !s.Authenticated() {
			if err := Login(ctx, s, m.cfg.Credentials, accountID); err != nil {
				return err
			}
		}
		return fn(s)
	})
}

// WithSMTP runs fn on an authenticated SMTP session of the account.
func (m *Manager) WithSMTP(ctx context.Context, accountID string, fn func(*wire.SMTPSession) error) error {
	key := pool.Key{AccountID: accountID, Protocol: models.ProtocolSMTP}
	return m.smtp.With(ctx, key, func(s *wire.SMTPSession) error {
		if !s.Authenticated() {
			creds := smtpCredentials{Credentials: m.cfg.Credentials, accounts: m.cfg.Accounts}
			if err := Login(ctx, s, creds, accountID); err != nil {
				return err
			}
		}
		return fn(s)
	})
}

// smtpCredentials swaps in the SMTP username for accounts that log in to the
// two protocols under different names.
type smtpCredentials struct {
	Credentials
	accounts Accounts
}

func (c smtpCredentials) Credential(ctx context.Context, accountID string) (models.Credential, error) {
	cred, err := c.Credentials.Credential(ctx, accountID)
	if err != nil || cred.Kind != models.AuthPlain {
		return cred, err
	}
	a, err := c.accounts.Account(ctx, accountID)
	if err != nil {
		return models.Credential{}, err
	}
	if a.SMTPUsername != "" {
		cred.Username = a.SMTPUsername
	}
	return cred, nil
}

// SentFolder reports where sent copies of the account's mail go and whether
// the provider files them itself.
func (m *Manager) SentFolder(ctx context.Context, accountID string) (string, bool, error) {
	p, err := m.providerFor(ctx, accountID)
	if err != nil {
		return "", false, err
	}
	folders, err := m.cfg.Store.ListFolders(ctx, accountID)
	if err != nil {
		return "", false, err
	}
	for _, f := range folders {
		if f.FolderType == models.FolderSent {
			return f.IMAPPath, p.AutoCopiesSent, nil
		}
	}
	return "", p.AutoCopiesSent, nil
}

// Locks are the folder locks shared by every engine; flag pushes take the
// same locks so they never interleave with a sync pass on one folder.
func (m *Manager) Locks() *FolderLocks {
	return m.locks
}

// PoolStats reports the IMAP and SMTP pools of one account.
func (m *Manager) PoolStats(accountID string) map[models.Protocol]pool.Stats {
	return map[models.Protocol]pool.Stats{
		models.ProtocolIMAP: m.imap.Stats(pool.Key{AccountID: accountID, Protocol: models.ProtocolIMAP}),
		models.ProtocolSMTP: m.smtp.Stats(pool.Key{AccountID: accountID, Protocol: models.ProtocolSMTP}),
	}
}

// Close stops every engine and closes both pools.
func (m *Manager) Close() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	m.imap.Close()
	m.smtp.Close()
}
