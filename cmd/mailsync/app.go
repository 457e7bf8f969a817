package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/credential"
	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/flags"
	"github.com/vdavid/mailsync/internal/search"
	"github.com/vdavid/mailsync/internal/sendqueue"
	"github.com/vdavid/mailsync/internal/store"
	"github.com/vdavid/mailsync/internal/syncengine"
	"github.com/vdavid/mailsync/internal/wire"
)

// app holds everything a command needs, wired in dependency order.
type app struct {
	cfg       *config.Config
	log       zerolog.Logger
	db        *pgxpool.Pool
	store     *store.SQLiteStore
	catalogue *config.Catalogue
	notifier  *search.Notifier
	events    *eventForwarder
	manager   *syncengine.Manager
	queue     *sendqueue.Queue
	flags     *flags.Reconciler
}

type appOptions struct {
	// DisablePush skips the IDLE monitor, for one-shot commands.
	DisablePush bool
	// Publish receives sync, outbox and flag events. Nil discards them.
	Publish func(accountID string, v any)
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, log: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	pool, err := db.NewConnection(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.db = pool
	if err := db.Migrate(ctx, pool); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	a.store, err = store.NewSQLiteStore(cfg.MailboxDBPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open mailbox store: %w", err)
	}

	a.catalogue, err = config.LoadProviders(cfg.ProvidersFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load providers: %w", err)
	}
	limits := a.catalogue.Limits

	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryptor: %w", err)
	}
	ring, err := credential.OpenKeyring(cfg.KeyringDir, cfg.EncryptionKeyBase64)
	if err != nil {
		return nil, err
	}
	rootCAs, err := cfg.RootCAs()
	if err != nil {
		return nil, err
	}
	registry := db.Registry{Pool: pool}
	credentials := credential.NewProvider(registry, encryptor, credential.CommandTokenSource{}, ring, logger, credential.Options{})

	publish := opts.Publish
	if publish == nil {
		publish = func(string, any) {}
	}
	a.events = newEventForwarder(publish, 256, logger)
	a.notifier = search.NewNotifier(search.LogIndexer{Logger: logger}, 1024, 30*time.Second, logger)

	a.manager = syncengine.NewManager(syncengine.ManagerConfig{
		Catalogue:   a.catalogue,
		Accounts:    registry,
		Store:       a.store,
		Credentials: credentials,
		Notifier:    a.notifier,
		Observer: func(e syncengine.Event) {
			a.events.Forward(e.AccountID, e)
		},
		RootCAs:     rootCAs,
		ClientName:  "mailsync",
		DisablePush: opts.DisablePush,
		Logger:      logger,
	})

	a.queue = sendqueue.New(a.store, sendqueue.Config{
		RetryDelays: limits.SendRetryDelays,
		MaxAge:      limits.SendMaxAge,
		SMTP: func(ctx context.Context, accountID string, fn func(sendqueue.Transport) error) error {
			return a.manager.WithSMTP(ctx, accountID, func(s *wire.SMTPSession) error {
				return fn(s)
			})
		},
		IMAP: func(ctx context.Context, accountID string, fn func(sendqueue.Appender) error) error {
			return a.manager.WithIMAP(ctx, accountID, func(m syncengine.Mailbox) error {
				return fn(m)
			})
		},
		SentFolder: a.manager.SentFolder,
		OnEvent: func(e sendqueue.Event) {
			a.events.Forward(e.AccountID, outboxEvent{Kind: "outbox", Event: e})
		},
		Logger: logger,
	})

	sessions := func(ctx context.Context, accountID string, fn func(flags.Mailbox) error) error {
		return a.manager.WithIMAP(ctx, accountID, func(m syncengine.Mailbox) error {
			return fn(m)
		})
	}
	a.flags = flags.NewReconciler(a.store, sessions, a.manager.Locks(), logger, flags.Options{
		Delays: limits.FlagRetryDelays,
		OnRevert: func(e flags.RevertEvent) {
			a.events.Forward(e.AccountID, newRevertEvent(e))
		},
	})

	ok = true
	return a, nil
}

// Close releases resources in reverse order of construction. It is safe on a
// partially built app.
func (a *app) Close() {
	if a.manager != nil {
		a.manager.Close()
	}
	if a.notifier != nil {
		a.notifier.Close()
	}
	if a.events != nil {
		a.events.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("Failed to close mailbox store")
		}
	}
	db.CloseConnection(a.db)
}
