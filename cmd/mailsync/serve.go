package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vdavid/mailsync/internal/api"
	"github.com/vdavid/mailsync/internal/auth"
	"github.com/vdavid/mailsync/internal/websocket"
)

const (
	flagPushTimeout = 2 * time.Minute
	shutdownTimeout = 15 * time.Second
)

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Sync every active account and serve the control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = ":" + cfg.Port
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			hub := websocket.NewHub(10, logger)
			a, err := newApp(ctx, cfg, logger, appOptions{Publish: hub.Publish})
			if err != nil {
				return err
			}
			defer a.Close()

			return serve(ctx, a, hub, addr, logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default :$PORT)")
	return cmd
}

// newHandler builds the control API over a wired app.
func newHandler(a *app, hub *websocket.Hub, logger zerolog.Logger) http.Handler {
	authenticator := auth.NewAuthenticator(a.cfg.APIToken, logger)
	engines := func(accountID string) (api.AccountSync, error) {
		e, err := a.manager.Running(accountID)
		if err != nil {
			return nil, err
		}
		return e, nil
	}
	return api.NewRouter(api.Handlers{
		Auth:      authenticator,
		Accounts:  api.NewAccountsHandler(engines, logger),
		Outbox:    api.NewOutboxHandler(a.queue, logger),
		Flags:     api.NewFlagsHandler(a.store, a.flags, flagPushTimeout, logger),
		Messages:  api.NewMessagesHandler(a.store, a.manager.Archive, logger),
		WebSocket: api.NewWebSocketHandler(authenticator, hub, logger),
	})
}

func serve(ctx context.Context, a *app, hub *websocket.Hub, addr string, logger zerolog.Logger) error {
	if err := a.manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sync: %w", err)
	}

	queueErr := make(chan error, 1)
	go func() {
		queueErr <- a.queue.Run(ctx)
	}()

	server := &http.Server{
		Addr:              addr,
		Handler:           newHandler(a, hub, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("mailsync listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down")
	case err := <-serverErr:
		runErr = fmt.Errorf("server error: %w", err)
	case err := <-queueErr:
		if err != nil {
			runErr = fmt.Errorf("send queue stopped: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown did not finish cleanly")
	}
	return runErr
}
