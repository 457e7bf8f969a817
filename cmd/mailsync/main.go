// Command mailsync keeps local mirrors of IMAP mailboxes in sync and delivers
// queued outgoing mail.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/logging"
)

// Set via -ldflags at build time.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "mailsync",
		Short:        "IMAP mailbox sync and outbound mail queue",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.AddCommand(newServeCmd(), newSyncCmd(), newOutboxCmd(), newArchiveCmd())
	return root
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.NewConfig()
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, logging.New(cfg.Environment, cfg.LogLevel), nil
}
