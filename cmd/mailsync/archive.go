package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <message-id>",
		Short: "Move a stored message to its account's archive folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			a, err := newApp(ctx, cfg, logger, appOptions{DisablePush: true})
			if err != nil {
				return err
			}
			defer a.Close()

			msg, err := a.store.GetMessage(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to load message %s: %w", args[0], err)
			}
			if err := a.manager.Archive(ctx, msg.AccountID, msg.ID); err != nil {
				return fmt.Errorf("archive failed: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Archived %s\n", msg.ID)
			return nil
		},
	}
}
