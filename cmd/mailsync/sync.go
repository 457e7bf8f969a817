package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vdavid/mailsync/internal/models"
)

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync <account-id>",
		Short: "Run one full sync cycle for an account and exit",
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

			engine, err := a.manager.Engine(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to load account %s: %w", args[0], err)
			}
			if err := engine.SyncOnce(ctx); err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}

			status, err := engine.Status(ctx)
			if err != nil {
				return err
			}
			printFolders(cmd.OutOrStdout(), status.Folders)
			return nil
		},
	}
}

func printFolders(w io.Writer, folders []*models.Folder) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FOLDER\tTYPE\tUIDVALIDITY\tFORWARD\tBACKFILL\tCATCH-UP")
	for _, f := range folders {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n",
			f.IMAPPath, f.FolderType, f.UIDValidity, f.ForwardCursorUID, f.BackfillCursorUID, f.CatchUpStatus)
	}
	_ = tw.Flush()
}
