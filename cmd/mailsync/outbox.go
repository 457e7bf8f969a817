package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/sendqueue"
)

func newOutboxCmd() *cobra.Command {
	var (
		draftFile string
		drain     bool
	)
	cmd := &cobra.Command{
		Use:   "outbox <account-id>",
		Short: "List, enqueue into or drain an account's outbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID := args[0]

			var draft *sendqueue.Draft
			if draftFile != "" {
				d, err := loadDraft(draftFile, accountID)
				if err != nil {
					return err
				}
				draft = &d
			}

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

			if draft != nil {
				m, err := a.queue.Enqueue(ctx, *draft)
				if err != nil {
					return fmt.Errorf("failed to enqueue: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "queued %s\n", m.ID)
			}
			if drain {
				if err := a.queue.Recover(ctx); err != nil {
					return err
				}
				n := a.queue.Drain(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "processed %d message(s)\n", n)
			}

			messages, err := a.queue.Outbox(ctx, accountID)
			if err != nil {
				return err
			}
			printOutbox(cmd.OutOrStdout(), messages)
			return nil
		},
	}
	cmd.Flags().StringVar(&draftFile, "enqueue", "", "JSON draft file to queue before listing (- for stdin)")
	cmd.Flags().BoolVar(&drain, "drain", false, "send every due message before listing")
	return cmd
}

// loadDraft reads a JSON draft. The account on the command line wins over one
// in the file.
func loadDraft(path, accountID string) (sendqueue.Draft, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return sendqueue.Draft{}, fmt.Errorf("failed to open draft: %w", err)
		}
		defer func() { _ = f.Close() }()
		r = f
	}

	var d sendqueue.Draft
	if err := json.NewDecoder(r).Decode(&d); err != nil {
		return sendqueue.Draft{}, fmt.Errorf("invalid draft: %w", err)
	}
	d.AccountID = accountID
	return d, nil
}

func printOutbox(w io.Writer, messages []*models.Message) {
	if len(messages) == 0 {
		fmt.Fprintln(w, "outbox is empty")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tRETRIES\tSUBJECT\tERROR")
	for _, m := range messages {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", m.ID, m.SendState, m.SendRetryCount, m.Subject, m.SendError)
	}
	_ = tw.Flush()
}
