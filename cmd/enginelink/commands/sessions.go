package commands

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/openfroyo/enginelink/pkg/stores"
)

func newSessionsCommand() *cobra.Command {
	var (
		status string
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List launched engine sessions",
		Long: `List engine sessions recorded in the session ledger, newest first.

Only sessions launched by this machine are recorded; ambient sessions are
not.`,
		Example: `  # Show the last 20 sessions
  enginelink sessions

  # Show failed sessions as JSON
  enginelink sessions --status failed --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			cleanupCtx := context.WithoutCancel(ctx)
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, a.close(cleanupCtx)) }()

			if a.store == nil {
				return errors.New("session ledger is disabled (store.path is empty)")
			}

			sessions, err := a.store.ListSessions(ctx, stores.SessionStatus(status), limit, offset)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), sessions)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tLAUNCHER\tENDPOINT\tVERSION\tSTARTED\tERROR")
			for _, s := range sessions {
				errMsg := ""
				if s.Error != nil {
					errMsg = *s.Error
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					s.ID, s.Status, s.Launcher, s.Endpoint, s.Version,
					s.StartedAt.Local().Format(time.DateTime), errMsg)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (running, stopped, failed)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum sessions to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "sessions to skip")

	return cmd
}
