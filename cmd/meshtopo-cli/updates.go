package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newUpdatesCommand() *cobra.Command {
	var (
		since uint64
		limit int
	)

	cmd := &cobra.Command{
		Use:   "updates",
		Short: "Show updates published after a view version",
		Long: `Show journaled topology updates published after --since.

The node keeps a bounded journal. If the requested versions were dropped the
command fails and the full edge set should be read with 'view' instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			resp, err := client.Updates(ctx, since, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(resp.Updates) == 0 {
				fmt.Fprintf(out, "No updates after version %d (latest %d)\n", since, resp.EndVersion)
				return nil
			}
			for i := range resp.Updates {
				printUpdate(out, &resp.Updates[i])
			}
			fmt.Fprintf(out, "Latest version %d, journal holds %d-%d\n",
				resp.EndVersion, resp.Journal.FirstVersion, resp.Journal.LastVersion)
			return nil
		},
	}

	cmd.Flags().Uint64Var(&since, "since", 0, "Last view version already applied")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of updates (server default when 0)")

	return cmd
}
