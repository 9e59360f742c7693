package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/meshtopo-go/pkg/topology"
)

func newAdminCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Admin commands (requires admin privileges)",
		Long:  "Administrative commands for reshaping the overlay",
	}

	cmd.AddCommand(newAdminMergeCommand())

	return cmd
}

func newAdminMergeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "merge <group-id>",
		Short: "Fold a group into another group with room for all its members",
		Args:  cobra.ExactArgs(1),
		RunE:  runAdminMerge,
	}

	return cmd
}

func runAdminMerge(cmd *cobra.Command, args []string) error {
	if err := requireAuthentication(); err != nil {
		return err
	}
	id, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil || id == 0 {
		return fmt.Errorf("invalid group ID %q", args[0])
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	update, err := client.MergeGroup(ctx, topology.GroupID(id))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Merged group %d\n", id)
	printUpdate(cmd.OutOrStdout(), update)
	return nil
}
