package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/meshtopo-go/pkg/httpclient"
	"github.com/rmacdonaldsmith/meshtopo-go/pkg/peerregistry"
	"github.com/rmacdonaldsmith/meshtopo-go/pkg/topology"
)

func newJoinCommand() *cobra.Command {
	var (
		peerID  string
		role    string
		address string
	)

	cmd := &cobra.Command{
		Use:   "join",
		Short: "Add a peer to the roster",
		Long: `Add a peer to the room roster. The node places it in a mesh group
and prints the Connect actions the transport should apply.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAuthentication(); err != nil {
				return err
			}
			if _, err := peerregistry.ParseRole(role); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			update, err := client.Join(ctx, httpclient.JoinRequest{ID: peerID, Role: role, Address: address})
			if err != nil {
				return err
			}
			printUpdate(cmd.OutOrStdout(), update)
			return nil
		},
	}

	cmd.Flags().StringVar(&peerID, "id", "", "Peer ID (required)")
	cmd.Flags().StringVar(&role, "role", "", "Peer role: member or host")
	cmd.Flags().StringVar(&address, "address", "", "Transport address of the peer")
	_ = cmd.MarkFlagRequired("id")

	return cmd
}

func newLeaveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "leave <peer-id>",
		Short: "Remove a peer from the roster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAuthentication(); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			update, err := client.Leave(ctx, args[0])
			if err != nil {
				return err
			}
			printUpdate(cmd.OutOrStdout(), update)
			return nil
		},
	}

	return cmd
}

func newStateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state <peer-id> <connecting|connected|failed|disconnected>",
		Short: "Report a peer's aggregated connection state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAuthentication(); err != nil {
				return err
			}
			state, err := peerregistry.ParseConnectionState(args[1])
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			update, err := client.ReportState(ctx, args[0], state)
			if err != nil {
				return err
			}
			printUpdate(cmd.OutOrStdout(), update)
			return nil
		},
	}

	return cmd
}

// printUpdate writes the version, cause and actions of an update
func printUpdate(out io.Writer, update *topology.Update) {
	fmt.Fprintf(out, "View version %d (%s", update.Version, update.Cause)
	if update.Peer != "" {
		fmt.Fprintf(out, " %s", update.Peer)
	}
	fmt.Fprintf(out, ")\n")

	if len(update.Actions) == 0 {
		fmt.Fprintf(out, "No link changes\n")
	}
	for _, a := range update.Actions {
		fmt.Fprintf(out, "  %s\n", a)
	}
	for _, id := range update.Evicted {
		fmt.Fprintf(out, "Evicted: %s\n", id)
	}
	for _, g := range update.Unreachable {
		fmt.Fprintf(out, "Warning: group %d has no bridge-eligible peer\n", g)
	}
}
