package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newViewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "view",
		Short: "Show the desired edge set",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			view, err := client.View(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "View version %d, %d edge(s)\n", view.Version(), view.Len())
			for _, e := range view.Edges() {
				fmt.Fprintf(out, "  %s\n", e)
			}
			return nil
		},
	}

	return cmd
}

func newGroupsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "List mesh groups and bridges",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			resp, err := client.Groups(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(resp.Groups) == 0 {
				fmt.Fprintln(out, "No mesh groups")
				return nil
			}

			fmt.Fprintf(out, "Found %d group(s):\n", len(resp.Groups))
			for _, g := range resp.Groups {
				fmt.Fprintf(out, "  group %d (%d/%d): %s\n", g.ID, g.Size(), g.MaxSize, strings.Join(g.Members(), ", "))
			}
			for _, b := range resp.Bridges {
				fmt.Fprintf(out, "Bridge %s\n", b)
			}
			for _, id := range resp.Unreachable {
				fmt.Fprintf(out, "Unreachable group %d\n", id)
			}
			return nil
		},
	}

	return cmd
}

func newPeersCommand() *cobra.Command {
	var addresses []string

	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List peers known to the registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			peers, err := client.Peers(ctx, addresses...)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(peers) == 0 {
				fmt.Fprintln(out, "No peers")
				return nil
			}

			fmt.Fprintf(out, "Found %d peer(s):\n\n", len(peers))
			for i, p := range peers {
				fmt.Fprintf(out, "%d. %s (%s)\n", i+1, p.ID, p.Role)
				fmt.Fprintf(out, "   State: %s\n", p.State)
				fmt.Fprintf(out, "   Group: %d\n", p.Group)
				if p.Address != "" {
					fmt.Fprintf(out, "   Address: %s\n", p.Address)
				}
				if p.FailureCount > 0 {
					fmt.Fprintf(out, "   Failures: %d\n", p.FailureCount)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&addresses, "address", nil, "Only list peers registered at these transport addresses")

	return cmd
}

func newPeerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peer <peer-id>",
		Short: "Show one peer and the links it should hold",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			resp, err := client.Peer(ctx, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Peer: %s\n", resp.Peer.ID)
			fmt.Fprintf(out, "Phase: %s\n", resp.Phase)
			fmt.Fprintf(out, "State: %s\n", resp.Peer.State)
			fmt.Fprintf(out, "Group: %d\n", resp.Topology.Group)
			fmt.Fprintf(out, "Bridge: %t\n", resp.Topology.IsBridge)
			if resp.Peer.Quality.Samples > 0 {
				fmt.Fprintf(out, "Quality: %.1f (rtt %.0fms)\n", resp.QualityScore, resp.Peer.Quality.AvgRTTMillis)
			}
			fmt.Fprintf(out, "Connect to: %s\n", strings.Join(resp.Topology.ConnectTo, ", "))
			if len(resp.Topology.BridgePeers) > 0 {
				fmt.Fprintf(out, "Bridge peers: %s\n", strings.Join(resp.Topology.BridgePeers, ", "))
			}
			return nil
		},
	}

	return cmd
}
