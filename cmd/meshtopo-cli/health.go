package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newHealthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		Long:  "Check the health status of the meshtopo node",
		RunE:  runHealth,
	}

	return cmd
}

func runHealth(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Checking health of %s...\n", serverURL)

	health, err := client.GetHealth(ctx)
	if health == nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Healthy {
		fmt.Fprintf(out, "Node is healthy\n")
	} else {
		fmt.Fprintf(out, "Node is not healthy\n")
	}
	fmt.Fprintf(out, "Node: %s (%s)\n", health.NodeID, health.InstanceID)
	fmt.Fprintf(out, "Peers: %d\n", health.Peers)
	fmt.Fprintf(out, "Groups: %d\n", health.Groups)
	fmt.Fprintf(out, "Bridges: %d\n", health.Bridges)
	fmt.Fprintf(out, "View version: %d\n", health.Version)
	if len(health.Unreachable) > 0 {
		fmt.Fprintf(out, "Unreachable groups: %v\n", health.Unreachable)
	}
	if health.Message != "" {
		fmt.Fprintf(out, "Message: %s\n", health.Message)
	}

	return err
}
