package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/meshtopo-go/pkg/httpclient"
)

var (
	// Global flags
	serverURL string
	clientID  string
	token     string
	timeout   time.Duration
	noAuth    bool

	// Global client instance
	client *httpclient.Client
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "meshtopo-cli",
		Short: "meshtopo HTTP API command line interface",
		Long: `meshtopo-cli is a command line interface for the meshtopo HTTP API.
It provides commands for authentication, roster changes, topology inspection
and group administration.`,
		SilenceUsage:      true,
		PersistentPreRunE: initializeClient,
	}

	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8081", "meshtopo server URL")
	rootCmd.PersistentFlags().StringVar(&clientID, "client-id", "", "Client ID for authentication")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("MESHTOPO_TOKEN"), "JWT token (if already authenticated)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")
	rootCmd.PersistentFlags().BoolVar(&noAuth, "no-auth", false, "Skip authentication (for development with --no-auth servers)")

	rootCmd.AddCommand(newAuthCommand())
	rootCmd.AddCommand(newJoinCommand())
	rootCmd.AddCommand(newLeaveCommand())
	rootCmd.AddCommand(newStateCommand())
	rootCmd.AddCommand(newViewCommand())
	rootCmd.AddCommand(newGroupsCommand())
	rootCmd.AddCommand(newPeersCommand())
	rootCmd.AddCommand(newPeerCommand())
	rootCmd.AddCommand(newUpdatesCommand())
	rootCmd.AddCommand(newAdminCommand())
	rootCmd.AddCommand(newHealthCommand())
	return rootCmd
}

// initializeClient sets up the HTTP client with global configuration
func initializeClient(cmd *cobra.Command, args []string) error {
	// Skip client initialization for help commands
	if cmd.Name() == "help" || cmd.Parent() == nil {
		return nil
	}

	// Read-only commands and no-auth mode work without a client ID
	effectiveClientID := clientID
	if effectiveClientID == "" {
		effectiveClientID = "anonymous"
		if noAuth {
			effectiveClientID = "dev-client"
		}
	}

	config := httpclient.Config{
		ServerURL: serverURL,
		ClientID:  effectiveClientID,
		Timeout:   timeout,
	}

	var err error
	client, err = httpclient.NewClient(config)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	// Set token if provided, or set dummy token in no-auth mode
	if token != "" {
		client.SetToken(token)
	} else if noAuth {
		client.SetToken("no-auth-mode")
	}

	return nil
}

// requireAuthentication checks if the client is authenticated
func requireAuthentication() error {
	if client == nil {
		return fmt.Errorf("client not initialized")
	}

	if noAuth {
		return nil
	}

	if !client.IsAuthenticated() {
		return fmt.Errorf("not authenticated - run 'meshtopo-cli auth' first or provide --token")
	}
	return nil
}
