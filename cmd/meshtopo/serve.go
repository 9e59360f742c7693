package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/meshtopo-go/internal/discovery"
	"github.com/rmacdonaldsmith/meshtopo-go/internal/httpapi"
	"github.com/rmacdonaldsmith/meshtopo-go/internal/meshnode"
)

func newServeCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a topology node and its HTTP API",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return bindServeFlags(v, cmd)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(v)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			cfg, err := loadDaemonConfig(v)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, logger, nil)
		},
	}

	flags := cmd.Flags()
	flags.String("node-id", "", "Unique node identifier")
	flags.String("http-port", "8081", "HTTP API port")
	flags.String("http-secret", "", "JWT signing secret")
	flags.Bool("no-auth", false, "Bypass authentication on roster endpoints (development only)")
	flags.Int("max-group-size", 0, "Maximum members per mesh group")
	flags.Int("min-group-size", 0, "Merge threshold for shrinking groups")
	flags.Int("bridge-redundancy", 0, "Bridges per adjacent group pair")
	flags.Int("failure-retry-budget", 0, "Consecutive failures before a peer is evicted")
	flags.Duration("failure-grace-period", 0, "Evict peers failing for longer than this (0 disables)")
	flags.Duration("connect-timeout", 0, "How long a link may stay in flight before it counts as failed")
	flags.Bool("peerlink", false, "Probe desired links over gRPC")
	flags.String("local-peer", "", "Only apply links involving this peer")
	flags.String("peer-listen", "", "Serve the gRPC health endpoint on this address")
	flags.StringSlice("seed", nil, "Seed roster entry id[@address][#role], repeatable")
	return cmd
}

var serveBindings = map[string]string{
	"node-id":                       "node-id",
	"http.port":                     "http-port",
	"http.secret":                   "http-secret",
	"http.no-auth":                  "no-auth",
	"topology.max-group-size":       "max-group-size",
	"topology.min-group-size":       "min-group-size",
	"topology.bridge-redundancy":    "bridge-redundancy",
	"topology.failure-retry-budget": "failure-retry-budget",
	"topology.failure-grace-period": "failure-grace-period",
	"reporter.connect-timeout":      "connect-timeout",
	"peerlink.enabled":              "peerlink",
	"peerlink.local-peer":           "local-peer",
	"peerlink.listen-address":       "peer-listen",
	"seeds":                         "seed",
}

// bindServeFlags runs before serve. simulate binds topology.max-group-size to its own flag.
func bindServeFlags(v *viper.Viper, cmd *cobra.Command) error {
	for key, flag := range serveBindings {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}
	return nil
}

// runServe starts the node and the HTTP API, seeds the roster and blocks until ctx is done.
// ready, when set, receives the API listener address once it accepts connections.
func runServe(ctx context.Context, cfg *daemonConfig, logger *zap.Logger, ready func(addr net.Addr)) error {
	logger.Info("Starting meshtopo",
		zap.String("node_id", cfg.Node.NodeID),
		zap.Int("max_group_size", cfg.Node.Topology.MaxGroupSize),
		zap.Int("bridge_redundancy", cfg.Node.Topology.BridgeRedundancy),
		zap.Bool("peerlink", cfg.Node.PeerLinkConfig != nil))

	node, err := meshnode.NewNode(cfg.Node, logger)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	defer func() {
		if err := node.Close(); err != nil {
			logger.Warn("Error closing node", zap.Error(err))
		}
	}()
	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}

	if len(cfg.Seeds) > 0 {
		joined, err := discovery.Seed(ctx, discovery.NewStaticDiscovery(cfg.Seeds), node)
		if err != nil {
			logger.Warn("Some seed entries were rejected", zap.Error(err))
		}
		logger.Info("Seeded roster", zap.Int("peers", joined))
	}

	httpConfig := cfg.HTTP
	httpConfig.Metrics = node.MetricsRegistry()
	server := httpapi.NewServer(node, httpConfig, logger)

	lis, err := net.Listen("tcp", ":"+httpConfig.Port)
	if err != nil {
		return fmt.Errorf("failed to listen on port %s: %w", httpConfig.Port, err)
	}
	logger.Info("HTTP API listening", zap.Stringer("addr", lis.Addr()))

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(lis)
	}()
	if ready != nil {
		ready(lis.Addr())
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("HTTP API failed: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("Error during HTTP shutdown", zap.Error(err))
	}
	if err := node.Stop(shutdownCtx); err != nil {
		logger.Warn("Error during graceful stop", zap.Error(err))
	}
	return nil
}
