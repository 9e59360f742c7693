package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rmacdonaldsmith/meshtopo-go/internal/httpapi"
	"github.com/rmacdonaldsmith/meshtopo-go/internal/meshnode"
	"github.com/rmacdonaldsmith/meshtopo-go/internal/peerlink"
	"github.com/rmacdonaldsmith/meshtopo-go/internal/reporter"
	"github.com/rmacdonaldsmith/meshtopo-go/internal/topology"
)

// daemonConfig is everything serve needs, resolved from viper
type daemonConfig struct {
	Node  *meshnode.Config
	HTTP  httpapi.Config
	Seeds []string
}

func setDefaults(v *viper.Viper) {
	topo := topology.DefaultConfig()
	rep := reporter.Config{}
	rep.SetDefaults()

	v.SetDefault("node-id", defaultNodeID())
	v.SetDefault("node.inbox-size", 256)
	v.SetDefault("node.journal-capacity", 1024)
	v.SetDefault("http.port", "8081")
	v.SetDefault("http.token-ttl", 24*time.Hour)
	v.SetDefault("topology.max-group-size", topo.MaxGroupSize)
	v.SetDefault("topology.min-group-size", topo.MinGroupSize)
	v.SetDefault("topology.bridge-redundancy", topo.BridgeRedundancy)
	v.SetDefault("topology.failure-retry-budget", topo.FailureRetryBudget)
	v.SetDefault("topology.failure-grace-period", time.Duration(0))
	v.SetDefault("topology.bridge-cache-size", topo.BridgeCacheSize)
	v.SetDefault("reporter.connect-timeout", rep.ConnectTimeout)
	v.SetDefault("reporter.sweep-interval", rep.SweepInterval)
	v.SetDefault("peerlink.dial-timeout", 5*time.Second)
	v.SetDefault("peerlink.probe-interval", 5*time.Second)
	v.SetDefault("peerlink.retry-interval", time.Second)
	v.SetDefault("peerlink.max-retry-interval", 30*time.Second)
}

// loadDaemonConfig resolves and validates the daemon configuration
func loadDaemonConfig(v *viper.Viper) (*daemonConfig, error) {
	setDefaults(v)

	node := meshnode.NewConfig(v.GetString("node-id"))
	node.InboxSize = v.GetInt("node.inbox-size")
	node.JournalCapacity = v.GetInt("node.journal-capacity")
	node.Topology = topology.Config{
		MaxGroupSize:       v.GetInt("topology.max-group-size"),
		MinGroupSize:       v.GetInt("topology.min-group-size"),
		BridgeRedundancy:   v.GetInt("topology.bridge-redundancy"),
		FailureRetryBudget: v.GetInt("topology.failure-retry-budget"),
		FailureGracePeriod: v.GetDuration("topology.failure-grace-period"),
		BridgeCacheSize:    v.GetInt("topology.bridge-cache-size"),
	}
	node.Reporter = reporter.Config{
		ConnectTimeout: v.GetDuration("reporter.connect-timeout"),
		SweepInterval:  v.GetDuration("reporter.sweep-interval"),
	}
	if v.GetBool("peerlink.enabled") {
		node.PeerLinkConfig = &peerlink.Config{
			LocalPeer:     v.GetString("peerlink.local-peer"),
			ListenAddress: v.GetString("peerlink.listen-address"),
			DialTimeout:   v.GetDuration("peerlink.dial-timeout"),
			HealthProbe:   v.GetBool("peerlink.health-probe"),
			ProbeInterval: v.GetDuration("peerlink.probe-interval"),

			RetryInterval:    v.GetDuration("peerlink.retry-interval"),
			MaxRetryInterval: v.GetDuration("peerlink.max-retry-interval"),
		}
	}
	node.SetDefaults()
	if err := node.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &daemonConfig{
		Node: node,
		HTTP: httpapi.Config{
			Port:      v.GetString("http.port"),
			SecretKey: v.GetString("http.secret"),
			NoAuth:    v.GetBool("http.no-auth"),
			TokenTTL:  v.GetDuration("http.token-ttl"),
		},
		Seeds: v.GetStringSlice("seeds"),
	}, nil
}

// newLogger builds a production logger, or a development one when asked
func newLogger(v *viper.Viper) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(v.GetString("log.level"))
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	cfg := zap.NewProductionConfig()
	if v.GetBool("log.development") {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build(zap.Fields(zap.String("version", appVersion)))
}

func defaultNodeID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "meshtopo-node-1"
	}
	return fmt.Sprintf("meshtopo-%s", hostname)
}
