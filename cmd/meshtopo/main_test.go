package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/meshtopo-go/internal/topology"
	"github.com/rmacdonaldsmith/meshtopo-go/pkg/meshnode"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand(viper.New())
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%s v%s\n", appName, appVersion), out)
}

func TestSimulateCommand(t *testing.T) {
	t.Run("prints_replay", func(t *testing.T) {
		path := writeFile(t, "ok.yaml", `
name: two-groups
steps:
  - join: P1
  - join: P2
  - join: P3
  - join: P4
expect:
  groups: [[P1, P2, P3], [P4]]
`)
		out, err := execute(t, "simulate", path, "--max-group-size", "3")
		require.NoError(t, err)
		assert.Contains(t, out, "scenario two-groups")
		assert.Contains(t, out, "group 2: P4")
		assert.Contains(t, out, "bridge ")
	})

	t.Run("fails_on_mismatch", func(t *testing.T) {
		path := writeFile(t, "bad.yaml", `
steps:
  - join: P1
expect:
  groups: [[P2]]
`)
		out, err := execute(t, "simulate", path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "groups: expected")
		assert.Contains(t, out, "join P1")
	})

	t.Run("requires_file", func(t *testing.T) {
		_, err := execute(t, "simulate")
		assert.Error(t, err)
	})
}

func TestLoadDaemonConfig(t *testing.T) {
	t.Run("file_then_env", func(t *testing.T) {
		path := writeFile(t, "meshtopo.yaml", `
node-id: node-a
http:
  port: "9090"
  secret: s3cret
topology:
  max-group-size: 8
  bridge-redundancy: 2
  failure-grace-period: 2m
peerlink:
  enabled: true
  local-peer: p1
  retry-interval: 250ms
seeds:
  - p1@10.0.0.1:7400#host
  - p2
`)
		t.Setenv("MESHTOPO_TOPOLOGY_MAX_GROUP_SIZE", "4")

		v := viper.New()
		v.Set("config", path)
		require.NoError(t, initConfig(v))

		cfg, err := loadDaemonConfig(v)
		require.NoError(t, err)
		assert.Equal(t, "node-a", cfg.Node.NodeID)
		assert.Equal(t, "9090", cfg.HTTP.Port)
		assert.Equal(t, "s3cret", cfg.HTTP.SecretKey)
		assert.Equal(t, 4, cfg.Node.Topology.MaxGroupSize)
		assert.Equal(t, 2, cfg.Node.Topology.BridgeRedundancy)
		assert.Equal(t, 2*time.Minute, cfg.Node.Topology.FailureGracePeriod)
		assert.Equal(t, 3, cfg.Node.Topology.FailureRetryBudget)
		require.NotNil(t, cfg.Node.PeerLinkConfig)
		assert.Equal(t, "p1", cfg.Node.PeerLinkConfig.LocalPeer)
		assert.Equal(t, 250*time.Millisecond, cfg.Node.PeerLinkConfig.RetryInterval)
		assert.Equal(t, 30*time.Second, cfg.Node.PeerLinkConfig.MaxRetryInterval)
		assert.Equal(t, []string{"p1@10.0.0.1:7400#host", "p2"}, cfg.Seeds)
	})

	t.Run("defaults", func(t *testing.T) {
		v := viper.New()
		require.NoError(t, initConfig(v))

		cfg, err := loadDaemonConfig(v)
		require.NoError(t, err)
		assert.NotEmpty(t, cfg.Node.NodeID)
		assert.Equal(t, "8081", cfg.HTTP.Port)
		assert.Equal(t, 6, cfg.Node.Topology.MaxGroupSize)
		assert.Equal(t, 10*time.Second, cfg.Node.Reporter.ConnectTimeout)
		assert.Equal(t, 1024, cfg.Node.JournalCapacity)
		assert.Nil(t, cfg.Node.PeerLinkConfig)
	})

	t.Run("invalid", func(t *testing.T) {
		v := viper.New()
		v.Set("topology.max-group-size", 1)

		_, err := loadDaemonConfig(v)
		assert.True(t, errors.Is(err, topology.ErrInvalidMaxGroupSize), "got %v", err)
	})

	t.Run("missing_file", func(t *testing.T) {
		v := viper.New()
		v.Set("config", filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, initConfig(v))
	})
}

func TestNewLogger(t *testing.T) {
	v := viper.New()
	v.Set("log.level", "debug")
	v.Set("log.development", true)
	logger, err := newLogger(v)
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))

	v.Set("log.level", "chatty")
	_, err = newLogger(v)
	assert.Error(t, err)
}

// TestRunServe starts the daemon on an ephemeral port, checks the seeded roster and shuts down
func TestRunServe(t *testing.T) {
	v := viper.New()
	v.Set("node-id", "serve-test")
	v.Set("http.port", "0")
	v.Set("seeds", []string{"p1@10.0.0.1:7400#host", "p2", "@bad"})

	cfg, err := loadDaemonConfig(v)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	addrs := make(chan net.Addr, 1)
	done := make(chan error, 1)
	go func() {
		done <- runServe(ctx, cfg, zap.NewNop(), func(addr net.Addr) { addrs <- addr })
	}()

	var addr net.Addr
	select {
	case addr = <-addrs:
	case err := <-done:
		t.Fatalf("Server exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for the API listener")
	}

	port := addr.(*net.TCPAddr).Port
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/api/v1/health", port))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health meshnode.HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "serve-test", health.NodeID)
	assert.Equal(t, 2, health.Peers)

	metrics, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/metrics", port))
	require.NoError(t, err)
	defer metrics.Body.Close()
	var body bytes.Buffer
	_, _ = body.ReadFrom(metrics.Body)
	assert.True(t, strings.Contains(body.String(), "meshtopo_peers"), "metrics missing meshtopo_peers")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Timed out waiting for shutdown")
	}
}
