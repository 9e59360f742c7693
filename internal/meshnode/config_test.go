package meshnode

import (
	"errors"
	"testing"
	"time"

	"github.com/rmacdonaldsmith/meshtopo-go/internal/peerlink"
	"github.com/rmacdonaldsmith/meshtopo-go/internal/reporter"
	"github.com/rmacdonaldsmith/meshtopo-go/internal/topology"
)

// TestConfig_NewConfig tests creating new configuration with defaults
func TestConfig_NewConfig(t *testing.T) {
	config := NewConfig("node-1")

	if config.NodeID != "node-1" {
		t.Errorf("Expected NodeID 'node-1', got '%s'", config.NodeID)
	}
	if config.Topology.MaxGroupSize != topology.DefaultConfig().MaxGroupSize {
		t.Errorf("Expected default topology config, got %+v", config.Topology)
	}
	if config.PeerLinkConfig != nil {
		t.Errorf("Expected PeerLinkConfig to be nil, got %v", config.PeerLinkConfig)
	}
}

// TestConfig_SetDefaults tests defaults across components
func TestConfig_SetDefaults(t *testing.T) {
	config := NewConfig("node-1").WithPeerLinkConfig(&peerlink.Config{})
	config.SetDefaults()

	if config.InboxSize != 256 {
		t.Errorf("Expected inbox size 256, got %d", config.InboxSize)
	}
	if config.JournalCapacity != 1024 {
		t.Errorf("Expected journal capacity 1024, got %d", config.JournalCapacity)
	}
	if config.Reporter.SweepInterval != time.Second {
		t.Errorf("Expected sweep interval 1s, got %v", config.Reporter.SweepInterval)
	}
	if config.PeerLinkConfig.DialTimeout != 5*time.Second {
		t.Errorf("Expected dial timeout 5s, got %v", config.PeerLinkConfig.DialTimeout)
	}
}

// TestConfig_Validate tests configuration validation
func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		config    *Config
		wantError bool
		errorType error
	}{
		{
			name:      "valid config",
			config:    NewConfig("node-1"),
			wantError: false,
		},
		{
			name:      "empty node ID",
			config:    NewConfig(""),
			wantError: true,
			errorType: ErrEmptyNodeID,
		},
		{
			name:      "negative inbox size",
			config:    &Config{NodeID: "node-1", InboxSize: -1, Topology: topology.DefaultConfig()},
			wantError: true,
			errorType: ErrInvalidInboxSize,
		},
		{
			name:      "negative journal capacity",
			config:    &Config{NodeID: "node-1", JournalCapacity: -1, Topology: topology.DefaultConfig()},
			wantError: true,
			errorType: ErrInvalidJournalCapacity,
		},
		{
			name:      "invalid topology",
			config:    NewConfig("node-1").WithTopologyConfig(topology.Config{MaxGroupSize: 1}),
			wantError: true,
			errorType: topology.ErrInvalidMaxGroupSize,
		},
		{
			name:      "invalid reporter",
			config:    NewConfig("node-1").WithReporterConfig(reporter.Config{ConnectTimeout: -time.Second}),
			wantError: true,
			errorType: reporter.ErrInvalidConnectTimeout,
		},
		{
			name:      "invalid peerlink",
			config:    NewConfig("node-1").WithPeerLinkConfig(&peerlink.Config{DialTimeout: -time.Second}),
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantError {
				if err == nil {
					t.Errorf("Expected error for %s, got nil", tt.name)
				}
				if tt.errorType != nil && !errors.Is(err, tt.errorType) {
					t.Errorf("Expected error %v, got %v", tt.errorType, err)
				}
			} else {
				if err != nil {
					t.Errorf("Expected no error for %s, got %v", tt.name, err)
				}
			}
		})
	}
}
