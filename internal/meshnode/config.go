package meshnode

import (
	"errors"
	"fmt"

	"github.com/rmacdonaldsmith/meshtopo-go/internal/peerlink"
	"github.com/rmacdonaldsmith/meshtopo-go/internal/reporter"
	"github.com/rmacdonaldsmith/meshtopo-go/internal/topology"
)

var (
	// ErrEmptyNodeID is returned when node ID is empty
	ErrEmptyNodeID = errors.New("node ID cannot be empty")
	// ErrInvalidInboxSize is returned when the inbox size is negative
	ErrInvalidInboxSize = errors.New("inbox size cannot be negative")
	// ErrInvalidJournalCapacity is returned when the journal capacity is negative
	ErrInvalidJournalCapacity = errors.New("journal capacity cannot be negative")
)

// Config represents configuration for a Node
type Config struct {
	// NodeID identifies this node in logs and health reports
	NodeID string

	// InboxSize bounds the number of queued messages awaiting the inbox goroutine
	InboxSize int

	// JournalCapacity bounds the number of published updates kept for catch-up reads
	JournalCapacity int

	Topology topology.Config
	Reporter reporter.Config

	// PeerLinkConfig enables the link applier when set
	PeerLinkConfig *peerlink.Config
}

// NewConfig creates a new node configuration with safe defaults
func NewConfig(nodeID string) *Config {
	return &Config{
		NodeID:   nodeID,
		Topology: topology.DefaultConfig(),
	}
}

// SetDefaults fills unset fields of the node and its components
func (c *Config) SetDefaults() {
	if c.InboxSize == 0 {
		c.InboxSize = 256
	}
	if c.JournalCapacity == 0 {
		c.JournalCapacity = 1024
	}
	c.Topology.SetDefaults()
	c.Reporter.SetDefaults()
	if c.PeerLinkConfig != nil {
		c.PeerLinkConfig.SetDefaults()
	}
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return ErrEmptyNodeID
	}
	if c.InboxSize < 0 {
		return ErrInvalidInboxSize
	}
	if c.JournalCapacity < 0 {
		return ErrInvalidJournalCapacity
	}
	if err := c.Topology.Validate(); err != nil {
		return fmt.Errorf("invalid topology config: %w", err)
	}
	if err := c.Reporter.Validate(); err != nil {
		return fmt.Errorf("invalid reporter config: %w", err)
	}
	if c.PeerLinkConfig != nil {
		if err := c.PeerLinkConfig.Validate(); err != nil {
			return fmt.Errorf("invalid PeerLink config: %w", err)
		}
	}
	return nil
}

// WithTopologyConfig sets the topology configuration
func (c *Config) WithTopologyConfig(config topology.Config) *Config {
	c.Topology = config
	return c
}

// WithReporterConfig sets the reporter configuration
func (c *Config) WithReporterConfig(config reporter.Config) *Config {
	c.Reporter = config
	return c
}

// WithPeerLinkConfig sets the PeerLink configuration
func (c *Config) WithPeerLinkConfig(config *peerlink.Config) *Config {
	c.PeerLinkConfig = config
	return c
}
