package peerlink

import (
	"errors"
	"time"
)

// Config holds configuration for the link applier and gRPC transport
type Config struct {
	// LocalPeer restricts the applier to pairs involving this peer. Empty means every pair
	// is applied (coordinator mode).
	LocalPeer string

	// ListenAddress is where the gRPC health endpoint is served. Empty disables the server.
	ListenAddress string

	DialTimeout   time.Duration
	HealthProbe   bool
	ProbeInterval time.Duration

	// RetryInterval is the first wait before a failed pair that is still desired is dialed
	// again. The wait doubles on each failure up to MaxRetryInterval.
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.DialTimeout < 0 {
		return errors.New("dial timeout cannot be negative")
	}
	if c.ProbeInterval < 0 {
		return errors.New("probe interval cannot be negative")
	}
	if c.RetryInterval < 0 || c.MaxRetryInterval < 0 {
		return errors.New("retry intervals cannot be negative")
	}
	if c.RetryInterval > 0 && c.MaxRetryInterval > 0 && c.MaxRetryInterval < c.RetryInterval {
		return errors.New("max retry interval cannot be below the retry interval")
	}
	return nil
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 5 * time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = time.Second
	}
	if c.MaxRetryInterval <= 0 {
		c.MaxRetryInterval = 30 * time.Second
	}
	if c.MaxRetryInterval < c.RetryInterval {
		c.MaxRetryInterval = c.RetryInterval
	}
}
