package topology

import (
	"errors"
	"time"
)

var (
	// ErrInvalidMaxGroupSize is returned when MaxGroupSize is below 2
	ErrInvalidMaxGroupSize = errors.New("max group size must be at least 2")
	// ErrInvalidMinGroupSize is returned when MinGroupSize is negative or above MaxGroupSize
	ErrInvalidMinGroupSize = errors.New("min group size must be between 0 and max group size")
	// ErrInvalidBridgeRedundancy is returned when BridgeRedundancy is below 1
	ErrInvalidBridgeRedundancy = errors.New("bridge redundancy must be at least 1")
	// ErrInvalidRetryBudget is returned when FailureRetryBudget is below 1
	ErrInvalidRetryBudget = errors.New("failure retry budget must be at least 1")
	// ErrInvalidGracePeriod is returned when FailureGracePeriod is negative
	ErrInvalidGracePeriod = errors.New("failure grace period cannot be negative")
	// ErrInvalidCacheSize is returned when BridgeCacheSize is negative
	ErrInvalidCacheSize = errors.New("bridge cache size cannot be negative")
)

// Config represents configuration for the topology manager
type Config struct {
	// MaxGroupSize bounds the number of members per group, and so per-peer fan-out inside a group
	MaxGroupSize int

	// MinGroupSize is the merge threshold: a group that shrinks below it on leave is folded
	// into another group when one can take all its members. 1 disables merging.
	MinGroupSize int

	// BridgeRedundancy is the number of bridges per adjacent group pair (>= 2 closes a ring)
	BridgeRedundancy int

	// FailureRetryBudget is the number of consecutive Failed reports after which a peer
	// is treated as departed
	FailureRetryBudget int

	// FailureGracePeriod evicts a peer that has been failing for longer than this.
	// Zero disables the duration budget.
	FailureGracePeriod time.Duration

	// BridgeCacheSize is the number of memoized bridge computations
	BridgeCacheSize int
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() Config {
	cfg := Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults sets default values for unset fields
func (c *Config) SetDefaults() {
	if c.MaxGroupSize == 0 {
		c.MaxGroupSize = 6
	}
	if c.MinGroupSize == 0 {
		c.MinGroupSize = 2
		if c.MinGroupSize > c.MaxGroupSize {
			c.MinGroupSize = c.MaxGroupSize
		}
	}
	if c.BridgeRedundancy == 0 {
		c.BridgeRedundancy = 1
	}
	if c.FailureRetryBudget == 0 {
		c.FailureRetryBudget = 3
	}
	if c.BridgeCacheSize == 0 {
		c.BridgeCacheSize = 128
	}
}

// Validate checks the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if c.MaxGroupSize < 2 {
		return ErrInvalidMaxGroupSize
	}
	if c.MinGroupSize < 0 || c.MinGroupSize > c.MaxGroupSize {
		return ErrInvalidMinGroupSize
	}
	if c.BridgeRedundancy < 1 {
		return ErrInvalidBridgeRedundancy
	}
	if c.FailureRetryBudget < 1 {
		return ErrInvalidRetryBudget
	}
	if c.FailureGracePeriod < 0 {
		return ErrInvalidGracePeriod
	}
	if c.BridgeCacheSize < 0 {
		return ErrInvalidCacheSize
	}
	return nil
}
