// Package scenario loads roster scripts from YAML and replays them against a topology manager
// with a fake clock, so the same file always yields the same sequence of updates.
package scenario

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rmacdonaldsmith/meshtopo-go/internal/topology"
)

var (
	// ErrNoSteps is returned for a scenario without steps
	ErrNoSteps = errors.New("scenario has no steps")

	// ErrAmbiguousStep is returned when a step names zero or several operations
	ErrAmbiguousStep = errors.New("step must name exactly one of join, leave, state, merge, advance")
)

// Scenario is a scripted sequence of roster events
type Scenario struct {
	Name     string       `yaml:"name"`
	Topology Settings     `yaml:"topology,omitempty"`
	Steps    []Step       `yaml:"steps"`
	Expect   *Expectation `yaml:"expect,omitempty"`
}

// Settings overrides topology configuration. Zero fields take the manager defaults.
type Settings struct {
	MaxGroupSize       int           `yaml:"max-group-size,omitempty"`
	MinGroupSize       int           `yaml:"min-group-size,omitempty"`
	BridgeRedundancy   int           `yaml:"bridge-redundancy,omitempty"`
	FailureRetryBudget int           `yaml:"failure-retry-budget,omitempty"`
	FailureGracePeriod time.Duration `yaml:"failure-grace-period,omitempty"`
}

// Config converts the settings into a topology configuration with defaults applied
func (s Settings) Config() topology.Config {
	cfg := topology.Config{
		MaxGroupSize:       s.MaxGroupSize,
		MinGroupSize:       s.MinGroupSize,
		BridgeRedundancy:   s.BridgeRedundancy,
		FailureRetryBudget: s.FailureRetryBudget,
		FailureGracePeriod: s.FailureGracePeriod,
	}
	cfg.SetDefaults()
	return cfg
}

// Step is one roster event. Exactly one of Join, Leave, State, Merge or Advance is set.
type Step struct {
	Join    string `yaml:"join,omitempty"`
	Role    string `yaml:"role,omitempty"`
	Address string `yaml:"address,omitempty"`

	Leave string `yaml:"leave,omitempty"`

	// State reports a connection state for Peer, Repeat times (default once)
	State  string `yaml:"state,omitempty"`
	Peer   string `yaml:"peer,omitempty"`
	Repeat int    `yaml:"repeat,omitempty"`

	Merge uint32 `yaml:"merge,omitempty"`

	// Advance moves the clock forward and expires failures past the grace period
	Advance time.Duration `yaml:"advance,omitempty"`

	// Fails marks a step whose error is expected
	Fails bool `yaml:"fails,omitempty"`
}

func (s Step) kinds() int {
	n := 0
	for _, set := range []bool{s.Join != "", s.Leave != "", s.State != "", s.Merge != 0, s.Advance != 0} {
		if set {
			n++
		}
	}
	return n
}

// String describes the step in one line
func (s Step) String() string {
	switch {
	case s.Join != "":
		if s.Role != "" {
			return fmt.Sprintf("join %s (%s)", s.Join, s.Role)
		}
		return "join " + s.Join
	case s.Leave != "":
		return "leave " + s.Leave
	case s.State != "":
		if s.Repeat > 1 {
			return fmt.Sprintf("state %s %s x%d", s.Peer, s.State, s.Repeat)
		}
		return fmt.Sprintf("state %s %s", s.Peer, s.State)
	case s.Merge != 0:
		return fmt.Sprintf("merge %d", s.Merge)
	case s.Advance != 0:
		return "advance " + s.Advance.String()
	default:
		return "empty"
	}
}

// Expectation is checked against the final state of a run
type Expectation struct {
	Groups      [][]string `yaml:"groups,omitempty"`
	Bridges     [][]string `yaml:"bridges,omitempty"`
	Unreachable []uint32   `yaml:"unreachable,omitempty"`
	Evicted     []string   `yaml:"evicted,omitempty"`
	Edges       *int       `yaml:"edges,omitempty"`
}

// Validate checks the scenario structure without running it
func (s *Scenario) Validate() error {
	if len(s.Steps) == 0 {
		return ErrNoSteps
	}
	for i, step := range s.Steps {
		if step.kinds() != 1 {
			return fmt.Errorf("step %d: %w", i+1, ErrAmbiguousStep)
		}
		if step.State != "" && step.Peer == "" {
			return fmt.Errorf("step %d: state requires peer", i+1)
		}
		if step.Repeat < 0 {
			return fmt.Errorf("step %d: repeat cannot be negative", i+1)
		}
		if step.Advance < 0 {
			return fmt.Errorf("step %d: advance cannot be negative", i+1)
		}
	}
	cfg := s.Topology.Config()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("topology settings: %w", err)
	}
	return nil
}

// Load decodes and validates a scenario. Unknown keys are rejected.
func Load(r io.Reader) (*Scenario, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var s Scenario
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to decode scenario: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadFile reads a scenario from path
func LoadFile(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	s, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if s.Name == "" {
		s.Name = path
	}
	return s, nil
}
