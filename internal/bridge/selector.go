package bridge

import (
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/meshtopo-go/pkg/topology"
)

var (
	// ErrInvalidRedundancy is returned when the redundancy factor is below 1
	ErrInvalidRedundancy = errors.New("bridge redundancy must be at least 1")
)

// Config holds bridge selection settings
type Config struct {
	// Redundancy is the number of distinct bridges per adjacent group pair.
	// With Redundancy >= 2 and at least three groups the line is closed into a ring.
	Redundancy int
}

// SetDefaults sets default values for unset fields
func (c *Config) SetDefaults() {
	if c.Redundancy == 0 {
		c.Redundancy = 1
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.Redundancy < 1 {
		return ErrInvalidRedundancy
	}
	return nil
}

// Selector computes the inter-group bridges for an ordered list of groups.
// Compute is a pure function of its input; a Selector holds no mutable state.
type Selector struct {
	redundancy int
	logger     *zap.Logger
}

// NewSelector creates a selector. A nil logger disables logging.
func NewSelector(cfg Config, logger *zap.Logger) (*Selector, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{redundancy: cfg.Redundancy, logger: logger.Named("bridge")}, nil
}

// Redundancy returns the configured redundancy factor
func (s *Selector) Redundancy() int {
	return s.redundancy
}

type candidate struct {
	id       topology.GroupID
	eligible []string
}

// Compute returns the bridges joining groups into a line (or ring), in group ID order.
// Groups without any eligible peer are reported as unreachable and left out of the line,
// so the remaining groups stay connected to each other.
func (s *Selector) Compute(groups []topology.MeshGroup, eligible func(id string) bool) topology.BridgeResult {
	result := topology.BridgeResult{Bridges: []topology.Bridge{}}

	ordered := make([]*topology.MeshGroup, 0, len(groups))
	for i := range groups {
		if groups[i].Size() > 0 {
			ordered = append(ordered, &groups[i])
		}
	}
	if len(ordered) < 2 {
		return result
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	reachable := make([]candidate, 0, len(ordered))
	for _, g := range ordered {
		var ids []string
		for _, id := range g.Members() {
			if eligible(id) {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			result.Unreachable = append(result.Unreachable, g.ID)
			s.logger.Debug("Group has no bridge-eligible peer", zap.Uint32("group", uint32(g.ID)))
			continue
		}
		reachable = append(reachable, candidate{id: g.ID, eligible: ids})
	}

	for i := 0; i+1 < len(reachable); i++ {
		result.Bridges = append(result.Bridges, s.link(reachable[i], reachable[i+1])...)
	}
	if s.redundancy >= 2 && len(reachable) >= 3 {
		result.Bridges = append(result.Bridges, s.link(reachable[0], reachable[len(reachable)-1])...)
	}

	sortBridges(result.Bridges)
	return result
}

// link selects up to Redundancy bridges between two groups, pairing the i-th smallest eligible
// peers on each side and wrapping around the smaller group.
func (s *Selector) link(a, b candidate) []topology.Bridge {
	k := len(a.eligible)
	if len(b.eligible) > k {
		k = len(b.eligible)
	}
	if s.redundancy < k {
		k = s.redundancy
	}

	seen := make(map[topology.PeerPair]struct{}, k)
	bridges := make([]topology.Bridge, 0, k)
	for i := 0; i < k; i++ {
		pa := a.eligible[i%len(a.eligible)]
		pb := b.eligible[i%len(b.eligible)]
		pair := topology.NewPeerPair(pa, pb)
		if _, dup := seen[pair]; dup {
			continue
		}
		seen[pair] = struct{}{}
		bridges = append(bridges, topology.Bridge{GroupA: a.id, PeerA: pa, GroupB: b.id, PeerB: pb})
	}
	return bridges
}

func sortBridges(bridges []topology.Bridge) {
	sort.Slice(bridges, func(i, j int) bool {
		x, y := bridges[i], bridges[j]
		if x.GroupA != y.GroupA {
			return x.GroupA < y.GroupA
		}
		if x.GroupB != y.GroupB {
			return x.GroupB < y.GroupB
		}
		if x.PeerA != y.PeerA {
			return x.PeerA < y.PeerA
		}
		return x.PeerB < y.PeerB
	})
}
