package discovery

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/rmacdonaldsmith/meshtopo-go/pkg/peerregistry"
	"github.com/rmacdonaldsmith/meshtopo-go/pkg/topology"
)

// StaticDiscovery implements Discovery using a static list of seed entries.
// Each entry has the form id[@address][#role], e.g. "p1@10.0.0.5:7400#host".
type StaticDiscovery struct {
	seeds []string
}

// NewStaticDiscovery creates a new static discovery service with the given seed entries
func NewStaticDiscovery(seeds []string) *StaticDiscovery {
	return &StaticDiscovery{
		seeds: seeds,
	}
}

// ParseSeed parses a single seed entry
func ParseSeed(entry string) (topology.PeerJoined, error) {
	entry = strings.TrimSpace(entry)
	var msg topology.PeerJoined

	if i := strings.LastIndex(entry, "#"); i >= 0 {
		role, err := peerregistry.ParseRole(entry[i+1:])
		if err != nil {
			return msg, fmt.Errorf("seed %q: %w", entry, err)
		}
		msg.Role = role
		entry = entry[:i]
	}
	if i := strings.Index(entry, "@"); i >= 0 {
		msg.Address = entry[i+1:]
		entry = entry[:i]
	}
	if entry == "" {
		return msg, fmt.Errorf("seed has no peer ID: %w", peerregistry.ErrInvalidPeerID)
	}
	msg.ID = entry
	return msg, nil
}

// FindPeers returns roster entries parsed from the seed list. Malformed entries are skipped
// and reported together in the returned error.
func (s *StaticDiscovery) FindPeers(ctx context.Context) ([]topology.PeerJoined, error) {
	peers := make([]topology.PeerJoined, 0, len(s.seeds))
	var result *multierror.Error
	for _, seed := range s.seeds {
		msg, err := ParseSeed(seed)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		peers = append(peers, msg)
	}
	return peers, result.ErrorOrNil()
}

// Seed submits every discovered roster entry to joiner in order.
// It returns the number of peers joined.
func Seed(ctx context.Context, d Discovery, joiner Joiner) (int, error) {
	peers, findErr := d.FindPeers(ctx)

	var result *multierror.Error
	if findErr != nil {
		result = multierror.Append(result, findErr)
	}
	joined := 0
	for _, p := range peers {
		if err := ctx.Err(); err != nil {
			return joined, err
		}
		if _, err := joiner.Join(ctx, p); err != nil {
			result = multierror.Append(result, fmt.Errorf("join %s: %w", p.ID, err))
			continue
		}
		joined++
	}
	return joined, result.ErrorOrNil()
}
