package discovery

import (
	"context"

	"github.com/rmacdonaldsmith/meshtopo-go/pkg/topology"
)

// Discovery defines the interface for roster discovery mechanisms
type Discovery interface {
	// FindPeers discovers and returns the initial room roster
	FindPeers(ctx context.Context) ([]topology.PeerJoined, error)
}

// Joiner accepts roster entries, typically a node or a topology manager
type Joiner interface {
	Join(ctx context.Context, msg topology.PeerJoined) (topology.Update, error)
}
