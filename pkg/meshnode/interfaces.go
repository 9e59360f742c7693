package meshnode

import (
	"context"
	"errors"
	"io"

	"github.com/rmacdonaldsmith/meshtopo-go/pkg/peerregistry"
	"github.com/rmacdonaldsmith/meshtopo-go/pkg/topology"
	"github.com/rmacdonaldsmith/meshtopo-go/pkg/updatelog"
)

var (
	// ErrNodeClosed is returned by operations on a closed node
	ErrNodeClosed = errors.New("node is closed")
	// ErrNodeNotStarted is returned when a message is submitted to a node that is not running
	ErrNodeNotStarted = errors.New("node is not started")
)

// Node hosts one topology instance and serializes every mutation of it.
type Node interface {
	io.Closer

	// Start launches the inbox and maintenance goroutines.
	Start(ctx context.Context) error

	// Stop halts the goroutines. A stopped node can be started again.
	Stop(ctx context.Context) error

	// Join adds a peer to the roster and returns the resulting update.
	Join(ctx context.Context, msg topology.PeerJoined) (topology.Update, error)

	// Leave removes a peer from the roster.
	Leave(ctx context.Context, id string) (topology.Update, error)

	// ReportState records an aggregated connection state for a peer.
	ReportState(ctx context.Context, id string, state peerregistry.ConnectionState) (topology.Update, error)

	// ForceMerge merges a group into another group with room for it.
	ForceMerge(ctx context.Context, group topology.GroupID) (topology.Update, error)

	// Topology returns read access to the manager. Reads never go through the inbox.
	Topology() topology.Manager

	// Registry returns read access to the peer registry.
	Registry() peerregistry.Registry

	// Journal returns the log of published updates, for consumers catching up by version.
	Journal() updatelog.Journal

	// NodeID returns the configured identifier of this node.
	NodeID() string

	// Health returns the overall health status of this node.
	Health(ctx context.Context) (HealthStatus, error)
}

// HealthStatus represents the health of a node and a summary of its topology
type HealthStatus struct {
	// Healthy is true while the node is running
	Healthy bool `json:"healthy"`

	NodeID     string `json:"nodeId"`
	InstanceID string `json:"instanceId"`

	Peers   int    `json:"peers"`
	Groups  int    `json:"groups"`
	Bridges int    `json:"bridges"`
	Version uint64 `json:"version"`

	// Unreachable lists groups without a bridge-eligible peer
	Unreachable []topology.GroupID `json:"unreachable"`

	// Links is the number of links tracked by the applier, 0 when it is disabled
	Links int `json:"links"`

	Message string `json:"message,omitempty"`
}
