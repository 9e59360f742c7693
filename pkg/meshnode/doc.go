// Package meshnode provides interfaces for the node runtime that hosts a topology manager.
//
// This package defines the core abstractions for the node component:
//   - Node: the serialized access boundary around one topology instance
//   - HealthStatus: health and topology summary reporting
//
// A Node owns the peer registry, the topology manager, the connection reporter, the update
// journal, the optional link applier and the metrics recorder. Every mutation is funneled through a single inbox
// goroutine, so callers may use a Node from any goroutine.
//
// Flow:
//  1. Roster changes arrive through Join, Leave and ReportState
//  2. The node hands each message to the topology manager
//  3. The resulting Update is applied by the link applier, tracked by the reporter and journaled
//  4. Link events are aggregated by the reporter and fed back as state reports
//
// Example usage:
//
//	node, err := meshnode.NewNode(config, logger) // internal/meshnode
//	if err != nil {
//		return err
//	}
//	if err := node.Start(ctx); err != nil {
//		return err
//	}
//	defer node.Close()
//
//	update, err := node.Join(ctx, topology.PeerJoined{ID: "p1", Role: peerregistry.Host})
package meshnode
