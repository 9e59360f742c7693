// Package topology provides the overlay data model and the topology manager contract.
//
// This package defines the core abstractions for the topology component:
//   - MeshGroup: a bounded, fully-connected cluster of peers
//   - Bridge and BridgeResult: inter-group edges and the groups that could not be bridged
//   - View: the complete desired edge set, immutable once published
//   - DesiredAction and Update: the ordered Connect/Disconnect diff handed to the transport
//   - Message: inbound PeerJoined, PeerLeft and ConnectionStateChanged events
//   - Manager: interface for the single-writer topology manager
//
// The desired edge set is a pure function of group assignment and bridge set. Every change
// to either is published as a new View together with Diff(previous, next), which lists all
// Disconnect actions before any Connect action.
//
// Example usage:
//
//	mgr, err := topology.NewManager(cfg, registry, logger) // internal/topology
//	if err != nil {
//		return err
//	}
//	update, err := mgr.OnPeerJoin("p1", peerregistry.Member)
//	if err != nil {
//		return err
//	}
//	for _, action := range update.Actions {
//		transport.Apply(action)
//	}
//	for _, g := range update.Unreachable {
//		// escalate, e.g. mgr.ForceMerge(g)
//	}
package topology
