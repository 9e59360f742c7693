// Package peerregistry defines the peer data model and the registry contract.
//
// This package defines the core abstractions for the registry component:
//   - Peer: a participant in the session with role, connection state and quality
//   - Snapshot: an immutable, ID-sorted copy of the registry
//   - Registry: interface for adding, removing and reporting on peers
//
// The registry is the only owner of peer records. Peers are mutated through reported
// state transitions or explicit removal; everything else reads snapshots.
//
// Example usage:
//
//	reg := peerregistry.NewMemDBRegistry(logger) // internal/peerregistry
//	_, _, err := reg.Upsert("p1", peerregistry.Host)
//	if err != nil {
//		return err
//	}
//	if _, err := reg.ReportState("p1", peerregistry.Connected); errors.Is(err, peerregistry.ErrUnknownPeer) {
//		// raced with removal, nothing to do
//	}
//	snap := reg.Snapshot()
package peerregistry
