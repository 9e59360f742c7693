// Package peerlink provides the boundary between topology decisions and the transport.
//
// This package defines the core abstractions for the peer link component:
//   - LinkEvent: raw Opened, Closed and Errored transitions keyed by peer pair
//   - Link: a connection for one peer pair
//   - Dialer: interface for opening links without blocking the caller on network I/O
//
// The transport consumes DesiredAction values and reports LinkEvents back. Events are turned
// into per-peer connection states by the connection reporter, never into topology decisions.
//
// Example usage:
//
//	link, err := dialer.Dial(ctx, topology.NewPeerPair("p1", "p2"), "p2.room.local:7400",
//		func(ev peerlink.LinkEvent) {
//			reporter.HandleEvent(ev)
//		})
//	if err != nil {
//		return err
//	}
//	defer link.Close()
package peerlink
