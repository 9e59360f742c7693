package peerregistry

// Registry is the authoritative set of known peers and their reported connection states.
// Implementations must be safe for concurrent use.
type Registry interface {
	// Upsert adds a peer or updates its role. It is idempotent: re-adding a known peer
	// keeps its state, group and quality. created reports whether the peer was new.
	Upsert(id string, role Role) (peer Peer, created bool, err error)

	// Remove deletes a peer and returns the group it belonged to (0 if none).
	Remove(id string) (priorGroup uint32, err error)

	// ReportState records a connection-state transition and maintains the failure streak.
	// Returns ErrUnknownPeer if the peer is not registered.
	ReportState(id string, state ConnectionState) (Peer, error)

	// AssignGroup records the mesh group a peer belongs to (0 clears it)
	AssignGroup(id string, group uint32) error

	// SetAddress binds the peer to a transport address
	SetAddress(id string, address string) error

	// ResolveAddresses maps transport addresses back to peer IDs. Unknown addresses are omitted.
	ResolveAddresses(addresses []string) map[string]string

	// RecordQuality folds a link measurement into the peer's quality record
	RecordQuality(id string, rttMillis uint32, packetLoss float64, connected bool) error

	// Get returns a copy of a single peer
	Get(id string) (Peer, error)

	// ByGroup returns copies of all peers recorded in a group, sorted by ID
	ByGroup(group uint32) []Peer

	// ByState returns copies of all peers in a connection state, sorted by ID
	ByState(state ConnectionState) []Peer

	// Snapshot returns an immutable copy of the whole registry
	Snapshot() Snapshot

	// Len returns the number of registered peers
	Len() int
}
