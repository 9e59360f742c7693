package topology

import (
	"time"

	"github.com/rmacdonaldsmith/meshtopo-go/pkg/peerregistry"
)

// Message is an inbound roster or transport event consumed by the single writer
type Message interface {
	isMessage()
}

// PeerJoined announces a peer entering the room roster
type PeerJoined struct {
	ID      string
	Role    peerregistry.Role
	Address string
}

// PeerLeft announces a peer leaving the room roster
type PeerLeft struct {
	ID string
}

// ConnectionStateChanged carries an aggregated connection state reported by the transport
type ConnectionStateChanged struct {
	ID    string
	State peerregistry.ConnectionState
}

func (PeerJoined) isMessage()             {}
func (PeerLeft) isMessage()               {}
func (ConnectionStateChanged) isMessage() {}

// Phase is the manager's view of a peer's lifecycle
type Phase uint8

const (
	Unassigned Phase = iota
	InGroup
	PendingRemoval
)

func (p Phase) String() string {
	switch p {
	case Unassigned:
		return "Unassigned"
	case InGroup:
		return "InGroup"
	case PendingRemoval:
		return "PendingRemoval"
	default:
		return "Unknown"
	}
}

// Cause records which operation triggered a recomputation
type Cause string

const (
	CauseJoin        Cause = "join"
	CauseLeave       Cause = "leave"
	CauseStateChange Cause = "state"
	CauseEviction    Cause = "eviction"
	CauseExpiry      Cause = "expiry"
	CauseMerge       Cause = "merge"
)

// Update is emitted once per recomputation. Actions are ordered Disconnect-before-Connect.
type Update struct {
	Version     uint64          `json:"version"`
	Cause       Cause           `json:"cause"`
	Peer        string          `json:"peer,omitempty"`
	Actions     []DesiredAction `json:"actions"`
	Unreachable []GroupID       `json:"unreachable,omitempty"`
	Evicted     []string        `json:"evicted,omitempty"`
}

// Empty reports whether the update changes nothing
func (u Update) Empty() bool {
	return len(u.Actions) == 0
}

// ActionSink receives every update, synchronously and in order, from the single writer.
// Implementations must not block on network I/O and must not call back into the manager.
type ActionSink interface {
	Emit(update Update)
}

// ActionSinkFunc adapts a function to ActionSink
type ActionSinkFunc func(update Update)

// Emit calls f(update)
func (f ActionSinkFunc) Emit(update Update) {
	f(update)
}

// Manager orchestrates group assignment, bridge selection and diff emission.
// All mutating operations are serialized; CurrentView may be called concurrently.
type Manager interface {
	// OnPeerJoin places a new peer (or updates a known one) and recomputes the view
	OnPeerJoin(id string, role peerregistry.Role) (Update, error)

	// OnPeerLeave removes a peer, merging its group if it became undersized
	OnPeerLeave(id string) (Update, error)

	// OnConnectionStateChanged records a state report. A peer whose consecutive Failed
	// reports exhaust the retry budget is treated as departed.
	OnConnectionStateChanged(id string, state peerregistry.ConnectionState) (Update, error)

	// ExpireFailures evicts peers that have been failing longer than the grace period
	ExpireFailures(now time.Time) (Update, error)

	// ForceMerge folds a group into the first other group with room for all its members
	ForceMerge(group GroupID) (Update, error)

	// Handle dispatches an inbound message to the matching operation
	Handle(msg Message) (Update, error)

	// CurrentView returns the last published view
	CurrentView() *View

	// Groups returns copies of all groups in creation order
	Groups() []MeshGroup

	// Bridges returns the current bridge computation
	Bridges() BridgeResult

	// PeerTopology returns one peer's projection of the overlay
	PeerTopology(id string) (PeerTopology, error)

	// Phase returns the lifecycle phase of a peer known to the manager
	Phase(id string) (Phase, bool)
}
