package peerregistry

import (
	"errors"
	"time"
)

var (
	// ErrUnknownPeer is returned when an operation references a peer that is not in the registry.
	// Under churn this is expected: a state report can race with the peer's removal.
	ErrUnknownPeer = errors.New("unknown peer")
	// ErrInvalidPeerID is returned when an empty peer ID is provided
	ErrInvalidPeerID = errors.New("peer ID cannot be empty")
)

// Role distinguishes the session host from ordinary members
type Role uint8

const (
	Member Role = iota
	Host
)

func (r Role) String() string {
	switch r {
	case Host:
		return "Host"
	case Member:
		return "Member"
	default:
		return "Unknown"
	}
}

// ParseRole parses a role name as written in configuration and API payloads.
// An empty string maps to Member.
func ParseRole(s string) (Role, error) {
	switch s {
	case "", "member", "Member":
		return Member, nil
	case "host", "Host":
		return Host, nil
	default:
		return Member, errors.New("unknown role: " + s)
	}
}

// MarshalText encodes the role by name
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText decodes a role name
func (r *Role) UnmarshalText(text []byte) error {
	role, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = role
	return nil
}

// ConnectionState is the aggregated connection state of a peer as reported by the transport
type ConnectionState uint8

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Failed
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// ParseConnectionState parses a connection state name, case-insensitively for the lower-case forms.
func ParseConnectionState(s string) (ConnectionState, error) {
	switch s {
	case "disconnected", "Disconnected":
		return Disconnected, nil
	case "connecting", "Connecting":
		return Connecting, nil
	case "connected", "Connected":
		return Connected, nil
	case "failed", "Failed":
		return Failed, nil
	default:
		return Disconnected, errors.New("unknown connection state: " + s)
	}
}

// MarshalText encodes the state by name
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name
func (s *ConnectionState) UnmarshalText(text []byte) error {
	state, err := ParseConnectionState(string(text))
	if err != nil {
		return err
	}
	*s = state
	return nil
}

// BridgeEligible reports whether a peer in this state may carry inter-group traffic.
// Failed peers never qualify, and neither do peers that have no live or pending edge.
func (s ConnectionState) BridgeEligible() bool {
	return s == Connected || s == Connecting
}

// Quality is a smoothed view of a peer's link quality
type Quality struct {
	AvgRTTMillis float64 `json:"avgRttMs"`
	PacketLoss   float64 `json:"packetLoss"`
	Stability    uint32  `json:"stability"`
	Samples      uint32  `json:"samples"`
}

// Update folds one measurement into the quality record using an exponential moving average
func (q Quality) Update(rttMillis uint32, packetLoss float64, connected bool) Quality {
	if q.Samples == 0 {
		q.AvgRTTMillis = float64(rttMillis)
		q.PacketLoss = packetLoss
	} else {
		q.AvgRTTMillis = q.AvgRTTMillis*0.7 + float64(rttMillis)*0.3
		q.PacketLoss = q.PacketLoss*0.7 + packetLoss*0.3
	}
	q.Samples++

	if connected {
		q.Stability++
	} else if q.Stability > 5 {
		q.Stability -= 5
	} else {
		q.Stability = 0
	}
	return q
}

// Score returns an overall quality score, higher is better
func (q Quality) Score() float64 {
	rtt := 1000.0 / (q.AvgRTTMillis + 1.0)
	loss := 1.0 - q.PacketLoss
	stability := q.Stability
	if stability > 100 {
		stability = 100
	}
	return rtt * loss * (0.5 + 0.5*float64(stability)/100.0)
}

// Peer is a participant in the session as known by the registry.
// Values returned by a Registry are copies; mutating them has no effect on the registry.
type Peer struct {
	ID       string          `json:"id"`
	Role     Role            `json:"role"`
	State    ConnectionState `json:"state"`
	LastSeen time.Time       `json:"lastSeen"`

	// Address is the transport endpoint the peer can be reached at, if known
	Address string `json:"address,omitempty"`

	// Group is the mesh group the peer belongs to, 0 when unassigned
	Group uint32 `json:"group"`

	// FailureCount counts consecutive Failed reports; FailingSince marks the first of them
	FailureCount int       `json:"failureCount"`
	FailingSince time.Time `json:"failingSince,omitempty"`

	Quality Quality `json:"quality"`
}

// Snapshot is an immutable copy of the registry at one point in time, sorted by peer ID
type Snapshot struct {
	Peers   []Peer
	TakenAt time.Time
	byID    map[string]int
}

// NewSnapshot builds a snapshot from peers that are already sorted by ID
func NewSnapshot(peers []Peer, takenAt time.Time) Snapshot {
	byID := make(map[string]int, len(peers))
	for i, p := range peers {
		byID[p.ID] = i
	}
	return Snapshot{Peers: peers, TakenAt: takenAt, byID: byID}
}

// Get looks up a peer in the snapshot
func (s Snapshot) Get(id string) (Peer, bool) {
	i, ok := s.byID[id]
	if !ok {
		return Peer{}, false
	}
	return s.Peers[i], true
}

// Len returns the number of peers in the snapshot
func (s Snapshot) Len() int {
	return len(s.Peers)
}
