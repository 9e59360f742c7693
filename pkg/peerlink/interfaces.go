package peerlink

import (
	"context"
	"io"
	"time"

	"github.com/rmacdonaldsmith/meshtopo-go/pkg/topology"
)

// EventKind is the kind of raw transport event observed on one peer link
type EventKind int

const (
	Opened EventKind = iota
	Closed
	Errored
)

func (k EventKind) String() string {
	switch k {
	case Opened:
		return "Opened"
	case Closed:
		return "Closed"
	case Errored:
		return "Errored"
	default:
		return "Unknown"
	}
}

// LinkEvent is a raw transport event keyed by peer pair.
// RTTMillis and PacketLoss are optional measurements carried by Opened events.
type LinkEvent struct {
	Kind       EventKind
	Pair       topology.PeerPair
	Reason     string
	RTTMillis  uint32
	PacketLoss float64
	At         time.Time
}

// EventFunc receives link events. It may be called from any goroutine.
type EventFunc func(event LinkEvent)

// Link is an established or in-progress connection for one peer pair
type Link interface {
	io.Closer

	// Pair returns the peer pair the link serves
	Pair() topology.PeerPair
}

// Dialer opens links to remote peers.
// Dial must not block on network I/O beyond setting the link up; the outcome of the
// connection attempt is reported through events.
type Dialer interface {
	Dial(ctx context.Context, pair topology.PeerPair, address string, events EventFunc) (Link, error)
}
