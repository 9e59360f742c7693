package topology

import "fmt"

// ActionKind is the kind of change requested from the transport layer
type ActionKind uint8

const (
	Connect ActionKind = iota
	Disconnect
)

func (k ActionKind) String() string {
	switch k {
	case Connect:
		return "Connect"
	case Disconnect:
		return "Disconnect"
	default:
		return "Unknown"
	}
}

// MarshalText encodes the kind by name
func (k ActionKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind encoded by MarshalText
func (k *ActionKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "Connect":
		*k = Connect
	case "Disconnect":
		*k = Disconnect
	default:
		return fmt.Errorf("unknown action kind %q", string(text))
	}
	return nil
}

// DesiredAction asks the transport to open or close one peer link.
// Consumers apply actions idempotently.
type DesiredAction struct {
	Kind ActionKind `json:"kind"`
	Pair PeerPair   `json:"pair"`
}

func (a DesiredAction) String() string {
	return a.Kind.String() + "(" + a.Pair.String() + ")"
}

// Diff computes the actions that turn prev into next. It is pure: Disconnect actions come
// first, then Connect actions, each group sorted by pair.
func Diff(prev, next *View) []DesiredAction {
	if prev == nil {
		prev = EmptyView()
	}
	if next == nil {
		next = EmptyView()
	}

	actions := make([]DesiredAction, 0)
	for _, e := range prev.sorted {
		if !next.Has(e) {
			actions = append(actions, DesiredAction{Kind: Disconnect, Pair: e})
		}
	}
	for _, e := range next.sorted {
		if !prev.Has(e) {
			actions = append(actions, DesiredAction{Kind: Connect, Pair: e})
		}
	}
	return actions
}

// Apply replays actions onto a view's edge set and returns the resulting view.
// Applying Diff(prev, next) to prev yields next's edge set.
func Apply(view *View, actions []DesiredAction, version uint64) *View {
	if view == nil {
		view = EmptyView()
	}
	set := make(map[PeerPair]struct{}, view.Len())
	for _, e := range view.sorted {
		set[e] = struct{}{}
	}
	for _, a := range actions {
		p := NewPeerPair(a.Pair.A, a.Pair.B)
		switch a.Kind {
		case Connect:
			set[p] = struct{}{}
		case Disconnect:
			delete(set, p)
		}
	}
	edges := make([]PeerPair, 0, len(set))
	for e := range set {
		edges = append(edges, e)
	}
	return NewView(version, edges)
}
