package topology

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"
)

// PeerPair is an unordered pair of peers, stored canonically with A < B
type PeerPair struct {
	A string `json:"a"`
	B string `json:"b"`
}

// NewPeerPair builds the canonical pair for two peer IDs
func NewPeerPair(x, y string) PeerPair {
	if y < x {
		x, y = y, x
	}
	return PeerPair{A: x, B: y}
}

// Has reports whether id is one of the pair's endpoints
func (p PeerPair) Has(id string) bool {
	return p.A == id || p.B == id
}

// Other returns the endpoint that is not id
func (p PeerPair) Other(id string) string {
	if p.A == id {
		return p.B
	}
	return p.A
}

func (p PeerPair) String() string {
	return p.A + "<->" + p.B
}

func (p PeerPair) less(o PeerPair) bool {
	if p.A != o.A {
		return p.A < o.A
	}
	return p.B < o.B
}

// SortPairs sorts pairs in place by (A, B)
func SortPairs(pairs []PeerPair) {
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].less(pairs[j]) })
}

// Bridge is a desired inter-group edge. GroupA was created before GroupB.
type Bridge struct {
	GroupA GroupID `json:"groupA"`
	PeerA  string  `json:"peerA"`
	GroupB GroupID `json:"groupB"`
	PeerB  string  `json:"peerB"`
}

// Pair returns the peer edge carried by the bridge
func (b Bridge) Pair() PeerPair {
	return NewPeerPair(b.PeerA, b.PeerB)
}

func (b Bridge) String() string {
	return fmt.Sprintf("%d:%s-%d:%s", b.GroupA, b.PeerA, b.GroupB, b.PeerB)
}

// BridgeResult is the outcome of one bridge computation.
// Unreachable groups are part of the result rather than an aborting error, so the caller
// decides the remediation policy.
type BridgeResult struct {
	Bridges     []Bridge  `json:"bridges"`
	Unreachable []GroupID `json:"unreachable,omitempty"`
}

// Err aggregates one UnreachableGroupError per unreachable group, or returns nil
func (r BridgeResult) Err() error {
	var result *multierror.Error
	for _, g := range r.Unreachable {
		result = multierror.Append(result, &UnreachableGroupError{Group: g})
	}
	return result.ErrorOrNil()
}

// IsBridge reports whether id is an endpoint of any bridge
func (r BridgeResult) IsBridge(id string) bool {
	for _, b := range r.Bridges {
		if b.PeerA == id || b.PeerB == id {
			return true
		}
	}
	return false
}

// View is the complete desired edge set at one point in time.
// A View is immutable once built; all accessors return copies.
type View struct {
	version uint64
	edges   map[PeerPair]struct{}
	sorted  []PeerPair
}

// NewView builds a view from a list of edges. Duplicates are collapsed.
func NewView(version uint64, edges []PeerPair) *View {
	set := make(map[PeerPair]struct{}, len(edges))
	sorted := make([]PeerPair, 0, len(edges))
	for _, e := range edges {
		e = NewPeerPair(e.A, e.B)
		if _, ok := set[e]; ok {
			continue
		}
		set[e] = struct{}{}
		sorted = append(sorted, e)
	}
	SortPairs(sorted)
	return &View{version: version, edges: set, sorted: sorted}
}

// EmptyView is the view before any peer joined
func EmptyView() *View {
	return NewView(0, nil)
}

// Version is incremented every time a recomputation changes the edge set or evicts a peer
func (v *View) Version() uint64 {
	return v.version
}

// Len returns the number of desired edges
func (v *View) Len() int {
	return len(v.sorted)
}

// Has reports whether the pair is a desired edge
func (v *View) Has(p PeerPair) bool {
	_, ok := v.edges[NewPeerPair(p.A, p.B)]
	return ok
}

// Edges returns the sorted edge list
func (v *View) Edges() []PeerPair {
	out := make([]PeerPair, len(v.sorted))
	copy(out, v.sorted)
	return out
}

// EdgesOf returns the desired edges touching id
func (v *View) EdgesOf(id string) []PeerPair {
	var out []PeerPair
	for _, e := range v.sorted {
		if e.Has(id) {
			out = append(out, e)
		}
	}
	return out
}

// Neighbors returns the peers id should be directly connected to, sorted
func (v *View) Neighbors(id string) []string {
	var out []string
	for _, e := range v.sorted {
		if e.Has(id) {
			out = append(out, e.Other(id))
		}
	}
	sort.Strings(out)
	return out
}

// SameEdges reports whether two views desire exactly the same edges, regardless of version
func (v *View) SameEdges(o *View) bool {
	if len(v.sorted) != len(o.sorted) {
		return false
	}
	for i := range v.sorted {
		if v.sorted[i] != o.sorted[i] {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the view as its version and sorted edges
func (v *View) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Version uint64     `json:"version"`
		Edges   []PeerPair `json:"edges"`
	}{v.version, v.sorted})
}

// UnmarshalJSON decodes a view encoded by MarshalJSON
func (v *View) UnmarshalJSON(data []byte) error {
	var raw struct {
		Version uint64     `json:"version"`
		Edges   []PeerPair `json:"edges"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = *NewView(raw.Version, raw.Edges)
	return nil
}

// PeerTopology is one peer's projection of the overlay: the group it is in, the group mates
// it must connect to and, when it is a bridge, its partners in other groups.
type PeerTopology struct {
	PeerID      string   `json:"peerId"`
	Group       GroupID  `json:"group"`
	IsBridge    bool     `json:"isBridge"`
	ConnectTo   []string `json:"connectTo"`
	BridgePeers []string `json:"bridgePeers"`
}
