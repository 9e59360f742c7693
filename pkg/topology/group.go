package topology

import (
	"encoding/json"
	"sort"
)

// GroupID identifies a mesh group. IDs are allocated in creation order starting at 1;
// 0 means "no group".
type GroupID uint32

// NoGroup is the zero GroupID
const NoGroup GroupID = 0

// MeshGroup is a bounded, fully-connected cluster of peers.
// Members are kept sorted so that two groups with the same members compare and diff identically.
type MeshGroup struct {
	ID      GroupID
	MaxSize int
	members []string
}

// NewMeshGroup creates an empty group
func NewMeshGroup(id GroupID, maxSize int) *MeshGroup {
	return &MeshGroup{ID: id, MaxSize: maxSize}
}

// Size returns the number of members
func (g *MeshGroup) Size() int {
	return len(g.members)
}

// HasCapacity reports whether one more peer fits
func (g *MeshGroup) HasCapacity() bool {
	return len(g.members) < g.MaxSize
}

// Room returns how many more peers fit
func (g *MeshGroup) Room() int {
	if len(g.members) >= g.MaxSize {
		return 0
	}
	return g.MaxSize - len(g.members)
}

// Contains reports whether id is a member
func (g *MeshGroup) Contains(id string) bool {
	i := sort.SearchStrings(g.members, id)
	return i < len(g.members) && g.members[i] == id
}

// Members returns a sorted copy of the member IDs
func (g *MeshGroup) Members() []string {
	out := make([]string, len(g.members))
	copy(out, g.members)
	return out
}

// Add inserts a member. Adding an existing member is a no-op.
func (g *MeshGroup) Add(id string) error {
	i := sort.SearchStrings(g.members, id)
	if i < len(g.members) && g.members[i] == id {
		return nil
	}
	if !g.HasCapacity() {
		return ErrCapacityExceeded
	}
	g.members = append(g.members, "")
	copy(g.members[i+1:], g.members[i:])
	g.members[i] = id
	return nil
}

// Remove deletes a member and reports whether it was present
func (g *MeshGroup) Remove(id string) bool {
	i := sort.SearchStrings(g.members, id)
	if i >= len(g.members) || g.members[i] != id {
		return false
	}
	g.members = append(g.members[:i], g.members[i+1:]...)
	return true
}

// Absorb merges all members of other into g. The merge is all-or-nothing.
func (g *MeshGroup) Absorb(other *MeshGroup) error {
	if g.Room() < other.Size() {
		return ErrCapacityExceeded
	}
	for _, id := range other.members {
		if err := g.Add(id); err != nil {
			return err
		}
	}
	return nil
}

// Pairs returns every intra-group edge, sorted
func (g *MeshGroup) Pairs() []PeerPair {
	n := len(g.members)
	pairs := make([]PeerPair, 0, n*(n-1)/2)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			pairs = append(pairs, PeerPair{A: g.members[i], B: g.members[j]})
		}
	}
	return pairs
}

// Clone returns a deep copy
func (g *MeshGroup) Clone() MeshGroup {
	return MeshGroup{ID: g.ID, MaxSize: g.MaxSize, members: g.Members()}
}

// MarshalJSON encodes the group including its members
func (g MeshGroup) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID      GroupID  `json:"id"`
		MaxSize int      `json:"maxSize"`
		Members []string `json:"members"`
	}{g.ID, g.MaxSize, g.Members()})
}

// UnmarshalJSON decodes a group encoded by MarshalJSON
func (g *MeshGroup) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID      GroupID  `json:"id"`
		MaxSize int      `json:"maxSize"`
		Members []string `json:"members"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	g.ID = raw.ID
	g.MaxSize = raw.MaxSize
	g.members = append([]string(nil), raw.Members...)
	sort.Strings(g.members)
	return nil
}
