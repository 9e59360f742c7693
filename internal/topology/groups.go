package topology

import (
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/meshtopo-go/pkg/topology"
)

// assign places id in the first group, in creation order, that has capacity.
// A new group is created when none has. Must be called with m.mu held.
func (m *Manager) assign(id string) *topology.MeshGroup {
	for _, g := range m.groups {
		if err := g.Add(id); err == nil {
			m.membership[id] = g.ID
			return g
		}
	}

	m.nextGroup++
	g := topology.NewMeshGroup(m.nextGroup, m.config.MaxGroupSize)
	_ = g.Add(id)
	m.groups = append(m.groups, g)
	m.membership[id] = g.ID

	m.logger.Info("Created mesh group",
		zap.Uint32("group", uint32(g.ID)),
		zap.String("peer", id))
	return g
}

// unassign removes id from its group, deleting the group when it becomes empty and merging it
// when it drops below the minimum size. Must be called with m.mu held.
func (m *Manager) unassign(id string) {
	gid, ok := m.membership[id]
	delete(m.membership, id)
	if !ok {
		return
	}

	g := m.group(gid)
	if g == nil {
		return
	}
	g.Remove(id)

	if g.Size() == 0 {
		m.deleteGroup(gid)
		m.logger.Info("Deleted empty mesh group", zap.Uint32("group", uint32(gid)))
		return
	}

	if g.Size() < m.config.MinGroupSize {
		if target, err := m.merge(g); err != nil {
			m.logger.Debug("Undersized group left standing",
				zap.Uint32("group", uint32(gid)),
				zap.Int("size", g.Size()),
				zap.Error(err))
		} else {
			m.logger.Info("Merged undersized group",
				zap.Uint32("from", uint32(gid)),
				zap.Uint32("into", uint32(target.ID)),
				zap.Int("size", target.Size()))
		}
	}
}

// merge folds src into the first other group, in creation order, with room for all of its members.
// Returns topology.ErrCapacityExceeded when no group can take them. Must be called with m.mu held.
func (m *Manager) merge(src *topology.MeshGroup) (*topology.MeshGroup, error) {
	for _, target := range m.groups {
		if target.ID == src.ID || target.Room() < src.Size() {
			continue
		}
		if err := target.Absorb(src); err != nil {
			return nil, err
		}
		for _, id := range src.Members() {
			m.membership[id] = target.ID
			if err := m.registry.AssignGroup(id, uint32(target.ID)); err != nil {
				m.logger.Warn("Failed to record group reassignment",
					zap.String("peer", id),
					zap.Uint32("group", uint32(target.ID)),
					zap.Error(err))
			}
		}
		m.deleteGroup(src.ID)
		return target, nil
	}
	return nil, topology.ErrCapacityExceeded
}

func (m *Manager) group(id topology.GroupID) *topology.MeshGroup {
	for _, g := range m.groups {
		if g.ID == id {
			return g
		}
	}
	return nil
}

func (m *Manager) deleteGroup(id topology.GroupID) {
	for i, g := range m.groups {
		if g.ID == id {
			m.groups = append(m.groups[:i], m.groups[i+1:]...)
			return
		}
	}
}

// snapshotGroups copies the current groups in creation order
func (m *Manager) snapshotGroups() []topology.MeshGroup {
	out := make([]topology.MeshGroup, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, g.Clone())
	}
	return out
}
