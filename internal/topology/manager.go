package topology

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/meshtopo-go/internal/bridge"
	"github.com/rmacdonaldsmith/meshtopo-go/pkg/peerregistry"
	"github.com/rmacdonaldsmith/meshtopo-go/pkg/topology"
)

// BridgeComputer computes bridges for groups given in creation order
type BridgeComputer interface {
	Compute(groups []topology.MeshGroup, eligible func(id string) bool) topology.BridgeResult
}

// Stats summarizes the overlay after one recomputation
type Stats struct {
	Peers       int
	Groups      int
	Bridges     int
	Edges       int
	Unreachable int
}

// Observer is notified after every recomputation
type Observer interface {
	ObserveRecompute(update topology.Update, stats Stats, elapsed time.Duration)
}

// Option configures a Manager
type Option func(*Manager)

// WithSink registers an ActionSink that receives every update
func WithSink(sink topology.ActionSink) Option {
	return func(m *Manager) {
		m.sinks = append(m.sinks, sink)
	}
}

// WithObserver registers an observer, typically a metrics collector
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		m.observer = o
	}
}

// WithBridgeComputer replaces the default cached selector
func WithBridgeComputer(bc BridgeComputer) Option {
	return func(m *Manager) {
		m.bridges = bc
	}
}

// Manager is the single-writer topology manager. All mutations are serialized under mu;
// published views are immutable and read without locking.
type Manager struct {
	mu       sync.Mutex
	config   Config
	registry peerregistry.Registry
	bridges  BridgeComputer

	groups     []*topology.MeshGroup
	nextGroup  topology.GroupID
	membership map[string]topology.GroupID
	phases     map[string]topology.Phase
	result     topology.BridgeResult

	view atomic.Pointer[topology.View]

	sinks    []topology.ActionSink
	observer Observer
	logger   *zap.Logger
}

// NewManager creates a topology manager over the given registry
func NewManager(cfg Config, registry peerregistry.Registry, logger *zap.Logger, opts ...Option) (*Manager, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid topology config: %w", err)
	}
	if registry == nil {
		return nil, errors.New("registry cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		config:     cfg,
		registry:   registry,
		membership: make(map[string]topology.GroupID),
		phases:     make(map[string]topology.Phase),
		result:     topology.BridgeResult{Bridges: []topology.Bridge{}},
		logger:     logger.Named("topology"),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.bridges == nil {
		selector, err := bridge.NewSelector(bridge.Config{Redundancy: cfg.BridgeRedundancy}, logger)
		if err != nil {
			return nil, err
		}
		cache, err := bridge.NewCache(selector, cfg.BridgeCacheSize, logger)
		if err != nil {
			return nil, err
		}
		m.bridges = cache
	}

	m.view.Store(topology.EmptyView())
	return m, nil
}

// AddSink registers an additional ActionSink
func (m *Manager) AddSink(sink topology.ActionSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, sink)
}

// Config returns the effective configuration
func (m *Manager) Config() Config {
	return m.config
}

// Registry returns the registry the manager records peers in
func (m *Manager) Registry() peerregistry.Registry {
	return m.registry
}

// OnPeerJoin places a peer into the first group with capacity and recomputes the view.
// Joining again only refreshes the peer's role.
func (m *Manager) OnPeerJoin(id string, role peerregistry.Role) (topology.Update, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.join(id, role, "")
}

// OnPeerLeave removes a peer and recomputes the view
func (m *Manager) OnPeerLeave(id string) (topology.Update, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.leave(id); err != nil {
		return topology.Update{}, err
	}
	return m.recompute(topology.CauseLeave, id, nil), nil
}

// OnConnectionStateChanged records a state report. When the peer's consecutive Failed reports
// reach the retry budget it is removed as if it had left.
func (m *Manager) OnConnectionStateChanged(id string, state peerregistry.ConnectionState) (topology.Update, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	peer, err := m.registry.ReportState(id, state)
	if err != nil {
		return topology.Update{}, err
	}

	if state != peerregistry.Failed {
		if _, ok := m.membership[id]; ok {
			m.phases[id] = topology.InGroup
		}
		return m.recompute(topology.CauseStateChange, id, nil), nil
	}

	if peer.FailureCount < m.config.FailureRetryBudget {
		if _, ok := m.membership[id]; ok {
			m.phases[id] = topology.PendingRemoval
		}
		m.logger.Debug("Peer failing",
			zap.String("peer", id),
			zap.Int("failures", peer.FailureCount),
			zap.Int("budget", m.config.FailureRetryBudget))
		return m.recompute(topology.CauseStateChange, id, nil), nil
	}

	m.logger.Warn("Peer exhausted failure retry budget, treating as departed",
		zap.String("peer", id),
		zap.Int("failures", peer.FailureCount))
	if err := m.leave(id); err != nil {
		return topology.Update{}, err
	}
	return m.recompute(topology.CauseEviction, id, []string{id}), nil
}

// ExpireFailures removes every peer whose failure streak started more than the grace period
// before now. It does nothing when the grace period is disabled.
func (m *Manager) ExpireFailures(now time.Time) (topology.Update, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config.FailureGracePeriod <= 0 {
		return topology.Update{Version: m.view.Load().Version(), Cause: topology.CauseExpiry}, nil
	}

	var evicted []string
	for _, p := range m.registry.ByState(peerregistry.Failed) {
		if p.FailingSince.IsZero() || now.Sub(p.FailingSince) < m.config.FailureGracePeriod {
			continue
		}
		if err := m.leave(p.ID); err != nil && !errors.Is(err, topology.ErrUnknownPeer) {
			return topology.Update{}, err
		}
		evicted = append(evicted, p.ID)
		m.logger.Warn("Peer failing past grace period, treating as departed",
			zap.String("peer", p.ID),
			zap.Duration("failing_for", now.Sub(p.FailingSince)))
	}
	if len(evicted) == 0 {
		return topology.Update{Version: m.view.Load().Version(), Cause: topology.CauseExpiry}, nil
	}
	sort.Strings(evicted)
	return m.recompute(topology.CauseExpiry, "", evicted), nil
}

// ForceMerge folds a group into the first other group with room for all its members
func (m *Manager) ForceMerge(id topology.GroupID) (topology.Update, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g := m.group(id)
	if g == nil {
		return topology.Update{}, fmt.Errorf("group %d: %w", id, topology.ErrUnknownGroup)
	}
	target, err := m.merge(g)
	if err != nil {
		return topology.Update{}, fmt.Errorf("merge group %d: %w", id, err)
	}
	m.logger.Info("Forced group merge",
		zap.Uint32("from", uint32(id)),
		zap.Uint32("into", uint32(target.ID)))
	return m.recompute(topology.CauseMerge, "", nil), nil
}

// Handle dispatches an inbound message
func (m *Manager) Handle(msg topology.Message) (topology.Update, error) {
	switch msg := msg.(type) {
	case topology.PeerJoined:
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.join(msg.ID, msg.Role, msg.Address)
	case topology.PeerLeft:
		return m.OnPeerLeave(msg.ID)
	case topology.ConnectionStateChanged:
		return m.OnConnectionStateChanged(msg.ID, msg.State)
	default:
		return topology.Update{}, fmt.Errorf("unsupported message type %T", msg)
	}
}

// CurrentView returns the last published view
func (m *Manager) CurrentView() *topology.View {
	return m.view.Load()
}

// Groups returns copies of all groups in creation order
func (m *Manager) Groups() []topology.MeshGroup {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotGroups()
}

// Bridges returns the bridges of the last recomputation
func (m *Manager) Bridges() topology.BridgeResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := topology.BridgeResult{Bridges: append([]topology.Bridge{}, m.result.Bridges...)}
	if len(m.result.Unreachable) > 0 {
		out.Unreachable = append([]topology.GroupID(nil), m.result.Unreachable...)
	}
	return out
}

// PeerTopology returns one peer's projection of the overlay
func (m *Manager) PeerTopology(id string) (topology.PeerTopology, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	gid, ok := m.membership[id]
	if !ok {
		return topology.PeerTopology{}, fmt.Errorf("peer %s: %w", id, topology.ErrUnknownPeer)
	}

	pt := topology.PeerTopology{
		PeerID:      id,
		Group:       gid,
		ConnectTo:   []string{},
		BridgePeers: []string{},
	}
	if g := m.group(gid); g != nil {
		for _, member := range g.Members() {
			if member != id {
				pt.ConnectTo = append(pt.ConnectTo, member)
			}
		}
	}

	pt.IsBridge = m.result.IsBridge(id)
	seen := make(map[string]struct{})
	for _, b := range m.result.Bridges {
		var partner string
		switch id {
		case b.PeerA:
			partner = b.PeerB
		case b.PeerB:
			partner = b.PeerA
		default:
			continue
		}
		if _, dup := seen[partner]; !dup {
			seen[partner] = struct{}{}
			pt.BridgePeers = append(pt.BridgePeers, partner)
		}
	}
	sort.Strings(pt.BridgePeers)
	return pt, nil
}

// Phase returns the lifecycle phase of a peer
func (m *Manager) Phase(id string) (topology.Phase, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.phases[id]
	return p, ok
}

// join must be called with m.mu held
func (m *Manager) join(id string, role peerregistry.Role, address string) (topology.Update, error) {
	_, created, err := m.registry.Upsert(id, role)
	if err != nil {
		return topology.Update{}, err
	}
	if address != "" {
		if err := m.registry.SetAddress(id, address); err != nil {
			return topology.Update{}, err
		}
	}

	if _, ok := m.membership[id]; !ok {
		m.phases[id] = topology.Unassigned
		g := m.assign(id)
		if err := m.registry.AssignGroup(id, uint32(g.ID)); err != nil {
			return topology.Update{}, err
		}
		m.phases[id] = topology.InGroup
	}

	if created {
		m.logger.Info("Peer joined",
			zap.String("peer", id),
			zap.Stringer("role", role),
			zap.Uint32("group", uint32(m.membership[id])))
	}
	return m.recompute(topology.CauseJoin, id, nil), nil
}

// leave must be called with m.mu held
func (m *Manager) leave(id string) error {
	_, known := m.membership[id]
	if known {
		m.phases[id] = topology.PendingRemoval
	}

	if _, err := m.registry.Remove(id); err != nil {
		if !known || !errors.Is(err, peerregistry.ErrUnknownPeer) {
			return err
		}
	}

	m.unassign(id)
	delete(m.phases, id)
	m.logger.Info("Peer left", zap.String("peer", id))
	return nil
}

// recompute derives the full view from the current groups and registry state, publishes it
// when it differs from the previous one or a peer was evicted, and delivers the update to
// every sink.
// Must be called with m.mu held.
func (m *Manager) recompute(cause topology.Cause, peer string, evicted []string) topology.Update {
	start := time.Now()

	snapshot := m.registry.Snapshot()
	eligible := func(id string) bool {
		p, ok := snapshot.Get(id)
		return ok && p.State.BridgeEligible()
	}

	groups := m.snapshotGroups()
	result := m.bridges.Compute(groups, eligible)

	var edges []topology.PeerPair
	for i := range groups {
		edges = append(edges, groups[i].Pairs()...)
	}
	for _, b := range result.Bridges {
		edges = append(edges, b.Pair())
	}

	prev := m.view.Load()
	next := topology.NewView(prev.Version()+1, edges)
	actions := topology.Diff(prev, next)
	if len(actions) == 0 && len(evicted) == 0 {
		next = prev
	} else {
		m.view.Store(next)
	}
	m.result = result

	update := topology.Update{
		Version:     next.Version(),
		Cause:       cause,
		Peer:        peer,
		Actions:     actions,
		Unreachable: result.Unreachable,
		Evicted:     evicted,
	}

	if len(result.Unreachable) > 0 {
		m.logger.Warn("Unreachable groups in topology",
			zap.Any("groups", result.Unreachable),
			zap.Error(result.Err()))
	}
	m.logger.Debug("Topology recomputed",
		zap.String("cause", string(cause)),
		zap.String("peer", peer),
		zap.Uint64("version", update.Version),
		zap.Int("actions", len(actions)),
		zap.Int("groups", len(groups)),
		zap.Int("bridges", len(result.Bridges)))

	if m.observer != nil {
		m.observer.ObserveRecompute(update, Stats{
			Peers:       len(m.membership),
			Groups:      len(groups),
			Bridges:     len(result.Bridges),
			Edges:       next.Len(),
			Unreachable: len(result.Unreachable),
		}, time.Since(start))
	}
	for _, sink := range m.sinks {
		sink.Emit(update)
	}
	return update
}

var _ topology.Manager = (*Manager)(nil)
