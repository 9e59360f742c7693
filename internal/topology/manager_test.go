package topology

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/meshtopo-go/internal/peerregistry"
	"github.com/rmacdonaldsmith/meshtopo-go/internal/updatelog"
	registry "github.com/rmacdonaldsmith/meshtopo-go/pkg/peerregistry"
	"github.com/rmacdonaldsmith/meshtopo-go/pkg/topology"
)

type recordingSink struct {
	mu      sync.Mutex
	updates []topology.Update
}

func (s *recordingSink) Emit(u topology.Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, u)
}

func (s *recordingSink) all() []topology.Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]topology.Update(nil), s.updates...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T, cfg Config, opts ...Option) (*Manager, *peerregistry.MemDBRegistry) {
	t.Helper()
	reg := peerregistry.NewMemDBRegistry(zap.NewNop())
	m, err := NewManager(cfg, reg, zap.NewNop(), opts...)
	require.NoError(t, err)
	return m, reg
}

func joinAll(t *testing.T, m *Manager, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := m.OnPeerJoin(id, registry.Member)
		require.NoError(t, err)
	}
}

func members(groups []topology.MeshGroup) [][]string {
	out := make([][]string, 0, len(groups))
	for i := range groups {
		out = append(out, groups[i].Members())
	}
	return out
}

func bridgePairs(r topology.BridgeResult) []topology.PeerPair {
	out := make([]topology.PeerPair, 0, len(r.Bridges))
	for _, b := range r.Bridges {
		out = append(out, b.Pair())
	}
	return out
}

func TestNewManager_InvalidConfig(t *testing.T) {
	reg := peerregistry.NewMemDBRegistry(nil)

	_, err := NewManager(Config{MaxGroupSize: 1}, reg, nil)
	assert.ErrorIs(t, err, ErrInvalidMaxGroupSize)

	_, err = NewManager(Config{MaxGroupSize: 3, MinGroupSize: 4}, reg, nil)
	assert.ErrorIs(t, err, ErrInvalidMinGroupSize)

	_, err = NewManager(Config{FailureRetryBudget: -1}, reg, nil)
	assert.ErrorIs(t, err, ErrInvalidRetryBudget)

	_, err = NewManager(Config{}, nil, nil)
	assert.Error(t, err)

	m, err := NewManager(Config{}, reg, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), m.Config())
}

func TestManager_GreedyAssignmentTwoGroups(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxGroupSize: 3})
	joinAll(t, m, "P1", "P2", "P3", "P4", "P5")

	assert.Equal(t, [][]string{{"P1", "P2", "P3"}, {"P4", "P5"}}, members(m.Groups()))
	assert.Equal(t, []topology.PeerPair{topology.NewPeerPair("P1", "P4")}, bridgePairs(m.Bridges()))

	view := m.CurrentView()
	// 3 edges in group 1, 1 in group 2, 1 bridge
	assert.Equal(t, 5, view.Len())
	assert.True(t, view.Has(topology.NewPeerPair("P4", "P1")))

	pt, err := m.PeerTopology("P4")
	require.NoError(t, err)
	assert.Equal(t, topology.GroupID(2), pt.Group)
	assert.True(t, pt.IsBridge)
	assert.Equal(t, []string{"P5"}, pt.ConnectTo)
	assert.Equal(t, []string{"P1"}, pt.BridgePeers)

	pt, err = m.PeerTopology("P3")
	require.NoError(t, err)
	assert.False(t, pt.IsBridge)
	assert.Empty(t, pt.BridgePeers)
}

func TestManager_EvictsAfterRetryBudget(t *testing.T) {
	sink := &recordingSink{}
	m, reg := newTestManager(t, Config{MaxGroupSize: 3, FailureRetryBudget: 3}, WithSink(sink))
	joinAll(t, m, "P1", "P2", "P3", "P4", "P5")

	for i := 1; i < 3; i++ {
		_, err := m.OnConnectionStateChanged("P1", registry.Failed)
		require.NoError(t, err)
		phase, ok := m.Phase("P1")
		require.True(t, ok)
		assert.Equal(t, topology.PendingRemoval, phase)
	}

	update, err := m.OnConnectionStateChanged("P1", registry.Failed)
	require.NoError(t, err)
	assert.Equal(t, topology.CauseEviction, update.Cause)
	assert.Equal(t, []string{"P1"}, update.Evicted)

	assert.Equal(t, [][]string{{"P2", "P3"}, {"P4", "P5"}}, members(m.Groups()))
	assert.Equal(t, []topology.PeerPair{topology.NewPeerPair("P2", "P4")}, bridgePairs(m.Bridges()))

	_, ok := m.Phase("P1")
	assert.False(t, ok)
	_, err = reg.Get("P1")
	assert.ErrorIs(t, err, registry.ErrUnknownPeer)
	for _, e := range m.CurrentView().Edges() {
		assert.False(t, e.Has("P1"), "edge %v still references evicted peer", e)
	}
}

func TestManager_EvictionWithoutEdgesIsJournaled(t *testing.T) {
	journal := updatelog.NewInMemoryJournal(8, nil)
	m, _ := newTestManager(t, Config{FailureRetryBudget: 1}, WithSink(journal))
	joinAll(t, m, "solo")
	require.Equal(t, uint64(0), m.CurrentView().Version())

	update, err := m.OnConnectionStateChanged("solo", registry.Failed)
	require.NoError(t, err)
	assert.True(t, update.Empty())
	assert.Equal(t, []string{"solo"}, update.Evicted)
	assert.Equal(t, uint64(1), update.Version)
	assert.Equal(t, uint64(1), m.CurrentView().Version())
	assert.Equal(t, 0, m.CurrentView().Len())

	recorded, err := journal.ReadFrom(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.Equal(t, topology.CauseEviction, recorded[0].Cause)
	assert.Equal(t, []string{"solo"}, recorded[0].Evicted)
}

func TestManager_RecoveryResetsBudget(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxGroupSize: 3, FailureRetryBudget: 2})
	joinAll(t, m, "P1", "P2", "P3", "P4")

	_, err := m.OnConnectionStateChanged("P1", registry.Failed)
	require.NoError(t, err)
	_, err = m.OnConnectionStateChanged("P1", registry.Connected)
	require.NoError(t, err)
	_, err = m.OnConnectionStateChanged("P1", registry.Failed)
	require.NoError(t, err)

	phase, ok := m.Phase("P1")
	require.True(t, ok)
	assert.Equal(t, topology.PendingRemoval, phase)
	assert.Len(t, m.Groups()[0].Members(), 3)

	_, err = m.OnConnectionStateChanged("P1", registry.Connected)
	require.NoError(t, err)
	phase, _ = m.Phase("P1")
	assert.Equal(t, topology.InGroup, phase)
}

func TestManager_MergeUndersizedGroup(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxGroupSize: 3, MinGroupSize: 2})
	joinAll(t, m, "P1", "P2", "P3", "P4", "P5")

	_, err := m.OnPeerLeave("P2")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"P1", "P3"}, {"P4", "P5"}}, members(m.Groups()))

	_, err = m.OnPeerLeave("P4")
	require.NoError(t, err)

	groups := m.Groups()
	require.Len(t, groups, 1)
	assert.Equal(t, topology.GroupID(1), groups[0].ID)
	assert.Equal(t, []string{"P1", "P3", "P5"}, groups[0].Members())
	assert.Empty(t, m.Bridges().Bridges)
	assert.Equal(t, 3, m.CurrentView().Len())

	pt, err := m.PeerTopology("P5")
	require.NoError(t, err)
	assert.Equal(t, topology.GroupID(1), pt.Group)
}

func TestManager_NoMergeBeyondCapacity(t *testing.T) {
	m, reg := newTestManager(t, Config{MaxGroupSize: 3, MinGroupSize: 2})
	joinAll(t, m, "P1", "P2", "P3", "P4", "P5")

	_, err := m.OnPeerLeave("P4")
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"P1", "P2", "P3"}, {"P5"}}, members(m.Groups()))
	assert.Equal(t, []topology.PeerPair{topology.NewPeerPair("P1", "P5")}, bridgePairs(m.Bridges()))

	p, err := reg.Get("P5")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), p.Group)
}

func TestManager_UnreachableGroup(t *testing.T) {
	sink := &recordingSink{}
	m, _ := newTestManager(t, Config{MaxGroupSize: 3, FailureRetryBudget: 5}, WithSink(sink))
	joinAll(t, m, "P1", "P2", "P3", "P4", "P5")

	_, err := m.OnConnectionStateChanged("P4", registry.Failed)
	require.NoError(t, err)
	update, err := m.OnConnectionStateChanged("P5", registry.Failed)
	require.NoError(t, err)

	assert.Equal(t, []topology.GroupID{2}, update.Unreachable)
	result := m.Bridges()
	assert.Empty(t, result.Bridges)
	assert.ErrorIs(t, result.Err(), topology.ErrUnreachableGroup)

	// The last bridge into group 2 is torn down, the intra-group edge stays desired
	assert.Equal(t, []topology.DesiredAction{{Kind: topology.Disconnect, Pair: topology.NewPeerPair("P1", "P5")}}, update.Actions)
	assert.True(t, m.CurrentView().Has(topology.NewPeerPair("P4", "P5")))

	// Remediation by forced merge is rejected while group 1 is full
	_, err = m.ForceMerge(2)
	assert.ErrorIs(t, err, topology.ErrCapacityExceeded)
}

func TestManager_ForceMerge(t *testing.T) {
	m, reg := newTestManager(t, Config{MaxGroupSize: 4, MinGroupSize: 1})
	joinAll(t, m, "a", "b", "c", "d", "e", "f")
	_, err := m.OnPeerLeave("b")
	require.NoError(t, err)
	_, err = m.OnPeerLeave("c")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "d"}, {"e", "f"}}, members(m.Groups()))

	_, err = m.ForceMerge(9)
	assert.ErrorIs(t, err, topology.ErrUnknownGroup)

	update, err := m.ForceMerge(2)
	require.NoError(t, err)
	assert.Equal(t, topology.CauseMerge, update.Cause)
	assert.Equal(t, [][]string{{"a", "d", "e", "f"}}, members(m.Groups()))

	p, err := reg.Get("f")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), p.Group)
}

func TestManager_UnknownPeer(t *testing.T) {
	m, _ := newTestManager(t, Config{})

	_, err := m.OnConnectionStateChanged("ghost", registry.Connected)
	assert.ErrorIs(t, err, topology.ErrUnknownPeer)

	_, err = m.OnPeerLeave("ghost")
	assert.ErrorIs(t, err, topology.ErrUnknownPeer)

	_, err = m.PeerTopology("ghost")
	assert.True(t, errors.Is(err, topology.ErrUnknownPeer))

	_, err = m.OnPeerJoin("", registry.Member)
	assert.ErrorIs(t, err, registry.ErrInvalidPeerID)
}

func TestManager_RejoinIsNoOp(t *testing.T) {
	sink := &recordingSink{}
	m, _ := newTestManager(t, Config{MaxGroupSize: 3}, WithSink(sink))
	joinAll(t, m, "P1", "P2")
	version := m.CurrentView().Version()

	update, err := m.OnPeerJoin("P1", registry.Host)
	require.NoError(t, err)
	assert.True(t, update.Empty())
	assert.Equal(t, version, update.Version)
	assert.Equal(t, version, m.CurrentView().Version())
	assert.Len(t, sink.all(), 3)
}

func TestManager_HandleMessages(t *testing.T) {
	m, reg := newTestManager(t, Config{MaxGroupSize: 2, FailureRetryBudget: 1})

	_, err := m.Handle(topology.PeerJoined{ID: "a", Role: registry.Host, Address: "10.0.0.1:7000"})
	require.NoError(t, err)
	_, err = m.Handle(topology.PeerJoined{ID: "b"})
	require.NoError(t, err)
	_, err = m.Handle(topology.PeerJoined{ID: "c"})
	require.NoError(t, err)

	p, err := reg.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:7000", p.Address)
	assert.Equal(t, registry.Host, p.Role)

	update, err := m.Handle(topology.ConnectionStateChanged{ID: "c", State: registry.Failed})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, update.Evicted)

	update, err = m.Handle(topology.PeerLeft{ID: "b"})
	require.NoError(t, err)
	assert.Equal(t, topology.CauseLeave, update.Cause)
	assert.Equal(t, 0, m.CurrentView().Len())
}

func TestManager_ExpireFailures(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	reg := peerregistry.NewMemDBRegistry(zap.NewNop(), peerregistry.WithClock(clock.Now))
	m, err := NewManager(Config{MaxGroupSize: 3, FailureRetryBudget: 100, FailureGracePeriod: 30 * time.Second}, reg, nil)
	require.NoError(t, err)
	joinAll(t, m, "P1", "P2", "P3", "P4")

	_, err = m.OnConnectionStateChanged("P2", registry.Failed)
	require.NoError(t, err)

	clock.Advance(10 * time.Second)
	update, err := m.ExpireFailures(clock.Now())
	require.NoError(t, err)
	assert.Empty(t, update.Evicted)
	assert.True(t, update.Empty())

	clock.Advance(25 * time.Second)
	update, err = m.ExpireFailures(clock.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"P2"}, update.Evicted)
	assert.Equal(t, topology.CauseExpiry, update.Cause)
	assert.Equal(t, [][]string{{"P1", "P3"}, {"P4"}}, members(m.Groups()))
}

func TestManager_ExpireFailuresDisabled(t *testing.T) {
	m, _ := newTestManager(t, Config{FailureRetryBudget: 100})
	joinAll(t, m, "a", "b")
	_, err := m.OnConnectionStateChanged("a", registry.Failed)
	require.NoError(t, err)

	update, err := m.ExpireFailures(time.Now().Add(24 * time.Hour))
	require.NoError(t, err)
	assert.Empty(t, update.Evicted)
	assert.Len(t, m.Groups()[0].Members(), 2)
}

func TestManager_DiffOrderingAndRoundTrip(t *testing.T) {
	sink := &recordingSink{}
	m, _ := newTestManager(t, Config{MaxGroupSize: 3, MinGroupSize: 2, BridgeRedundancy: 2}, WithSink(sink))
	joinAll(t, m, "a", "b", "c", "d", "e", "f", "g", "h")
	_, err := m.OnPeerLeave("d")
	require.NoError(t, err)
	_, err = m.OnConnectionStateChanged("a", registry.Failed)
	require.NoError(t, err)
	_, err = m.OnPeerLeave("g")
	require.NoError(t, err)

	view := topology.EmptyView()
	for _, u := range sink.all() {
		connecting := false
		for _, a := range u.Actions {
			if a.Kind == topology.Connect {
				connecting = true
			}
			require.False(t, a.Kind == topology.Disconnect && connecting, "disconnect after connect in %v", u.Actions)
		}
		view = topology.Apply(view, u.Actions, u.Version)
	}
	assert.True(t, view.SameEdges(m.CurrentView()))
}

func TestManager_Determinism(t *testing.T) {
	type op struct {
		kind  int
		id    string
		state registry.ConnectionState
	}

	rng := rand.New(rand.NewSource(7))
	var ops []op
	live := []string{}
	for i := 0; i < 300; i++ {
		switch r := rng.Intn(10); {
		case r < 5 || len(live) == 0:
			id := fmt.Sprintf("peer-%03d", i)
			live = append(live, id)
			ops = append(ops, op{kind: 0, id: id})
		case r < 7:
			idx := rng.Intn(len(live))
			ops = append(ops, op{kind: 1, id: live[idx]})
			live = append(live[:idx], live[idx+1:]...)
		default:
			ops = append(ops, op{kind: 2, id: live[rng.Intn(len(live))], state: registry.ConnectionState(rng.Intn(4))})
		}
	}

	cfg := Config{MaxGroupSize: 4, MinGroupSize: 2, BridgeRedundancy: 2, FailureRetryBudget: 2}
	m1, _ := newTestManager(t, cfg)
	m2, _ := newTestManager(t, cfg)

	for i, o := range ops {
		var u1, u2 topology.Update
		var err1, err2 error
		switch o.kind {
		case 0:
			u1, err1 = m1.OnPeerJoin(o.id, registry.Member)
			u2, err2 = m2.OnPeerJoin(o.id, registry.Member)
		case 1:
			u1, err1 = m1.OnPeerLeave(o.id)
			u2, err2 = m2.OnPeerLeave(o.id)
		case 2:
			u1, err1 = m1.OnConnectionStateChanged(o.id, o.state)
			u2, err2 = m2.OnConnectionStateChanged(o.id, o.state)
		}
		require.Equal(t, err1 == nil, err2 == nil, "step %d", i)
		require.Equal(t, u1, u2, "step %d", i)
		require.Equal(t, m1.CurrentView().Edges(), m2.CurrentView().Edges(), "step %d", i)
	}
}

func TestManager_MembershipInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(99))

	for round := 0; round < 20; round++ {
		maxSize := 2 + rng.Intn(5)
		m, reg := newTestManager(t, Config{MaxGroupSize: maxSize, MinGroupSize: 1 + rng.Intn(maxSize)})

		live := map[string]bool{}
		next := 0
		for step := 0; step < 150; step++ {
			if len(live) == 0 || rng.Intn(3) != 0 {
				id := fmt.Sprintf("p%04d", next)
				next++
				_, err := m.OnPeerJoin(id, registry.Member)
				require.NoError(t, err)
				live[id] = true
			} else {
				for id := range live {
					_, err := m.OnPeerLeave(id)
					require.NoError(t, err)
					delete(live, id)
					break
				}
			}

			seen := map[string]topology.GroupID{}
			for _, g := range m.Groups() {
				require.LessOrEqual(t, g.Size(), maxSize)
				require.Greater(t, g.Size(), 0)
				for _, id := range g.Members() {
					_, dup := seen[id]
					require.False(t, dup, "peer %s in two groups", id)
					seen[id] = g.ID
				}
			}
			require.Len(t, seen, len(live))
			for id := range live {
				gid, ok := seen[id]
				require.True(t, ok, "live peer %s not in any group", id)
				p, err := reg.Get(id)
				require.NoError(t, err)
				require.Equal(t, uint32(gid), p.Group)
			}
		}
	}
}

func TestManager_ConcurrentReads(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxGroupSize: 3})

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				v := m.CurrentView()
				edges := v.Edges()
				assert.Equal(t, v.Len(), len(edges))
			}
		}
	}()

	for i := 0; i < 100; i++ {
		_, err := m.OnPeerJoin(fmt.Sprintf("p%03d", i), registry.Member)
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()
}

type countingObserver struct {
	calls int
	last  Stats
}

func (o *countingObserver) ObserveRecompute(_ topology.Update, stats Stats, _ time.Duration) {
	o.calls++
	o.last = stats
}

func TestManager_Observer(t *testing.T) {
	obs := &countingObserver{}
	m, _ := newTestManager(t, Config{MaxGroupSize: 3}, WithObserver(obs))
	joinAll(t, m, "P1", "P2", "P3", "P4", "P5")

	assert.Equal(t, 5, obs.calls)
	assert.Equal(t, Stats{Peers: 5, Groups: 2, Bridges: 1, Edges: 5}, obs.last)
}
