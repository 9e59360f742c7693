package reporter

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/meshtopo-go/pkg/peerlink"
	"github.com/rmacdonaldsmith/meshtopo-go/pkg/peerregistry"
	"github.com/rmacdonaldsmith/meshtopo-go/pkg/topology"
)

var (
	// ErrInvalidConnectTimeout is returned when ConnectTimeout is negative
	ErrInvalidConnectTimeout = errors.New("connect timeout cannot be negative")
	// ErrInvalidSweepInterval is returned when SweepInterval is negative
	ErrInvalidSweepInterval = errors.New("sweep interval cannot be negative")
)

// StateSink receives aggregated per-peer connection states
type StateSink interface {
	ReportState(id string, state peerregistry.ConnectionState)
}

// StateSinkFunc adapts a function to StateSink
type StateSinkFunc func(id string, state peerregistry.ConnectionState)

// ReportState calls f(id, state)
func (f StateSinkFunc) ReportState(id string, state peerregistry.ConnectionState) {
	f(id, state)
}

// QualityRecorder receives link quality samples
type QualityRecorder interface {
	RecordQuality(id string, rttMillis uint32, packetLoss float64, connected bool) error
}

// Config holds reporter settings
type Config struct {
	// ConnectTimeout is how long a pair may stay in flight before it counts as failed
	ConnectTimeout time.Duration
	// SweepInterval is how often the owner should call Sweep
	SweepInterval time.Duration
}

// SetDefaults sets default values for unset fields
func (c *Config) SetDefaults() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Second
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.ConnectTimeout < 0 {
		return ErrInvalidConnectTimeout
	}
	if c.SweepInterval < 0 {
		return ErrInvalidSweepInterval
	}
	return nil
}

type pairStatus uint8

const (
	pending pairStatus = iota
	open
	errored
	closed
)

type pairState struct {
	status pairStatus
	since  time.Time
}

type change struct {
	id    string
	state peerregistry.ConnectionState
}

// Reporter maps raw link events onto per-peer connection states over the desired edges
// of the current view and forwards state changes upward. It never decides topology.
type Reporter struct {
	config  Config
	sink    StateSink
	quality QualityRecorder
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	desired  map[string]map[topology.PeerPair]struct{}
	pairs    map[topology.PeerPair]*pairState
	reported map[string]peerregistry.ConnectionState
}

// Option configures a Reporter
type Option func(*Reporter)

// WithQualityRecorder relays RTT and loss samples carried by Opened events
func WithQualityRecorder(q QualityRecorder) Option {
	return func(r *Reporter) {
		r.quality = q
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(r *Reporter) {
		r.now = now
	}
}

// New creates a reporter forwarding to sink
func New(cfg Config, sink StateSink, logger *zap.Logger, opts ...Option) (*Reporter, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, errors.New("state sink cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reporter{
		config:   cfg,
		sink:     sink,
		logger:   logger.Named("reporter"),
		now:      time.Now,
		desired:  make(map[string]map[topology.PeerPair]struct{}),
		pairs:    make(map[topology.PeerPair]*pairState),
		reported: make(map[string]peerregistry.ConnectionState),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Config returns the effective configuration
func (r *Reporter) Config() Config {
	return r.config
}

// Emit tracks the desired edges of the view. A Connect marks the pair in flight.
// Emit never forwards states, so it is safe to call from the topology writer.
func (r *Reporter) Emit(update topology.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for _, action := range update.Actions {
		p := action.Pair
		switch action.Kind {
		case topology.Connect:
			r.addDesired(p.A, p)
			r.addDesired(p.B, p)
			if st, ok := r.pairs[p]; !ok || st.status != open {
				r.pairs[p] = &pairState{status: pending, since: now}
			}
		case topology.Disconnect:
			r.removeDesired(p.A, p)
			r.removeDesired(p.B, p)
			delete(r.pairs, p)
		}
	}
}

// HandleEvent records a transport event and forwards resulting state changes.
// Events for pairs that are not desired are ignored.
func (r *Reporter) HandleEvent(ev peerlink.LinkEvent) {
	p := topology.NewPeerPair(ev.Pair.A, ev.Pair.B)

	r.mu.Lock()
	st, ok := r.pairs[p]
	if !ok {
		r.mu.Unlock()
		r.logger.Debug("Ignoring event for undesired pair",
			zap.Stringer("pair", p),
			zap.Stringer("kind", ev.Kind))
		return
	}

	now := r.now()
	switch ev.Kind {
	case peerlink.Opened:
		st.status = open
	case peerlink.Closed:
		st.status = closed
	case peerlink.Errored:
		st.status = errored
	}
	st.since = now

	failed := ev.Kind == peerlink.Errored
	changes := r.derive(now, failed, p.A, p.B)
	r.mu.Unlock()

	if ev.Kind == peerlink.Errored {
		r.logger.Debug("Link errored", zap.Stringer("pair", p), zap.String("reason", ev.Reason))
	}
	if ev.Kind == peerlink.Opened && r.quality != nil && ev.RTTMillis > 0 {
		for _, id := range []string{p.A, p.B} {
			if err := r.quality.RecordQuality(id, ev.RTTMillis, ev.PacketLoss, true); err != nil {
				r.logger.Debug("Dropping quality sample", zap.String("peer", id), zap.Error(err))
			}
		}
	}
	r.forward(changes)
}

// Sweep demotes pairs that have been in flight longer than ConnectTimeout and forwards the
// resulting state changes. It returns the number of demoted pairs.
func (r *Reporter) Sweep(now time.Time) int {
	r.mu.Lock()
	var stale []topology.PeerPair
	for p, st := range r.pairs {
		if st.status == pending && now.Sub(st.since) >= r.config.ConnectTimeout {
			st.status = errored
			st.since = now
			stale = append(stale, p)
		}
	}
	topology.SortPairs(stale)

	var ids []string
	seen := make(map[string]struct{})
	for _, p := range stale {
		for _, id := range []string{p.A, p.B} {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}
	changes := r.derive(now, len(stale) > 0, ids...)
	r.mu.Unlock()

	if len(stale) > 0 {
		r.logger.Debug("Connect attempts timed out", zap.Int("pairs", len(stale)))
	}
	r.forward(changes)
	return len(stale)
}

// State returns the last state forwarded for a peer
func (r *Reporter) State(id string) (peerregistry.ConnectionState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.reported[id]
	return s, ok
}

// Forget drops the reporter's memory of a departed peer
func (r *Reporter) Forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reported, id)
}

// derive recomputes the state of each peer and returns the changes to forward. A Failed state
// is forwarded again when failedAttempt is set, so every failed retry counts against the budget.
// Must be called with r.mu held.
func (r *Reporter) derive(now time.Time, failedAttempt bool, ids ...string) []change {
	var changes []change
	for _, id := range ids {
		edges := r.desired[id]
		if len(edges) == 0 {
			continue
		}
		state := r.aggregate(now, edges)
		prev, known := r.reported[id]
		if known && prev == state && !(state == peerregistry.Failed && failedAttempt) {
			continue
		}
		r.reported[id] = state
		changes = append(changes, change{id: id, state: state})
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].id < changes[j].id })
	return changes
}

// aggregate must be called with r.mu held
func (r *Reporter) aggregate(now time.Time, edges map[topology.PeerPair]struct{}) peerregistry.ConnectionState {
	var inFlight, failed bool
	for p := range edges {
		st, ok := r.pairs[p]
		if !ok {
			continue
		}
		switch st.status {
		case open:
			return peerregistry.Connected
		case pending:
			if now.Sub(st.since) < r.config.ConnectTimeout {
				inFlight = true
			} else {
				failed = true
			}
		case errored:
			failed = true
		}
	}
	switch {
	case inFlight:
		return peerregistry.Connecting
	case failed:
		return peerregistry.Failed
	default:
		return peerregistry.Disconnected
	}
}

func (r *Reporter) forward(changes []change) {
	for _, c := range changes {
		r.logger.Debug("Forwarding state", zap.String("peer", c.id), zap.Stringer("state", c.state))
		r.sink.ReportState(c.id, c.state)
	}
}

func (r *Reporter) addDesired(id string, p topology.PeerPair) {
	edges, ok := r.desired[id]
	if !ok {
		edges = make(map[topology.PeerPair]struct{})
		r.desired[id] = edges
	}
	edges[p] = struct{}{}
}

func (r *Reporter) removeDesired(id string, p topology.PeerPair) {
	edges, ok := r.desired[id]
	if !ok {
		return
	}
	delete(edges, p)
	if len(edges) == 0 {
		delete(r.desired, id)
	}
}

var _ topology.ActionSink = (*Reporter)(nil)
