package meshnode

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/meshtopo-go/internal/metrics"
	"github.com/rmacdonaldsmith/meshtopo-go/internal/peerlink"
	"github.com/rmacdonaldsmith/meshtopo-go/internal/peerregistry"
	"github.com/rmacdonaldsmith/meshtopo-go/internal/reporter"
	"github.com/rmacdonaldsmith/meshtopo-go/internal/topology"
	"github.com/rmacdonaldsmith/meshtopo-go/internal/updatelog"
	"github.com/rmacdonaldsmith/meshtopo-go/pkg/meshnode"
	peerlinkpkg "github.com/rmacdonaldsmith/meshtopo-go/pkg/peerlink"
	peerregistrypkg "github.com/rmacdonaldsmith/meshtopo-go/pkg/peerregistry"
	topologypkg "github.com/rmacdonaldsmith/meshtopo-go/pkg/topology"
	updatelogpkg "github.com/rmacdonaldsmith/meshtopo-go/pkg/updatelog"
)

var (
	ErrNodeClosed     = meshnode.ErrNodeClosed
	ErrNodeNotStarted = meshnode.ErrNodeNotStarted
	// ErrNoAddress is returned when a peer has no known transport address
	ErrNoAddress = errors.New("peer has no address")
)

// tick asks the inbox goroutine to expire failing peers
type tick struct {
	now time.Time
}

type mergeRequest struct {
	group topologypkg.GroupID
}

type result struct {
	update topologypkg.Update
	err    error
}

// request is one inbox entry. reply is nil for fire-and-forget reports.
type request struct {
	msg   any
	reply chan result
}

// Option configures a Node
type Option func(*Node)

// WithDialer replaces the gRPC dialer used by the link applier
func WithDialer(d peerlinkpkg.Dialer) Option {
	return func(n *Node) {
		n.dialer = d
	}
}

// WithClock replaces time.Now for the maintenance loop and the reporter
func WithClock(now func() time.Time) Option {
	return func(n *Node) {
		n.now = now
	}
}

// WithMetricsRegistry registers the node's metrics with reg instead of a private registry
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(n *Node) {
		n.metricsRegistry = reg
	}
}

// Node implements the meshnode.Node interface. It owns one topology instance and serializes
// every mutation through a single inbox goroutine.
type Node struct {
	// lifecycle serializes Start, Stop and Close; mu guards the running state
	lifecycle sync.Mutex
	mu        sync.RWMutex

	config     Config
	instanceID string
	logger     *zap.Logger
	now        func() time.Time

	registry        *peerregistry.MemDBRegistry
	manager         *topology.Manager
	reporter        *reporter.Reporter
	journal         *updatelog.InMemoryJournal
	applier         *peerlink.Applier
	dialer          peerlinkpkg.Dialer
	healthServer    *peerlink.HealthServer
	metrics         *metrics.Recorder
	metricsRegistry *prometheus.Registry

	inbox   chan request
	stopped chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	closed  bool
}

// NewNode creates a node with its registry, manager, reporter, metrics and, when configured,
// its link applier. The node does not process messages until Start is called.
func NewNode(config *Config, logger *zap.Logger, opts ...Option) (*Node, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}
	cfg := *config
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	n := &Node{
		config:     cfg,
		instanceID: uuid.NewString(),
		now:        time.Now,
		inbox:      make(chan request, cfg.InboxSize),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = logger.Named("node").With(
		zap.String("node_id", cfg.NodeID),
		zap.String("instance_id", n.instanceID))

	if n.metricsRegistry == nil {
		n.metricsRegistry = prometheus.NewRegistry()
	}
	n.metrics = metrics.NewRecorder(n.metricsRegistry)
	n.registry = peerregistry.NewMemDBRegistry(logger, peerregistry.WithClock(n.now))

	rep, err := reporter.New(cfg.Reporter, reporter.StateSinkFunc(n.forwardState), logger,
		reporter.WithQualityRecorder(n.registry),
		reporter.WithClock(n.now))
	if err != nil {
		return nil, fmt.Errorf("failed to create reporter: %w", err)
	}
	n.reporter = rep

	n.journal = updatelog.NewInMemoryJournal(cfg.JournalCapacity, logger)

	// The reporter must see desired pairs before the applier dials them.
	manager, err := topology.NewManager(cfg.Topology, n.registry, logger,
		topology.WithSink(rep),
		topology.WithSink(n.journal),
		topology.WithObserver(n.metrics))
	if err != nil {
		return nil, fmt.Errorf("failed to create topology manager: %w", err)
	}
	n.manager = manager

	if cfg.PeerLinkConfig != nil {
		if n.dialer == nil {
			dialer, err := peerlink.NewGRPCDialer(cfg.PeerLinkConfig, logger)
			if err != nil {
				return nil, fmt.Errorf("failed to create dialer: %w", err)
			}
			n.dialer = dialer
		}
		applier, err := peerlink.NewApplier(cfg.PeerLinkConfig, n.dialer, n.resolveAddress, n.handleLinkEvent, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create applier: %w", err)
		}
		n.applier = applier
		manager.AddSink(applier)
	}

	return n, nil
}

// Start launches the inbox goroutine, the maintenance ticker and, when a listen address is
// configured, the gRPC health endpoint.
func (n *Node) Start(ctx context.Context) error {
	n.lifecycle.Lock()
	defer n.lifecycle.Unlock()

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return fmt.Errorf("cannot start closed node")
	}
	if n.started {
		return nil
	}

	if pl := n.config.PeerLinkConfig; pl != nil && pl.ListenAddress != "" {
		lis, err := net.Listen("tcp", pl.ListenAddress)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", pl.ListenAddress, err)
		}
		n.healthServer = peerlink.NewHealthServer(lis, n.logger)
		go func(s *peerlink.HealthServer) {
			if err := s.Serve(); err != nil {
				n.logger.Error("Health server stopped", zap.Error(err))
			}
		}(n.healthServer)
	}

	// The loops outlive the Start context; Stop cancels them.
	runCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.stopped = make(chan struct{})
	n.wg.Add(2)
	go n.run(runCtx)
	go n.maintain(runCtx)

	n.started = true
	n.logger.Info("Node started")
	return nil
}

// Stop halts the goroutines and the health endpoint. Queued messages stay in the inbox.
func (n *Node) Stop(ctx context.Context) error {
	n.lifecycle.Lock()
	defer n.lifecycle.Unlock()
	return n.stop()
}

// stop must be called with lifecycle held. mu is released before waiting so that the
// maintenance loop can observe the stop.
func (n *Node) stop() error {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return nil
	}
	n.started = false
	cancel, stopped, health := n.cancel, n.stopped, n.healthServer
	n.healthServer = nil
	n.mu.Unlock()

	cancel()
	close(stopped)
	n.wg.Wait()

	if health != nil {
		if err := health.Close(); err != nil {
			return fmt.Errorf("failed to close health server: %w", err)
		}
	}
	n.logger.Info("Node stopped")
	return nil
}

// Close stops the node and tears down every link. A closed node cannot be restarted.
func (n *Node) Close() error {
	n.lifecycle.Lock()
	defer n.lifecycle.Unlock()

	n.mu.RLock()
	closed := n.closed
	n.mu.RUnlock()
	if closed {
		return nil
	}

	if err := n.stop(); err != nil {
		return err
	}
	if n.applier != nil {
		if err := n.applier.Close(); err != nil {
			return fmt.Errorf("failed to close applier: %w", err)
		}
	}
	if err := n.journal.Close(); err != nil {
		return fmt.Errorf("failed to close journal: %w", err)
	}

	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	return nil
}

// Join submits a PeerJoined message
func (n *Node) Join(ctx context.Context, msg topologypkg.PeerJoined) (topologypkg.Update, error) {
	if msg.ID == "" {
		return topologypkg.Update{}, peerregistrypkg.ErrInvalidPeerID
	}
	return n.submit(ctx, msg)
}

// Leave submits a PeerLeft message
func (n *Node) Leave(ctx context.Context, id string) (topologypkg.Update, error) {
	return n.submit(ctx, topologypkg.PeerLeft{ID: id})
}

// ReportState submits a ConnectionStateChanged message
func (n *Node) ReportState(ctx context.Context, id string, state peerregistrypkg.ConnectionState) (topologypkg.Update, error) {
	return n.submit(ctx, topologypkg.ConnectionStateChanged{ID: id, State: state})
}

// ForceMerge submits a merge request for one group
func (n *Node) ForceMerge(ctx context.Context, group topologypkg.GroupID) (topologypkg.Update, error) {
	return n.submit(ctx, mergeRequest{group: group})
}

// Topology returns read access to the manager
func (n *Node) Topology() topologypkg.Manager {
	return n.manager
}

// Registry returns read access to the peer registry
func (n *Node) Registry() peerregistrypkg.Registry {
	return n.registry
}

// Journal returns the log of published updates
func (n *Node) Journal() updatelogpkg.Journal {
	return n.journal
}

// NodeID returns the configured node ID
func (n *Node) NodeID() string {
	return n.config.NodeID
}

// InstanceID returns the random ID generated for this process
func (n *Node) InstanceID() string {
	return n.instanceID
}

// MetricsRegistry returns the registry holding the node's metrics
func (n *Node) MetricsRegistry() *prometheus.Registry {
	return n.metricsRegistry
}

// Config returns the effective configuration
func (n *Node) Config() Config {
	return n.config
}

// Health returns the node status and a summary of the current topology
func (n *Node) Health(ctx context.Context) (meshnode.HealthStatus, error) {
	n.mu.RLock()
	started, closed := n.started, n.closed
	n.mu.RUnlock()

	bridges := n.manager.Bridges()
	status := meshnode.HealthStatus{
		Healthy:     started && !closed,
		NodeID:      n.config.NodeID,
		InstanceID:  n.instanceID,
		Peers:       n.registry.Len(),
		Groups:      len(n.manager.Groups()),
		Bridges:     len(bridges.Bridges),
		Version:     n.manager.CurrentView().Version(),
		Unreachable: bridges.Unreachable,
	}
	if status.Unreachable == nil {
		status.Unreachable = []topologypkg.GroupID{}
	}
	if n.applier != nil {
		status.Links = len(n.applier.Links())
	}

	switch {
	case closed:
		status.Message = "node is closed"
	case !started:
		status.Message = "node is not started"
	case len(status.Unreachable) > 0:
		status.Message = fmt.Sprintf("%d unreachable group(s)", len(status.Unreachable))
	default:
		status.Message = "All components healthy"
	}
	return status, nil
}

// submit queues a message and waits for its update
func (n *Node) submit(ctx context.Context, msg any) (topologypkg.Update, error) {
	n.mu.RLock()
	if n.closed {
		n.mu.RUnlock()
		return topologypkg.Update{}, ErrNodeClosed
	}
	if !n.started {
		n.mu.RUnlock()
		return topologypkg.Update{}, ErrNodeNotStarted
	}
	stopped := n.stopped
	n.mu.RUnlock()

	req := request{msg: msg, reply: make(chan result, 1)}
	select {
	case n.inbox <- req:
	case <-stopped:
		return topologypkg.Update{}, ErrNodeNotStarted
	case <-ctx.Done():
		return topologypkg.Update{}, ctx.Err()
	}

	select {
	case res := <-req.reply:
		return res.update, res.err
	case <-stopped:
		return topologypkg.Update{}, ErrNodeNotStarted
	case <-ctx.Done():
		return topologypkg.Update{}, ctx.Err()
	}
}

// post queues a message without waiting. It drops the message when the node is not running.
func (n *Node) post(msg any) bool {
	n.mu.RLock()
	if !n.started {
		n.mu.RUnlock()
		return false
	}
	stopped := n.stopped
	n.mu.RUnlock()

	select {
	case n.inbox <- request{msg: msg}:
		return true
	case <-stopped:
		return false
	}
}

func (n *Node) run(ctx context.Context) {
	defer n.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-n.inbox:
			update, err := n.dispatch(req.msg)
			if req.reply != nil {
				req.reply <- result{update: update, err: err}
			} else if err != nil {
				n.logger.Debug("Dropped report", zap.Error(err))
			}
		}
	}
}

// dispatch runs one message against the manager. Only the inbox goroutine calls it.
func (n *Node) dispatch(msg any) (topologypkg.Update, error) {
	var (
		update topologypkg.Update
		err    error
	)
	switch m := msg.(type) {
	case tick:
		update, err = n.manager.ExpireFailures(m.now)
	case mergeRequest:
		update, err = n.manager.ForceMerge(m.group)
	case topologypkg.Message:
		update, err = n.manager.Handle(m)
	default:
		err = fmt.Errorf("unsupported message type %T", msg)
	}
	if err != nil {
		return update, err
	}

	for _, id := range update.Evicted {
		n.reporter.Forget(id)
	}
	if update.Cause == topologypkg.CauseLeave && update.Peer != "" {
		n.reporter.Forget(update.Peer)
	}
	return update, nil
}

// maintain drives reporter timeouts and failure expiry
func (n *Node) maintain(ctx context.Context) {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.Reporter.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := n.now()
			if demoted := n.reporter.Sweep(now); demoted > 0 {
				n.logger.Debug("Demoted stale connection attempts", zap.Int("pairs", demoted))
			}
			if n.config.Topology.FailureGracePeriod > 0 {
				n.post(tick{now: now})
			}
		}
	}
}

// forwardState is the reporter's StateSink
func (n *Node) forwardState(id string, state peerregistrypkg.ConnectionState) {
	n.metrics.ObserveStateReport(state.String())
	if !n.post(topologypkg.ConnectionStateChanged{ID: id, State: state}) {
		n.logger.Debug("Node not running, state report dropped",
			zap.String("peer", id),
			zap.Stringer("state", state))
	}
}

func (n *Node) handleLinkEvent(ev peerlinkpkg.LinkEvent) {
	n.metrics.ObserveLinkEvent(ev)
	n.reporter.HandleEvent(ev)
}

func (n *Node) resolveAddress(id string) (string, error) {
	p, err := n.registry.Get(id)
	if err != nil {
		return "", err
	}
	if p.Address == "" {
		return "", fmt.Errorf("peer %s: %w", id, ErrNoAddress)
	}
	return p.Address, nil
}

var _ meshnode.Node = (*Node)(nil)
