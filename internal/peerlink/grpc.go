package peerlink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rmacdonaldsmith/meshtopo-go/pkg/peerlink"
	"github.com/rmacdonaldsmith/meshtopo-go/pkg/topology"
)

// GRPCDialer opens a gRPC client connection per peer pair and reports its connectivity
// transitions as link events: Ready is Opened, TransientFailure is Errored and Shutdown is Closed.
// With HealthProbe enabled a link only counts as Opened once the remote health service
// answers SERVING, and each probe round trip is reported as an RTT sample.
type GRPCDialer struct {
	config Config
	opts   []grpc.DialOption
	logger *zap.Logger
}

// NewGRPCDialer creates a dialer. Extra dial options are appended after the defaults.
func NewGRPCDialer(config *Config, logger *zap.Logger, opts ...grpc.DialOption) (*GRPCDialer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	configCopy := *config
	configCopy.SetDefaults()

	if logger == nil {
		logger = zap.NewNop()
	}
	dialOpts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	dialOpts = append(dialOpts, opts...)

	return &GRPCDialer{
		config: configCopy,
		opts:   dialOpts,
		logger: logger.Named("grpc_dialer"),
	}, nil
}

// Dial creates the client connection and starts watching it. It returns without waiting
// for the connection to become ready.
func (d *GRPCDialer) Dial(ctx context.Context, pair topology.PeerPair, address string, events peerlink.EventFunc) (peerlink.Link, error) {
	if address == "" {
		return nil, errors.New("no address for peer pair " + pair.String())
	}
	conn, err := grpc.NewClient(address, d.opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", address, err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	link := &grpcLink{
		pair:   pair,
		conn:   conn,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go d.watch(watchCtx, link, events)
	conn.Connect()

	d.logger.Debug("Dialing peer",
		zap.Stringer("pair", pair),
		zap.String("address", address))
	return link, nil
}

func (d *GRPCDialer) watch(ctx context.Context, link *grpcLink, events peerlink.EventFunc) {
	defer close(link.done)

	emit := func(kind peerlink.EventKind, reason string, rtt uint32) {
		events(peerlink.LinkEvent{Kind: kind, Pair: link.pair, Reason: reason, RTTMillis: rtt, At: time.Now()})
	}

	var probeTicker *time.Ticker
	var probeC <-chan time.Time
	stopProbe := func() {
		if probeTicker != nil {
			probeTicker.Stop()
			probeTicker = nil
			probeC = nil
		}
	}
	defer stopProbe()

	deadline := time.NewTimer(d.config.DialTimeout)
	defer deadline.Stop()

	state := link.conn.GetState()
	for {
		switch state {
		case connectivity.Ready:
			deadline.Stop()
			if d.config.HealthProbe {
				d.probe(ctx, link, emit)
				if probeTicker == nil {
					probeTicker = time.NewTicker(d.config.ProbeInterval)
					probeC = probeTicker.C
				}
			} else {
				emit(peerlink.Opened, "", 0)
			}
		case connectivity.TransientFailure:
			stopProbe()
			emit(peerlink.Errored, "transient failure", 0)
		case connectivity.Idle:
			stopProbe()
			link.conn.Connect()
		case connectivity.Shutdown:
			emit(peerlink.Closed, "shutdown", 0)
			return
		}

		changed := make(chan bool, 1)
		waitCtx, cancelWait := context.WithCancel(ctx)
		current := state
		go func() {
			changed <- link.conn.WaitForStateChange(waitCtx, current)
		}()

	wait:
		for {
			select {
			case ok := <-changed:
				cancelWait()
				if !ok {
					emit(peerlink.Closed, "link closed", 0)
					return
				}
				state = link.conn.GetState()
				break wait
			case <-deadline.C:
				if state != connectivity.Ready {
					emit(peerlink.Errored, "dial timeout", 0)
				}
			case <-probeC:
				d.probe(ctx, link, emit)
			}
		}
	}
}

func (d *GRPCDialer) probe(ctx context.Context, link *grpcLink, emit func(peerlink.EventKind, string, uint32)) {
	probeCtx, cancel := context.WithTimeout(ctx, d.config.DialTimeout)
	defer cancel()

	start := time.Now()
	resp, err := healthpb.NewHealthClient(link.conn).Check(probeCtx, &healthpb.HealthCheckRequest{})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		d.logger.Debug("Health probe failed", zap.Stringer("pair", link.pair), zap.Error(err))
		emit(peerlink.Errored, "health probe: "+err.Error(), 0)
		return
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		emit(peerlink.Errored, "remote not serving: "+resp.GetStatus().String(), 0)
		return
	}
	emit(peerlink.Opened, "", uint32(time.Since(start).Milliseconds()))
}

type grpcLink struct {
	pair   topology.PeerPair
	conn   *grpc.ClientConn
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (l *grpcLink) Pair() topology.PeerPair {
	return l.pair
}

// Close tears the connection down and waits for the watcher to exit
func (l *grpcLink) Close() error {
	var err error
	l.once.Do(func() {
		l.cancel()
		err = l.conn.Close()
		<-l.done
	})
	return err
}

// HealthServer serves grpc.health.v1 so that remote dialers can probe this peer
type HealthServer struct {
	server   *grpc.Server
	health   *health.Server
	listener net.Listener
	logger   *zap.Logger

	mu     sync.Mutex
	closed bool
}

// NewHealthServer creates a health server bound to listener
func NewHealthServer(listener net.Listener, logger *zap.Logger, opts ...grpc.ServerOption) *HealthServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	hs := health.NewServer()
	server := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(server, hs)
	return &HealthServer{
		server:   server,
		health:   hs,
		listener: listener,
		logger:   logger.Named("grpc_health"),
	}
}

// Serve blocks serving requests until Close is called
func (s *HealthServer) Serve() error {
	s.logger.Info("Serving gRPC health", zap.String("address", s.listener.Addr().String()))
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// SetServing toggles the overall serving status reported to probes
func (s *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
}

// Addr returns the listening address
func (s *HealthServer) Addr() string {
	return s.listener.Addr().String()
}

// Close stops the server. Safe to call multiple times.
func (s *HealthServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.health.Shutdown()
	s.server.GracefulStop()
	return nil
}
