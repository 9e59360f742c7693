package peerlink

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/meshtopo-go/pkg/peerlink"
	"github.com/rmacdonaldsmith/meshtopo-go/pkg/topology"
)

// AddressResolver returns the transport address of a peer
type AddressResolver func(id string) (string, error)

type linkEntry struct {
	generation uint64
	link       peerlink.Link
	cancel     context.CancelFunc
	backoff    *backoff.ExponentialBackOff
	retry      *time.Timer
}

func (e *linkEntry) stop() {
	e.cancel()
	if e.retry != nil {
		e.retry.Stop()
		e.retry = nil
	}
}

// Applier turns topology updates into Dial and Close calls. It implements topology.ActionSink.
// Actions are applied idempotently: Connect for a pair that is already open or dialing and
// Disconnect for an absent pair do nothing. Emit never blocks on the network; dials run in
// their own goroutines and report back through the event callback. A failed pair stays
// desired and is dialed again with exponential backoff until a Disconnect removes it, so
// every failed attempt reaches the event callback.
type Applier struct {
	config  Config
	dialer  peerlink.Dialer
	resolve AddressResolver
	events  peerlink.EventFunc
	logger  *zap.Logger

	mu         sync.Mutex
	links      map[topology.PeerPair]*linkEntry
	generation uint64
	closed     bool
	wg         sync.WaitGroup
}

// NewApplier creates an applier. events receives every link event, including the Closed
// event the applier reports itself when it tears a link down.
func NewApplier(config *Config, dialer peerlink.Dialer, resolve AddressResolver, events peerlink.EventFunc, logger *zap.Logger) (*Applier, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if dialer == nil || resolve == nil || events == nil {
		return nil, errors.New("dialer, resolver and event callback are required")
	}
	configCopy := *config
	configCopy.SetDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Applier{
		config:  configCopy,
		dialer:  dialer,
		resolve: resolve,
		events:  events,
		logger:  logger.Named("applier"),
		links:   make(map[topology.PeerPair]*linkEntry),
	}, nil
}

// Emit applies the actions of one update
func (a *Applier) Emit(update topology.Update) {
	var toClose []peerlink.Link

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	for _, action := range update.Actions {
		if a.config.LocalPeer != "" && !action.Pair.Has(a.config.LocalPeer) {
			continue
		}
		switch action.Kind {
		case topology.Connect:
			if _, ok := a.links[action.Pair]; ok {
				continue
			}
			a.generation++
			entry := &linkEntry{generation: a.generation, backoff: a.newBackOff()}
			a.links[action.Pair] = entry
			a.startDial(action.Pair, entry)
		case topology.Disconnect:
			entry, ok := a.links[action.Pair]
			if !ok {
				continue
			}
			delete(a.links, action.Pair)
			entry.stop()
			if entry.link != nil {
				toClose = append(toClose, entry.link)
			}
		}
	}
	a.mu.Unlock()

	for _, link := range toClose {
		if err := link.Close(); err != nil {
			a.logger.Debug("Error closing link", zap.Stringer("pair", link.Pair()), zap.Error(err))
		}
		a.events(peerlink.LinkEvent{Kind: peerlink.Closed, Pair: link.Pair(), Reason: "disconnect", At: time.Now()})
	}
}

func (a *Applier) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.config.RetryInterval
	b.MaxInterval = a.config.MaxRetryInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// startDial must be called with a.mu held
func (a *Applier) startDial(pair topology.PeerPair, entry *linkEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), a.config.DialTimeout)
	entry.cancel = cancel
	a.wg.Add(1)
	go a.dial(ctx, pair, entry.generation)
}

// redial runs when a retry timer fires. The pair may have been disconnected in the meantime.
func (a *Applier) redial(pair topology.PeerPair, generation uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	entry, ok := a.links[pair]
	if !ok || entry.generation != generation || entry.link != nil || a.closed {
		return
	}
	entry.retry = nil
	a.startDial(pair, entry)
}

func (a *Applier) dial(ctx context.Context, pair topology.PeerPair, generation uint64) {
	defer a.wg.Done()

	remote := pair.B
	if a.config.LocalPeer != "" {
		remote = pair.Other(a.config.LocalPeer)
	}

	fail := func(err error) {
		var wait time.Duration
		a.mu.Lock()
		if entry, ok := a.links[pair]; ok && entry.generation == generation && !a.closed {
			entry.cancel()
			wait = entry.backoff.NextBackOff()
			entry.retry = time.AfterFunc(wait, func() { a.redial(pair, generation) })
		}
		a.mu.Unlock()
		a.logger.Debug("Dial failed",
			zap.Stringer("pair", pair),
			zap.Duration("retry_in", wait),
			zap.Error(err))
		a.events(peerlink.LinkEvent{Kind: peerlink.Errored, Pair: pair, Reason: err.Error(), At: time.Now()})
	}

	address, err := a.resolve(remote)
	if err != nil {
		fail(err)
		return
	}

	link, err := a.dialer.Dial(ctx, pair, address, a.filtered(pair, generation))
	if err != nil {
		fail(err)
		return
	}

	a.mu.Lock()
	entry, ok := a.links[pair]
	current := ok && entry.generation == generation && !a.closed
	if current {
		entry.link = link
		entry.backoff.Reset()
	}
	a.mu.Unlock()

	if !current {
		// disconnected while dialing
		_ = link.Close()
	}
}

// filtered drops events from links that have been superseded or torn down
func (a *Applier) filtered(pair topology.PeerPair, generation uint64) peerlink.EventFunc {
	return func(ev peerlink.LinkEvent) {
		a.mu.Lock()
		entry, ok := a.links[pair]
		current := ok && entry.generation == generation
		a.mu.Unlock()
		if current {
			a.events(ev)
		}
	}
}

// Links returns the pairs the applier is keeping up, dialing or waiting to redial, sorted
func (a *Applier) Links() []topology.PeerPair {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]topology.PeerPair, 0, len(a.links))
	for p := range a.links {
		out = append(out, p)
	}
	topology.SortPairs(out)
	return out
}

// Close tears down every link and waits for in-flight dials. Safe to call multiple times.
func (a *Applier) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	var links []peerlink.Link
	for pair, entry := range a.links {
		entry.stop()
		if entry.link != nil {
			links = append(links, entry.link)
		}
		delete(a.links, pair)
	}
	a.mu.Unlock()

	a.wg.Wait()

	var result *multierror.Error
	for _, link := range links {
		if err := link.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
