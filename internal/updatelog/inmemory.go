package updatelog

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/meshtopo-go/pkg/topology"
	"github.com/rmacdonaldsmith/meshtopo-go/pkg/updatelog"
)

// DefaultCapacity is the number of updates retained when no capacity is configured
const DefaultCapacity = 1024

var (
	ErrTruncated        = updatelog.ErrTruncated
	ErrNegativeMaxCount = updatelog.ErrNegativeMaxCount
	ErrClosed           = updatelog.ErrClosed
)

// InMemoryJournal is a bounded, in-memory implementation of updatelog.Journal.
// Updates that do not advance the version are not recorded.
type InMemoryJournal struct {
	mu       sync.RWMutex
	updates  []topology.Update
	capacity int

	// floor is the version of the newest dropped update
	floor   uint64
	dropped uint64
	closed  bool

	logger *zap.Logger
}

// NewInMemoryJournal creates a journal retaining at most capacity updates.
// A capacity <= 0 selects DefaultCapacity.
func NewInMemoryJournal(capacity int, logger *zap.Logger) *InMemoryJournal {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemoryJournal{
		updates:  make([]topology.Update, 0, capacity),
		capacity: capacity,
		logger:   logger.Named("updatelog"),
	}
}

// Emit records the update if it carries a newer version than the last recorded one. Evictions
// always publish a new version, so every Evicted list reaches the journal.
func (j *InMemoryJournal) Emit(update topology.Update) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed || update.Version <= j.lastVersion() {
		return
	}

	if len(j.updates) == j.capacity {
		j.floor = j.updates[0].Version
		j.dropped++
		copy(j.updates, j.updates[1:])
		j.updates = j.updates[:len(j.updates)-1]
		if j.dropped == 1 {
			j.logger.Info("Journal reached capacity, dropping oldest updates",
				zap.Int("capacity", j.capacity))
		}
	}
	j.updates = append(j.updates, update)
}

// ReadFrom returns up to maxCount updates with a version greater than after
func (j *InMemoryJournal) ReadFrom(ctx context.Context, after uint64, maxCount int) ([]topology.Update, error) {
	if maxCount < 0 {
		return nil, ErrNegativeMaxCount
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	j.mu.RLock()
	defer j.mu.RUnlock()

	pending, err := j.since(after)
	if err != nil {
		return nil, err
	}
	if len(pending) > maxCount {
		pending = pending[:maxCount]
	}
	results := make([]topology.Update, len(pending))
	copy(results, pending)
	return results, nil
}

// EndVersion returns the version of the newest recorded update
func (j *InMemoryJournal) EndVersion(ctx context.Context) (uint64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	j.mu.RLock()
	defer j.mu.RUnlock()

	if j.closed {
		return 0, ErrClosed
	}
	return j.lastVersion(), nil
}

// Replay streams every retained update with a version greater than after.
// The updates are copied under the read lock; sending happens without it.
func (j *InMemoryJournal) Replay(ctx context.Context, after uint64) (<-chan topology.Update, <-chan error) {
	updateChan := make(chan topology.Update)
	errChan := make(chan error, 1)

	go func() {
		defer close(updateChan)
		defer close(errChan)

		j.mu.RLock()
		pending, err := j.since(after)
		toReplay := make([]topology.Update, len(pending))
		copy(toReplay, pending)
		j.mu.RUnlock()

		if err != nil {
			errChan <- err
			return
		}

		for _, update := range toReplay {
			select {
			case <-ctx.Done():
				errChan <- ctx.Err()
				return
			case updateChan <- update:
			}
		}
	}()

	return updateChan, errChan
}

// Statistics returns retention figures for the journal
func (j *InMemoryJournal) Statistics(ctx context.Context) (updatelog.Statistics, error) {
	select {
	case <-ctx.Done():
		return updatelog.Statistics{}, ctx.Err()
	default:
	}

	j.mu.RLock()
	defer j.mu.RUnlock()

	stats := updatelog.Statistics{
		Retained:    len(j.updates),
		Capacity:    j.capacity,
		LastVersion: j.lastVersion(),
		Dropped:     j.dropped,
	}
	if len(j.updates) > 0 {
		stats.FirstVersion = j.updates[0].Version
	}
	return stats, nil
}

// Close discards every retained update. Closing twice is a no-op.
func (j *InMemoryJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.updates = nil
	j.closed = true
	return nil
}

// since returns the retained suffix after the given version. Must be called with mu held.
func (j *InMemoryJournal) since(after uint64) ([]topology.Update, error) {
	if j.closed {
		return nil, ErrClosed
	}
	if after < j.floor {
		return nil, ErrTruncated
	}
	i := sort.Search(len(j.updates), func(i int) bool {
		return j.updates[i].Version > after
	})
	return j.updates[i:], nil
}

func (j *InMemoryJournal) lastVersion() uint64 {
	if len(j.updates) == 0 {
		return j.floor
	}
	return j.updates[len(j.updates)-1].Version
}

var _ updatelog.Journal = (*InMemoryJournal)(nil)
