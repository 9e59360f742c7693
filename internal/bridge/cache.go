package bridge

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/meshtopo-go/pkg/topology"
)

// Cache memoizes bridge computations keyed by a fingerprint of the input.
// As long as the groups, their eligible members and the redundancy factor are the same,
// the cached result is returned without invoking the selector.
type Cache struct {
	selector *Selector
	entries  *lru.Cache
	logger   *zap.Logger

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewCache wraps a selector with an LRU cache holding up to size results
func NewCache(selector *Selector, size int, logger *zap.Logger) (*Cache, error) {
	entries, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("failed to create bridge cache: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		selector: selector,
		entries:  entries,
		logger:   logger.Named("bridge_cache"),
	}, nil
}

// Compute returns the cached result for this input, computing it on a miss
func (c *Cache) Compute(groups []topology.MeshGroup, eligible func(id string) bool) topology.BridgeResult {
	key := Fingerprint(groups, eligible, c.selector.Redundancy())

	if v, ok := c.entries.Get(key); ok {
		c.hits.Add(1)
		c.logger.Debug("Bridge cache hit", zap.String("fingerprint", key[:16]))
		return cloneResult(v.(topology.BridgeResult))
	}

	c.misses.Add(1)
	result := c.selector.Compute(groups, eligible)
	c.entries.Add(key, cloneResult(result))
	c.logger.Debug("Bridge cache miss",
		zap.String("fingerprint", key[:16]),
		zap.Int("groups", len(groups)),
		zap.Int("bridges", len(result.Bridges)))
	return result
}

// Stats returns the number of cache hits and misses so far
func (c *Cache) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

// Len returns the number of cached results
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Purge drops every cached result
func (c *Cache) Purge() {
	c.entries.Purge()
}

// Fingerprint hashes the inputs that determine a bridge computation. Every peer ID is
// length-prefixed so that no ID can be mistaken for a neighbour or an eligibility flag.
func Fingerprint(groups []topology.MeshGroup, eligible func(id string) bool, redundancy int) string {
	h := sha256.New()
	var buf [binary.MaxVarintLen64]byte

	h.Write(binary.AppendUvarint(buf[:0], uint64(redundancy)))
	h.Write(binary.AppendUvarint(buf[:0], uint64(len(groups))))
	for i := range groups {
		members := groups[i].Members()
		h.Write(binary.AppendUvarint(buf[:0], uint64(groups[i].ID)))
		h.Write(binary.AppendUvarint(buf[:0], uint64(len(members))))
		for _, id := range members {
			h.Write(binary.AppendUvarint(buf[:0], uint64(len(id))))
			h.Write([]byte(id))
			if eligible(id) {
				h.Write([]byte{1})
			} else {
				h.Write([]byte{0})
			}
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func cloneResult(r topology.BridgeResult) topology.BridgeResult {
	out := topology.BridgeResult{Bridges: make([]topology.Bridge, len(r.Bridges))}
	copy(out.Bridges, r.Bridges)
	if len(r.Unreachable) > 0 {
		out.Unreachable = append([]topology.GroupID(nil), r.Unreachable...)
	}
	return out
}
