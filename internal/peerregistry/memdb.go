package peerregistry

import (
	"sync"
	"time"

	memdb "github.com/hashicorp/go-memdb"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/meshtopo-go/pkg/peerregistry"
)

const (
	table = "peers"
)

// MemDBRegistry implements peerregistry.Registry on top of go-memdb.
// Stored records are never mutated in place: every write inserts a fresh copy, so a read
// transaction always observes one consistent version of the table.
type MemDBRegistry struct {
	db     *memdb.MemDB
	logger *zap.Logger
	now    func() time.Time

	// memdb allows a single writer at a time; writeMu lets read-modify-write sequences
	// (upsert, report) be atomic with respect to each other.
	writeMu sync.Mutex
}

var _ peerregistry.Registry = (*MemDBRegistry)(nil)

// Option customizes a MemDBRegistry
type Option func(*MemDBRegistry)

// WithClock overrides the time source used for LastSeen and failure streaks
func WithClock(now func() time.Time) Option {
	return func(r *MemDBRegistry) {
		r.now = now
	}
}

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			table: {
				Name: table,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"group": {
						Name:    "group",
						Indexer: &memdb.UintFieldIndex{Field: "Group"},
					},
					"state": {
						Name:    "state",
						Indexer: &memdb.UintFieldIndex{Field: "State"},
					},
					"address": {
						Name:         "address",
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "Address"},
					},
				},
			},
		},
	}
}

// NewMemDBRegistry creates an empty registry. A nil logger disables logging.
func NewMemDBRegistry(logger *zap.Logger, opts ...Option) *MemDBRegistry {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		// the schema is static, a failure here is a programming error
		panic(err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &MemDBRegistry{
		db:     db,
		logger: logger.Named("registry"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Upsert adds a peer or updates its role
func (r *MemDBRegistry) Upsert(id string, role peerregistry.Role) (peerregistry.Peer, bool, error) {
	if id == "" {
		return peerregistry.Peer{}, false, peerregistry.ErrInvalidPeerID
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	var (
		result  peerregistry.Peer
		created bool
	)
	err := r.write(func(tx *memdb.Txn) error {
		existing, err := r.first(tx, "id", id)
		if err == nil {
			updated := *existing
			updated.Role = role
			updated.LastSeen = r.now()
			result = updated
			return tx.Insert(table, &updated)
		}

		created = true
		result = peerregistry.Peer{
			ID:       id,
			Role:     role,
			State:    peerregistry.Connecting,
			LastSeen: r.now(),
		}
		stored := result
		return tx.Insert(table, &stored)
	})
	if err != nil {
		return peerregistry.Peer{}, false, err
	}
	if created {
		r.logger.Debug("peer registered", zap.String("peer", id), zap.Stringer("role", role))
	}
	return result, created, nil
}

// Remove deletes a peer and returns its prior group
func (r *MemDBRegistry) Remove(id string) (uint32, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	var prior uint32
	err := r.write(func(tx *memdb.Txn) error {
		existing, err := r.first(tx, "id", id)
		if err != nil {
			return err
		}
		prior = existing.Group
		return tx.Delete(table, existing)
	})
	if err != nil {
		return 0, err
	}
	r.logger.Debug("peer removed", zap.String("peer", id), zap.Uint32("group", prior))
	return prior, nil
}

// ReportState records a connection-state transition
func (r *MemDBRegistry) ReportState(id string, state peerregistry.ConnectionState) (peerregistry.Peer, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	var result peerregistry.Peer
	err := r.update(id, func(p *peerregistry.Peer) {
		now := r.now()
		p.State = state
		p.LastSeen = now
		if state == peerregistry.Failed {
			if p.FailureCount == 0 {
				p.FailingSince = now
			}
			p.FailureCount++
		} else {
			p.FailureCount = 0
			p.FailingSince = time.Time{}
		}
		result = *p
	})
	if err != nil {
		r.logger.Warn("state report for unknown peer ignored",
			zap.String("peer", id),
			zap.Stringer("state", state))
		return peerregistry.Peer{}, err
	}
	return result, nil
}

// AssignGroup records the group a peer belongs to
func (r *MemDBRegistry) AssignGroup(id string, group uint32) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	return r.update(id, func(p *peerregistry.Peer) {
		p.Group = group
	})
}

// SetAddress binds a peer to a transport address
func (r *MemDBRegistry) SetAddress(id string, address string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	return r.update(id, func(p *peerregistry.Peer) {
		p.Address = address
	})
}

// ResolveAddresses maps transport addresses back to peer IDs
func (r *MemDBRegistry) ResolveAddresses(addresses []string) map[string]string {
	result := make(map[string]string, len(addresses))
	_ = r.read(func(tx *memdb.Txn) error {
		for _, addr := range addresses {
			if addr == "" {
				continue
			}
			raw, err := tx.First(table, "address", addr)
			if err != nil || raw == nil {
				continue
			}
			result[addr] = raw.(*peerregistry.Peer).ID
		}
		return nil
	})
	return result
}

// RecordQuality folds a link measurement into the peer's quality record
func (r *MemDBRegistry) RecordQuality(id string, rttMillis uint32, packetLoss float64, connected bool) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	return r.update(id, func(p *peerregistry.Peer) {
		p.Quality = p.Quality.Update(rttMillis, packetLoss, connected)
	})
}

// Get returns a copy of a single peer
func (r *MemDBRegistry) Get(id string) (peerregistry.Peer, error) {
	var result peerregistry.Peer
	err := r.read(func(tx *memdb.Txn) error {
		p, err := r.first(tx, "id", id)
		if err != nil {
			return err
		}
		result = *p
		return nil
	})
	return result, err
}

// ByGroup returns all peers recorded in a group
func (r *MemDBRegistry) ByGroup(group uint32) []peerregistry.Peer {
	return r.list("group", group)
}

// ByState returns all peers in a connection state
func (r *MemDBRegistry) ByState(state peerregistry.ConnectionState) []peerregistry.Peer {
	return r.list("state", state)
}

// Snapshot returns an immutable copy of the registry taken from one read transaction
func (r *MemDBRegistry) Snapshot() peerregistry.Snapshot {
	peers := r.list("id")
	return peerregistry.NewSnapshot(peers, r.now())
}

// Len returns the number of registered peers
func (r *MemDBRegistry) Len() int {
	return len(r.list("id"))
}

// list iterates an index and copies the results. The "id" index iterates in ID order,
// secondary indexes iterate in (value, ID) order since memdb suffixes the primary key.
func (r *MemDBRegistry) list(index string, args ...interface{}) []peerregistry.Peer {
	peers := make([]peerregistry.Peer, 0)
	_ = r.read(func(tx *memdb.Txn) error {
		iterator, err := tx.Get(table, index, args...)
		if err != nil || iterator == nil {
			return err
		}
		for raw := iterator.Next(); raw != nil; raw = iterator.Next() {
			peers = append(peers, *raw.(*peerregistry.Peer))
		}
		return nil
	})
	return peers
}

// update applies a mutation to a copy of the stored peer and writes the copy back.
// Callers must hold writeMu.
func (r *MemDBRegistry) update(id string, mutate func(p *peerregistry.Peer)) error {
	return r.write(func(tx *memdb.Txn) error {
		existing, err := r.first(tx, "id", id)
		if err != nil {
			return err
		}
		updated := *existing
		mutate(&updated)
		return tx.Insert(table, &updated)
	})
}

func (r *MemDBRegistry) read(statement func(tx *memdb.Txn) error) error {
	tx := r.db.Txn(false)
	defer tx.Abort()
	return statement(tx)
}

func (r *MemDBRegistry) write(statement func(tx *memdb.Txn) error) error {
	tx := r.db.Txn(true)
	defer tx.Abort()
	if err := statement(tx); err != nil {
		return err
	}
	tx.Commit()
	return nil
}

func (r *MemDBRegistry) first(tx *memdb.Txn, index, id string) (*peerregistry.Peer, error) {
	raw, err := tx.First(table, index, id)
	if err != nil || raw == nil {
		return nil, peerregistry.ErrUnknownPeer
	}
	return raw.(*peerregistry.Peer), nil
}
