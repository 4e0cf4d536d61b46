package p2p

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/Klingon-tech/klingnet-notary/internal/storage"
)

var peerPrefix = []byte("peer/")

const (
	staleThreshold    = 24 * time.Hour
	persistInterval   = 5 * time.Minute
	maxPersistedPeers = 500
)

// PeerRecord is a persisted peer address book entry.
type PeerRecord struct {
	ID       string   `json:"id"`
	Addrs    []string `json:"addrs"`
	LastSeen int64    `json:"last_seen"`
	Source   string   `json:"source"`
}

// AddrInfo parses the record into a dialable AddrInfo. Unparseable
// addresses are skipped.
func (r *PeerRecord) AddrInfo() (*peer.AddrInfo, error) {
	id, err := peer.Decode(r.ID)
	if err != nil {
		return nil, fmt.Errorf("decode peer id: %w", err)
	}
	info := &peer.AddrInfo{ID: id}
	for _, s := range r.Addrs {
		if a, err := ma.NewMultiaddr(s); err == nil {
			info.Addrs = append(info.Addrs, a)
		}
	}
	return info, nil
}

// PeerStore remembers peers across restarts.
type PeerStore struct {
	db *storage.PrefixDB
}

// NewPeerStore creates a PeerStore on db.
func NewPeerStore(db storage.DB) *PeerStore {
	return &PeerStore{db: storage.NewPrefixDB(db, peerPrefix)}
}

// Save upserts a record. New peers beyond maxPersistedPeers are dropped silently.
func (ps *PeerStore) Save(rec PeerRecord) error {
	key := []byte(rec.ID)
	exists, err := ps.db.Has(key)
	if err != nil {
		return fmt.Errorf("check peer exists: %w", err)
	}
	if !exists {
		count, err := ps.Count()
		if err != nil {
			return err
		}
		if count >= maxPersistedPeers {
			return nil
		}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal peer record: %w", err)
	}
	return ps.db.Put(key, data)
}

// Load returns the record for id.
func (ps *PeerStore) Load(id peer.ID) (*PeerRecord, error) {
	data, err := ps.db.Get([]byte(id.String()))
	if err != nil {
		return nil, fmt.Errorf("get peer record: %w", err)
	}
	var rec PeerRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal peer record: %w", err)
	}
	return &rec, nil
}

// LoadAll returns every decodable record.
func (ps *PeerStore) LoadAll() ([]PeerRecord, error) {
	var records []PeerRecord
	err := ps.db.ForEach(nil, func(_, value []byte) error {
		var rec PeerRecord
		if json.Unmarshal(value, &rec) == nil {
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate peer records: %w", err)
	}
	return records, nil
}

// Delete removes the record for id.
func (ps *PeerStore) Delete(id peer.ID) error {
	return ps.db.Delete([]byte(id.String()))
}

// PruneStale removes records not seen within threshold, and corrupt ones.
func (ps *PeerStore) PruneStale(threshold time.Duration) (int, error) {
	cutoff := time.Now().Add(-threshold).Unix()
	batch := ps.db.NewBatch()
	defer batch.Discard()
	n := 0
	err := ps.db.ForEach(nil, func(key, value []byte) error {
		var rec PeerRecord
		if json.Unmarshal(value, &rec) == nil && rec.LastSeen >= cutoff {
			return nil
		}
		n++
		return batch.Delete(key)
	})
	if err != nil {
		return 0, fmt.Errorf("iterate for prune: %w", err)
	}
	if n == 0 {
		return 0, nil
	}
	if err := batch.Commit(); err != nil {
		return 0, fmt.Errorf("delete stale peers: %w", err)
	}
	return n, nil
}

// Count returns the number of stored records.
func (ps *PeerStore) Count() (int, error) {
	count := 0
	err := ps.db.ForEach(nil, func(_, _ []byte) error {
		count++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count peers: %w", err)
	}
	return count, nil
}
