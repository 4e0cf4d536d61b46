package p2p

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Klingon-tech/klingnet-notary/internal/storage"
)

var banPrefix = []byte("ban/")

// BanRecord is a persisted ban.
type BanRecord struct {
	ID        string `json:"id"` // base58 peer ID
	Reason    string `json:"reason"`
	Score     int    `json:"score"`
	BannedAt  int64  `json:"banned_at"`
	ExpiresAt int64  `json:"expires_at"` // 0 = permanent
}

// ExpiredAt reports whether a non-permanent ban has lapsed by now.
func (r *BanRecord) ExpiredAt(now time.Time) bool {
	return r.ExpiresAt > 0 && now.Unix() >= r.ExpiresAt
}

// BanStore persists ban records in a prefixed view of a storage.DB.
type BanStore struct {
	db *storage.PrefixDB
}

// NewBanStore creates a BanStore on db.
func NewBanStore(db storage.DB) *BanStore {
	return &BanStore{db: storage.NewPrefixDB(db, banPrefix)}
}

// Get returns the ban record for id.
func (bs *BanStore) Get(id peer.ID) (*BanRecord, error) {
	data, err := bs.db.Get([]byte(id.String()))
	if err != nil {
		return nil, err
	}
	var rec BanRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal ban record: %w", err)
	}
	return &rec, nil
}

// Put persists a ban record.
func (bs *BanStore) Put(rec *BanRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal ban record: %w", err)
	}
	return bs.db.Put([]byte(rec.ID), data)
}

// Delete removes a ban record.
func (bs *BanStore) Delete(id peer.ID) error {
	return bs.db.Delete([]byte(id.String()))
}

// ForEach visits every decodable ban record.
func (bs *BanStore) ForEach(fn func(*BanRecord) error) error {
	return bs.db.ForEach(nil, func(_, value []byte) error {
		var rec BanRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return nil
		}
		return fn(&rec)
	})
}

// PruneExpired deletes expired and undecodable records in one batch.
func (bs *BanStore) PruneExpired(now time.Time) (int, error) {
	return bs.deleteWhere(func(rec *BanRecord) bool { return rec == nil || rec.ExpiredAt(now) })
}

// Clear deletes every record.
func (bs *BanStore) Clear() (int, error) {
	return bs.deleteWhere(func(*BanRecord) bool { return true })
}

func (bs *BanStore) deleteWhere(match func(*BanRecord) bool) (int, error) {
	batch := bs.db.NewBatch()
	defer batch.Discard()
	n := 0
	err := bs.db.ForEach(nil, func(key, value []byte) error {
		var rec *BanRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			rec = nil
		}
		if !match(rec) {
			return nil
		}
		n++
		return batch.Delete(key)
	})
	if err != nil {
		return 0, fmt.Errorf("scan bans: %w", err)
	}
	if n == 0 {
		return 0, nil
	}
	if err := batch.Commit(); err != nil {
		return 0, fmt.Errorf("delete bans: %w", err)
	}
	return n, nil
}
