package p2p

import (
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	klog "github.com/Klingon-tech/klingnet-notary/internal/log"
)

const (
	BanThreshold = 100
	BanDuration  = 24 * time.Hour
	// Scores decay so occasional mistakes from honest peers never add up to a ban.
	scoreDecayInterval = time.Hour
)

// Penalties.
const (
	PenaltyMalformedRequest = 20  // Undecodable or invalid sign request.
	PenaltyBadAdvert        = 50  // Forged or malformed notary advert.
	PenaltyHandshakeFail    = 100 // Wrong network; instant ban.
)

type score struct {
	points int
	last   time.Time
}

// BanManager scores peer offenses and bans peers that cross BanThreshold.
type BanManager struct {
	mu     sync.RWMutex
	scores map[peer.ID]*score
	bans   map[peer.ID]*BanRecord
	store  *BanStore // nil disables persistence
	node   *Node     // nil disables disconnect-on-ban
	now    func() time.Time
}

// NewBanManager creates a BanManager. store and node may be nil.
func NewBanManager(store *BanStore, node *Node) *BanManager {
	return &BanManager{
		scores: make(map[peer.ID]*score),
		bans:   make(map[peer.ID]*BanRecord),
		store:  store,
		node:   node,
		now:    time.Now,
	}
}

// LoadBans restores unexpired bans from the store.
func (bm *BanManager) LoadBans() {
	if bm.store == nil {
		return
	}
	bm.store.PruneExpired(bm.now())

	bm.mu.Lock()
	defer bm.mu.Unlock()
	now := bm.now()
	bm.store.ForEach(func(rec *BanRecord) error {
		if id, err := peer.Decode(rec.ID); err == nil && !rec.ExpiredAt(now) {
			bm.bans[id] = rec
		}
		return nil
	})
}

// RecordOffense adds penalty to the peer's score and bans it at the threshold.
func (bm *BanManager) RecordOffense(id peer.ID, penalty int, reason string) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	now := bm.now()
	if rec, ok := bm.bans[id]; ok && !rec.ExpiredAt(now) {
		return
	}

	s, ok := bm.scores[id]
	if !ok {
		s = &score{}
		bm.scores[id] = s
	}
	if decay := int(now.Sub(s.last) / scoreDecayInterval); !s.last.IsZero() && decay > 0 {
		s.points = max(0, s.points-decay*PenaltyMalformedRequest)
	}
	s.points += penalty
	s.last = now
	if s.points < BanThreshold {
		klog.P2P.Debug().Str("peer", shortID(id)).Str("reason", reason).Int("score", s.points).Msg("Peer offense")
		return
	}

	rec := &BanRecord{
		ID:        id.String(),
		Reason:    reason,
		Score:     s.points,
		BannedAt:  now.Unix(),
		ExpiresAt: now.Add(BanDuration).Unix(),
	}
	bm.bans[id] = rec
	delete(bm.scores, id)

	if bm.store != nil {
		if err := bm.store.Put(rec); err != nil {
			klog.P2P.Warn().Err(err).Msg("Persist ban failed")
		}
	}
	banLog := klog.WithComponent("banmgr")
	banLog.Warn().
		Str("peer", shortID(id)).
		Str("reason", reason).
		Int("score", rec.Score).
		Msg("Peer banned")

	if bm.node != nil {
		go bm.node.DisconnectPeer(id)
	}
}

// Score returns the peer's current offense score.
func (bm *BanManager) Score(id peer.ID) int {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	if s, ok := bm.scores[id]; ok {
		return s.points
	}
	return 0
}

// IsBanned reports whether the peer is banned, lazily clearing expired bans.
func (bm *BanManager) IsBanned(id peer.ID) bool {
	bm.mu.RLock()
	rec, ok := bm.bans[id]
	bm.mu.RUnlock()
	if !ok {
		return false
	}
	if !rec.ExpiredAt(bm.now()) {
		return true
	}
	bm.mu.Lock()
	delete(bm.bans, id)
	bm.mu.Unlock()
	if bm.store != nil {
		bm.store.Delete(id)
	}
	return false
}

// Unban lifts a ban and clears the peer's score.
func (bm *BanManager) Unban(id peer.ID) {
	bm.mu.Lock()
	delete(bm.bans, id)
	delete(bm.scores, id)
	bm.mu.Unlock()
	if bm.store != nil {
		bm.store.Delete(id)
	}
}

// ClearAll lifts every ban, including persisted ones.
func (bm *BanManager) ClearAll() {
	bm.mu.Lock()
	ids := make([]peer.ID, 0, len(bm.bans))
	for id := range bm.bans {
		ids = append(ids, id)
	}
	bm.bans = make(map[peer.ID]*BanRecord)
	bm.scores = make(map[peer.ID]*score)
	bm.mu.Unlock()
	if bm.store != nil {
		bm.store.Clear()
	}
	klog.P2P.Info().Int("bans", len(ids)).Msg("Cleared peer bans")
}

// BanList returns the active bans.
func (bm *BanManager) BanList() []BanRecord {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	now := bm.now()
	var list []BanRecord
	for _, rec := range bm.bans {
		if !rec.ExpiredAt(now) {
			list = append(list, *rec)
		}
	}
	return list
}

// RunPruneLoop prunes expired bans every 10 minutes until done is closed.
func (bm *BanManager) RunPruneLoop(done <-chan struct{}) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			bm.pruneExpired()
		}
	}
}

func (bm *BanManager) pruneExpired() {
	now := bm.now()
	bm.mu.Lock()
	for id, rec := range bm.bans {
		if rec.ExpiredAt(now) {
			delete(bm.bans, id)
		}
	}
	bm.mu.Unlock()
	if bm.store != nil {
		bm.store.PruneExpired(now)
	}
}
