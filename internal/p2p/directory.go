package p2p

import (
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Klingon-tech/klingnet-notary/pkg/crypto"
	"github.com/Klingon-tech/klingnet-notary/pkg/protocol"
	"github.com/Klingon-tech/klingnet-notary/pkg/types"
)

// NotaryEntry is what the directory knows about one notary.
type NotaryEntry struct {
	Info     protocol.NotaryInfo
	PeerID   peer.ID
	Eta      time.Duration
	Issued   time.Time // advert timestamp
	LastSeen time.Time // local receive time
}

// Directory tracks notaries announced on the advert topic. Entries expire
// when no advert arrives within the TTL.
type Directory struct {
	mu      sync.RWMutex
	entries map[types.KeyID]*NotaryEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewDirectory creates an empty directory.
func NewDirectory(ttl time.Duration) *Directory {
	return &Directory{
		entries: make(map[types.KeyID]*NotaryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Update records a verified advert. Adverts older than the one already
// held for the same key are ignored. Returns true if the entry changed.
func (d *Directory) Update(a *Advert) bool {
	id, err := peer.Decode(a.PeerID)
	if err != nil {
		return false
	}
	key := crypto.KeyIDFromPubKey(a.Party.PubKey)
	issued := time.Unix(a.Timestamp, 0)

	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.entries[key]; ok && issued.Before(cur.Issued) {
		return false
	}
	d.entries[key] = &NotaryEntry{
		Info:     a.Info(),
		PeerID:   id,
		Eta:      a.Eta(),
		Issued:   issued,
		LastSeen: d.now(),
	}
	return true
}

func (d *Directory) live(e *NotaryEntry) bool {
	return d.ttl <= 0 || d.now().Sub(e.LastSeen) <= d.ttl
}

// Lookup finds a live entry whose name and key both match p.
func (d *Directory) Lookup(p *types.Party) (NotaryEntry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[crypto.KeyIDFromPubKey(p.PubKey)]
	if !ok || !d.live(e) || !e.Info.Party.Equal(p) {
		return NotaryEntry{}, false
	}
	return *e, true
}

// List returns live entries ordered by name.
func (d *Directory) List() []NotaryEntry {
	d.mu.RLock()
	out := make([]NotaryEntry, 0, len(d.entries))
	for _, e := range d.entries {
		if d.live(e) {
			out = append(out, *e)
		}
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Info.Party.Name != out[j].Info.Party.Name {
			return out[i].Info.Party.Name < out[j].Info.Party.Name
		}
		return out[i].PeerID < out[j].PeerID
	})
	return out
}

// Prune drops expired entries and returns how many were removed.
func (d *Directory) Prune() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for k, e := range d.entries {
		if !d.live(e) {
			delete(d.entries, k)
			n++
		}
	}
	return n
}
