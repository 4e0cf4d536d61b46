package p2p

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Peer sources.
const (
	SourceSeed      = "seed"
	SourceDHT       = "dht"
	SourceMDNS      = "mdns"
	SourceInbound   = "inbound"
	SourcePersisted = "persisted"
)

// Peer represents a connected peer.
type Peer struct {
	ID          peer.ID
	ConnectedAt time.Time
	Source      string
}
