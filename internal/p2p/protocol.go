package p2p

import (
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// TopicNotaryAdverts is the GossipSub topic notaries announce themselves on.
const TopicNotaryAdverts = "/klingnet/notary/adverts/1.0.0"

// Stream protocols.
const (
	// HandshakeProtocol checks that two peers are on the same network.
	HandshakeProtocol = protocol.ID("/klingnet/notary/handshake/1.0.0")

	// SignProtocol carries one sign request and its response.
	SignProtocol = protocol.ID("/klingnet/notary/sign/1.0.0")

	// InfoProtocol returns the notary served by a peer.
	InfoProtocol = protocol.ID("/klingnet/notary/info/1.0.0")
)

const (
	// ProtocolVersion is the current protocol version advertised during handshake.
	ProtocolVersion uint32 = 1

	// MinProtocolVersion is the minimum protocol version we accept from peers.
	MinProtocolVersion uint32 = 1
)

// shortID trims a peer id for log fields.
func shortID(id peer.ID) string {
	s := id.String()
	if len(s) > 16 {
		return s[:16]
	}
	return s
}
