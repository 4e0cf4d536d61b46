package p2p

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	klog "github.com/Klingon-tech/klingnet-notary/internal/log"
)

const (
	handshakeTimeout  = 10 * time.Second
	maxHandshakeBytes = 4096
)

// HandshakeMessage is exchanged on every new connection.
type HandshakeMessage struct {
	ProtocolVersion uint32 `json:"protocol_version"`
	NetworkID       string `json:"network_id"`
}

func (n *Node) handshakeMessage() HandshakeMessage {
	return HandshakeMessage{ProtocolVersion: ProtocolVersion, NetworkID: n.config.NetworkID}
}

// validateHandshake returns a rejection reason, or "" if the peer is compatible.
func (n *Node) validateHandshake(msg HandshakeMessage) string {
	if msg.NetworkID != n.config.NetworkID {
		return fmt.Sprintf("network mismatch: peer=%q local=%q", msg.NetworkID, n.config.NetworkID)
	}
	if msg.ProtocolVersion < MinProtocolVersion {
		return fmt.Sprintf("protocol version too low: peer=%d min=%d", msg.ProtocolVersion, MinProtocolVersion)
	}
	return ""
}

func (n *Node) rejectPeer(id peer.ID, reason string) {
	klog.P2P.Warn().Str("peer", shortID(id)).Str("reason", reason).Msg("Handshake rejected, banning peer")
	n.BanManager.RecordOffense(id, PenaltyHandshakeFail, reason)
	n.DisconnectPeer(id)
}

func (n *Node) registerHandshakeHandler() {
	n.host.SetStreamHandler(HandshakeProtocol, func(s network.Stream) {
		defer s.Close()
		remote := s.Conn().RemotePeer()
		_ = s.SetDeadline(time.Now().Add(handshakeTimeout))

		var theirs HandshakeMessage
		if err := json.NewDecoder(io.LimitReader(s, maxHandshakeBytes)).Decode(&theirs); err != nil {
			klog.P2P.Debug().Err(err).Str("peer", shortID(remote)).Msg("Handshake read failed")
			return
		}
		ours := n.handshakeMessage()
		if err := json.NewEncoder(s).Encode(&ours); err != nil {
			klog.P2P.Debug().Err(err).Str("peer", shortID(remote)).Msg("Handshake write failed")
			return
		}
		if reason := n.validateHandshake(theirs); reason != "" {
			n.rejectPeer(remote, reason)
		}
	})
}

// doHandshake runs the dialer side of the handshake.
func (n *Node) doHandshake(id peer.ID) {
	s, err := n.host.NewStream(n.ctx, id, HandshakeProtocol)
	if err != nil {
		// Not a notary network peer (e.g. a DHT bootstrapper); tolerate it.
		klog.P2P.Debug().Str("peer", shortID(id)).Msg("Peer does not speak the handshake protocol")
		return
	}
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(handshakeTimeout))

	ours := n.handshakeMessage()
	if err := json.NewEncoder(s).Encode(&ours); err != nil {
		klog.P2P.Debug().Err(err).Str("peer", shortID(id)).Msg("Handshake send failed")
		return
	}
	s.CloseWrite()

	var theirs HandshakeMessage
	if err := json.NewDecoder(io.LimitReader(s, maxHandshakeBytes)).Decode(&theirs); err != nil {
		klog.P2P.Debug().Err(err).Str("peer", shortID(id)).Msg("Handshake response read failed")
		return
	}
	if reason := n.validateHandshake(theirs); reason != "" {
		n.rejectPeer(id, reason)
	}
}
