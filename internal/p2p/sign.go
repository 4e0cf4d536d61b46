package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	libp2pprotocol "github.com/libp2p/go-libp2p/core/protocol"

	"github.com/Klingon-tech/klingnet-notary/config"
	klog "github.com/Klingon-tech/klingnet-notary/internal/log"
	"github.com/Klingon-tech/klingnet-notary/internal/notary"
	"github.com/Klingon-tech/klingnet-notary/pkg/protocol"
)

const (
	requestReadTimeout = 30 * time.Second
	infoTimeout        = 10 * time.Second
	maxInfoBytes       = 4096
	// A response carries one signature or error; 1 MB is ample.
	maxFrameBytes = 1 << 20
)

// SignHandler serves requests arriving on SignProtocol. *notary.Service
// implements it.
type SignHandler interface {
	Info() protocol.NotaryInfo
	WaitUpdate(req *protocol.SignRequest) (protocol.WaitTimeUpdate, bool)
	Sign(ctx context.Context, req *protocol.SignRequest) (*protocol.SignResponse, error)
}

// signFrame is one message from notary to client on a sign stream. A stream
// carries at most one Wait frame followed by exactly one Response or Error.
type signFrame struct {
	Wait     *protocol.WaitTimeUpdate `json:"wait,omitempty"`
	Response *protocol.SignResponse   `json:"response,omitempty"`
	Error    string                   `json:"error,omitempty"`
}

// ServeNotary registers the sign and info stream handlers for h.
func (n *Node) ServeNotary(h SignHandler) error {
	if n.host == nil {
		return ErrNotStarted
	}
	n.host.SetStreamHandler(SignProtocol, func(s network.Stream) { n.handleSign(h, s) })
	n.host.SetStreamHandler(InfoProtocol, func(s network.Stream) {
		defer s.Close()
		info := h.Info()
		info.PeerID = n.host.ID().String()
		_ = s.SetWriteDeadline(time.Now().Add(infoTimeout))
		json.NewEncoder(s).Encode(&info)
	})
	return nil
}

func (n *Node) handleSign(h SignHandler, s network.Stream) {
	defer s.Close()
	remote := s.Conn().RemotePeer()
	logger := klog.P2P.With().Str("peer", shortID(remote)).Logger()

	_ = s.SetReadDeadline(time.Now().Add(requestReadTimeout))
	var req protocol.SignRequest
	if err := json.NewDecoder(io.LimitReader(s, config.MaxSignRequestSize)).Decode(&req); err != nil {
		logger.Debug().Err(err).Msg("Undecodable sign request")
		n.BanManager.RecordOffense(remote, PenaltyMalformedRequest, "undecodable sign request")
		s.Reset()
		return
	}
	_ = s.SetReadDeadline(time.Time{})

	enc := json.NewEncoder(s)
	if u, ok := h.WaitUpdate(&req); ok {
		if err := enc.Encode(&signFrame{Wait: &u}); err != nil {
			logger.Debug().Err(err).Msg("Wait update write failed")
			return
		}
	}

	resp, err := h.Sign(n.ctx, &req)
	frame := signFrame{Response: resp}
	if err != nil {
		if errors.Is(err, protocol.ErrMalformedRequest) {
			n.BanManager.RecordOffense(remote, PenaltyMalformedRequest, err.Error())
		}
		logger.Debug().Err(err).Msg("Sign request failed")
		frame = signFrame{Error: err.Error()}
	}
	if err := enc.Encode(&frame); err != nil {
		logger.Debug().Err(err).Msg("Sign response write failed")
	}
}

// StreamTransport reaches a notary at a known peer. It implements
// notary.Transport.
type StreamTransport struct {
	node *Node
	peer peer.ID
}

// Transport returns a notary.Transport for the notary served by id.
func (n *Node) Transport(id peer.ID) *StreamTransport {
	return &StreamTransport{node: n, peer: id}
}

var _ notary.Transport = (*StreamTransport)(nil)

// Peer returns the remote peer.
func (t *StreamTransport) Peer() peer.ID {
	return t.peer
}

func (t *StreamTransport) open(ctx context.Context, proto libp2pprotocol.ID) (network.Stream, func(), error) {
	if t.node.host == nil {
		return nil, nil, ErrNotStarted
	}
	s, err := t.node.host.NewStream(ctx, t.peer, proto)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s stream: %w", proto, err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(dl)
	}
	// Reset the stream if the caller gives up before the notary answers.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.Reset()
		case <-done:
		}
	}()
	return s, func() { close(done); s.Close() }, nil
}

// Info implements notary.Transport.
func (t *StreamTransport) Info(ctx context.Context) (*protocol.NotaryInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, infoTimeout)
	defer cancel()
	s, release, err := t.open(ctx, InfoProtocol)
	if err != nil {
		return nil, err
	}
	defer release()
	s.CloseWrite()

	var info protocol.NotaryInfo
	if err := json.NewDecoder(io.LimitReader(s, maxInfoBytes)).Decode(&info); err != nil {
		return nil, ctxOr(ctx, fmt.Errorf("read notary info: %w", err))
	}
	return &info, nil
}

// Sign implements notary.Transport.
func (t *StreamTransport) Sign(ctx context.Context, req *protocol.SignRequest, onWait notary.WaitFunc) (*protocol.SignResponse, error) {
	s, release, err := t.open(ctx, SignProtocol)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := json.NewEncoder(s).Encode(req); err != nil {
		return nil, ctxOr(ctx, fmt.Errorf("send sign request: %w", err))
	}
	s.CloseWrite()

	dec := json.NewDecoder(io.LimitReader(s, 2*maxFrameBytes))
	for {
		var f signFrame
		if err := dec.Decode(&f); err != nil {
			return nil, ctxOr(ctx, fmt.Errorf("read sign response: %w", err))
		}
		switch {
		case f.Wait != nil:
			if onWait != nil {
				onWait(f.Wait.Eta())
			}
		case f.Error != "":
			return nil, fmt.Errorf("notary %s: %s", shortID(t.peer), f.Error)
		case f.Response != nil:
			return f.Response, nil
		default:
			return nil, fmt.Errorf("notary %s: empty response frame", shortID(t.peer))
		}
	}
}

// ctxOr prefers the context's error once it is done.
func ctxOr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
