package p2p

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"

	klog "github.com/Klingon-tech/klingnet-notary/internal/log"
	"github.com/Klingon-tech/klingnet-notary/pkg/crypto"
	"github.com/Klingon-tech/klingnet-notary/pkg/protocol"
	"github.com/Klingon-tech/klingnet-notary/pkg/types"
)

const (
	advertTag      = "klingnet/notary-advert/v1"
	maxAdvertBytes = 4096
	// Adverts further than this from local time are dropped.
	maxAdvertSkew = 10 * time.Minute
)

// ErrInvalidAdvert is returned for adverts that fail verification.
var ErrInvalidAdvert = errors.New("invalid notary advert")

// Advert is a notary's signed announcement of where and how it serves.
type Advert struct {
	Party      types.Party    `json:"party"`
	Validating bool           `json:"validating"`
	PeerID     string         `json:"peer_id"`
	EtaMillis  int64          `json:"eta_ms"`
	Timestamp  int64          `json:"timestamp"` // unix seconds
	Signature  types.HexBytes `json:"signature"`
}

// NewAdvert builds and signs an advert for info served at id.
func NewAdvert(info protocol.NotaryInfo, id peer.ID, eta time.Duration, now time.Time, signer crypto.Signer) (*Advert, error) {
	a := &Advert{
		Party:      info.Party,
		Validating: info.Validating,
		PeerID:     id.String(),
		EtaMillis:  eta.Milliseconds(),
		Timestamp:  now.Unix(),
	}
	h := a.SigningHash()
	sig, err := signer.Sign(h[:])
	if err != nil {
		return nil, fmt.Errorf("sign advert: %w", err)
	}
	a.Signature = sig
	return a, nil
}

// SigningHash is the digest the notary key signs.
func (a *Advert) SigningHash() types.Hash {
	var nums [17]byte
	binary.LittleEndian.PutUint64(nums[0:], uint64(a.EtaMillis))
	binary.LittleEndian.PutUint64(nums[8:], uint64(a.Timestamp))
	if a.Validating {
		nums[16] = 1
	}
	return crypto.TaggedHash(advertTag, a.Party.PubKey, []byte(a.Party.Name), []byte(a.PeerID), nums[:])
}

// Verify checks the advert's shape and signature.
func (a *Advert) Verify() error {
	if a.Party.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidAdvert)
	}
	if err := crypto.ValidatePubKey(a.Party.PubKey); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAdvert, err)
	}
	if _, err := peer.Decode(a.PeerID); err != nil {
		return fmt.Errorf("%w: peer id: %v", ErrInvalidAdvert, err)
	}
	h := a.SigningHash()
	if !crypto.VerifySignature(h[:], a.Signature, a.Party.PubKey) {
		return fmt.Errorf("%w: bad signature", ErrInvalidAdvert)
	}
	return nil
}

// Info converts the advert to the NotaryInfo clients see.
func (a *Advert) Info() protocol.NotaryInfo {
	return protocol.NotaryInfo{Party: a.Party, Validating: a.Validating, PeerID: a.PeerID}
}

// Eta returns the advertised wait estimate.
func (a *Advert) Eta() time.Duration {
	return time.Duration(a.EtaMillis) * time.Millisecond
}

// validateAdvert is the GossipSub topic validator. Rejected messages are
// not forwarded and count against the peer that relayed them.
func (n *Node) validateAdvert(_ context.Context, from peer.ID, msg *pubsub.Message) pubsub.ValidationResult {
	var a Advert
	if err := json.Unmarshal(msg.Data, &a); err != nil {
		n.BanManager.RecordOffense(from, PenaltyBadAdvert, "undecodable advert")
		return pubsub.ValidationReject
	}
	if err := a.Verify(); err != nil {
		n.BanManager.RecordOffense(from, PenaltyBadAdvert, err.Error())
		return pubsub.ValidationReject
	}
	if a.PeerID != msg.GetFrom().String() {
		n.BanManager.RecordOffense(from, PenaltyBadAdvert, "advert peer id does not match origin")
		return pubsub.ValidationReject
	}
	if skew := time.Since(time.Unix(a.Timestamp, 0)); skew > maxAdvertSkew || skew < -maxAdvertSkew {
		return pubsub.ValidationIgnore
	}
	msg.ValidatorData = &a
	return pubsub.ValidationAccept
}

// JoinAdverts subscribes to notary adverts. Verified adverts are passed to fn.
func (n *Node) JoinAdverts(fn func(from peer.ID, a *Advert)) error {
	if n.pubsub == nil {
		return ErrNotStarted
	}
	if n.topicAdverts != nil {
		return nil
	}
	if err := n.pubsub.RegisterTopicValidator(TopicNotaryAdverts, n.validateAdvert); err != nil {
		return fmt.Errorf("register advert validator: %w", err)
	}
	topic, err := n.pubsub.Join(TopicNotaryAdverts)
	if err != nil {
		return fmt.Errorf("join advert topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		return fmt.Errorf("subscribe advert topic: %w", err)
	}
	n.topicAdverts = topic
	n.subAdverts = sub
	n.advertHandler = fn

	n.goLoop(func() { n.advertReadLoop(sub) })
	return nil
}

// LeaveAdverts unsubscribes from the advert topic.
func (n *Node) LeaveAdverts() {
	if n.subAdverts != nil {
		n.subAdverts.Cancel()
		n.subAdverts = nil
	}
	if n.topicAdverts != nil {
		n.topicAdverts.Close()
		n.topicAdverts = nil
		n.pubsub.UnregisterTopicValidator(TopicNotaryAdverts)
	}
}

// PublishAdvert broadcasts an advert. JoinAdverts must have been called.
func (n *Node) PublishAdvert(a *Advert) error {
	if n.topicAdverts == nil {
		return errors.New("advert topic not joined")
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal advert: %w", err)
	}
	return n.topicAdverts.Publish(n.ctx, data)
}

// RunAdvertiser publishes build's advert every interval until the node stops.
// The first advert goes out immediately.
func (n *Node) RunAdvertiser(interval time.Duration, build func() (*Advert, error)) {
	publish := func() {
		a, err := build()
		if err == nil {
			err = n.PublishAdvert(a)
		}
		if err != nil {
			klog.P2P.Debug().Err(err).Msg("Advert not published")
		}
	}
	n.goLoop(func() {
		publish()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-n.ctx.Done():
				return
			case <-ticker.C:
				publish()
			}
		}
	})
}

func (n *Node) advertReadLoop(sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(n.ctx)
		if err != nil {
			return
		}
		a, ok := msg.ValidatorData.(*Advert)
		if !ok || n.advertHandler == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					klog.P2P.Error().Interface("panic", r).Msg("Advert handler panicked")
				}
			}()
			n.advertHandler(msg.GetFrom(), a)
		}()
	}
}
