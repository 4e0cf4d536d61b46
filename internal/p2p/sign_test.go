package p2p

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-notary/pkg/crypto"
	"github.com/Klingon-tech/klingnet-notary/pkg/protocol"
	"github.com/Klingon-tech/klingnet-notary/pkg/types"
)

type fakeHandler struct {
	info    protocol.NotaryInfo
	wait    *protocol.WaitTimeUpdate
	resp    *protocol.SignResponse
	err     error
	release chan struct{} // if set, Sign blocks until closed
	got     chan *protocol.SignRequest
}

func (f *fakeHandler) Info() protocol.NotaryInfo { return f.info }

func (f *fakeHandler) WaitUpdate(*protocol.SignRequest) (protocol.WaitTimeUpdate, bool) {
	if f.wait == nil {
		return protocol.WaitTimeUpdate{}, false
	}
	return *f.wait, true
}

func (f *fakeHandler) Sign(ctx context.Context, req *protocol.SignRequest) (*protocol.SignResponse, error) {
	if f.got != nil {
		f.got <- req
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.resp, f.err
}

func testParty(t *testing.T, name string) (types.Party, *crypto.PrivateKey) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return types.Party{Name: name, PubKey: key.PublicKey()}, key
}

// servingPair starts a notary node serving h and a connected client node.
func servingPair(t *testing.T, h SignHandler) (server, client *Node) {
	t.Helper()
	server = startNode(t, Config{NetworkID: "test"})
	client = startNode(t, Config{NetworkID: "test"})
	if err := server.ServeNotary(h); err != nil {
		t.Fatalf("ServeNotary: %v", err)
	}
	connect(t, client, server)
	return server, client
}

func TestStreamTransport_Info(t *testing.T) {
	party, _ := testParty(t, "notary-eu")
	server, client := servingPair(t, &fakeHandler{info: protocol.NotaryInfo{Party: party, Validating: true}})

	info, err := client.Transport(server.ID()).Info(context.Background())
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if !info.Party.Equal(&party) || !info.Validating {
		t.Errorf("Info() = %+v", info)
	}
	if info.PeerID != server.ID().String() {
		t.Errorf("PeerID = %q, want %q", info.PeerID, server.ID())
	}
}

func TestStreamTransport_Sign(t *testing.T) {
	notaryParty, notaryKey := testParty(t, "notary")
	requester, _ := testParty(t, "alice")
	sig, err := crypto.SignHash(notaryKey, types.Hash{1})
	if err != nil {
		t.Fatal(err)
	}
	h := &fakeHandler{
		info: protocol.NotaryInfo{Party: notaryParty},
		wait: &protocol.WaitTimeUpdate{EtaMillis: 7000},
		resp: &protocol.SignResponse{Signature: sig},
		got:  make(chan *protocol.SignRequest, 1),
	}
	server, client := servingPair(t, h)

	var waits []time.Duration
	req := &protocol.SignRequest{Requester: requester, RequestSignature: types.HexBytes{0xaa}}
	resp, err := client.Transport(server.ID()).Sign(context.Background(), req, func(d time.Duration) {
		waits = append(waits, d)
	})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if resp.Signature == nil || !resp.Signature.Verify(types.Hash{1}) {
		t.Error("response should carry the notary signature")
	}
	if len(waits) != 1 || waits[0] != 7*time.Second {
		t.Errorf("wait updates = %v, want [7s]", waits)
	}
	got := <-h.got
	if !got.Requester.Equal(&requester) {
		t.Errorf("server saw requester %s, want %s", &got.Requester, &requester)
	}
}

func TestStreamTransport_SignRejection(t *testing.T) {
	h := &fakeHandler{resp: &protocol.SignResponse{Error: protocol.General(errors.New("notary stopped"))}}
	server, client := servingPair(t, h)

	resp, err := client.Transport(server.ID()).Sign(context.Background(), &protocol.SignRequest{}, nil)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if resp.Error == nil || resp.Error.Kind != protocol.KindGeneral {
		t.Errorf("response error = %v, want General", resp.Error)
	}
}

func TestStreamTransport_MalformedRequestPenalised(t *testing.T) {
	h := &fakeHandler{err: fmt.Errorf("%w: missing transaction", protocol.ErrMalformedRequest)}
	server, client := servingPair(t, h)

	_, err := client.Transport(server.ID()).Sign(context.Background(), &protocol.SignRequest{}, nil)
	if err == nil || !strings.Contains(err.Error(), "missing transaction") {
		t.Errorf("Sign() err = %v, want the server's rejection", err)
	}
	waitFor(t, "penalty", func() bool {
		return server.BanManager.Score(client.ID()) == PenaltyMalformedRequest
	})
}

func TestSignStream_GarbagePenalised(t *testing.T) {
	server, client := servingPair(t, &fakeHandler{})

	s, err := client.Host().NewStream(context.Background(), server.ID(), SignProtocol)
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	s.Write([]byte("{this is not json"))
	s.CloseWrite()
	s.Close()

	waitFor(t, "penalty", func() bool {
		return server.BanManager.Score(client.ID()) == PenaltyMalformedRequest
	})
}

func TestStreamTransport_ContextCancel(t *testing.T) {
	h := &fakeHandler{release: make(chan struct{}), resp: &protocol.SignResponse{}}
	defer close(h.release)
	server, client := servingPair(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := client.Transport(server.ID()).Sign(ctx, &protocol.SignRequest{}, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Sign() err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Sign should return promptly after the deadline")
	}
}

func TestStreamTransport_NotStarted(t *testing.T) {
	n := New(Config{})
	if _, err := n.Transport("peer").Info(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Info() err = %v, want ErrNotStarted", err)
	}
	if err := n.ServeNotary(&fakeHandler{}); !errors.Is(err, ErrNotStarted) {
		t.Errorf("ServeNotary() err = %v, want ErrNotStarted", err)
	}
}
