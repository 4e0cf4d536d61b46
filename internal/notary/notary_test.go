package notary

import (
	"context"
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-notary/internal/commitlog"
	klog "github.com/Klingon-tech/klingnet-notary/internal/log"
	"github.com/Klingon-tech/klingnet-notary/internal/storage"
	"github.com/Klingon-tech/klingnet-notary/internal/uniqueness"
	"github.com/Klingon-tech/klingnet-notary/internal/vault"
	"github.com/Klingon-tech/klingnet-notary/pkg/crypto"
	"github.com/Klingon-tech/klingnet-notary/pkg/protocol"
	"github.com/Klingon-tech/klingnet-notary/pkg/tx"
	"github.com/Klingon-tech/klingnet-notary/pkg/types"
)

func init() {
	klog.Init("error", false, "")
}

func testKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

// env is a notary service plus a client holding some issued states.
type env struct {
	notaryKey   *crypto.PrivateKey
	notary      types.Party
	notaryVault *vault.Vault
	provider    *uniqueness.Provider
	service     *Service

	owner       *crypto.PrivateKey
	clientVault *vault.Vault
	client      *Client
}

func newEnv(t *testing.T, validating bool) *env {
	t.Helper()
	e := &env{
		notaryKey:   testKey(t),
		notaryVault: vault.New(storage.NewMemory()),
		owner:       testKey(t),
		clientVault: vault.New(storage.NewMemory()),
	}
	e.notary = types.Party{Name: "notary", PubKey: e.notaryKey.PublicKey()}

	cfg := uniqueness.DefaultConfig()
	cfg.BatchTimeout = 5 * time.Millisecond
	e.provider = uniqueness.New(commitlog.NewKV(storage.NewMemory(), 0), cfg)
	e.provider.Start()
	t.Cleanup(e.provider.Stop)

	var policy Policy = NonValidating{}
	if validating {
		policy = NewValidating(e.notaryVault, nil, e.notary.PubKey)
	}
	svc, err := NewService(e.notary, e.notaryKey, e.provider, policy)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	e.service = svc
	e.client = NewClient(e.clientVault, LocalTransport{Service: svc}, "alice", e.owner)
	return e
}

// issue stores a new issuance in the client vault and returns its first state.
func (e *env) issue(t *testing.T, nonce uint64) types.StateRef {
	t.Helper()
	issue := tx.NewBuilder().
		SetNonce(nonce).
		AddOutput(e.owner.PublicKey(), "cash", []byte("100")).
		SetNotary(&e.notary).
		Build()
	if err := e.clientVault.Put(issue); err != nil {
		t.Fatalf("vault put: %v", err)
	}
	return issue.OutRef(0)
}

// spend builds a transaction signed by the owner.
func (e *env) spend(t *testing.T, nonce uint64, inputs, refs []types.StateRef, w *types.TimeWindow) *tx.Transaction {
	t.Helper()
	b := tx.NewBuilder().
		SetNonce(nonce).
		AddOutput(e.owner.PublicKey(), "cash", []byte("100")).
		SetNotary(&e.notary).
		SetTimeWindow(w).
		AddSigner(e.owner.PublicKey())
	for _, in := range inputs {
		b.AddInput(in)
	}
	for _, r := range refs {
		b.AddReference(r)
	}
	if err := b.Sign(e.owner); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return b.Build()
}

func (e *env) request(t *testing.T, tr *tx.Transaction, deps []*tx.Transaction) *protocol.SignRequest {
	t.Helper()
	req, err := protocol.NewSignRequest(tr, deps, "alice", e.owner)
	if err != nil {
		t.Fatalf("NewSignRequest: %v", err)
	}
	return req
}

func (e *env) sign(t *testing.T, req *protocol.SignRequest) *protocol.SignResponse {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := e.service.Sign(ctx, req)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return resp
}

func wantKind(t *testing.T, resp *protocol.SignResponse, kind protocol.ErrorKind) *protocol.Error {
	t.Helper()
	if resp.Error == nil {
		t.Fatalf("response succeeded, want %s", kind)
	}
	if resp.Error.Kind != kind {
		t.Fatalf("error kind = %s, want %s (%v)", resp.Error.Kind, kind, resp.Error)
	}
	if resp.Signature != nil {
		t.Error("failed response carries a signature")
	}
	return resp.Error
}
