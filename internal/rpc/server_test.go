package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Klingon-tech/klingnet-notary/config"
	"github.com/Klingon-tech/klingnet-notary/internal/commitlog"
	klog "github.com/Klingon-tech/klingnet-notary/internal/log"
	"github.com/Klingon-tech/klingnet-notary/internal/notary"
	"github.com/Klingon-tech/klingnet-notary/internal/p2p"
	"github.com/Klingon-tech/klingnet-notary/internal/storage"
	"github.com/Klingon-tech/klingnet-notary/internal/uniqueness"
	"github.com/Klingon-tech/klingnet-notary/internal/vault"
	"github.com/Klingon-tech/klingnet-notary/pkg/crypto"
	"github.com/Klingon-tech/klingnet-notary/pkg/protocol"
	"github.com/Klingon-tech/klingnet-notary/pkg/tx"
	"github.com/Klingon-tech/klingnet-notary/pkg/types"
)

// testEnv holds all components for an RPC test.
type testEnv struct {
	server    *Server
	service   *notary.Service
	vault     *vault.Vault
	commitLog commitlog.Log
	registry  *prometheus.Registry
	notary    types.Party
	notaryKey *crypto.PrivateKey
	owner     *crypto.PrivateKey
	url       string
}

func newService(t *testing.T, reg prometheus.Registerer) (*notary.Service, commitlog.Log, types.Party, *crypto.PrivateKey) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	party := types.Party{Name: "notary", PubKey: key.PublicKey()}

	log := commitlog.NewKV(storage.NewMemory(), 0)
	cfg := uniqueness.DefaultConfig()
	cfg.BatchTimeout = 5 * time.Millisecond
	provider := uniqueness.New(log, cfg, uniqueness.WithRegisterer(reg))
	provider.Start()
	t.Cleanup(provider.Stop)

	svc, err := notary.NewService(party, key, provider, notary.NonValidating{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, log, party, key
}

func setupTestEnv(t *testing.T, rpcCfg ...config.RPCConfig) *testEnv {
	t.Helper()
	klog.Init("error", false, "")

	reg := prometheus.NewRegistry()
	svc, log, party, key := newService(t, reg)
	owner, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	v := vault.New(storage.NewMemory())

	srv := New("127.0.0.1:0", svc, v, rpcCfg...)
	srv.SetCommitLog(log)
	srv.SetMetrics(reg)
	if err := srv.Start(); err != nil {
		t.Fatalf("start rpc: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	return &testEnv{
		server:    srv,
		service:   svc,
		vault:     v,
		commitLog: log,
		registry:  reg,
		notary:    party,
		notaryKey: key,
		owner:     owner,
		url:       fmt.Sprintf("http://%s/", srv.Addr()),
	}
}

// spend builds a transaction consuming inputs, signed by the owner.
func (e *testEnv) spend(t *testing.T, nonce uint64, inputs ...types.StateRef) *tx.Transaction {
	t.Helper()
	b := tx.NewBuilder().
		SetNonce(nonce).
		AddOutput(e.owner.PublicKey(), "cash", []byte("100")).
		SetNotary(&e.notary).
		AddSigner(e.owner.PublicKey())
	for _, in := range inputs {
		b.AddInput(in)
	}
	if err := b.Sign(e.owner); err != nil {
		t.Fatalf("sign tx: %v", err)
	}
	return b.Build()
}

func (e *testEnv) request(t *testing.T, tr *tx.Transaction) *protocol.SignRequest {
	t.Helper()
	req, err := protocol.NewSignRequest(tr, nil, "alice", e.owner)
	if err != nil {
		t.Fatalf("new sign request: %v", err)
	}
	return req
}

func rpcCall(t *testing.T, url, method string, params interface{}) Response {
	t.Helper()
	req := Request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	}
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", method, err)
	}
	defer resp.Body.Close()

	var rpcResp Response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return rpcResp
}

// decodeResult re-decodes a generic result into target.
func decodeResult(t *testing.T, resp Response, target interface{}) {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected error: %d %s", resp.Error.Code, resp.Error.Message)
	}
	data, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("decode result: %v", err)
	}
}

func wantCode(t *testing.T, resp Response, code int) {
	t.Helper()
	if resp.Error == nil {
		t.Fatalf("expected error %d, got result %v", code, resp.Result)
	}
	if resp.Error.Code != code {
		t.Errorf("error code = %d, want %d (%s)", resp.Error.Code, code, resp.Error.Message)
	}
}

// ── Tests ───────────────────────────────────────────────────────────────

func TestRPC_NotaryGetInfo(t *testing.T) {
	env := setupTestEnv(t)

	var info protocol.NotaryInfo
	decodeResult(t, rpcCall(t, env.url, "notary_getInfo", nil), &info)
	if !info.Party.Equal(&env.notary) {
		t.Errorf("party = %s, want %s", &info.Party, &env.notary)
	}
	if info.Validating {
		t.Error("validating = true for a non-validating notary")
	}
	if info.PeerID != "" {
		t.Errorf("peer_id = %q without p2p", info.PeerID)
	}
}

func TestRPC_NotaryGetEta(t *testing.T) {
	env := setupTestEnv(t)

	var result EtaResult
	decodeResult(t, rpcCall(t, env.url, "notary_getEta", EtaParam{NumStates: 3}), &result)
	if want := env.service.Eta(3).Milliseconds(); result.EtaMillis != want {
		t.Errorf("eta_ms = %d, want %d", result.EtaMillis, want)
	}

	wantCode(t, rpcCall(t, env.url, "notary_getEta", EtaParam{NumStates: -1}), CodeInvalidParams)
	wantCode(t, rpcCall(t, env.url, "notary_getEta", nil), CodeInvalidParams)
}

func TestRPC_NotarySign(t *testing.T) {
	env := setupTestEnv(t)
	input := types.StateRef{TxID: types.Hash{0xaa}, Index: 0}
	spend := env.spend(t, 1, input)

	var result SignResult
	decodeResult(t, rpcCall(t, env.url, "notary_sign", SignParam{Request: env.request(t, spend)}), &result)
	if result.Error != nil {
		t.Fatalf("notarisation rejected: %v", result.Error)
	}
	if result.Signature == nil {
		t.Fatal("no signature in result")
	}
	if !result.Signature.Verify(spend.ID()) {
		t.Error("notary signature does not verify")
	}
	if !bytes.Equal(result.Signature.By, env.notary.PubKey) {
		t.Error("signature is not by the notary key")
	}

	// The notarised transaction is kept with its signature.
	var stored TxResult
	decodeResult(t, rpcCall(t, env.url, "vault_getTransaction", TxIDParam{TxID: spend.ID()}), &stored)
	if stored.Transaction == nil || stored.Transaction.ID() != spend.ID() {
		t.Fatalf("vault_getTransaction returned %+v", stored)
	}
	if stored.NotarySignature == nil {
		t.Error("notary signature not recorded")
	}
}

func TestRPC_NotarySign_DoubleSpend(t *testing.T) {
	env := setupTestEnv(t)
	input := types.StateRef{TxID: types.Hash{0xbb}, Index: 2}
	first := env.spend(t, 1, input)
	second := env.spend(t, 2, input)

	var ok SignResult
	decodeResult(t, rpcCall(t, env.url, "notary_sign", SignParam{Request: env.request(t, first)}), &ok)
	if ok.Signature == nil {
		t.Fatalf("first spend rejected: %v", ok.Error)
	}

	var rejected SignResult
	decodeResult(t, rpcCall(t, env.url, "notary_sign", SignParam{Request: env.request(t, second)}), &rejected)
	if rejected.Signature != nil {
		t.Fatal("double spend was signed")
	}
	if rejected.Error == nil || rejected.Error.Kind != protocol.KindConflict {
		t.Fatalf("error = %v, want conflict", rejected.Error)
	}
	consumed, found := rejected.Error.Conflicts[input]
	if !found {
		t.Fatalf("conflict does not name %s: %v", input, rejected.Error.Conflicts)
	}
	if consumed.HashOfTxID != protocol.HashTxID(first.ID()) {
		t.Error("conflict discloses the wrong consumer")
	}
}

func TestRPC_NotarySign_Malformed(t *testing.T) {
	env := setupTestEnv(t)

	req := env.request(t, env.spend(t, 1, types.StateRef{TxID: types.Hash{1}}))
	req.Requester.Name = ""
	wantCode(t, rpcCall(t, env.url, "notary_sign", SignParam{Request: req}), CodeInvalidParams)
	wantCode(t, rpcCall(t, env.url, "notary_sign", map[string]string{}), CodeInvalidParams)
}

func TestRPC_NotarySign_ForeignNotaryWithoutP2P(t *testing.T) {
	env := setupTestEnv(t)

	other, _ := crypto.GenerateKey()
	env.notary = types.Party{Name: "elsewhere", PubKey: other.PublicKey()}
	spend := env.spend(t, 1, types.StateRef{TxID: types.Hash{2}})
	wantCode(t, rpcCall(t, env.url, "notary_sign", SignParam{Request: env.request(t, spend)}), CodeUnavailable)
}

func TestRPC_NotaryGetConsumer(t *testing.T) {
	env := setupTestEnv(t)
	input := types.StateRef{TxID: types.Hash{0xcc}, Index: 1}

	var before ConsumerResult
	decodeResult(t, rpcCall(t, env.url, "notary_getConsumer", map[string]string{"state_ref": input.String()}), &before)
	if before.Consumed || before.ConsumedByHash != nil {
		t.Fatalf("fresh state reported consumed: %+v", before)
	}

	spend := env.spend(t, 1, input)
	var signed SignResult
	decodeResult(t, rpcCall(t, env.url, "notary_sign", SignParam{Request: env.request(t, spend)}), &signed)
	if signed.Signature == nil {
		t.Fatalf("spend rejected: %v", signed.Error)
	}

	var after ConsumerResult
	decodeResult(t, rpcCall(t, env.url, "notary_getConsumer", StateRefParam{StateRef: input}), &after)
	if !after.Consumed {
		t.Fatal("state not reported consumed")
	}
	if after.ConsumedByHash == nil || *after.ConsumedByHash != protocol.HashTxID(spend.ID()) {
		t.Errorf("consumed_by_hash = %v, want hash of %s", after.ConsumedByHash, spend.ID())
	}

	wantCode(t, rpcCall(t, env.url, "notary_getConsumer", map[string]string{"state_ref": "nope"}), CodeInvalidParams)
}

func TestRPC_NotaryListNotaries_NoP2P(t *testing.T) {
	env := setupTestEnv(t)

	var result NotaryListResult
	decodeResult(t, rpcCall(t, env.url, "notary_listNotaries", nil), &result)
	if result.Count != 0 || len(result.Notaries) != 0 {
		t.Errorf("notaries = %+v, want none", result)
	}
}

func TestRPC_VaultPutGet(t *testing.T) {
	env := setupTestEnv(t)
	issue := tx.NewBuilder().
		SetNonce(7).
		AddOutput(env.owner.PublicKey(), "cash", []byte("5")).
		SetNotary(&env.notary).
		Build()

	var put TxIDResult
	decodeResult(t, rpcCall(t, env.url, "vault_putTransaction", TxParam{Transaction: issue}), &put)
	if put.TxID != issue.ID() {
		t.Errorf("tx_id = %s, want %s", put.TxID, issue.ID())
	}

	var got TxResult
	decodeResult(t, rpcCall(t, env.url, "vault_getTransaction", TxIDParam{TxID: issue.ID()}), &got)
	if got.Transaction == nil || got.Transaction.ID() != issue.ID() {
		t.Fatalf("vault_getTransaction = %+v", got)
	}
	if got.NotarySignature != nil {
		t.Error("unnotarised transaction has a notary signature")
	}

	wantCode(t, rpcCall(t, env.url, "vault_getTransaction", TxIDParam{TxID: types.Hash{9}}), CodeNotFound)
	wantCode(t, rpcCall(t, env.url, "vault_putTransaction", map[string]interface{}{}), CodeInvalidParams)
}

func TestRPC_NetWithoutP2P(t *testing.T) {
	env := setupTestEnv(t)

	var peers PeerInfoResult
	decodeResult(t, rpcCall(t, env.url, "net_getPeerInfo", nil), &peers)
	if peers.Count != 0 {
		t.Errorf("peer count = %d, want 0", peers.Count)
	}
	var bans BanListResult
	decodeResult(t, rpcCall(t, env.url, "net_getBanList", nil), &bans)
	if bans.Count != 0 {
		t.Errorf("ban count = %d, want 0", bans.Count)
	}
	wantCode(t, rpcCall(t, env.url, "net_getNodeInfo", nil), CodeUnavailable)
}

func TestRPC_Metrics(t *testing.T) {
	env := setupTestEnv(t)

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", env.server.Addr()))
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "klingnotary_uniqueness_queue_size") {
		t.Errorf("metrics output lacks provider gauges:\n%s", body)
	}
}

func TestRPC_MethodNotFound(t *testing.T) {
	env := setupTestEnv(t)
	wantCode(t, rpcCall(t, env.url, "chain_getInfo", nil), CodeMethodNotFound)
}

func TestRPC_InvalidJSON(t *testing.T) {
	env := setupTestEnv(t)

	resp, err := http.Post(env.url, "application/json", bytes.NewReader([]byte("not json")))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	var rpcResp Response
	json.NewDecoder(resp.Body).Decode(&rpcResp)
	wantCode(t, rpcResp, CodeParseError)
}

func TestRPC_WrongVersion(t *testing.T) {
	env := setupTestEnv(t)

	body := []byte(`{"jsonrpc":"1.0","method":"notary_getInfo","id":3}`)
	resp, err := http.Post(env.url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	var rpcResp Response
	json.NewDecoder(resp.Body).Decode(&rpcResp)
	wantCode(t, rpcResp, CodeInvalidRequest)
}

func TestRPC_GetMethodNotAllowed(t *testing.T) {
	env := setupTestEnv(t)

	resp, err := http.Get(env.url)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var rpcResp Response
	json.NewDecoder(resp.Body).Decode(&rpcResp)
	wantCode(t, rpcResp, CodeInvalidRequest)
}

// --- IP Filtering ---

func TestRPC_IPFilter_Allowed(t *testing.T) {
	env := setupTestEnv(t, config.RPCConfig{AllowedIPs: []string{"127.0.0.1"}})

	resp := rpcCall(t, env.url, "notary_getInfo", nil)
	if resp.Error != nil {
		t.Errorf("expected success for 127.0.0.1, got error: %s", resp.Error.Message)
	}
}

func TestRPC_IPFilter_Blocked(t *testing.T) {
	env := setupTestEnv(t, config.RPCConfig{AllowedIPs: []string{"10.0.0.0/8"}})

	for _, path := range []string{"", "metrics"} {
		req := Request{JSONRPC: "2.0", Method: "notary_getInfo", ID: 1}
		body, _ := json.Marshal(req)
		resp, err := http.Post(env.url+path, "application/json", bytes.NewReader(body))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("/%s: expected 403, got %d", path, resp.StatusCode)
		}
	}
}

func TestParseAllowedIPs(t *testing.T) {
	nets := parseAllowedIPs([]string{"10.0.0.0/8", "192.168.1.5", "::1", "garbage"})
	if len(nets) != 3 {
		t.Fatalf("parsed %d nets, want 3", len(nets))
	}
	if ones, _ := nets[1].Mask.Size(); ones != 32 {
		t.Errorf("single IPv4 mask = /%d, want /32", ones)
	}
	if ones, _ := nets[2].Mask.Size(); ones != 128 {
		t.Errorf("single IPv6 mask = /%d, want /128", ones)
	}
}

// --- CORS ---

func corsRequest(t *testing.T, url, method, origin string) *http.Response {
	t.Helper()
	body, _ := json.Marshal(Request{JSONRPC: "2.0", Method: "notary_getInfo", ID: 1})
	httpReq, _ := http.NewRequest(method, url, bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Origin", origin)
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		t.Fatalf("%s: %v", method, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRPC_CORS(t *testing.T) {
	tests := []struct {
		name    string
		origins []string
		origin  string
		want    string
	}{
		{"wildcard", []string{"*"}, "http://example.com", "*"},
		{"specific", []string{"http://myapp.com"}, "http://myapp.com", "http://myapp.com"},
		{"not listed", []string{"http://myapp.com"}, "http://evil.com", ""},
		{"disabled", nil, "http://example.com", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestEnv(t, config.RPCConfig{CORSOrigins: tt.origins})
			resp := corsRequest(t, env.url, http.MethodPost, tt.origin)
			if got := resp.Header.Get("Access-Control-Allow-Origin"); got != tt.want {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRPC_CORS_Preflight(t *testing.T) {
	env := setupTestEnv(t, config.RPCConfig{CORSOrigins: []string{"*"}})
	resp := corsRequest(t, env.url, http.MethodOptions, "http://example.com")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Methods") == "" {
		t.Error("preflight lacks Access-Control-Allow-Methods")
	}
}

// --- Relay over p2p ---

func startP2P(t *testing.T) *p2p.Node {
	t.Helper()
	n := p2p.New(p2p.Config{ListenAddr: "127.0.0.1", NoDiscover: true, NetworkID: "rpc-test"})
	if err := n.Start(); err != nil {
		t.Fatalf("start p2p: %v", err)
	}
	t.Cleanup(func() { n.Stop() })
	return n
}

func TestRPC_NotarySign_Relay(t *testing.T) {
	klog.Init("error", false, "")

	// The notary runs behind remote; the RPC server runs on local with no
	// notary service of its own.
	svc, _, party, key := newService(t, prometheus.NewRegistry())
	remote := startP2P(t)
	if err := remote.ServeNotary(svc); err != nil {
		t.Fatalf("serve notary: %v", err)
	}
	local := startP2P(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := local.Connect(ctx, remote.Addrs()[0]); err != nil {
		t.Fatalf("connect: %v", err)
	}

	dir := p2p.NewDirectory(time.Minute)
	advert, err := p2p.NewAdvert(svc.Info(), remote.ID(), 0, time.Now(), key)
	if err != nil {
		t.Fatalf("new advert: %v", err)
	}
	dir.Update(advert)

	v := vault.New(storage.NewMemory())
	srv := New("127.0.0.1:0", nil, v)
	srv.SetP2P(local, dir)
	if err := srv.Start(); err != nil {
		t.Fatalf("start rpc: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })
	url := fmt.Sprintf("http://%s/", srv.Addr())

	var list NotaryListResult
	decodeResult(t, rpcCall(t, url, "notary_listNotaries", nil), &list)
	if list.Count != 1 || list.Notaries[0].PeerID != remote.ID().String() {
		t.Fatalf("notary_listNotaries = %+v", list)
	}

	env := &testEnv{notary: party}
	env.owner, _ = crypto.GenerateKey()
	spend := env.spend(t, 1, types.StateRef{TxID: types.Hash{0xdd}})

	var result SignResult
	decodeResult(t, rpcCall(t, url, "notary_sign", SignParam{Request: env.request(t, spend)}), &result)
	if result.Signature == nil {
		t.Fatalf("relayed request rejected: %v", result.Error)
	}
	if result.RelayedTo != remote.ID().String() {
		t.Errorf("relayed_to = %q, want %q", result.RelayedTo, remote.ID())
	}
	if _, err := v.NotarySignature(spend.ID()); err != nil {
		t.Errorf("relayed signature not recorded: %v", err)
	}

	// A notary absent from the directory cannot be reached.
	other, _ := crypto.GenerateKey()
	env.notary = types.Party{Name: "unknown", PubKey: other.PublicKey()}
	wantCode(t, rpcCall(t, url, "notary_sign", SignParam{Request: env.request(t, env.spend(t, 2, types.StateRef{TxID: types.Hash{0xde}}))}), CodeNotFound)
}
