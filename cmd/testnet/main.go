// Command testnet boots a 2-notary local network from scratch.
//
// Usage: go run ./cmd/testnet/
//
// It creates a key for each notary, boots two in-process nodes (one
// non-validating, one validating), connects them over libp2p and waits for
// their adverts to cross. It then notarises a spend on each notary, the
// second one relayed through the first node, and checks that a double
// spend is rejected with a conflict.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Klingon-tech/klingnet-notary/config"
	"github.com/Klingon-tech/klingnet-notary/internal/keystore"
	klog "github.com/Klingon-tech/klingnet-notary/internal/log"
	"github.com/Klingon-tech/klingnet-notary/internal/node"
	"github.com/Klingon-tech/klingnet-notary/internal/notary"
	"github.com/Klingon-tech/klingnet-notary/internal/rpcclient"
	"github.com/Klingon-tech/klingnet-notary/internal/storage"
	"github.com/Klingon-tech/klingnet-notary/internal/vault"
	"github.com/Klingon-tech/klingnet-notary/pkg/crypto"
	"github.com/Klingon-tech/klingnet-notary/pkg/protocol"
	"github.com/Klingon-tech/klingnet-notary/pkg/tx"
	"github.com/Klingon-tech/klingnet-notary/pkg/types"
)

var password = []byte("testnet")

func main() {
	klog.Init("info", false, "")
	logger := klog.WithComponent("testnet")

	logger.Info().Msg("=== Klingnet Notary 2-Node Local Testnet ===")

	// ── Phase 1: Build nodes ─────────────────────────────────────────────

	nodeA, err := buildNode("notary-a", false)
	if err != nil {
		logger.Fatal().Err(err).Msg("build notary-a")
	}
	nodeB, err := buildNode("notary-b", true)
	if err != nil {
		logger.Fatal().Err(err).Msg("build notary-b")
	}
	defer cleanup(nodeA, nodeB)

	for _, n := range []*node.Node{nodeA, nodeB} {
		if err := n.Start(); err != nil {
			logger.Fatal().Err(err).Msg("start node")
		}
	}
	partyA, partyB := nodeA.Party(), nodeB.Party()

	logger.Info().
		Str("notary_a", partyA.String()[:24]+"...").
		Str("notary_b", partyB.String()[:24]+"...").
		Str("rpc_a", nodeA.RPCAddr()).
		Str("rpc_b", nodeB.RPCAddr()).
		Msg("Nodes started")

	// ── Phase 2: Connect + exchange adverts ──────────────────────────────

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if _, err := nodeB.P2P().Connect(ctx, nodeA.P2P().Addrs()[0]); err != nil {
		logger.Fatal().Err(err).Msg("connect nodes")
	}
	if err := waitFor(ctx, func() bool {
		_, a := nodeA.Directory().Lookup(&partyB)
		_, b := nodeB.Directory().Lookup(&partyA)
		return a && b
	}); err != nil {
		logger.Fatal().Err(err).Msg("adverts did not propagate")
	}
	logger.Info().
		Int("node_a_peers", nodeA.P2P().PeerCount()).
		Int("node_b_peers", nodeB.P2P().PeerCount()).
		Msg("Adverts exchanged")

	// ── Phase 3: Notarise ────────────────────────────────────────────────

	clientA := rpcclient.NewWithTimeout("http://"+nodeA.RPCAddr()+"/", time.Minute)
	owner, err := crypto.GenerateKey()
	if err != nil {
		logger.Fatal().Err(err).Msg("generate owner key")
	}
	v := vault.New(storage.NewMemory())
	onWait := func(eta time.Duration) {
		logger.Info().Dur("eta", eta).Msg("Notary asked us to wait")
	}

	// Direct: a spend on notary-a.
	issueA := issue(v, owner, &partyA, 1)
	spendA := spend(owner, issueA, &partyA, 2)
	direct := notary.NewClient(v, rpcclient.NewTransport(clientA), "alice", owner, notary.WithWaitHandler(onWait))
	if _, err := direct.Notarise(ctx, spendA); err != nil {
		logger.Fatal().Err(err).Msg("notarise on notary-a")
	}
	logger.Info().Str("tx", spendA.ID().String()[:16]+"...").Msg("Notarised by notary-a")

	// Double spend of the same state.
	doubleA := spend(owner, issueA, &partyA, 3)
	_, err = direct.Notarise(ctx, doubleA)
	var nerr *notary.NotaryException
	if !errors.As(err, &nerr) || nerr.Kind() != protocol.KindConflict {
		logger.Fatal().Err(err).Msg("double spend was not rejected as a conflict")
	}
	logger.Info().Int("conflicts", len(nerr.Err.Conflicts)).Msg("Double spend rejected")

	// Relayed: a spend on notary-b sent to node-a.
	issueB := issue(v, owner, &partyB, 4)
	spendB := spend(owner, issueB, &partyB, 5)
	relayed := notary.NewClient(v, rpcclient.NewTransport(clientA).Via(&partyB), "alice", owner, notary.WithWaitHandler(onWait))
	sigB, err := relayed.Notarise(ctx, spendB)
	if err != nil {
		logger.Fatal().Err(err).Msg("notarise on notary-b through notary-a")
	}
	logger.Info().Str("tx", spendB.ID().String()[:16]+"...").Msg("Notarised by notary-b (relayed)")

	// ── Phase 4: Verification ────────────────────────────────────────────

	clientB := rpcclient.NewWithTimeout("http://"+nodeB.RPCAddr()+"/", time.Minute)
	res, err := clientB.Consumer(ctx, issueB.OutRef(0))
	if err != nil {
		logger.Fatal().Err(err).Msg("notary_getConsumer on notary-b")
	}
	if !res.Consumed || res.ConsumedByHash == nil || *res.ConsumedByHash != protocol.HashTxID(spendB.ID()) {
		logger.Error().Msg("FAILURE: notary-b does not record the relayed spend!")
		os.Exit(1)
	}

	logger.Info().Msg("SUCCESS: Both notaries committed their spends!")
	fmt.Println()
	fmt.Printf("  Notary A:          %s (non-validating)\n", partyA.Name)
	fmt.Printf("  Notary B:          %s (validating)\n", partyB.Name)
	fmt.Printf("  Direct spend:      %s\n", spendA.ID())
	fmt.Printf("  Relayed spend:     %s\n", spendB.ID())
	fmt.Printf("  Relayed signature: %x\n", []byte(sigB.Bytes))
	fmt.Println()
}

// buildNode creates a notary node with its own data dir and key.
func buildNode(name string, validating bool) (*node.Node, error) {
	dir, err := os.MkdirTemp("", "klingnotary-"+name+"-")
	if err != nil {
		return nil, err
	}
	cfg := config.Default(config.Testnet)
	cfg.DataDir = dir
	cfg.Storage.Backend = config.StorageMemory
	cfg.P2P.ListenAddr = "127.0.0.1"
	cfg.P2P.Port = 0 // Random port.
	cfg.P2P.NoDiscover = true
	cfg.P2P.Seeds = nil
	cfg.RPC.Port = 0
	cfg.Log.Level = "info"
	cfg.Notary.Name = name
	cfg.Notary.Validating = validating
	cfg.Notary.AdvertInterval = time.Second

	if err := config.EnsureDataDirs(cfg); err != nil {
		return nil, err
	}
	ks, err := keystore.New(cfg.KeystoreDir())
	if err != nil {
		return nil, err
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	if _, err := ks.Import("notary", key, password, keystore.DefaultParams()); err != nil {
		return nil, fmt.Errorf("import key: %w", err)
	}
	key.Zero()
	return node.New(cfg, password)
}

// issue stores a fresh state owned by owner and assigned to n.
func issue(v *vault.Vault, owner *crypto.PrivateKey, n *types.Party, nonce uint64) *tx.Transaction {
	t := tx.NewBuilder().
		SetNonce(nonce).
		AddOutput(owner.PublicKey(), "cash", []byte("100")).
		SetNotary(n).
		Build()
	if err := v.Put(t); err != nil {
		klog.Fatal().Err(err).Msg("store issuance")
	}
	return t
}

// spend consumes output 0 of parent.
func spend(owner *crypto.PrivateKey, parent *tx.Transaction, n *types.Party, nonce uint64) *tx.Transaction {
	b := tx.NewBuilder().
		SetNonce(nonce).
		AddInput(parent.OutRef(0)).
		AddOutput(owner.PublicKey(), "cash", []byte("100")).
		SetNotary(n).
		AddSigner(owner.PublicKey())
	if err := b.Sign(owner); err != nil {
		klog.Fatal().Err(err).Msg("sign spend")
	}
	return b.Build()
}

func waitFor(ctx context.Context, cond func() bool) error {
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
	return nil
}

// cleanup stops all nodes.
func cleanup(nodes ...*node.Node) {
	for _, n := range nodes {
		n.Stop()
	}
}
