// Package node provides a reusable notary node that can be embedded in any
// binary (daemon, tests, tooling).
package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-notary/config"
	"github.com/Klingon-tech/klingnet-notary/internal/commitlog"
	"github.com/Klingon-tech/klingnet-notary/internal/keystore"
	klog "github.com/Klingon-tech/klingnet-notary/internal/log"
	"github.com/Klingon-tech/klingnet-notary/internal/notary"
	"github.com/Klingon-tech/klingnet-notary/internal/p2p"
	"github.com/Klingon-tech/klingnet-notary/internal/rpc"
	"github.com/Klingon-tech/klingnet-notary/internal/storage"
	"github.com/Klingon-tech/klingnet-notary/internal/uniqueness"
	"github.com/Klingon-tech/klingnet-notary/internal/vault"
	"github.com/Klingon-tech/klingnet-notary/pkg/types"
)

// ErrNoNotaryKey is returned by New when the notary key file is missing.
var ErrNoNotaryKey = errors.New("notary key not found (create one with notary-cli keygen)")

// directoryPruneInterval is how often expired notaries are dropped.
const directoryPruneInterval = time.Minute

// Node is a fully-initialized notary node.
type Node struct {
	cfg    *config.Config
	logger zerolog.Logger

	// Identity
	identity *keystore.Identity
	party    types.Party

	// Core
	commitLog commitlog.Log
	vaultDB   storage.DB
	vault     *vault.Vault
	provider  *uniqueness.Provider
	service   *notary.Service
	registry  *prometheus.Registry

	// Networking
	peerDB    storage.DB
	p2pNode   *p2p.Node
	directory *p2p.Directory

	// RPC
	rpcServer *rpc.Server

	// Lifecycle
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates and initializes a Node: logger, notary key, storage, the
// uniqueness provider, the notary service, P2P and RPC. Background work
// (batch worker, adverts) begins in Start.
func New(cfg *config.Config, password []byte) (*Node, error) {
	// ── 1. Init logger ──────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = filepath.Join(logsDir, "notaryd.log")
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:      cfg,
		logger:   klog.WithComponent("node"),
		registry: prometheus.NewRegistry(),
		ctx:      ctx,
		cancel:   cancel,
	}
	if err := n.setup(password); err != nil {
		n.close()
		return nil, err
	}
	return n, nil
}

func (n *Node) setup(password []byte) error {
	cfg := n.cfg
	n.logger.Info().
		Str("network", string(cfg.Network)).
		Str("storage", string(cfg.Storage.Backend)).
		Bool("validating", cfg.Notary.Validating).
		Msg("Starting Klingnet Notary")

	// ── 2. Notary key ───────────────────────────────────────────────
	id, err := keystore.UnlockFile(cfg.NotaryKeyFile(), password)
	if errors.Is(err, keystore.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNoNotaryKey, cfg.NotaryKeyFile())
	}
	if err != nil {
		return fmt.Errorf("unlock notary key %s: %w", cfg.NotaryKeyFile(), err)
	}
	n.identity = id
	n.party = id.Party
	if cfg.Notary.Name != "" {
		n.party.Name = cfg.Notary.Name
	}
	n.logger.Info().
		Str("name", n.party.Name).
		Str("key_id", id.KeyID().String()).
		Msg("Notary key unlocked")

	// ── 3. Storage ──────────────────────────────────────────────────
	if err := n.openStorage(); err != nil {
		return err
	}

	// ── 4. Uniqueness provider ──────────────────────────────────────
	n.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	n.provider = uniqueness.New(n.commitLog, uniqueness.ConfigFromNotary(cfg.Notary),
		uniqueness.WithRegisterer(n.registry))

	// ── 5. Notary service ───────────────────────────────────────────
	var policy notary.Policy = notary.NonValidating{}
	if cfg.Notary.Validating {
		policy = notary.NewValidating(n.vault, notary.OwnershipVerifier{}, n.party.PubKey,
			notary.WithConsumerLookup(n.commitLog))
	}
	n.service, err = notary.NewService(n.party, n.identity.Key, n.provider, policy,
		notary.WithTimeTolerance(cfg.Notary.TimeTolerance),
		notary.WithEtaThreshold(cfg.Notary.EtaMessageThreshold))
	if err != nil {
		return fmt.Errorf("create notary service: %w", err)
	}

	// ── 6. P2P ──────────────────────────────────────────────────────
	if cfg.P2P.Enabled {
		if err := n.setupP2P(); err != nil {
			return err
		}
	} else {
		n.logger.Warn().Msg("P2P disabled by config; notary reachable over RPC only")
	}

	// ── 7. RPC server ───────────────────────────────────────────────
	if cfg.RPC.Enabled {
		rpcAddr := fmt.Sprintf("%s:%d", cfg.RPC.Addr, cfg.RPC.Port)
		n.rpcServer = rpc.New(rpcAddr, n.service, n.vault, cfg.RPC)
		n.rpcServer.SetCommitLog(n.commitLog)
		if n.p2pNode != nil {
			n.rpcServer.SetP2P(n.p2pNode, n.directory)
			n.rpcServer.SetBanManager(n.p2pNode.BanManager)
		}
		if cfg.RPC.Metrics {
			n.rpcServer.SetMetrics(n.registry)
		}
	} else {
		n.logger.Warn().Msg("RPC disabled by config")
	}
	return nil
}

// openStorage opens the commit log and the vault on the configured backend.
func (n *Node) openStorage() error {
	cfg := n.cfg
	var err error
	if cfg.Storage.Backend == config.StorageSQLite {
		n.commitLog, err = commitlog.OpenSQLite(cfg.CommitLogSQLite(), cfg.Notary.MaxInputStates)
		if err != nil {
			return fmt.Errorf("open commit log at %s: %w", cfg.CommitLogSQLite(), err)
		}
		n.logger.Info().Str("path", cfg.CommitLogSQLite()).Msg("SQLite commit log opened")
	} else {
		db, err := openKV(cfg.Storage.Backend, cfg.CommitLogDir())
		if err != nil {
			return fmt.Errorf("open commit log at %s: %w", cfg.CommitLogDir(), err)
		}
		// The KV log owns db from here on.
		n.commitLog = commitlog.NewKV(db, cfg.Notary.MaxInputStates)
		n.logger.Info().Str("path", cfg.CommitLogDir()).Msg("Commit log opened")
	}

	n.vaultDB, err = openKV(cfg.Storage.Backend, cfg.VaultDir())
	if err != nil {
		return fmt.Errorf("open vault at %s: %w", cfg.VaultDir(), err)
	}
	n.vault = vault.New(n.vaultDB)
	return nil
}

func (n *Node) setupP2P() error {
	cfg := n.cfg
	var err error
	n.peerDB, err = openKV(cfg.Storage.Backend, cfg.PeersDir())
	if err != nil {
		return fmt.Errorf("open peer store at %s: %w", cfg.PeersDir(), err)
	}

	n.p2pNode = p2p.New(p2p.Config{
		ListenAddr: cfg.P2P.ListenAddr,
		Port:       cfg.P2P.Port,
		Seeds:      cfg.P2P.Seeds,
		MaxPeers:   cfg.P2P.MaxPeers,
		NoDiscover: cfg.P2P.NoDiscover,
		DB:         n.peerDB,
		DHTServer:  cfg.P2P.DHTServer,
		NetworkID:  "klingnet-notary-" + string(cfg.Network),
		DataDir:    cfg.PeersDir(),
	})
	if err := n.p2pNode.Start(); err != nil {
		return fmt.Errorf("start P2P: %w", err)
	}
	if cfg.P2P.ClearBans {
		n.p2pNode.BanManager.ClearAll()
		n.logger.Info().Msg("Peer bans cleared")
	}

	if err := n.p2pNode.ServeNotary(n.service); err != nil {
		return fmt.Errorf("serve notary protocol: %w", err)
	}

	n.directory = p2p.NewDirectory(3 * cfg.Notary.AdvertInterval)
	err = n.p2pNode.JoinAdverts(func(from peer.ID, a *p2p.Advert) {
		if n.directory.Update(a) {
			n.logger.Debug().
				Str("notary", a.Party.Name).
				Str("peer", a.PeerID).
				Str("relay", from.String()).
				Msg("Notary advert")
		}
	})
	if err != nil {
		return fmt.Errorf("join advert topic: %w", err)
	}

	n.logger.Info().
		Str("id", n.p2pNode.ID().String()).
		Int("port", cfg.P2P.Port).
		Bool("discovery", !cfg.P2P.NoDiscover).
		Msg("P2P node started")
	return nil
}

// Start launches the batch worker, the RPC listener and, with P2P, the
// advertiser and directory pruning.
func (n *Node) Start() error {
	n.provider.Start()

	if n.rpcServer != nil {
		if err := n.rpcServer.Start(); err != nil {
			return fmt.Errorf("start RPC: %w", err)
		}
		n.logger.Info().Str("addr", n.rpcServer.Addr()).Msg("RPC server started")
	}

	if n.p2pNode != nil {
		n.p2pNode.RunAdvertiser(n.cfg.Notary.AdvertInterval, n.buildAdvert)
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.runDirectoryPrune()
		}()
	}

	n.logger.Info().
		Str("notary", n.party.String()).
		Bool("p2p", n.p2pNode != nil).
		Bool("rpc", n.rpcServer != nil).
		Msg("Node started successfully")
	return nil
}

// buildAdvert signs a fresh advert carrying the current single-state ETA.
func (n *Node) buildAdvert() (*p2p.Advert, error) {
	info := n.service.Info()
	return p2p.NewAdvert(info, n.p2pNode.ID(), n.service.Eta(1), time.Now(), n.identity.Key)
}

func (n *Node) runDirectoryPrune() {
	ticker := time.NewTicker(directoryPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if dropped := n.directory.Prune(); dropped > 0 {
				n.logger.Debug().Int("dropped", dropped).Msg("Expired notaries pruned")
			}
		}
	}
}

// Stop performs graceful shutdown in reverse order. The RPC server and P2P
// stop accepting requests before the provider fails the queue.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		n.close()
		n.logger.Info().Msg("Goodbye!")
	})
}

func (n *Node) close() {
	n.cancel()
	n.wg.Wait()

	if n.rpcServer != nil {
		n.rpcServer.Stop()
	}
	if n.p2pNode != nil {
		n.p2pNode.Stop()
	}
	if n.provider != nil {
		n.provider.Stop()
	}
	if n.commitLog != nil {
		n.commitLog.Close()
	}
	for _, db := range []storage.DB{n.vaultDB, n.peerDB} {
		if db != nil {
			db.Close()
		}
	}
	if n.identity != nil {
		n.identity.Key.Zero()
	}
}

// RPCAddr returns the address the RPC server is listening on.
func (n *Node) RPCAddr() string {
	if n.rpcServer == nil {
		return ""
	}
	return n.rpcServer.Addr()
}

// Party returns the notary identity served by this node.
func (n *Node) Party() types.Party {
	return n.party
}

// P2P returns the p2p node, or nil when P2P is disabled.
func (n *Node) P2P() *p2p.Node {
	return n.p2pNode
}

// Directory returns the notaries known from adverts, or nil without P2P.
func (n *Node) Directory() *p2p.Directory {
	return n.directory
}
