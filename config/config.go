// Package config handles notary daemon configuration.
//
// Settings are resolved in order: defaults, the klingnotary.conf file,
// KLINGNOTARY_* environment variables, then command-line flags.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// NetworkType identifies mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// StorageBackend selects the commit log and vault engine.
type StorageBackend string

const (
	StorageBadger  StorageBackend = "badger"
	StorageLevelDB StorageBackend = "leveldb"
	StorageSQLite  StorageBackend = "sqlite"
	StorageMemory  StorageBackend = "memory"
)

// Config holds the notary daemon's runtime configuration.
type Config struct {
	Network NetworkType `conf:"network" env:"NETWORK"`
	DataDir string      `conf:"datadir" env:"DATADIR"`

	P2P     P2PConfig     `envPrefix:"P2P_"`
	RPC     RPCConfig     `envPrefix:"RPC_"`
	Storage StorageConfig `envPrefix:"STORAGE_"`
	Notary  NotaryConfig  `envPrefix:"NOTARY_"`
	Log     LogConfig     `envPrefix:"LOG_"`
}

// P2PConfig holds peer-to-peer network settings.
type P2PConfig struct {
	Enabled    bool     `conf:"p2p.enabled" env:"ENABLED"`
	ListenAddr string   `conf:"p2p.listen" env:"LISTEN"`
	Port       int      `conf:"p2p.port" env:"PORT"`
	Seeds      []string `conf:"p2p.seeds" env:"SEEDS"`
	MaxPeers   int      `conf:"p2p.maxpeers" env:"MAXPEERS"`
	NoDiscover bool     `conf:"p2p.nodiscover" env:"NODISCOVER"`
	DHTServer  bool     `conf:"p2p.dhtserver" env:"DHTSERVER"`
	ClearBans  bool     // Clear all peer bans on startup (not persisted in config file).
}

// RPCConfig holds RPC server settings.
type RPCConfig struct {
	Enabled     bool     `conf:"rpc.enabled" env:"ENABLED"`
	Addr        string   `conf:"rpc.addr" env:"ADDR"`
	Port        int      `conf:"rpc.port" env:"PORT"`
	AllowedIPs  []string `conf:"rpc.allowed" env:"ALLOWED"`
	CORSOrigins []string `conf:"rpc.cors" env:"CORS"`
	Metrics     bool     `conf:"rpc.metrics" env:"METRICS"` // Serve /metrics.
}

// StorageConfig selects the persistence engine.
type StorageConfig struct {
	Backend StorageBackend `conf:"storage.backend" env:"BACKEND"`
}

// NotaryConfig holds the notary service and uniqueness provider settings.
type NotaryConfig struct {
	Name       string `conf:"notary.name" env:"NAME"`
	KeyFile    string `conf:"notary.keyfile" env:"KEYFILE"`
	Validating bool   `conf:"notary.validating" env:"VALIDATING"`

	QueueSize                  int           `conf:"notary.queuesize" env:"QUEUE_SIZE"`
	BatchSize                  int           `conf:"notary.batchsize" env:"BATCH_SIZE"`
	BatchTimeout               time.Duration `conf:"notary.batchtimeout" env:"BATCH_TIMEOUT"`
	MaxInputStates             int           `conf:"notary.maxinputstates" env:"MAX_INPUT_STATES"`
	MaxBatchInputStates        int           `conf:"notary.maxbatchinputstates" env:"MAX_BATCH_INPUT_STATES"`
	BackOffBase                time.Duration `conf:"notary.backoffbase" env:"BACKOFF_BASE"`
	MaxDBTransactionRetryCount int           `conf:"notary.maxretries" env:"MAX_RETRIES"`
	TimeTolerance              time.Duration `conf:"notary.timetolerance" env:"TIME_TOLERANCE"`
	EtaMessageThreshold        time.Duration `conf:"notary.etathreshold" env:"ETA_THRESHOLD"`
	AdvertInterval             time.Duration `conf:"notary.advertinterval" env:"ADVERT_INTERVAL"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level" env:"LEVEL"`
	File  string `conf:"log.file" env:"FILE"`
	JSON  bool   `conf:"log.json" env:"JSON"`
}

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.klingnotary
//	macOS:   ~/Library/Application Support/KlingnetNotary
//	Windows: %APPDATA%\KlingnetNotary
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".klingnotary"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "KlingnetNotary")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "KlingnetNotary")
		}
		return filepath.Join(home, "AppData", "Roaming", "KlingnetNotary")
	default:
		return filepath.Join(home, ".klingnotary")
	}
}

// NetworkDataDir returns the network-specific data directory.
func (c *Config) NetworkDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// CommitLogDir returns the commit log database directory.
func (c *Config) CommitLogDir() string {
	return filepath.Join(c.NetworkDataDir(), "commitlog")
}

// CommitLogSQLite returns the SQLite commit log file.
func (c *Config) CommitLogSQLite() string {
	return filepath.Join(c.NetworkDataDir(), "commitlog.sqlite")
}

// VaultDir returns the transaction vault directory.
func (c *Config) VaultDir() string {
	return filepath.Join(c.NetworkDataDir(), "vault")
}

// PeersDir returns the peer ban store directory.
func (c *Config) PeersDir() string {
	return filepath.Join(c.NetworkDataDir(), "peers")
}

// KeystoreDir returns the keystore directory.
func (c *Config) KeystoreDir() string {
	return filepath.Join(c.NetworkDataDir(), "keystore")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "klingnotary.conf")
}

// NotaryKeyFile returns the notary key path, defaulting into the keystore.
func (c *Config) NotaryKeyFile() string {
	if c.Notary.KeyFile != "" {
		return c.Notary.KeyFile
	}
	return filepath.Join(c.KeystoreDir(), "notary.key")
}
