package config

import (
	"fmt"
	"strings"
)

// Validate checks the config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}
	if cfg.P2P.Port < 0 || cfg.P2P.Port > 65535 {
		return fmt.Errorf("p2p.port must be in range [0, 65535]")
	}
	if cfg.RPC.Port < 0 || cfg.RPC.Port > 65535 {
		return fmt.Errorf("rpc.port must be in range [0, 65535]")
	}

	switch cfg.Storage.Backend {
	case StorageBadger, StorageLevelDB, StorageSQLite, StorageMemory:
	case "":
		cfg.Storage.Backend = StorageBadger
	default:
		return fmt.Errorf("storage.backend must be badger, leveldb, sqlite or memory, got %q", cfg.Storage.Backend)
	}

	return ValidateNotary(&cfg.Notary)
}

// ValidateNotary checks the notary service settings.
func ValidateNotary(n *NotaryConfig) error {
	n.Name = strings.TrimSpace(n.Name)
	if n.Name == "" {
		return fmt.Errorf("notary.name must not be empty")
	}
	if n.QueueSize <= 0 {
		return fmt.Errorf("notary.queuesize must be positive")
	}
	if n.BatchSize <= 0 {
		return fmt.Errorf("notary.batchsize must be positive")
	}
	if n.BatchTimeout <= 0 {
		return fmt.Errorf("notary.batchtimeout must be positive")
	}
	if n.MaxInputStates <= 0 {
		return fmt.Errorf("notary.maxinputstates must be positive")
	}
	if n.MaxBatchInputStates < n.MaxInputStates {
		return fmt.Errorf("notary.maxbatchinputstates (%d) must be >= notary.maxinputstates (%d)",
			n.MaxBatchInputStates, n.MaxInputStates)
	}
	if n.BackOffBase <= 0 {
		return fmt.Errorf("notary.backoffbase must be positive")
	}
	if n.MaxDBTransactionRetryCount < 0 {
		return fmt.Errorf("notary.maxretries must not be negative")
	}
	if n.TimeTolerance < 0 {
		return fmt.Errorf("notary.timetolerance must not be negative")
	}
	return nil
}
