package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault_Valid(t *testing.T) {
	for _, network := range []NetworkType{Mainnet, Testnet} {
		if err := Validate(Default(network)); err != nil {
			t.Errorf("Default(%s) invalid: %v", network, err)
		}
	}
	if Default(Testnet).P2P.Port == Default(Mainnet).P2P.Port {
		t.Error("testnet should use a different p2p port")
	}
}

func TestLoadFile_AndApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "klingnotary.conf")
	content := `# comment
network = testnet
storage.backend = SQLite
notary.name = "notary-eu"
notary.validating = yes
notary.batchsize = 250
notary.batchtimeout = 500
notary.backoffbase = 5ms
p2p.seeds = /ip4/1.2.3.4/tcp/1, /ip4/5.6.7.8/tcp/2
unknown.key = ignored
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	values, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	cfg := Default(Mainnet)
	if err := ApplyFileConfig(cfg, values); err != nil {
		t.Fatalf("ApplyFileConfig: %v", err)
	}

	if cfg.Network != Testnet {
		t.Errorf("network = %s, want testnet", cfg.Network)
	}
	if cfg.Storage.Backend != StorageSQLite {
		t.Errorf("backend = %s, want sqlite", cfg.Storage.Backend)
	}
	if cfg.Notary.Name != "notary-eu" {
		t.Errorf("name = %q, want notary-eu", cfg.Notary.Name)
	}
	if !cfg.Notary.Validating {
		t.Error("validating should be true")
	}
	if cfg.Notary.BatchSize != 250 {
		t.Errorf("batchsize = %d, want 250", cfg.Notary.BatchSize)
	}
	if cfg.Notary.BatchTimeout != 500*time.Millisecond {
		t.Errorf("batchtimeout = %s, want 500ms", cfg.Notary.BatchTimeout)
	}
	if cfg.Notary.BackOffBase != 5*time.Millisecond {
		t.Errorf("backoffbase = %s, want 5ms", cfg.Notary.BackOffBase)
	}
	if len(cfg.P2P.Seeds) != 2 {
		t.Errorf("seeds = %v, want 2 entries", cfg.P2P.Seeds)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	values, err := LoadFile(filepath.Join(t.TempDir(), "nope.conf"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if len(values) != 0 {
		t.Errorf("values = %v, want empty", values)
	}
}

func TestApplyFileConfig_BadValue(t *testing.T) {
	cfg := Default(Mainnet)
	if err := ApplyFileConfig(cfg, map[string]string{"notary.batchsize": "many"}); err == nil {
		t.Error("non-numeric batch size should fail")
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default(Mainnet)
	err := applyEnvWith(cfg, map[string]string{
		"KLINGNOTARY_NOTARY_BATCH_SIZE":    "42",
		"KLINGNOTARY_NOTARY_BATCH_TIMEOUT": "1s",
		"KLINGNOTARY_NOTARY_VALIDATING":    "true",
		"KLINGNOTARY_RPC_PORT":             "9999",
		"KLINGNOTARY_STORAGE_BACKEND":      "leveldb",
	})
	if err != nil {
		t.Fatalf("applyEnvWith: %v", err)
	}
	if cfg.Notary.BatchSize != 42 {
		t.Errorf("batch size = %d, want 42", cfg.Notary.BatchSize)
	}
	if cfg.Notary.BatchTimeout != time.Second {
		t.Errorf("batch timeout = %s, want 1s", cfg.Notary.BatchTimeout)
	}
	if !cfg.Notary.Validating {
		t.Error("validating should be true")
	}
	if cfg.RPC.Port != 9999 {
		t.Errorf("rpc port = %d, want 9999", cfg.RPC.Port)
	}
	if cfg.Storage.Backend != StorageLevelDB {
		t.Errorf("backend = %s, want leveldb", cfg.Storage.Backend)
	}
	// Unset variables keep defaults.
	if cfg.Notary.QueueSize != DefaultNotary().QueueSize {
		t.Errorf("queue size = %d, want default", cfg.Notary.QueueSize)
	}
}

func TestParseFlags_Apply(t *testing.T) {
	f, err := parseFlags([]string{"--testnet", "--validating", "--batch-size=7", "--storage=memory", "--p2p=false"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	cfg := Default(Mainnet)
	ApplyFlags(cfg, f)
	if cfg.Network != Testnet {
		t.Errorf("network = %s, want testnet", cfg.Network)
	}
	if !cfg.Notary.Validating {
		t.Error("validating should be set")
	}
	if cfg.Notary.BatchSize != 7 {
		t.Errorf("batch size = %d, want 7", cfg.Notary.BatchSize)
	}
	if cfg.Storage.Backend != StorageMemory {
		t.Errorf("backend = %s, want memory", cfg.Storage.Backend)
	}
	if cfg.P2P.Enabled {
		t.Error("p2p should be disabled")
	}
}

func TestParseFlags_StrayPositional(t *testing.T) {
	if _, err := parseFlags([]string{"--validating", "extra", "--batch-size=1"}); err == nil {
		t.Error("flag after positional argument should be reported")
	}
}

func TestResolve_WritesDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Resolve(&Flags{DataDir: dir, Storage: "memory"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := os.Stat(cfg.ConfigFile()); err != nil {
		t.Errorf("default config not written: %v", err)
	}
	if cfg.Storage.Backend != StorageMemory {
		t.Errorf("flag should override file, got %s", cfg.Storage.Backend)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad network", func(c *Config) { c.Network = "devnet" }},
		{"bad port", func(c *Config) { c.RPC.Port = 70000 }},
		{"bad backend", func(c *Config) { c.Storage.Backend = "postgres" }},
		{"empty name", func(c *Config) { c.Notary.Name = "  " }},
		{"zero batch", func(c *Config) { c.Notary.BatchSize = 0 }},
		{"zero queue", func(c *Config) { c.Notary.QueueSize = 0 }},
		{"batch states below chunk", func(c *Config) { c.Notary.MaxBatchInputStates = 1 }},
		{"negative retries", func(c *Config) { c.Notary.MaxDBTransactionRetryCount = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default(Mainnet)
			tt.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
