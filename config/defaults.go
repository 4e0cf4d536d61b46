package config

import "time"

// DefaultNotary returns the default notary service settings.
func DefaultNotary() NotaryConfig {
	return NotaryConfig{
		Name:                       "notary",
		QueueSize:                  1000,
		BatchSize:                  100,
		BatchTimeout:               200 * time.Millisecond,
		MaxInputStates:             2000,
		MaxBatchInputStates:        10_000,
		BackOffBase:                20 * time.Millisecond,
		MaxDBTransactionRetryCount: 10,
		TimeTolerance:              30 * time.Second,
		EtaMessageThreshold:        5 * time.Second,
		AdvertInterval:             30 * time.Second,
	}
}

// DefaultMainnet returns the default configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		P2P: P2PConfig{
			Enabled:    true,
			ListenAddr: "0.0.0.0",
			Port:       30403,
			MaxPeers:   50,
			// Format: multiaddr strings, e.g.
			//   "/ip4/203.0.113.1/tcp/30403/p2p/12D3KooW..."
			Seeds: []string{},
		},
		RPC: RPCConfig{
			Enabled:    true,
			Addr:       "127.0.0.1",
			Port:       8645,
			AllowedIPs: []string{"127.0.0.1"},
			Metrics:    true,
		},
		Storage: StorageConfig{
			Backend: StorageBadger,
		},
		Notary: DefaultNotary(),
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DefaultTestnet returns the default configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.P2P.Port = 30404
	cfg.RPC.Port = 8745
	return cfg
}

// Default returns the default configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	default:
		return DefaultMainnet()
	}
}
