package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadFile loads configuration from a .conf file.
// Format: key = value (one per line, # for comments)
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse key = value
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Remove quotes if present
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		values[key] = value
	}

	return values, scanner.Err()
}

// ApplyFileConfig applies file configuration to a Config struct.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	for key, value := range values {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// setConfigValue sets a config value by key.
func setConfigValue(cfg *Config, key, value string) error {
	switch key {
	// Core
	case "network":
		cfg.Network = NetworkType(value)
	case "datadir":
		cfg.DataDir = value

	// P2P
	case "p2p.enabled", "p2p":
		cfg.P2P.Enabled = parseBool(value)
	case "p2p.listen":
		cfg.P2P.ListenAddr = value
	case "p2p.port":
		return parseInt(value, &cfg.P2P.Port)
	case "p2p.seeds":
		cfg.P2P.Seeds = parseStringList(value)
	case "p2p.maxpeers":
		return parseInt(value, &cfg.P2P.MaxPeers)
	case "p2p.nodiscover":
		cfg.P2P.NoDiscover = parseBool(value)
	case "p2p.dhtserver":
		cfg.P2P.DHTServer = parseBool(value)

	// RPC
	case "rpc.enabled", "rpc":
		cfg.RPC.Enabled = parseBool(value)
	case "rpc.addr":
		cfg.RPC.Addr = value
	case "rpc.port":
		return parseInt(value, &cfg.RPC.Port)
	case "rpc.allowed":
		cfg.RPC.AllowedIPs = parseStringList(value)
	case "rpc.cors":
		cfg.RPC.CORSOrigins = parseStringList(value)
	case "rpc.metrics":
		cfg.RPC.Metrics = parseBool(value)

	// Storage
	case "storage.backend", "storage":
		cfg.Storage.Backend = StorageBackend(strings.ToLower(value))

	// Notary
	case "notary.name":
		cfg.Notary.Name = value
	case "notary.keyfile":
		cfg.Notary.KeyFile = value
	case "notary.validating", "validating":
		cfg.Notary.Validating = parseBool(value)
	case "notary.queuesize":
		return parseInt(value, &cfg.Notary.QueueSize)
	case "notary.batchsize":
		return parseInt(value, &cfg.Notary.BatchSize)
	case "notary.batchtimeout":
		return parseDuration(value, &cfg.Notary.BatchTimeout)
	case "notary.maxinputstates":
		return parseInt(value, &cfg.Notary.MaxInputStates)
	case "notary.maxbatchinputstates":
		return parseInt(value, &cfg.Notary.MaxBatchInputStates)
	case "notary.backoffbase":
		return parseDuration(value, &cfg.Notary.BackOffBase)
	case "notary.maxretries":
		return parseInt(value, &cfg.Notary.MaxDBTransactionRetryCount)
	case "notary.timetolerance":
		return parseDuration(value, &cfg.Notary.TimeTolerance)
	case "notary.etathreshold":
		return parseDuration(value, &cfg.Notary.EtaMessageThreshold)
	case "notary.advertinterval":
		return parseDuration(value, &cfg.Notary.AdvertInterval)

	// Logging
	case "log.level":
		cfg.Log.Level = value
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		cfg.Log.JSON = parseBool(value)

	default:
		// Unknown keys are ignored
	}
	return nil
}

func parseInt(s string, dst *int) error {
	n, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

// parseDuration accepts Go durations ("250ms") or bare milliseconds ("250").
func parseDuration(s string, dst *time.Duration) error {
	if ms, err := strconv.Atoi(s); err == nil {
		*dst = time.Duration(ms) * time.Millisecond
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

// parseBool parses a boolean value.
func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// parseStringList parses a comma-separated list.
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// WriteDefaultConfig writes a default configuration file.
func WriteDefaultConfig(path string, network NetworkType) error {
	content := `# Klingnet Notary Configuration
#
# Every key may also be set through the environment, e.g.
# KLINGNOTARY_NOTARY_BATCH_SIZE=200 or KLINGNOTARY_RPC_PORT=9000.

# Network: mainnet or testnet
network = ` + string(network) + `

# Data directory (default: ~/.klingnotary)
# datadir = ~/.klingnotary

# ============================================================================
# P2P Network
# ============================================================================

p2p.enabled = true
p2p.listen = 0.0.0.0
p2p.port = ` + defaultPort(network) + `
p2p.maxpeers = 50

# Seed nodes (comma-separated multiaddrs)
# p2p.seeds = /ip4/203.0.113.1/tcp/30403/p2p/12D3KooW...

# p2p.nodiscover = false
# p2p.dhtserver = false

# ============================================================================
# RPC Server
# ============================================================================

rpc.enabled = true
rpc.addr = 127.0.0.1
rpc.port = ` + defaultRPCPort(network) + `
rpc.allowed = 127.0.0.1
rpc.metrics = true
# rpc.cors = http://localhost:3000

# ============================================================================
# Storage: badger, leveldb, sqlite or memory
# ============================================================================

storage.backend = badger

# ============================================================================
# Notary
# ============================================================================

notary.name = notary
# notary.keyfile = ~/.klingnotary/mainnet/keystore/notary.key
notary.validating = false

# Uniqueness provider batching (durations accept 250ms or bare milliseconds)
notary.queuesize = 1000
notary.batchsize = 100
notary.batchtimeout = 200ms
notary.maxinputstates = 2000
notary.maxbatchinputstates = 10000
notary.backoffbase = 20ms
notary.maxretries = 10

# Accepted clock skew around a transaction's time window
notary.timetolerance = 30s

# ============================================================================
# Logging
# ============================================================================

log.level = info
# log.file =
log.json = false
`
	return os.WriteFile(path, []byte(content), 0644)
}

func defaultPort(network NetworkType) string {
	if network == Testnet {
		return "30404"
	}
	return "30403"
}

func defaultRPCPort(network NetworkType) string {
	if network == Testnet {
		return "8745"
	}
	return "8645"
}
