// Package config handles application configuration.
//
// Configuration is split into two categories:
//   - Protocol rules: Defined in genesis, immutable, must match across all nodes
//   - Node settings: Runtime configuration, can vary per node
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// NetworkType identifies mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// =============================================================================
// Node Configuration (runtime, per-node settings)
// =============================================================================

// Config holds node-specific runtime configuration.
// These settings can vary between nodes without breaking consensus.
type Config struct {
	// Core
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`

	// Mining (operational, not a consensus rule)
	Mining MiningConfig

	// Finality voting (operational — whether this node casts finality votes)
	Finality FinalityConfig

	// Checkpointing (operational — interval/retention, not consensus-critical)
	Checkpoint CheckpointConfig

	// Mempool policy (operational)
	Mempool MempoolConfig

	// Logging
	Log LogConfig

	// Maintenance (not persisted in config file)
	RebuildIndexes bool
}

// MiningConfig holds block production settings.
type MiningConfig struct {
	Enabled  bool   `conf:"mining.enabled"`
	Coinbase string `conf:"mining.coinbase"`
	Threads  int    `conf:"mining.threads"`
}

// FinalityConfig holds this node's BFT-style finality voting settings.
type FinalityConfig struct {
	Enabled    bool   `conf:"finality.enabled"`
	ValidatorKey string `conf:"finality.validatorkey"` // Path to the validator signing key, if this node votes.
}

// CheckpointConfig holds long-range-attack checkpointing settings.
type CheckpointConfig struct {
	Interval       uint64 `conf:"checkpoint.interval"`        // Blocks between checkpoints (0 = protocol default).
	MaxCheckpoints int    `conf:"checkpoint.max_checkpoints"` // Retained checkpoints (0 = protocol default).
}

// MempoolConfig holds local mempool admission policy knobs.
type MempoolConfig struct {
	MaxSize    int    `conf:"mempool.max_size"`
	SenderCap  int    `conf:"mempool.sender_cap"`
	TTLSecs    uint64 `conf:"mempool.ttl_seconds"`
	RBFMinBump uint64 `conf:"mempool.rbf_min_bump"` // Minimum absolute fee a replacement must add over the original.
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// =============================================================================
// Directory helpers
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.klingnet
//	macOS:   ~/Library/Application Support/Klingnet
//	Windows: %APPDATA%\Klingnet
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".klingnet"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Klingnet")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "Klingnet")
		}
		return filepath.Join(home, "AppData", "Roaming", "Klingnet")
	default:
		return filepath.Join(home, ".klingnet")
	}
}

// ChainDataDir returns the chain-specific data directory.
func (c *Config) ChainDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// BlocksDir returns the blocks storage directory.
func (c *Config) BlocksDir() string {
	return filepath.Join(c.ChainDataDir(), "blocks")
}

// UTXODir returns the UTXO database directory.
func (c *Config) UTXODir() string {
	return filepath.Join(c.ChainDataDir(), "utxo")
}

// CheckpointDir returns the checkpoint snapshot directory.
func (c *Config) CheckpointDir() string {
	return filepath.Join(c.ChainDataDir(), "checkpoints")
}

// NonceDir returns the directory for the shared nonce/address-index
// database (the nonce tracker and address index are namespaced within
// it via storage.PrefixDB).
func (c *Config) NonceDir() string {
	return filepath.Join(c.ChainDataDir(), "nonces")
}

// WALPath returns the reorg crash-recovery WAL file path.
func (c *Config) WALPath() string {
	return filepath.Join(c.ChainDataDir(), "reorg_wal.json")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "klingnet.conf")
}
