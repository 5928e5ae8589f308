package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// =============================================================================
// Protocol Rules (immutable, defined in genesis)
// These MUST match across all nodes or consensus breaks.
// =============================================================================

// Denomination constants.
// 1 coin = 10^12 base units. All on-chain values are in base units.
const (
	Decimals  = 12
	Coin      = 1_000_000_000_000 // 10^12 base units per coin
	MilliCoin = 1_000_000_000     // 10^9
	MicroCoin = 1_000_000         // 10^6
)

// CoinbaseMaturity is the number of blocks a coinbase output must wait
// before it can be spent. Prevents issues during reorgs.
const CoinbaseMaturity uint64 = 20

// Block and transaction size limits (consensus-critical).
const (
	MaxBlockSize  = 2_000_000 // 2 MB max block size (header + all tx signing bytes)
	MaxBlockTxs   = 500       // Max transactions per block (including coinbase)
	MaxTxInputs   = 2500      // Max inputs per transaction
	MaxTxOutputs  = 2500      // Max outputs per transaction
	MaxScriptData = 65_536    // 64 KB max metadata payload per transaction
)

// Genesis holds the genesis block configuration and protocol rules.
// This is immutable after chain launch - changes require a hard fork.
type Genesis struct {
	// Chain identity
	ChainID   string `json:"chain_id"`
	ChainName string `json:"chain_name"`
	Symbol    string `json:"symbol,omitempty"` // Native coin symbol (e.g., "XAI")

	// Genesis block
	Timestamp uint64 `json:"timestamp"`
	ExtraData string `json:"extra_data,omitempty"`

	// Initial allocations (address -> balance in base units)
	Alloc map[string]uint64 `json:"alloc"`

	// Protocol rules
	Protocol ProtocolConfig `json:"protocol"`
}

// ForkSchedule defines block heights at which protocol upgrades activate.
// A zero value means the fork is not scheduled.
type ForkSchedule struct {
	// Future forks are added here as fields.
}

// IsActive returns true if a fork at forkHeight has activated at currentHeight.
// Returns false if forkHeight is 0 (not scheduled).
func (f *ForkSchedule) IsActive(forkHeight, currentHeight uint64) bool {
	return forkHeight > 0 && currentHeight >= forkHeight
}

// ProtocolConfig holds consensus-critical rules. All nodes MUST agree on
// these values.
type ProtocolConfig struct {
	Consensus ConsensusRules `json:"consensus"`
	Forks     ForkSchedule   `json:"forks,omitempty"`
}

// ConsensusRules defines how proof-of-work blocks are produced and
// validated, the emission schedule, and the admission safety bounds
// layered on top of raw PoW (reorg/orphan/mempool/finality/checkpoint
// policy). All fields are consensus-critical except where noted.
type ConsensusRules struct {
	// Block timing
	BlockTime int `json:"block_time"` // Target seconds between blocks

	// PoW settings
	InitialDifficulty uint64 `json:"initial_difficulty"`
	DifficultyAdjust  int    `json:"difficulty_adjust"` // Blocks between adjustments (default 2016)

	// MaxDifficultyChange clamps how far a single retarget may move
	// difficulty, expressed as the divisor/multiplier applied to the
	// actual timespan (e.g. 4 means actual is clamped to
	// [expected/4, expected*4]). 0 defaults to 4 at engine construction.
	MaxDifficultyChange uint64 `json:"max_difficulty_change,omitempty"`

	// MedianTimeSpan is the number of preceding block timestamps used to
	// compute the median-time-past a new block's timestamp must exceed.
	// 0 defaults to 11 at engine construction.
	MedianTimeSpan int `json:"median_time_span,omitempty"`

	// MaxFutureSeconds is how far beyond the local clock a block
	// timestamp may be before it is rejected. 0 defaults to 7200
	// (2 hours) at engine construction.
	MaxFutureSeconds int64 `json:"max_future_seconds,omitempty"`

	// Economics
	BlockReward     uint64 `json:"block_reward"`               // Base units per block, the same at every height
	MaxSupply       uint64 `json:"max_supply"`                 // Total coin cap in base units (0 = unlimited)
	HalvingInterval uint64 `json:"halving_interval,omitempty"` // Not read by internal/chain or the miner; no halving is applied
	MinFeeRate      uint64 `json:"min_fee_rate"`                // Minimum fee rate (base units per byte)

	// Fork-choice safety bounds
	MaxReorgDepth   uint64 `json:"max_reorg_depth,omitempty"`   // Not read; internal/chain applies its fixed MaxReorgDepth of 1000
	MaxOrphanBlocks int    `json:"max_orphan_blocks,omitempty"` // 0 defaults to a built-in cap

	// Checkpointing
	CheckpointInterval uint64 `json:"checkpoint_interval,omitempty"`
	MaxCheckpoints     int    `json:"max_checkpoints,omitempty"`

	// Finality
	FinalityQuorumThreshold float64            `json:"finality_quorum_threshold,omitempty"`
	Validators              []ValidatorGenesis `json:"validators,omitempty"`
}

// ValidatorGenesis describes one finality validator as recorded in
// genesis: address, public key, and weighted voting power. Mirrors the
// external validators.json layout.
type ValidatorGenesis struct {
	Address     string `json:"address"`
	PublicKey   string `json:"public_key"`
	VotingPower uint64 `json:"voting_power"`
}

// =============================================================================
// Testnet Identity
//
// Derived from the well-known BIP-39 test mnemonic (DO NOT use on mainnet):
//
//	abandon abandon abandon abandon abandon abandon abandon abandon
//	abandon abandon abandon abandon abandon abandon abandon abandon
//	abandon abandon abandon abandon abandon abandon abandon art
//
// Derivation path: m/44'/8888'/0'/0/0 (no passphrase)
// =============================================================================

// TestnetMnemonic is the well-known seed phrase for the testnet validator.
const TestnetMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon art"

// testnetValidatorKey, TestnetValidatorPubKey, TestnetValidatorPrivKey, and
// TestnetAddress are all derived once from TestnetMnemonic at package init
// via DeriveDevKey, rather than hand-copied hex constants, so the testnet
// identity always matches what DeriveDevKey(TestnetMnemonic, 0) actually
// produces.
var (
	testnetValidatorKey     = mustDeriveTestnetValidatorKey()
	TestnetValidatorPubKey  = hex.EncodeToString(testnetValidatorKey.PublicKey())
	TestnetValidatorPrivKey = hex.EncodeToString(testnetValidatorKey.Serialize())
	TestnetAddress          = crypto.DeriveAddress(testnetValidatorKey.PublicKey()).String()
)

func mustDeriveTestnetValidatorKey() *crypto.PrivateKey {
	key, err := DeriveDevKey(TestnetMnemonic, 0)
	if err != nil {
		panic("derive testnet validator key from TestnetMnemonic: " + err.Error())
	}
	return key
}

// =============================================================================
// Pre-defined genesis configurations
// =============================================================================

// MainnetGenesis returns the mainnet genesis configuration.
func MainnetGenesis() *Genesis {
	return &Genesis{
		ChainID:   "klingnet-mainnet-1",
		ChainName: "Klingnet Mainnet",
		Symbol:    "XAI",
		Timestamp: 1770734103, // 2026-02-10
		ExtraData: "Klingnet Genesis",
		Alloc: map[string]uint64{
			"XAI0000000000000000000000000000000000000001": 100_000 * Coin,
		},
		Protocol: ProtocolConfig{
			Consensus: ConsensusRules{
				BlockTime:               120, // 2 minute blocks
				InitialDifficulty:       4,
				DifficultyAdjust:        2016,
				MaxDifficultyChange:     4,
				MedianTimeSpan:          11,
				MaxFutureSeconds:        2 * 60 * 60,
				BlockReward:             50 * Coin,
				MaxSupply:               21_000_000 * Coin,
				HalvingInterval:         210_000,
				MinFeeRate:              10_000,
				MaxReorgDepth:           1000,
				MaxOrphanBlocks:         500,
				CheckpointInterval:      2016,
				MaxCheckpoints:          10,
				FinalityQuorumThreshold: 0.67,
				Validators: []ValidatorGenesis{
					{
						Address:     "XAI0000000000000000000000000000000000000002",
						PublicKey:   "03cba4d0ee4c55f5ea620393a6e6e9dafe959bfa6ddff964221126a3e41ad0487d",
						VotingPower: 100,
					},
				},
			},
		},
	}
}

// TestnetGenesis returns the testnet genesis configuration.
func TestnetGenesis() *Genesis {
	g := MainnetGenesis()
	g.ChainID = "klingnet-testnet-1"
	g.ChainName = "Klingnet Testnet"
	g.ExtraData = "Klingnet Testnet Genesis"

	// More relaxed rules for testnet: low difficulty, low fee floor.
	g.Protocol.Consensus.InitialDifficulty = 1
	g.Protocol.Consensus.MinFeeRate = 10

	// Testnet allocation: 200,000 coins to the well-known testnet address.
	g.Alloc = map[string]uint64{
		TestnetAddress: 200_000 * Coin,
	}

	g.Protocol.Consensus.Validators = []ValidatorGenesis{
		{Address: TestnetAddress, PublicKey: TestnetValidatorPubKey, VotingPower: 100},
	}

	return g
}

// GenesisFor returns the genesis config for the given network.
func GenesisFor(network NetworkType) *Genesis {
	switch network {
	case Testnet:
		return TestnetGenesis()
	default:
		return MainnetGenesis()
	}
}

// =============================================================================
// Genesis file I/O
// =============================================================================

// LoadGenesis loads genesis configuration from a file.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading genesis file: %w", err)
	}

	var g Genesis
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing genesis file: %w", err)
	}

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis: %w", err)
	}

	return &g, nil
}

// Save writes the genesis configuration to a file.
func (g *Genesis) Save(path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding genesis: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing genesis file: %w", err)
	}

	return nil
}

// Validate checks that the genesis configuration is valid.
func (g *Genesis) Validate() error {
	if g.ChainID == "" {
		return fmt.Errorf("chain_id is required")
	}

	if g.Protocol.Consensus.InitialDifficulty == 0 {
		return fmt.Errorf("initial_difficulty must be positive")
	}
	if g.Protocol.Consensus.BlockTime <= 0 {
		return fmt.Errorf("block_time must be positive")
	}
	if g.Protocol.Consensus.BlockReward == 0 {
		return fmt.Errorf("block_reward must be positive")
	}

	var totalAlloc uint64
	for addrStr, v := range g.Alloc {
		if _, err := types.ParseAddress(addrStr); err != nil {
			return fmt.Errorf("invalid alloc address %q: %w", addrStr, err)
		}
		totalAlloc += v
	}
	if g.Protocol.Consensus.MaxSupply > 0 && totalAlloc > g.Protocol.Consensus.MaxSupply {
		return fmt.Errorf("genesis allocations (%d) exceed max_supply (%d)",
			totalAlloc, g.Protocol.Consensus.MaxSupply)
	}

	for i, v := range g.Protocol.Consensus.Validators {
		if _, err := types.ParseAddress(v.Address); err != nil {
			return fmt.Errorf("validator %d: invalid address %q: %w", i, v.Address, err)
		}
	}

	return nil
}

// Hash returns the SHA-256 hash of the genesis configuration, used to
// identify the chain and detect genesis mismatches between nodes.
func (g *Genesis) Hash() (types.Hash, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return types.Hash{}, err
	}
	return crypto.Hash(data), nil
}
