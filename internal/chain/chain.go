// Package chain implements the blockchain state machine.
package chain

import (
	"fmt"
	"sync"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/internal/addrindex"
	"github.com/Klingon-tech/klingnet-chain/internal/checkpoint"
	"github.com/Klingon-tech/klingnet-chain/internal/consensus"
	"github.com/Klingon-tech/klingnet-chain/internal/events"
	"github.com/Klingon-tech/klingnet-chain/internal/finality"
	"github.com/Klingon-tech/klingnet-chain/internal/nonce"
	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/internal/utxo"
	"github.com/Klingon-tech/klingnet-chain/internal/walfile"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// DefaultMaxOrphanBlocks bounds the orphan pool when the chain is
// constructed without an explicit genesis-derived limit.
const DefaultMaxOrphanBlocks = 500

// RevertedTxHandler is called after a reorg with transactions from reverted
// blocks that do not appear in the new branch, so they can be re-offered
// to the mempool.
type RevertedTxHandler func(txs []*tx.Transaction)

// Chain represents a blockchain instance with state, storage, and consensus.
type Chain struct {
	mu        sync.Mutex // Protects all state mutations (ProcessBlock, Reorg).
	ID        types.ChainID
	state     *State
	blocks    *BlockStore
	utxos     utxo.Set
	nonces    *nonce.Tracker
	engine    consensus.Engine
	validator *consensus.Validator

	timestampRules consensus.TimestampRules

	maxSupply   uint64     // Max coin supply (0 = unlimited).
	blockReward uint64     // Base block subsidy in base units.
	genesisHash types.Hash // Hash of the genesis block (immutable).

	// finalityMgr and checkpoints are optional safety layers on top of
	// raw PoW fork choice; either may be nil (finality/checkpointing
	// disabled), in which case the corresponding reorg precondition is
	// skipped.
	finalityMgr *finality.Manager
	checkpoints *checkpoint.Manager
	wal         *walfile.File
	addrIndex   *addrindex.Index

	listener          events.Listener
	revertedTxHandler RevertedTxHandler

	// orphans stashes blocks whose parent is not yet known, keyed by
	// height, instead of rejecting them outright. Reconnected once the
	// missing ancestor arrives.
	orphans         map[uint64][]*block.Block
	orphanCount     int
	maxOrphanBlocks int

	// recoveredFromWAL is set when New() found and replayed an
	// interrupted reorg. The facade checks this after wiring an address
	// index to trigger a matching RebuildAddressIndex, since that replay
	// happens before SetAddressIndex can be called.
	recoveredFromWAL bool
}

// RecoveredFromWAL reports whether this chain rebuilt its UTXO set from
// an interrupted reorg during construction.
func (c *Chain) RecoveredFromWAL() bool {
	return c.recoveredFromWAL
}

// New creates a new chain with the given components. wal may be nil to
// disable crash-recovery checking (tests, in-memory chains); nonces is
// required since stateful transaction validation always needs it.
func New(id types.ChainID, db storage.DB, utxoSet utxo.Set, nonces *nonce.Tracker, wal *walfile.File, engine consensus.Engine) (*Chain, error) {
	if db == nil {
		return nil, fmt.Errorf("storage db is nil")
	}
	if utxoSet == nil {
		return nil, fmt.Errorf("utxo set is nil")
	}
	if nonces == nil {
		return nil, fmt.Errorf("nonce tracker is nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("consensus engine is nil")
	}

	blocks := NewBlockStore(db)

	// Recover state from the block store.
	tipHash, height, supply, err := blocks.GetTip()
	if err != nil {
		return nil, fmt.Errorf("recover tip: %w", err)
	}

	cumDiff := blocks.GetCumulativeDifficulty()

	// Recover genesis hash for reorg protection.
	var genesisHash types.Hash
	genBlk, err := blocks.GetBlockByHeight(0)
	if err == nil {
		genesisHash = genBlk.Hash()
	}

	ch := &Chain{
		ID:              id,
		state:           &State{TipHash: tipHash, Height: height, Supply: supply, CumulativeDifficulty: cumDiff},
		blocks:          blocks,
		utxos:           utxoSet,
		nonces:          nonces,
		wal:             wal,
		engine:          engine,
		validator:       consensus.NewValidator(engine),
		genesisHash:     genesisHash,
		orphans:         make(map[uint64][]*block.Block),
		maxOrphanBlocks: DefaultMaxOrphanBlocks,
	}

	// Check for an interrupted reorg: the WAL file's mere presence after
	// an unclean shutdown means the UTXO set may be inconsistent with
	// the block store and must be rebuilt from blocks.
	if wal != nil && wal.Exists() {
		if _, err := wal.Read(); err != nil {
			return nil, fmt.Errorf("read reorg wal: %w", err)
		}
		if err := ch.RebuildUTXOs(); err != nil {
			return nil, fmt.Errorf("recover from interrupted reorg: %w", err)
		}
		if err := wal.Remove(); err != nil {
			return nil, fmt.Errorf("clear reorg wal after recovery: %w", err)
		}
		ch.recoveredFromWAL = true
	}

	return ch, nil
}

// InitFromGenesis initializes a fresh chain from genesis configuration.
// Returns an error if the chain already has blocks.
func (c *Chain) InitFromGenesis(gen *config.Genesis) error {
	if !c.state.IsGenesis() {
		return fmt.Errorf("chain already initialized at height %d", c.state.Height)
	}

	blk, err := CreateGenesisBlock(gen)
	if err != nil {
		return fmt.Errorf("create genesis: %w", err)
	}

	// Genesis block bypasses consensus validation (no signature needed).
	// Apply directly: store block, apply UTXOs, set tip.
	if err := c.applyBlock(blk); err != nil {
		return fmt.Errorf("apply genesis: %w", err)
	}

	if err := c.blocks.PutBlock(blk); err != nil {
		return fmt.Errorf("store genesis: %w", err)
	}

	if err := c.indexBlockApplied(blk); err != nil {
		return fmt.Errorf("index genesis: %w", err)
	}

	// Compute initial supply from genesis allocations.
	var supply uint64
	for _, v := range gen.Alloc {
		supply += v
	}

	hash := blk.Hash()
	c.state.TipHash = hash
	c.state.Height = 0
	c.state.Supply = supply
	c.state.TipTimestamp = blk.Header.Timestamp
	c.genesisHash = hash

	// Store protocol limits from genesis.
	c.applyConsensusRules(gen.Protocol.Consensus)

	if err := c.blocks.SetTip(hash, 0, supply); err != nil {
		return fmt.Errorf("set genesis tip: %w", err)
	}

	return nil
}

// SetConsensusRules configures consensus economic and safety limits for
// runtime validation. Call this on startup for both fresh and resumed
// chains.
func (c *Chain) SetConsensusRules(r config.ConsensusRules) {
	c.applyConsensusRules(r)
}

func (c *Chain) applyConsensusRules(r config.ConsensusRules) {
	c.maxSupply = r.MaxSupply
	c.blockReward = r.BlockReward
	c.timestampRules = consensus.TimestampRules{
		MedianTimeSpan:   r.MedianTimeSpan,
		MaxFutureSeconds: r.MaxFutureSeconds,
	}
	if r.MaxOrphanBlocks > 0 {
		c.maxOrphanBlocks = r.MaxOrphanBlocks
	}
}

// SetFinalityManager wires BFT-style finality into the reorg-acceptance
// path: once set, a reorg whose fork point is at or below the highest
// finalized height is rejected. Pass nil to disable (the default).
func (c *Chain) SetFinalityManager(m *finality.Manager) {
	c.finalityMgr = m
}

// SetCheckpointManager wires long-range-attack checkpointing into the
// reorg-acceptance path: once set, a reorg whose fork point is below
// the latest checkpoint height is rejected. Pass nil to disable.
func (c *Chain) SetCheckpointManager(m *checkpoint.Manager) {
	c.checkpoints = m
}

// SetListener registers the callback invoked for mined blocks and
// committed reorgs. Pass nil to disable.
func (c *Chain) SetListener(l events.Listener) {
	c.listener = l
}

// SetRevertedTxHandler sets the callback for transactions reverted during
// a reorg. These transactions should be re-added to the mempool if they
// are still valid.
func (c *Chain) SetRevertedTxHandler(fn RevertedTxHandler) {
	c.revertedTxHandler = fn
}

// FinalityManager returns the configured finality manager, or nil.
func (c *Chain) FinalityManager() *finality.Manager {
	return c.finalityMgr
}

// CheckpointManager returns the configured checkpoint manager, or nil.
func (c *Chain) CheckpointManager() *checkpoint.Manager {
	return c.checkpoints
}

// Nonces returns the chain's nonce tracker, used by the mempool and the
// blockchain facade to admit transactions against confirmed state.
func (c *Chain) Nonces() *nonce.Tracker {
	return c.nonces
}

// State returns a copy of the current chain state.
func (c *Chain) State() State {
	return *c.state
}

// GetBlock retrieves a block by its hash.
func (c *Chain) GetBlock(hash types.Hash) (*block.Block, error) {
	return c.blocks.GetBlock(hash)
}

// GetBlockByHeight retrieves a block by its height.
func (c *Chain) GetBlockByHeight(height uint64) (*block.Block, error) {
	return c.blocks.GetBlockByHeight(height)
}

// Height returns the current chain height.
func (c *Chain) Height() uint64 {
	return c.state.Height
}

// TipHash returns the hash of the current chain tip.
func (c *Chain) TipHash() types.Hash {
	return c.state.TipHash
}

// TipTimestamp returns the timestamp of the current chain tip.
func (c *Chain) TipTimestamp() uint64 {
	return c.state.TipTimestamp
}

// Supply returns the total coins in circulation.
func (c *Chain) Supply() uint64 {
	return c.state.Supply
}

// OrphanCount returns the number of blocks currently stashed awaiting
// their parent.
func (c *Chain) OrphanCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.orphanCount
}

// getBlockTimestamp returns the timestamp of a block at the given height.
// Used for PoW difficulty verification and median-time-past checks.
func (c *Chain) getBlockTimestamp(height uint64) (uint64, error) {
	blk, err := c.blocks.GetBlockByHeight(height)
	if err != nil {
		return 0, err
	}
	return blk.Header.Timestamp, nil
}

// ancestorTimestamps collects up to n timestamps of the blocks
// immediately preceding height, nearest ancestor first.
func (c *Chain) ancestorTimestamps(height uint64, n int) []uint64 {
	if n <= 0 || height == 0 {
		return nil
	}
	out := make([]uint64, 0, n)
	for i := 0; i < n && uint64(i) < height; i++ {
		ts, err := c.getBlockTimestamp(height - 1 - uint64(i))
		if err != nil {
			break
		}
		out = append(out, ts)
	}
	return out
}

// verifyDifficulty checks that a PoW block's stated difficulty matches
// the expected value computed from chain history. No-op for non-PoW engines.
func (c *Chain) verifyDifficulty(blk *block.Block) error {
	pow, ok := c.engine.(*consensus.PoW)
	if !ok {
		return nil // Not PoW — no difficulty to verify.
	}

	var prevDifficulty uint64
	if blk.Header.Height > 1 {
		prevBlk, err := c.blocks.GetBlockByHeight(blk.Header.Height - 1)
		if err != nil {
			return fmt.Errorf("get prev block for difficulty: %w", err)
		}
		prevDifficulty = prevBlk.Header.Difficulty
	}

	return pow.VerifyDifficulty(blk.Header, prevDifficulty, c.getBlockTimestamp)
}

// RebuildUTXOs clears the UTXO set and replays all blocks from genesis to the
// current tip, reconstructing the UTXO state. Used to recover from a crash
// during reorg where the UTXO set may be inconsistent.
func (c *Chain) RebuildUTXOs() error {
	store, ok := c.utxos.(*utxo.Store)
	if !ok {
		return fmt.Errorf("UTXO set does not support ClearAll (not *utxo.Store)")
	}

	if err := store.ClearAll(); err != nil {
		return fmt.Errorf("clear utxo set: %w", err)
	}

	// Replay all blocks from genesis to current tip.
	var supply uint64
	var cumDiff uint64
	for h := uint64(0); h <= c.state.Height; h++ {
		blk, err := c.blocks.GetBlockByHeight(h)
		if err != nil {
			return fmt.Errorf("load block at height %d: %w", h, err)
		}

		if err := c.applyBlock(blk); err != nil {
			return fmt.Errorf("replay block at height %d: %w", h, err)
		}

		supply += c.computeBlockReward(blk)
		cumDiff += blk.Header.Difficulty
	}

	c.state.Supply = supply
	c.state.CumulativeDifficulty = cumDiff

	// Persist recovered state.
	if err := c.blocks.SetTip(c.state.TipHash, c.state.Height, supply); err != nil {
		return fmt.Errorf("set tip after rebuild: %w", err)
	}
	if err := c.blocks.SetCumulativeDifficulty(cumDiff); err != nil {
		return fmt.Errorf("set cumulative difficulty after rebuild: %w", err)
	}

	return nil
}

// isPoWEngine returns true if the chain uses proof-of-work consensus.
func (c *Chain) isPoWEngine() bool {
	_, ok := c.engine.(*consensus.PoW)
	return ok
}

// GetTransaction looks up a confirmed transaction by hash via the tx index.
func (c *Chain) GetTransaction(hash types.Hash) (*tx.Transaction, error) {
	_, blockHash, err := c.blocks.GetTxLocation(hash)
	if err != nil {
		return nil, err
	}
	blk, err := c.blocks.GetBlock(blockHash)
	if err != nil {
		return nil, fmt.Errorf("load block for tx: %w", err)
	}
	for _, t := range blk.Transactions {
		if t.Hash() == hash {
			return t, nil
		}
	}
	return nil, fmt.Errorf("tx %s not found in block %s (index corrupt)", hash, blockHash)
}

// stashOrphan stores a block whose parent is not yet known, evicting the
// oldest-height orphan if the pool is at capacity.
func (c *Chain) stashOrphan(blk *block.Block) {
	h := blk.Header.Height
	c.orphans[h] = append(c.orphans[h], blk)
	c.orphanCount++
	if c.orphanCount > c.maxOrphanBlocks {
		c.evictOldestOrphan()
	}
}

// evictOldestOrphan drops one block from the lowest-height bucket.
func (c *Chain) evictOldestOrphan() {
	var minHeight uint64
	found := false
	for h := range c.orphans {
		if !found || h < minHeight {
			minHeight = h
			found = true
		}
	}
	if !found {
		return
	}
	list := c.orphans[minHeight]
	if len(list) == 0 {
		delete(c.orphans, minHeight)
		return
	}
	c.orphans[minHeight] = list[1:]
	if len(c.orphans[minHeight]) == 0 {
		delete(c.orphans, minHeight)
	}
	c.orphanCount--
}

// tryConnectOrphans attempts to admit any stashed block whose PrevHash
// matches the block just accepted at parentHeight. Admission is
// recursive: connecting one orphan may unblock its own children.
func (c *Chain) tryConnectOrphans(parentHash types.Hash, parentHeight uint64) {
	childHeight := parentHeight + 1
	list, ok := c.orphans[childHeight]
	if !ok {
		return
	}

	var remaining []*block.Block
	var toConnect []*block.Block
	for _, o := range list {
		if o.Header.PrevHash == parentHash {
			toConnect = append(toConnect, o)
		} else {
			remaining = append(remaining, o)
		}
	}
	if len(remaining) == 0 {
		delete(c.orphans, childHeight)
	} else {
		c.orphans[childHeight] = remaining
	}
	c.orphanCount -= len(toConnect)

	for _, o := range toConnect {
		_ = c.processBlockLocked(o) // Best-effort; invalid orphans are simply dropped.
	}
}
