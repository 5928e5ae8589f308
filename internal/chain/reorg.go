package chain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Klingon-tech/klingnet-chain/internal/events"
	"github.com/Klingon-tech/klingnet-chain/internal/utxo"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// UndoData stores the information needed to revert a block's UTXO changes.
type UndoData struct {
	SpentUTXOs       []utxo.UTXO      `json:"spent_utxos"`
	CreatedOutpoints []types.Outpoint `json:"created_outpoints"`
	TxHashes         []types.Hash     `json:"tx_hashes"`
	BlockReward      uint64           `json:"block_reward"`
}

// ErrForkDetected indicates a valid block whose parent is known but is not the
// current tip. The caller should decide whether to reorg.
var ErrForkDetected = fmt.Errorf("fork detected")

// ErrReorgTooDeep is returned when a reorg's new branch (the blocks above
// the fork point) is longer than MaxReorgDepth.
var ErrReorgTooDeep = fmt.Errorf("reorg too deep")

// ErrGenesisReorg is returned when a reorg would replace the genesis block.
var ErrGenesisReorg = fmt.Errorf("reorg would replace genesis block")

// ErrReorgBelowFinalized is returned when a reorg's fork point is at or
// below the highest finalized height.
var ErrReorgBelowFinalized = fmt.Errorf("reorg fork point is at or below the highest finalized height")

// ErrReorgBelowCheckpoint is returned when a reorg's fork point is below
// the latest checkpoint height.
var ErrReorgBelowCheckpoint = fmt.Errorf("reorg fork point is below the latest checkpoint")

// MaxReorgDepth is the maximum number of new-branch blocks above the fork
// point that a reorg will collect. The number of blocks reverted from the
// current chain is not bounded separately.
const MaxReorgDepth = 1000

// applyBlockWithUndo applies a block to the UTXO set and returns undo data.
func (c *Chain) applyBlockWithUndo(blk *block.Block) (*UndoData, error) {
	undo := &UndoData{}

	for txIdx, transaction := range blk.Transactions {
		txHash := transaction.Hash()
		undo.TxHashes = append(undo.TxHashes, txHash)
		isCoinbase := txIdx == 0 && blk.Header.Height > 0

		// Spend inputs — save UTXO before deleting for undo.
		for _, in := range transaction.Inputs {
			if in.PrevOut.IsZero() {
				continue
			}
			u, err := c.utxos.Get(in.PrevOut)
			if err != nil {
				return nil, fmt.Errorf("get utxo for undo %s: %w", in.PrevOut, err)
			}
			undo.SpentUTXOs = append(undo.SpentUTXOs, *u)

			if err := c.utxos.Delete(in.PrevOut); err != nil {
				return nil, fmt.Errorf("spend %s: %w", in.PrevOut, err)
			}
		}

		// Create outputs.
		for i, out := range transaction.Outputs {
			op := types.Outpoint{TxID: txHash, Index: uint32(i)}
			undo.CreatedOutpoints = append(undo.CreatedOutpoints, op)

			u := &utxo.UTXO{
				Outpoint: op,
				Address:  out.Address,
				Amount:   out.Amount,
				Height:   blk.Header.Height,
				Coinbase: isCoinbase,
			}
			if err := c.utxos.Put(u); err != nil {
				return nil, fmt.Errorf("create output %s:%d: %w", txHash, i, err)
			}
		}
	}

	return undo, nil
}

// revertBlock undoes a block's UTXO changes using stored undo data, and
// rolls back the sender nonces its transactions advanced.
func (c *Chain) revertBlock(blk *block.Block, undo *UndoData) error {
	// Delete created outputs (reverse order for safety).
	for i := len(undo.CreatedOutpoints) - 1; i >= 0; i-- {
		if err := c.utxos.Delete(undo.CreatedOutpoints[i]); err != nil {
			return fmt.Errorf("delete created output %s: %w", undo.CreatedOutpoints[i], err)
		}
	}

	// Restore spent UTXOs.
	for i := range undo.SpentUTXOs {
		if err := c.utxos.Put(&undo.SpentUTXOs[i]); err != nil {
			return fmt.Errorf("restore utxo %s: %w", undo.SpentUTXOs[i].Outpoint, err)
		}
	}

	// Remove tx index entries.
	for _, txHash := range undo.TxHashes {
		if err := c.blocks.DeleteTxIndex(txHash); err != nil {
			return fmt.Errorf("delete tx index %s: %w", txHash, err)
		}
	}

	// Roll back sender nonces for every reverted non-coinbase transaction.
	for i, transaction := range blk.Transactions {
		if i == 0 {
			continue // Coinbase.
		}
		if err := c.nonces.Rollback(transaction.Sender, transaction.Nonce); err != nil {
			return fmt.Errorf("rollback nonce for tx %d: %w", i, err)
		}
	}

	return nil
}

// compareChains decides whether a candidate branch should replace the
// current chain: more cumulative work wins outright; on equal work the
// branch with more transactions wins (denser chains are preferred over
// sparser ones of equal work); on a further tie the branch whose tip was
// mined earlier wins. A candidate that is neither heavier nor tied loses.
func compareChains(newWork, oldWork uint64, newTxCount, oldTxCount int, newTipTimestamp, oldTipTimestamp uint64) bool {
	if newWork != oldWork {
		return newWork > oldWork
	}
	if newTxCount != oldTxCount {
		return newTxCount > oldTxCount
	}
	return newTipTimestamp < oldTipTimestamp
}

// Reorg switches the chain from the current tip to the new tip.
// It finds the common ancestor, reverts old blocks, and replays new blocks.
// The reorg only proceeds if the candidate branch wins the fork-choice
// comparison and clears the finality/checkpoint safety bounds.
func (c *Chain) Reorg(newTipHash types.Hash) error {
	// Collect the new branch (from newTip back to common ancestor).
	newBranch, err := c.collectBranch(newTipHash)
	if err != nil {
		return fmt.Errorf("collect new branch: %w", err)
	}
	if len(newBranch) == 0 {
		return fmt.Errorf("empty new branch")
	}

	// The fork height is one below the first block in the new branch.
	forkHeight := newBranch[0].Header.Height - 1
	oldHeight := c.state.Height

	if c.finalityMgr != nil && !c.finalityMgr.CanReorgToHeight(forkHeight) {
		return ErrReorgBelowFinalized
	}
	if c.checkpoints != nil && forkHeight < c.checkpoints.LatestHeight() {
		return ErrReorgBelowCheckpoint
	}

	// Compare cumulative work, with tie-break by tx count then tip age.
	var newBranchWork, oldBranchWork uint64
	var newTxCount, oldTxCount int
	for _, blk := range newBranch {
		newBranchWork += blk.Header.Difficulty
		newTxCount += len(blk.Transactions)
	}
	var oldTipTimestamp uint64
	for h := forkHeight + 1; h <= oldHeight; h++ {
		blk, err := c.blocks.GetBlockByHeight(h)
		if err != nil {
			return fmt.Errorf("load old block for work comparison at height %d: %w", h, err)
		}
		oldBranchWork += blk.Header.Difficulty
		oldTxCount += len(blk.Transactions)
		oldTipTimestamp = blk.Header.Timestamp
	}
	newTipTimestamp := newBranch[len(newBranch)-1].Header.Timestamp

	if !compareChains(newBranchWork, oldBranchWork, newTxCount, oldTxCount, newTipTimestamp, oldTipTimestamp) {
		return nil // Candidate branch does not win the fork-choice comparison.
	}

	oldTipHash := c.state.TipHash

	// Write a WAL record marking the reorg in progress so a crash mid-way
	// is recoverable at the next startup (New rebuilds the UTXO set).
	if c.wal != nil {
		if err := c.wal.Begin(oldTipHash, newTipHash, forkHeight, uint64(time.Now().Unix())); err != nil {
			return fmt.Errorf("write reorg wal: %w", err)
		}
	}

	// Collect reverted non-coinbase transactions for mempool re-insertion.
	var revertedTxs []*tx.Transaction

	// Revert old blocks from current tip down to fork point.
	for h := oldHeight; h > forkHeight; h-- {
		blk, err := c.blocks.GetBlockByHeight(h)
		if err != nil {
			return fmt.Errorf("load old block at height %d: %w", h, err)
		}
		bHash := blk.Hash()
		undoBytes, err := c.blocks.GetUndo(bHash)
		if err != nil {
			// Undo data missing — fall back to full UTXO rebuild.
			return c.rebuildReorg(newBranch, forkHeight)
		}
		var undo UndoData
		if err := json.Unmarshal(undoBytes, &undo); err != nil {
			return fmt.Errorf("unmarshal undo for block %s: %w", bHash, err)
		}

		if err := c.revertBlock(blk, &undo); err != nil {
			return fmt.Errorf("revert block %s: %w", bHash, err)
		}

		if err := c.indexBlockReverted(blk); err != nil {
			return fmt.Errorf("unindex reverted block %s: %w", bHash, err)
		}

		// Collect non-coinbase transactions for mempool re-insertion.
		if len(blk.Transactions) > 1 {
			revertedTxs = append(revertedTxs, blk.Transactions[1:]...)
		}

		if undo.BlockReward > c.state.Supply {
			return fmt.Errorf("supply underflow at height %d: reward %d > supply %d", h, undo.BlockReward, c.state.Supply)
		}
		c.state.Supply -= undo.BlockReward
		c.state.CumulativeDifficulty -= blk.Header.Difficulty

		if err := c.blocks.DeleteUndo(bHash); err != nil {
			return fmt.Errorf("delete undo for block %s: %w", bHash, err)
		}
	}

	// Replay new branch blocks with full validation.
	for _, blk := range newBranch {
		// Validate structure + consensus (signature, merkle, header difficulty).
		if err := c.validator.ValidateBlock(blk); err != nil {
			return fmt.Errorf("validate replay block at height %d: %w", blk.Header.Height, err)
		}

		// Verify PoW difficulty if applicable.
		if err := c.verifyDifficulty(blk); err != nil {
			return fmt.Errorf("difficulty check replay block at height %d: %w", blk.Header.Height, err)
		}

		if err := c.verifyTimestamp(blk); err != nil {
			return fmt.Errorf("timestamp check replay block at height %d: %w", blk.Header.Height, err)
		}

		// Validate UTXO- and nonce-dependent rules.
		if err := c.validateBlockState(blk); err != nil {
			return fmt.Errorf("state validation replay block at height %d: %w", blk.Header.Height, err)
		}

		blockReward := c.computeBlockReward(blk)

		undo, err := c.applyBlockWithUndo(blk)
		if err != nil {
			return fmt.Errorf("apply new block at height %d: %w", blk.Header.Height, err)
		}
		undo.BlockReward = blockReward

		undoBytes, err := json.Marshal(undo)
		if err != nil {
			return fmt.Errorf("marshal undo: %w", err)
		}

		// Cap block reward to respect max supply and prevent overflow.
		if c.maxSupply > 0 && c.state.Supply+blockReward > c.maxSupply {
			blockReward = c.maxSupply - c.state.Supply
		}
		if c.state.Supply > ^uint64(0)-blockReward {
			return fmt.Errorf("supply overflow at height %d: supply %d + reward %d", blk.Header.Height, c.state.Supply, blockReward)
		}

		newSupply := c.state.Supply + blockReward
		newCumDiff := c.state.CumulativeDifficulty + blk.Header.Difficulty

		// Persist block, indexes, undo, and chain state.
		if err := c.blocks.CommitBlock(blk, undoBytes, newSupply, newCumDiff); err != nil {
			return fmt.Errorf("commit replay block at height %d: %w", blk.Header.Height, err)
		}

		if err := c.indexBlockApplied(blk); err != nil {
			return fmt.Errorf("index replay block at height %d: %w", blk.Header.Height, err)
		}

		c.state.Supply = newSupply
		c.state.CumulativeDifficulty = newCumDiff

		// Advance sender nonces for the replayed block's transactions.
		for i, transaction := range blk.Transactions {
			if i == 0 {
				continue
			}
			if err := c.nonces.Confirm(transaction.Sender, transaction.Nonce); err != nil {
				return fmt.Errorf("confirm nonce for replay tx %d: %w", i, err)
			}
		}

		if c.listener != nil {
			c.listener.OnBlockMined(events.BlockMinedEvent{Block: blk, Height: blk.Header.Height})
		}
	}

	// Update in-memory tip state (persistent state already committed
	// by CommitBlock during the replay loop above).
	tip := newBranch[len(newBranch)-1]
	c.state.TipHash = tip.Hash()
	c.state.Height = tip.Header.Height
	c.state.TipTimestamp = tip.Header.Timestamp

	// Reorg complete — remove the crash-recovery marker.
	if c.wal != nil {
		if err := c.wal.Remove(); err != nil {
			return fmt.Errorf("clear reorg wal: %w", err)
		}
	}

	if c.listener != nil {
		c.listener.OnReorgCommitted(events.ReorgCommittedEvent{
			OldTip:     oldTipHash,
			NewTip:     c.state.TipHash,
			ForkHeight: forkHeight,
			Depth:      oldHeight - forkHeight,
		})
	}

	// Return reverted transactions to mempool (excluding any that appear in the new branch).
	if len(revertedTxs) > 0 {
		c.returnRevertedTxs(revertedTxs, newBranch)
	}

	return nil
}

// returnRevertedTxs filters reverted transactions against the new
// branch's transaction set and hands the remainder to the mempool
// reinsertion callback, if one is registered.
func (c *Chain) returnRevertedTxs(revertedTxs []*tx.Transaction, newBranch []*block.Block) {
	if c.revertedTxHandler == nil {
		return
	}
	newBranchTxs := make(map[types.Hash]bool)
	for _, blk := range newBranch {
		for _, t := range blk.Transactions {
			newBranchTxs[t.Hash()] = true
		}
	}
	var toReturn []*tx.Transaction
	for _, t := range revertedTxs {
		if !newBranchTxs[t.Hash()] {
			toReturn = append(toReturn, t)
		}
	}
	if len(toReturn) > 0 {
		c.revertedTxHandler(toReturn)
	}
}

// collectBranch collects blocks from the given hash back to the fork point
// (common ancestor with the current main chain).
// Returns blocks in ascending height order (fork+1 ... newTip).
func (c *Chain) collectBranch(tipHash types.Hash) ([]*block.Block, error) {
	var branch []*block.Block
	hash := tipHash

	for {
		blk, err := c.blocks.GetBlock(hash)
		if err != nil {
			return nil, fmt.Errorf("load block %s: %w", hash, err)
		}
		branch = append(branch, blk)

		if len(branch) > MaxReorgDepth {
			return nil, fmt.Errorf("%w: branch exceeds %d blocks", ErrReorgTooDeep, MaxReorgDepth)
		}

		// If this block's parent is on the main chain at (height-1), we found the fork.
		if blk.Header.Height == 0 {
			// Reject reorgs that would replace the genesis block.
			if !c.genesisHash.IsZero() && blk.Hash() != c.genesisHash {
				return nil, ErrGenesisReorg
			}
			break
		}
		parentHeight := blk.Header.Height - 1
		mainBlock, err := c.blocks.GetBlockByHeight(parentHeight)
		if err == nil && mainBlock.Hash() == blk.Header.PrevHash {
			break // Common ancestor found.
		}
		hash = blk.Header.PrevHash
	}

	// Reverse to ascending order.
	for i, j := 0, len(branch)-1; i < j; i, j = i+1, j-1 {
		branch[i], branch[j] = branch[j], branch[i]
	}

	return branch, nil
}

// rebuildReorg handles a reorg when undo data is missing for old-branch blocks.
// Instead of reverting individual blocks, it indexes the new branch by height,
// clears the entire UTXO set, and replays all blocks from genesis through the
// new tip. This is slower than undo-based reorg but always correct.
func (c *Chain) rebuildReorg(newBranch []*block.Block, forkHeight uint64) error {
	store, ok := c.utxos.(*utxo.Store)
	if !ok {
		return fmt.Errorf("rebuild reorg: UTXO set does not support ClearAll (not *utxo.Store)")
	}

	newTip := newBranch[len(newBranch)-1]
	newTipHash := newTip.Hash()

	// Index new branch blocks by height (overwrites old-branch height entries).
	for _, blk := range newBranch {
		if err := c.blocks.PutBlock(blk); err != nil {
			return fmt.Errorf("rebuild reorg: index block at height %d: %w", blk.Header.Height, err)
		}
	}

	// Clear the entire UTXO set.
	if err := store.ClearAll(); err != nil {
		return fmt.Errorf("rebuild reorg: clear UTXOs: %w", err)
	}

	// The address index keys on (height, tx_index); stale old-branch
	// entries at heights the new branch no longer shares the same
	// transactions at must be cleared, not merely overwritten.
	if c.addrIndex != nil {
		if err := c.addrIndex.Clear(); err != nil {
			return fmt.Errorf("rebuild reorg: clear address index: %w", err)
		}
	}

	// Replay all blocks from genesis through the new tip, building UTXOs
	// and storing undo data for future reorgs.
	var supply uint64
	var cumDiff uint64
	for h := uint64(0); h <= newTip.Header.Height; h++ {
		blk, err := c.blocks.GetBlockByHeight(h)
		if err != nil {
			return fmt.Errorf("rebuild reorg: load block at height %d: %w", h, err)
		}

		// Validate new-branch blocks (same checks as normal Reorg replay).
		if h > forkHeight {
			if err := c.validator.ValidateBlock(blk); err != nil {
				return fmt.Errorf("rebuild reorg: validate block at height %d: %w", h, err)
			}
			if err := c.verifyDifficulty(blk); err != nil {
				return fmt.Errorf("rebuild reorg: difficulty check at height %d: %w", h, err)
			}
			if err := c.verifyTimestamp(blk); err != nil {
				return fmt.Errorf("rebuild reorg: timestamp check at height %d: %w", h, err)
			}
			if err := c.validateBlockState(blk); err != nil {
				return fmt.Errorf("rebuild reorg: state validation at height %d: %w", h, err)
			}
		}

		blockReward := c.computeBlockReward(blk)

		undo, err := c.applyBlockWithUndo(blk)
		if err != nil {
			return fmt.Errorf("rebuild reorg: apply block at height %d: %w", h, err)
		}
		undo.BlockReward = blockReward

		undoBytes, err := json.Marshal(undo)
		if err != nil {
			return fmt.Errorf("rebuild reorg: marshal undo at height %d: %w", h, err)
		}
		if err := c.blocks.PutUndo(blk.Hash(), undoBytes); err != nil {
			return fmt.Errorf("rebuild reorg: store undo at height %d: %w", h, err)
		}

		if err := c.indexBlockApplied(blk); err != nil {
			return fmt.Errorf("rebuild reorg: index block at height %d: %w", h, err)
		}

		if c.maxSupply > 0 && supply+blockReward > c.maxSupply {
			blockReward = c.maxSupply - supply
		}
		supply += blockReward
		cumDiff += blk.Header.Difficulty

		if h > forkHeight {
			for i, transaction := range blk.Transactions {
				if i == 0 {
					continue
				}
				if err := c.nonces.Confirm(transaction.Sender, transaction.Nonce); err != nil {
					return fmt.Errorf("rebuild reorg: confirm nonce at height %d tx %d: %w", h, i, err)
				}
			}
		}
	}

	// Update chain state.
	c.state.TipHash = newTipHash
	c.state.Height = newTip.Header.Height
	c.state.TipTimestamp = newTip.Header.Timestamp
	c.state.Supply = supply
	c.state.CumulativeDifficulty = cumDiff

	if err := c.blocks.SetTip(newTipHash, newTip.Header.Height, supply); err != nil {
		return fmt.Errorf("rebuild reorg: set tip: %w", err)
	}
	if err := c.blocks.SetCumulativeDifficulty(cumDiff); err != nil {
		return fmt.Errorf("rebuild reorg: set cumulative difficulty: %w", err)
	}

	if c.wal != nil {
		if err := c.wal.Remove(); err != nil {
			return fmt.Errorf("rebuild reorg: clear reorg wal: %w", err)
		}
	}

	return nil
}
