package blockchain

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/internal/addrindex"
	"github.com/Klingon-tech/klingnet-chain/internal/chain"
	"github.com/Klingon-tech/klingnet-chain/internal/checkpoint"
	"github.com/Klingon-tech/klingnet-chain/internal/errkind"
	"github.com/Klingon-tech/klingnet-chain/internal/events"
	"github.com/Klingon-tech/klingnet-chain/internal/utxo"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// SubmitTransaction validates tx and admits it to the mempool, returning
// the computed fee. A sender caught submitting a cryptographically or
// structurally fraudulent transaction (bad signature, claimed ownership
// of someone else's input) is struck; ordinary rejections (fee too low,
// pool full, nonce not yet reached) are not, since an honest sender can
// hit those under normal contention.
func (bc *Blockchain) SubmitTransaction(transaction *tx.Transaction) (uint64, error) {
	inputs := make([]types.Outpoint, 0, len(transaction.Inputs))
	for _, in := range transaction.Inputs {
		if !in.PrevOut.IsZero() {
			inputs = append(inputs, in.PrevOut)
		}
	}
	if err := bc.locker.Lock(inputs); err != nil {
		return 0, errkind.Wrap(errkind.Policy, err)
	}
	defer bc.locker.Unlock(inputs)

	fee, err := bc.pool.Add(transaction)
	if err != nil {
		kind, misbehaved := classifyTxRejection(err)
		if misbehaved {
			bc.pool.StrikeSender(transaction.Sender)
		}
		bc.incCounter("mempool_rejected", 1)
		if bc.listener != nil {
			bc.listener.OnMempoolRejected(events.MempoolRejectedEvent{Tx: transaction, Reason: err})
		}
		return 0, errkind.Wrap(kind, err)
	}

	bc.incCounter("mempool_admitted", 1)
	return fee, nil
}

// ValidateTransaction runs stateful validation (ownership, signature,
// nonce, fee) without admitting the transaction to the mempool. Useful
// for a wallet or RPC collaborator previewing acceptance before
// broadcast.
func (bc *Blockchain) ValidateTransaction(transaction *tx.Transaction) (uint64, error) {
	return bc.validator.Check(transaction)
}

// AddBlock validates blk and applies it to the chain, returning the
// precise outcome: extended (became the new tip directly), forked
// (accepted onto a side branch, possibly adopted via reorg), orphaned
// (parent not yet known), or already_have (duplicate by hash).
// internal/chain.ProcessBlock itself returns a nil error for the first
// three cases alike, so AddBlock derives the outcome by diffing chain
// state across the call.
func (bc *Blockchain) AddBlock(blk *block.Block) (AddBlockStatus, error) {
	tipBefore := bc.chain.TipHash()
	orphansBefore := bc.chain.OrphanCount()

	err := bc.chain.ProcessBlock(blk)
	if err != nil {
		if errors.Is(err, chain.ErrBlockKnown) {
			return StatusAlreadyHave, nil
		}
		bc.incCounter("block_rejected", 1)
		return StatusRejected, errkind.Wrap(classifyBlockRejection(err), err)
	}

	bc.pool.RemoveConfirmed(blk.Transactions)

	if bc.chain.TipHash() == blk.Hash() {
		bc.maybeCheckpoint()
		if blk.Header.PrevHash == tipBefore {
			bc.incCounter("block_extended", 1)
			return StatusExtended, nil
		}
		bc.incCounter("reorg_adopted", 1)
		return StatusForked, nil
	}

	if bc.chain.OrphanCount() > orphansBefore {
		bc.incCounter("block_orphaned", 1)
		return StatusOrphaned, nil
	}

	bc.incCounter("block_forked", 1)
	return StatusForked, nil
}

// maybeCheckpoint records a UTXO-digest checkpoint if the current tip
// height lands on the configured interval.
func (bc *Blockchain) maybeCheckpoint() {
	height := bc.chain.Height()
	if !bc.checkpoints.ShouldCheckpoint(height) {
		return
	}
	digest, err := utxo.Commitment(bc.utxoStore)
	if err != nil {
		bc.logger.Warn().Err(err).Uint64("height", height).Msg("failed to compute utxo commitment for checkpoint")
		return
	}
	cp := checkpoint.Checkpoint{
		Height:      height,
		BlockHash:   bc.chain.TipHash(),
		UTXODigest:  digest,
		SupplyTotal: bc.chain.Supply(),
	}
	if err := bc.checkpoints.Record(cp); err != nil {
		bc.logger.Warn().Err(err).Uint64("height", height).Msg("failed to record checkpoint")
	}
}

// GetBlock retrieves a block by its hash.
func (bc *Blockchain) GetBlock(hash types.Hash) (*block.Block, error) {
	blk, err := bc.chain.GetBlock(hash)
	if err != nil {
		return nil, errkind.Wrap(errkind.Structural, err)
	}
	return blk, nil
}

// GetBlockByHeight retrieves a block by height.
func (bc *Blockchain) GetBlockByHeight(height uint64) (*block.Block, error) {
	blk, err := bc.chain.GetBlockByHeight(height)
	if err != nil {
		return nil, errkind.Wrap(errkind.Structural, err)
	}
	return blk, nil
}

// GetTransaction looks up a confirmed transaction by hash.
func (bc *Blockchain) GetTransaction(hash types.Hash) (*tx.Transaction, error) {
	t, err := bc.chain.GetTransaction(hash)
	if err != nil {
		return nil, errkind.Wrap(errkind.Structural, err)
	}
	return t, nil
}

// GetBalance sums the confirmed unspent outputs owned by addr.
func (bc *Blockchain) GetBalance(addr types.Address) (uint64, error) {
	var set addressedSet = bc.utxoStore
	utxos, err := set.GetByAddress(addr)
	if err != nil {
		return 0, errkind.Wrap(errkind.Storage, err)
	}
	var total uint64
	for _, u := range utxos {
		total += u.Amount
	}
	return total, nil
}

// GetTransactionHistory returns up to limit history entries for addr,
// most recent first, after skipping offset entries.
func (bc *Blockchain) GetTransactionHistory(addr types.Address, limit, offset int) ([]addrindex.Entry, error) {
	entries, err := bc.addrIndex.History(addr, limit, offset)
	if err != nil {
		return nil, errkind.Wrap(errkind.Storage, err)
	}
	return entries, nil
}

// SubmitFinalityVote records validatorAddr's signature over blockHash's
// header. It reports whether this vote was the one that pushed the
// block's aggregated voting power over quorum, and the power aggregated
// so far.
func (bc *Blockchain) SubmitFinalityVote(validatorAddr types.Address, blockHash types.Hash, signature []byte) (bool, uint64, error) {
	if bc.finalityMgr == nil {
		return false, 0, errkind.Newf(errkind.Configuration, "finality is not configured for this chain")
	}

	blk, err := bc.chain.GetBlock(blockHash)
	if err != nil {
		return false, 0, errkind.Wrap(errkind.Structural, fmt.Errorf("finality vote for unknown block: %w", err))
	}

	cert, err := bc.finalityMgr.RecordVote(validatorAddr, blk.Header, signature)
	if err != nil {
		return false, 0, errkind.Wrap(classifyVoteRejection(err), err)
	}
	if cert == nil {
		return false, 0, nil
	}

	if bc.listener != nil {
		bc.listener.OnBlockFinalized(events.BlockFinalizedEvent{Hash: blockHash, Height: blk.Header.Height})
	}
	bc.incCounter("block_finalized", 1)
	return true, cert.Power, nil
}

// GetStats returns a point-in-time view of chain and mempool health.
func (bc *Blockchain) GetStats() Stats {
	stats := Stats{
		Height:      bc.chain.Height(),
		MempoolSize: bc.pool.Count(),
		Supply:      bc.chain.Supply(),
	}
	if tip, err := bc.chain.GetBlock(bc.chain.TipHash()); err == nil {
		stats.Difficulty = tip.Header.Difficulty
	}
	if bc.finalityMgr != nil {
		stats.FinalizedHeight = bc.finalityMgr.HighestFinalizedHeight()
	}
	return stats
}

// GetStateSnapshot returns enough state for a peer or auditor to verify
// this node's view without replaying the whole chain.
func (bc *Blockchain) GetStateSnapshot() (Snapshot, error) {
	digest, err := utxo.Commitment(bc.utxoStore)
	if err != nil {
		return Snapshot{}, errkind.Wrap(errkind.Storage, err)
	}
	return Snapshot{
		Height:       bc.chain.Height(),
		Tip:          bc.chain.TipHash(),
		UTXODigest:   digest,
		PendingCount: bc.pool.Count(),
		Timestamp:    bc.chain.TipTimestamp(),
	}, nil
}
