package chain

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/internal/addrindex"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
)

// SetAddressIndex wires the optional address-history secondary index.
// Once set, every block application/reversion updates it transactionally
// alongside the UTXO set. Pass nil to disable (the default).
func (c *Chain) SetAddressIndex(idx *addrindex.Index) {
	c.addrIndex = idx
}

// txView builds the addrindex projection of one block transaction.
func txView(blk *block.Block, txIdx int) addrindex.TxView {
	transaction := blk.Transactions[txIdx]
	outputs := make([]addrindex.Output, len(transaction.Outputs))
	for i, out := range transaction.Outputs {
		outputs[i] = addrindex.Output{Address: out.Address, Amount: out.Amount}
	}
	return addrindex.TxView{
		Hash:       transaction.Hash(),
		Sender:     transaction.Sender,
		IsCoinbase: txIdx == 0,
		Timestamp:  blk.Header.Timestamp,
		Outputs:    outputs,
	}
}

// indexBlockApplied records every transaction of blk in the address
// index. No-op if no index is wired.
func (c *Chain) indexBlockApplied(blk *block.Block) error {
	if c.addrIndex == nil {
		return nil
	}
	for i := range blk.Transactions {
		if err := c.addrIndex.ApplyTx(blk.Header.Height, uint32(i), txView(blk, i)); err != nil {
			return fmt.Errorf("index block %d tx %d: %w", blk.Header.Height, i, err)
		}
	}
	return nil
}

// indexBlockReverted removes every transaction of blk from the address
// index, the symmetric counterpart to indexBlockApplied used during reorg.
func (c *Chain) indexBlockReverted(blk *block.Block) error {
	if c.addrIndex == nil {
		return nil
	}
	for i := range blk.Transactions {
		if err := c.addrIndex.RevertTx(blk.Header.Height, uint32(i), txView(blk, i)); err != nil {
			return fmt.Errorf("unindex block %d tx %d: %w", blk.Header.Height, i, err)
		}
	}
	return nil
}

// RebuildAddressIndex clears and replays the address index from genesis
// to the current tip. Used at startup when the index is suspected stale
// (interrupted rebuild reorg) or on explicit operator request.
func (c *Chain) RebuildAddressIndex() error {
	if c.addrIndex == nil {
		return fmt.Errorf("no address index wired")
	}
	if err := c.addrIndex.Clear(); err != nil {
		return fmt.Errorf("clear address index: %w", err)
	}
	for h := uint64(0); h <= c.state.Height; h++ {
		blk, err := c.blocks.GetBlockByHeight(h)
		if err != nil {
			return fmt.Errorf("load block at height %d: %w", h, err)
		}
		if err := c.indexBlockApplied(blk); err != nil {
			return err
		}
	}
	return nil
}
