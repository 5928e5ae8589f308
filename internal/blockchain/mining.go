package blockchain

import (
	"github.com/Klingon-tech/klingnet-chain/internal/miner"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// NewMiner wires a block producer against this facade's chain, consensus
// engine, and mempool: internal/chain.Chain satisfies
// internal/miner.ChainState directly (Height/TipHash/TipTimestamp) and
// internal/mempool.Pool satisfies MempoolSelector directly
// (SelectForBlock/GetFee), so no adapter is needed. The returned Miner is
// the background mining thread collaborator described in spec.md §5: it
// builds and seals candidate blocks but never applies them — the caller
// must still drive AddBlock with the result.
func (bc *Blockchain) NewMiner(coinbaseAddr types.Address, blockReward, maxSupply uint64) *miner.Miner {
	var supplyFn miner.SupplyFunc
	if maxSupply > 0 {
		supplyFn = bc.chain.Supply
	}
	return miner.New(bc.chain, bc.engine, bc.pool, coinbaseAddr, blockReward, maxSupply, supplyFn)
}
