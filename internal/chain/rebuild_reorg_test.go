package chain

import (
	"encoding/json"
	"testing"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/internal/consensus"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// testChainWithKey creates a single-miner PoW chain and a spending key for
// undo/rebuild reorg tests.
func testChainWithKey(t *testing.T) (*Chain, *crypto.PrivateKey, *consensus.PoW) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	addr := crypto.DeriveAddress(key.PublicKey())

	db, utxoStore, nonces, pow := newTestComponents(t)
	ch, err := New(types.ChainID{}, db, utxoStore, nonces, testWAL(t), pow)
	if err != nil {
		t.Fatalf("New chain: %v", err)
	}

	gen := &config.Genesis{
		ChainID:   "rebuild-test",
		ChainName: "Rebuild Test",
		Timestamp: 1700000000,
		Alloc: map[string]uint64{
			addr.String(): 100_000_000,
		},
		Protocol: config.ProtocolConfig{
			Consensus: config.ConsensusRules{
				BlockTime:         3,
				InitialDifficulty: 1,
				BlockReward:       1100,
				MedianTimeSpan:    11,
				MaxFutureSeconds:  7200,
			},
		},
	}
	if err := ch.InitFromGenesis(gen); err != nil {
		t.Fatalf("InitFromGenesis: %v", err)
	}
	ch.SetConsensusRules(gen.Protocol.Consensus)
	return ch, key, pow
}

// mineBlock mines a single coinbase-only block on the chain's current tip.
func mineBlock(t *testing.T, ch *Chain, addr types.Address, salt uint64) *block.Block {
	t.Helper()
	state := ch.State()
	blk := buildCoinbaseBlock(t, ch, state.TipHash, state.Height+1, addr, salt)
	if err := ch.ProcessBlock(blk); err != nil {
		t.Fatalf("ProcessBlock height %d: %v", blk.Header.Height, err)
	}
	return blk
}

// buildFork mines n coinbase-only blocks extending from (but not applying
// to) the chain, returning the built blocks without processing them.
func buildFork(t *testing.T, ch *Chain, from types.Hash, startHeight uint64, n int, addr types.Address, salt uint64) []*block.Block {
	t.Helper()
	var blocks []*block.Block
	prevHash := from
	for i := 0; i < n; i++ {
		height := startHeight + uint64(i)
		blk := buildCoinbaseBlock(t, ch, prevHash, height, addr, salt)
		blocks = append(blocks, blk)
		prevHash = blk.Hash()
	}
	return blocks
}

func TestRebuildReorg_MissingUndo(t *testing.T) {
	ch, key, _ := testChainWithKey(t)
	addr := crypto.DeriveAddress(key.PublicKey())

	for i := 0; i < 3; i++ {
		mineBlock(t, ch, addr, 0)
	}
	if ch.Height() != 3 {
		t.Fatalf("expected height 3, got %d", ch.Height())
	}

	for h := uint64(1); h <= 3; h++ {
		blk, err := ch.blocks.GetBlockByHeight(h)
		if err != nil {
			t.Fatalf("GetBlockByHeight(%d): %v", h, err)
		}
		if err := ch.blocks.DeleteUndo(blk.Hash()); err != nil {
			t.Fatalf("DeleteUndo(height %d): %v", h, err)
		}
	}

	genBlk, err := ch.blocks.GetBlockByHeight(0)
	if err != nil {
		t.Fatalf("get genesis: %v", err)
	}
	forkBlocks := buildFork(t, ch, genBlk.Hash(), 1, 4, addr, 100)

	for _, blk := range forkBlocks {
		if err := ch.ProcessBlock(blk); err != nil {
			t.Fatalf("ProcessBlock fork block height %d: %v", blk.Header.Height, err)
		}
	}

	if ch.Height() != 4 {
		t.Fatalf("expected height 4 after reorg, got %d", ch.Height())
	}
	lastFork := forkBlocks[len(forkBlocks)-1]
	if ch.TipHash() != lastFork.Hash() {
		t.Fatalf("tip hash mismatch: got %s, want %s", ch.TipHash(), lastFork.Hash())
	}

	for _, blk := range forkBlocks {
		undoBytes, err := ch.blocks.GetUndo(blk.Hash())
		if err != nil {
			t.Fatalf("GetUndo for new block at height %d: %v", blk.Header.Height, err)
		}
		var undo UndoData
		if err := json.Unmarshal(undoBytes, &undo); err != nil {
			t.Fatalf("unmarshal undo at height %d: %v", blk.Header.Height, err)
		}
	}
}

func TestRebuildReorg_SupplyCorrect(t *testing.T) {
	ch, key, _ := testChainWithKey(t)
	addr := crypto.DeriveAddress(key.PublicKey())

	mineBlock(t, ch, addr, 0)
	mineBlock(t, ch, addr, 0)

	supplyBefore := ch.Supply()

	for h := uint64(1); h <= 2; h++ {
		blk, _ := ch.blocks.GetBlockByHeight(h)
		ch.blocks.DeleteUndo(blk.Hash())
	}

	genBlk, _ := ch.blocks.GetBlockByHeight(0)
	forkBlocks := buildFork(t, ch, genBlk.Hash(), 1, 3, addr, 100)
	for _, blk := range forkBlocks {
		if err := ch.ProcessBlock(blk); err != nil {
			t.Fatalf("ProcessBlock fork block: %v", err)
		}
	}

	expectedSupply := uint64(100_000_000 + 3*1100)
	if ch.Supply() != expectedSupply {
		t.Errorf("supply after rebuild reorg = %d, want %d (was %d before)", ch.Supply(), expectedSupply, supplyBefore)
	}
}

func TestRebuildUTXOs_StoresUndoData(t *testing.T) {
	ch, key, _ := testChainWithKey(t)
	addr := crypto.DeriveAddress(key.PublicKey())

	for i := 0; i < 3; i++ {
		mineBlock(t, ch, addr, 0)
	}

	for h := uint64(1); h <= 3; h++ {
		blk, _ := ch.blocks.GetBlockByHeight(h)
		ch.blocks.DeleteUndo(blk.Hash())
	}

	if err := ch.RebuildUTXOs(); err != nil {
		t.Fatalf("RebuildUTXOs: %v", err)
	}

	for h := uint64(1); h <= 3; h++ {
		blk, err := ch.blocks.GetBlockByHeight(h)
		if err != nil {
			t.Fatalf("GetBlockByHeight(%d): %v", h, err)
		}
		undoBytes, err := ch.blocks.GetUndo(blk.Hash())
		if err != nil {
			t.Fatalf("GetUndo after rebuild at height %d: %v", h, err)
		}
		var undo UndoData
		if err := json.Unmarshal(undoBytes, &undo); err != nil {
			t.Fatalf("unmarshal undo at height %d: %v", h, err)
		}
		if len(undo.CreatedOutpoints) == 0 {
			t.Errorf("undo at height %d has no created outpoints", h)
		}
	}
}
