package blockchain

import (
	"testing"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Network: config.Testnet,
		DataDir: t.TempDir(),
		Mempool: config.MempoolConfig{MaxSize: 1000},
		Log:     config.LogConfig{Level: "error"},
	}
}

func testGenesis(t *testing.T, addr types.Address) *config.Genesis {
	t.Helper()
	return &config.Genesis{
		ChainID:   "test-chain-1",
		ChainName: "Test Chain",
		Timestamp: 1700000000,
		Alloc: map[string]uint64{
			addr.String(): 5000,
		},
		Protocol: config.ProtocolConfig{
			Consensus: config.ConsensusRules{
				BlockTime:         3,
				InitialDifficulty: 1,
				BlockReward:       1000,
				MinFeeRate:        1,
			},
		},
	}
}

// newTestBlockchain wires a Blockchain over a fresh temp-dir Badger
// store, initialized from a genesis that allocates 5000 units to a
// freshly generated key.
func newTestBlockchain(t *testing.T) (*Blockchain, *crypto.PrivateKey, types.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	addr := crypto.DeriveAddress(key.PublicKey())

	bc, err := New(testConfig(t), testGenesis(t, addr))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { bc.Close() })
	return bc, key, addr
}

func TestNew_InitializesFromGenesis(t *testing.T) {
	bc, _, addr := newTestBlockchain(t)

	stats := bc.GetStats()
	if stats.Height != 0 {
		t.Errorf("height = %d, want 0", stats.Height)
	}

	balance, err := bc.GetBalance(addr)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if balance != 5000 {
		t.Errorf("balance = %d, want 5000", balance)
	}

	blk, err := bc.GetBlockByHeight(0)
	if err != nil {
		t.Fatalf("GetBlockByHeight(0): %v", err)
	}
	if blk.Header.Height != 0 {
		t.Errorf("genesis block height = %d, want 0", blk.Header.Height)
	}
}

func TestAddBlock_ExtendsTipThenAlreadyHave(t *testing.T) {
	bc, _, addr := newTestBlockchain(t)

	m := bc.NewMiner(addr, 1000, 0)
	blk, err := m.ProduceBlock()
	if err != nil {
		t.Fatalf("ProduceBlock: %v", err)
	}

	status, err := bc.AddBlock(blk)
	if err != nil {
		t.Fatalf("AddBlock: %v", err)
	}
	if status != StatusExtended {
		t.Errorf("status = %v, want extended", status)
	}
	if bc.GetStats().Height != 1 {
		t.Errorf("height = %d, want 1", bc.GetStats().Height)
	}

	status, err = bc.AddBlock(blk)
	if err != nil {
		t.Fatalf("AddBlock (duplicate): %v", err)
	}
	if status != StatusAlreadyHave {
		t.Errorf("status = %v, want already_have", status)
	}
	if bc.GetStats().Height != 1 {
		t.Errorf("height changed on duplicate add: got %d, want 1", bc.GetStats().Height)
	}
}

func TestAddBlock_RejectsBadDifficulty(t *testing.T) {
	bc, _, addr := newTestBlockchain(t)

	m := bc.NewMiner(addr, 1000, 0)
	blk, err := m.ProduceBlock()
	if err != nil {
		t.Fatalf("ProduceBlock: %v", err)
	}
	blk.Header.Difficulty = 99 // does not match the expected difficulty

	status, err := bc.AddBlock(blk)
	if err == nil {
		t.Fatal("expected AddBlock to reject a block with the wrong difficulty")
	}
	if status != StatusRejected {
		t.Errorf("status = %v, want rejected", status)
	}
}

// genesisSpendableOutpoint locates the sole genesis allocation output
// owned by addr, assuming it is the only allocation in the genesis used
// by these tests.
func genesisSpendableOutpoint(t *testing.T, bc *Blockchain) types.Outpoint {
	t.Helper()
	genesisBlk, err := bc.GetBlockByHeight(0)
	if err != nil {
		t.Fatalf("GetBlockByHeight(0): %v", err)
	}
	coinbase := genesisBlk.Transactions[0]
	return types.Outpoint{TxID: coinbase.Hash(), Index: 0}
}

func TestSubmitTransaction_AdmitsValidSpend(t *testing.T) {
	bc, key, addr := newTestBlockchain(t)
	recipient := types.Address{0x42}

	outpoint := genesisSpendableOutpoint(t, bc)
	builder := tx.NewBuilder(types.TxTransfer, addr, bc.nonces.NextNonce(addr)).
		AddInput(outpoint).
		AddOutput(recipient, 4000).
		AddOutput(addr, 990).
		SetFee(10)
	if err := builder.Sign(key); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	fee, err := bc.SubmitTransaction(builder.Build())
	if err != nil {
		t.Fatalf("SubmitTransaction: %v", err)
	}
	if fee != 10 {
		t.Errorf("fee = %d, want 10", fee)
	}
	if bc.GetStats().MempoolSize != 1 {
		t.Errorf("mempool size = %d, want 1", bc.GetStats().MempoolSize)
	}
}

func TestSubmitTransaction_RejectsBadSignature(t *testing.T) {
	bc, key, addr := newTestBlockchain(t)
	other, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	outpoint := genesisSpendableOutpoint(t, bc)
	builder := tx.NewBuilder(types.TxTransfer, addr, bc.nonces.NextNonce(addr)).
		AddInput(outpoint).
		AddOutput(types.Address{0x42}, 4000).
		SetFee(1000)
	// Sign with the wrong key: sender/pubkey won't match.
	if err := builder.Sign(other); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	_ = key

	if _, err := bc.SubmitTransaction(builder.Build()); err == nil {
		t.Fatal("expected SubmitTransaction to reject a mis-signed transaction")
	}
	if bc.GetStats().MempoolSize != 0 {
		t.Errorf("mempool size = %d, want 0 after rejection", bc.GetStats().MempoolSize)
	}
}

func TestGetStateSnapshot(t *testing.T) {
	bc, _, _ := newTestBlockchain(t)

	snap, err := bc.GetStateSnapshot()
	if err != nil {
		t.Fatalf("GetStateSnapshot: %v", err)
	}
	if snap.Height != 0 {
		t.Errorf("height = %d, want 0", snap.Height)
	}
	if snap.UTXODigest.IsZero() {
		t.Error("utxo digest should not be zero with a non-empty genesis allocation")
	}
}

func TestSubmitFinalityVote_NoFinalityConfigured(t *testing.T) {
	bc, _, _ := newTestBlockchain(t)

	_, _, err := bc.SubmitFinalityVote(types.Address{0x01}, types.Hash{0x01}, []byte("sig"))
	if err == nil {
		t.Fatal("expected an error when finality is not configured")
	}
}
