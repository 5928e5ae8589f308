package config

import (
	"encoding/hex"
	"testing"

	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

func TestForkSchedule_IsActive_ZeroNotScheduled(t *testing.T) {
	fs := ForkSchedule{}
	if fs.IsActive(0, 100) {
		t.Error("fork at height 0 (not scheduled) should not be active")
	}
}

func TestForkSchedule_IsActive_HeightReached(t *testing.T) {
	fs := ForkSchedule{}
	if !fs.IsActive(50, 50) {
		t.Error("fork at height 50 should be active at height 50")
	}
	if !fs.IsActive(50, 100) {
		t.Error("fork at height 50 should be active at height 100")
	}
}

func TestForkSchedule_IsActive_HeightNotReached(t *testing.T) {
	fs := ForkSchedule{}
	if fs.IsActive(50, 49) {
		t.Error("fork at height 50 should not be active at height 49")
	}
}

func TestMainnetGenesis_HasForks(t *testing.T) {
	g := MainnetGenesis()
	// Forks field should exist (zero-value ForkSchedule).
	_ = g.Protocol.Forks
}

func TestTestnetGenesis_HasForks(t *testing.T) {
	g := TestnetGenesis()
	_ = g.Protocol.Forks
}

func TestGenesis_Validate_MainnetValid(t *testing.T) {
	g := MainnetGenesis()
	if err := g.Validate(); err != nil {
		t.Errorf("mainnet genesis should be valid: %v", err)
	}
}

func TestGenesis_Validate_TestnetValid(t *testing.T) {
	g := TestnetGenesis()
	if err := g.Validate(); err != nil {
		t.Errorf("testnet genesis should be valid: %v", err)
	}
}

func TestDeriveDevKey_ProducesValidKeyAndAddress(t *testing.T) {
	key, err := DeriveDevKey(TestnetMnemonic, 0)
	if err != nil {
		t.Fatalf("DeriveDevKey: %v", err)
	}
	if len(key.PublicKey()) != 33 {
		t.Errorf("derived public key length = %d, want 33 (compressed)", len(key.PublicKey()))
	}
	addr := crypto.DeriveAddress(key.PublicKey())
	if _, err := types.ParseAddress(addr.String()); err != nil {
		t.Errorf("derived address %s does not round-trip: %v", addr, err)
	}
}

func TestDeriveDevKey_DeterministicAcrossCalls(t *testing.T) {
	a, err := DeriveDevKey(TestnetMnemonic, 1)
	if err != nil {
		t.Fatalf("DeriveDevKey: %v", err)
	}
	b, err := DeriveDevKey(TestnetMnemonic, 1)
	if err != nil {
		t.Fatalf("DeriveDevKey: %v", err)
	}
	if hex.EncodeToString(a.PublicKey()) != hex.EncodeToString(b.PublicKey()) {
		t.Error("DeriveDevKey should return the same key for the same mnemonic and index")
	}
}

func TestDeriveDevKey_DifferentIndicesDiffer(t *testing.T) {
	a, _ := DeriveDevKey(TestnetMnemonic, 0)
	b, _ := DeriveDevKey(TestnetMnemonic, 1)
	if hex.EncodeToString(a.PublicKey()) == hex.EncodeToString(b.PublicKey()) {
		t.Error("DeriveDevKey at different indices should produce different keys")
	}
}
