package utxo

import (
	"testing"

	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(storage.NewMemory())
}

func makeOutpoint(data string, index uint32) types.Outpoint {
	return types.Outpoint{
		TxID:  crypto.Hash([]byte(data)),
		Index: index,
	}
}

var testAddr = types.Address{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
	0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10,
	0x11, 0x12, 0x13, 0x14}

func makeUTXO(data string, index uint32, amount uint64) *UTXO {
	return &UTXO{
		Outpoint: makeOutpoint(data, index),
		Amount:   amount,
		Address:  testAddr,
		Height:   1,
	}
}

func TestStore_PutAndGet(t *testing.T) {
	s := testStore(t)
	u := makeUTXO("tx1", 0, 5000)

	err := s.Put(u)
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	got, err := s.Get(u.Outpoint)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}

	if got.Amount != u.Amount {
		t.Errorf("Amount = %d, want %d", got.Amount, u.Amount)
	}
	if got.Outpoint != u.Outpoint {
		t.Error("Outpoint mismatch")
	}
	if got.Height != u.Height {
		t.Errorf("Height = %d, want %d", got.Height, u.Height)
	}
}

func TestStore_GetNonexistent(t *testing.T) {
	s := testStore(t)

	_, err := s.Get(makeOutpoint("missing", 0))
	if err == nil {
		t.Error("Get() for nonexistent UTXO should return error")
	}
}

func TestStore_Has(t *testing.T) {
	s := testStore(t)
	u := makeUTXO("tx1", 0, 1000)

	ok, _ := s.Has(u.Outpoint)
	if ok {
		t.Error("Has() should be false before Put()")
	}

	s.Put(u)

	ok, err := s.Has(u.Outpoint)
	if err != nil {
		t.Fatalf("Has() error: %v", err)
	}
	if !ok {
		t.Error("Has() should be true after Put()")
	}
}

func TestStore_Delete(t *testing.T) {
	s := testStore(t)
	u := makeUTXO("tx1", 0, 1000)

	s.Put(u)

	err := s.Delete(u.Outpoint)
	if err != nil {
		t.Fatalf("Delete() error: %v", err)
	}

	ok, _ := s.Has(u.Outpoint)
	if ok {
		t.Error("UTXO should be gone after Delete()")
	}
}

func TestStore_MultipleOutputs(t *testing.T) {
	s := testStore(t)

	// Same tx, different output indices.
	u0 := makeUTXO("tx1", 0, 1000)
	u1 := makeUTXO("tx1", 1, 2000)
	u2 := makeUTXO("tx1", 2, 3000)

	s.Put(u0)
	s.Put(u1)
	s.Put(u2)

	got0, _ := s.Get(u0.Outpoint)
	got1, _ := s.Get(u1.Outpoint)
	got2, _ := s.Get(u2.Outpoint)

	if got0.Amount != 1000 || got1.Amount != 2000 || got2.Amount != 3000 {
		t.Error("amounts mismatch for multi-output tx")
	}

	// Delete middle one.
	s.Delete(u1.Outpoint)

	ok, _ := s.Has(u1.Outpoint)
	if ok {
		t.Error("deleted output should be gone")
	}

	// Others should remain.
	ok0, _ := s.Has(u0.Outpoint)
	ok2, _ := s.Has(u2.Outpoint)
	if !ok0 || !ok2 {
		t.Error("non-deleted outputs should remain")
	}
}

func TestStore_ImplementsSet(t *testing.T) {
	// Compile-time check that Store satisfies Set.
	var _ Set = (*Store)(nil)
	var _ Set = (*MemSet)(nil)
}

func TestStore_GetUTXO_HasUTXO(t *testing.T) {
	s := testStore(t)
	u := makeUTXO("tx1", 0, 1500)
	s.Put(u)

	if !s.HasUTXO(u.Outpoint) {
		t.Error("HasUTXO should be true after Put")
	}
	amount, owner, err := s.GetUTXO(u.Outpoint)
	if err != nil {
		t.Fatalf("GetUTXO: %v", err)
	}
	if amount != 1500 {
		t.Errorf("amount = %d, want 1500", amount)
	}
	if owner != testAddr {
		t.Error("owner mismatch")
	}
}

func TestStore_GetByAddress(t *testing.T) {
	s := testStore(t)
	other := types.Address{0xff}

	s.Put(makeUTXO("tx1", 0, 1000))
	s.Put(makeUTXO("tx2", 0, 2000))
	s.Put(&UTXO{Outpoint: makeOutpoint("tx3", 0), Amount: 500, Address: other})

	got, err := s.GetByAddress(testAddr)
	if err != nil {
		t.Fatalf("GetByAddress: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("GetByAddress = %d results, want 2", len(got))
	}
}

func TestStore_ClearAll(t *testing.T) {
	s := testStore(t)
	s.Put(makeUTXO("tx1", 0, 1000))
	s.Put(makeUTXO("tx2", 0, 2000))

	if err := s.ClearAll(); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}

	var count int
	s.ForEach(func(*UTXO) error { count++; return nil })
	if count != 0 {
		t.Errorf("store not empty after ClearAll, count=%d", count)
	}
}

func TestMemSet_PutGetDeleteHas(t *testing.T) {
	m := NewMemSet()
	u := makeUTXO("tx1", 0, 777)

	m.Put(u)
	if !m.HasUTXO(u.Outpoint) {
		t.Error("HasUTXO should be true after Put")
	}
	got, err := m.Get(u.Outpoint)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Amount != 777 {
		t.Errorf("amount = %d, want 777", got.Amount)
	}

	m.Delete(u.Outpoint)
	if m.HasUTXO(u.Outpoint) {
		t.Error("HasUTXO should be false after Delete")
	}
}

func TestMemSet_SnapshotRestore(t *testing.T) {
	m := NewMemSet()
	m.Put(makeUTXO("tx1", 0, 1000))

	snap := m.Snapshot()

	m.Put(makeUTXO("tx2", 0, 2000))
	if m.Len() != 2 {
		t.Fatalf("expected 2 entries after second Put, got %d", m.Len())
	}

	m.Restore(snap)
	if m.Len() != 1 {
		t.Errorf("expected 1 entry after Restore, got %d", m.Len())
	}

	// Mutating the live set after restore must not affect the snapshot.
	m.Put(makeUTXO("tx3", 0, 3000))
	if snap.Len() != 1 {
		t.Errorf("snapshot should be unaffected by later mutation, got %d entries", snap.Len())
	}
}

func TestMemSet_LoadFromStore_ApplyToStore(t *testing.T) {
	s := testStore(t)
	s.Put(makeUTXO("tx1", 0, 1000))
	s.Put(makeUTXO("tx2", 0, 2000))

	m := NewMemSet()
	if err := m.LoadFromStore(s); err != nil {
		t.Fatalf("LoadFromStore: %v", err)
	}
	if m.Len() != 2 {
		t.Fatalf("expected 2 entries loaded, got %d", m.Len())
	}

	m.Delete(makeOutpoint("tx1", 0))
	m.Put(makeUTXO("tx3", 0, 3000))

	other := testStore(t)
	if err := m.ApplyToStore(other); err != nil {
		t.Fatalf("ApplyToStore: %v", err)
	}

	if ok, _ := other.Has(makeOutpoint("tx1", 0)); ok {
		t.Error("tx1 should not exist in target store after apply")
	}
	if ok, _ := other.Has(makeOutpoint("tx2", 0)); !ok {
		t.Error("tx2 should exist in target store after apply")
	}
	if ok, _ := other.Has(makeOutpoint("tx3", 0)); !ok {
		t.Error("tx3 should exist in target store after apply")
	}
}

func TestMemSet_GetByAddress(t *testing.T) {
	m := NewMemSet()
	other := types.Address{0xff}

	m.Put(makeUTXO("tx1", 0, 1000))
	m.Put(makeUTXO("tx2", 0, 2000))
	m.Put(&UTXO{Outpoint: makeOutpoint("tx3", 0), Amount: 500, Address: other})

	got, err := m.GetByAddress(testAddr)
	if err != nil {
		t.Fatalf("GetByAddress: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("GetByAddress = %d results, want 2", len(got))
	}
}
