package finality

import (
	"errors"
	"testing"

	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// mockSink records every misbehavior event it receives.
type mockSink struct {
	events []SlashingEvent
}

func (s *mockSink) OnMisbehavior(evt SlashingEvent) {
	s.events = append(s.events, evt)
}

func newValidator(t *testing.T, power uint64) (Validator, *crypto.PrivateKey) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	addr := crypto.DeriveAddress(key.PublicKey())
	return Validator{Address: addr, PubKey: key.PublicKey(), VotingPower: power}, key
}

func sign(t *testing.T, key *crypto.PrivateKey, header *block.Header) []byte {
	t.Helper()
	hash := header.Hash()
	sig, err := key.Sign(hash[:])
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return sig
}

func TestNewManager_NoValidators(t *testing.T) {
	_, err := NewManager(nil, 0.67)
	if !errors.Is(err, ErrNoValidators) {
		t.Errorf("NewManager(nil) err = %v, want ErrNoValidators", err)
	}
}

func TestManager_RecordVote_UnknownValidator(t *testing.T) {
	v1, _ := newValidator(t, 100)
	m, _ := NewManager([]Validator{v1}, 0.67)

	_, key2 := newValidator(t, 100)
	header := &block.Header{Height: 1, Timestamp: 1}
	sig := sign(t, key2, header)

	_, err := m.RecordVote(types.Address{0xFF}, header, sig)
	if !errors.Is(err, ErrUnknownValidator) {
		t.Errorf("RecordVote err = %v, want ErrUnknownValidator", err)
	}
}

func TestManager_RecordVote_InvalidSignature(t *testing.T) {
	v1, key1 := newValidator(t, 100)
	m, _ := NewManager([]Validator{v1}, 0.67)

	header := &block.Header{Height: 1, Timestamp: 1}
	otherHeader := &block.Header{Height: 1, Timestamp: 2}
	badSig := sign(t, key1, otherHeader) // Signs a different header.

	_, err := m.RecordVote(v1.Address, header, badSig)
	if !errors.Is(err, ErrInvalidVoteSig) {
		t.Errorf("RecordVote err = %v, want ErrInvalidVoteSig", err)
	}
}

func TestManager_RecordVote_ReachesQuorum(t *testing.T) {
	v1, key1 := newValidator(t, 40)
	v2, key2 := newValidator(t, 40)
	v3, key3 := newValidator(t, 20)
	m, err := NewManager([]Validator{v1, v2, v3}, 0.67)
	if err != nil {
		t.Fatal(err)
	}

	header := &block.Header{Height: 10, Timestamp: 1000}

	if cert, err := m.RecordVote(v1.Address, header, sign(t, key1, header)); err != nil || cert != nil {
		t.Fatalf("vote 1: cert=%v err=%v, want nil,nil (below quorum)", cert, err)
	}
	if m.IsFinalizedHeight(10) {
		t.Error("should not be finalized before quorum")
	}

	cert2, err := m.RecordVote(v2.Address, header, sign(t, key2, header))
	if err != nil {
		t.Fatalf("vote 2: %v", err)
	}
	// v1 + v2 = 80/100 power, above the 0.67 quorum threshold.
	if cert2 == nil {
		t.Fatal("vote 2 should have reached quorum and returned a certificate")
	}
	if !m.IsFinalizedHeight(10) {
		t.Error("expected finalized after 80%% power")
	}
	if m.HighestFinalizedHeight() != 10 {
		t.Errorf("HighestFinalizedHeight() = %d, want 10", m.HighestFinalizedHeight())
	}

	// A third vote adds its power to the existing certificate and returns it.
	cert, err := m.RecordVote(v3.Address, header, sign(t, key3, header))
	if err != nil {
		t.Fatalf("vote 3: %v", err)
	}
	if cert == nil {
		t.Fatal("vote 3 should return the existing certificate")
	}
	if cert.Power != 100 {
		t.Errorf("cert.Power = %d, want 100", cert.Power)
	}
}

func TestManager_RecordVote_DoubleVote_InvokesSink(t *testing.T) {
	v1, key1 := newValidator(t, 100)
	m, _ := NewManager([]Validator{v1}, 0.67)
	sink := &mockSink{}
	m.SetSlashingSink(sink)

	header1 := &block.Header{Height: 5, Timestamp: 1, MerkleRoot: types.Hash{0x01}}
	header2 := &block.Header{Height: 5, Timestamp: 1, MerkleRoot: types.Hash{0x02}}

	if _, err := m.RecordVote(v1.Address, header1, sign(t, key1, header1)); err != nil {
		t.Fatalf("first vote: %v", err)
	}

	_, err := m.RecordVote(v1.Address, header2, sign(t, key1, header2))
	if !errors.Is(err, ErrDuplicateVote) {
		t.Fatalf("second vote err = %v, want ErrDuplicateVote", err)
	}

	if len(sink.events) != 1 {
		t.Fatalf("sink received %d events, want 1", len(sink.events))
	}
	evt := sink.events[0]
	if evt.Validator != v1.Address || evt.Height != 5 {
		t.Errorf("unexpected evidence: %+v", evt)
	}
}

func TestManager_RecordVote_SameVoteTwiceIsIdempotent(t *testing.T) {
	v1, key1 := newValidator(t, 100)
	m, _ := NewManager([]Validator{v1}, 0.67)

	header := &block.Header{Height: 1, Timestamp: 1}
	sig := sign(t, key1, header)

	if _, err := m.RecordVote(v1.Address, header, sig); err != nil {
		t.Fatalf("first vote: %v", err)
	}
	if _, err := m.RecordVote(v1.Address, header, sig); err != nil {
		t.Fatalf("repeat vote should be idempotent, got: %v", err)
	}
}

func TestManager_CanReorgToHeight(t *testing.T) {
	v1, key1 := newValidator(t, 100)
	m, _ := NewManager([]Validator{v1}, 0.67)

	header := &block.Header{Height: 10, Timestamp: 1}
	m.RecordVote(v1.Address, header, sign(t, key1, header))

	if m.CanReorgToHeight(10) {
		t.Error("CanReorgToHeight(10) should be false (at finalized height)")
	}
	if !m.CanReorgToHeight(11) {
		t.Error("CanReorgToHeight(11) should be true (above finalized height)")
	}
}

func TestManager_AddRemoveValidator(t *testing.T) {
	v1, _ := newValidator(t, 100)
	m, _ := NewManager([]Validator{v1}, 0.67)

	v2, _ := newValidator(t, 50)
	m.AddValidator(v2)
	if len(m.Validators()) != 2 {
		t.Fatalf("Validators() len = %d, want 2", len(m.Validators()))
	}

	m.RemoveValidator(v2.Address)
	if len(m.Validators()) != 1 {
		t.Fatalf("Validators() len after remove = %d, want 1", len(m.Validators()))
	}
}

func TestManager_IsFinalizedHash(t *testing.T) {
	v1, key1 := newValidator(t, 100)
	m, _ := NewManager([]Validator{v1}, 0.67)

	header := &block.Header{Height: 1, Timestamp: 1}
	if _, err := m.RecordVote(v1.Address, header, sign(t, key1, header)); err != nil {
		t.Fatal(err)
	}
	if !m.IsFinalizedHash(header.Hash()) {
		t.Error("expected hash to be finalized")
	}
	if m.IsFinalizedHash(types.Hash{0xAB}) {
		t.Error("unrelated hash should not be finalized")
	}
}
