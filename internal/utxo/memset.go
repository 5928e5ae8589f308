package utxo

import (
	"fmt"
	"sync"

	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// MemSet is an in-memory UTXO set. Snapshot and Restore copy its
// contents in and out, and LoadFromStore/ApplyToStore copy them from and
// to a persistent Store.
type MemSet struct {
	mu    sync.RWMutex
	utxos map[types.Outpoint]UTXO
}

// NewMemSet creates an empty in-memory UTXO set.
func NewMemSet() *MemSet {
	return &MemSet{utxos: make(map[types.Outpoint]UTXO)}
}

// Get retrieves a UTXO by its outpoint.
func (s *MemSet) Get(outpoint types.Outpoint) (*UTXO, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.utxos[outpoint]
	if !ok {
		return nil, fmt.Errorf("utxo not found: %s", outpoint)
	}
	return &u, nil
}

// GetUTXO implements pkg/tx.UTXOProvider.
func (s *MemSet) GetUTXO(outpoint types.Outpoint) (uint64, types.Address, error) {
	return GetUTXO(s, outpoint)
}

// HasUTXO implements pkg/tx.UTXOProvider.
func (s *MemSet) HasUTXO(outpoint types.Outpoint) bool {
	return HasUTXO(s, outpoint)
}

// Put stores a UTXO.
func (s *MemSet) Put(u *UTXO) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.utxos[u.Outpoint] = *u
	return nil
}

// Delete removes a UTXO.
func (s *MemSet) Delete(outpoint types.Outpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.utxos, outpoint)
	return nil
}

// Has checks if a UTXO exists for the given outpoint.
func (s *MemSet) Has(outpoint types.Outpoint) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.utxos[outpoint]
	return ok, nil
}

// ForEach iterates over all UTXOs in the set. fn must not call back into
// the set; ForEach holds the read lock for its duration.
func (s *MemSet) ForEach(fn func(*UTXO) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.utxos {
		uc := u
		if err := fn(&uc); err != nil {
			return err
		}
	}
	return nil
}

// GetByAddress returns all UTXOs belonging to the given address.
func (s *MemSet) GetByAddress(addr types.Address) ([]*UTXO, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*UTXO
	for _, u := range s.utxos {
		if u.Address == addr {
			uc := u
			out = append(out, &uc)
		}
	}
	return out, nil
}

// Len returns the number of UTXOs currently held.
func (s *MemSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.utxos)
}

// Snapshot returns an independent copy of the set. Mutating the
// snapshot, or the original, never affects the other.
func (s *MemSet) Snapshot() *MemSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	clone := make(map[types.Outpoint]UTXO, len(s.utxos))
	for k, v := range s.utxos {
		clone[k] = v
	}
	return &MemSet{utxos: clone}
}

// Restore replaces the set's contents with a copy of those of snap, in
// place.
func (s *MemSet) Restore(snap *MemSet) {
	snap.mu.RLock()
	clone := make(map[types.Outpoint]UTXO, len(snap.utxos))
	for k, v := range snap.utxos {
		clone[k] = v
	}
	snap.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.utxos = clone
}

// LoadFromStore populates the set from a persistent Store, e.g. to seed
// a speculative working copy from the committed chain tip.
func (s *MemSet) LoadFromStore(store *Store) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.utxos = make(map[types.Outpoint]UTXO)
	return store.ForEach(func(u *UTXO) error {
		s.utxos[u.Outpoint] = *u
		return nil
	})
}

// ApplyToStore clears store and then writes every UTXO in the set into
// it, so that store holds exactly the set's contents. The writes are
// separate calls, not one atomic commit.
func (s *MemSet) ApplyToStore(store *Store) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := store.ClearAll(); err != nil {
		return fmt.Errorf("clear store before apply: %w", err)
	}
	for _, u := range s.utxos {
		uc := u
		if err := store.Put(&uc); err != nil {
			return fmt.Errorf("apply utxo %s: %w", uc.Outpoint, err)
		}
	}
	return nil
}

// Digest returns the merkle commitment over the set's current contents.
func (s *MemSet) Digest() (types.Hash, error) {
	return Commitment(s)
}
