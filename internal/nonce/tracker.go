// Package nonce tracks per-sender account nonces for replay protection
// on the UTXO/account hybrid transaction model.
package nonce

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

var prefixNonce = []byte("n/") // n/<address> -> uint64 JSON

// nonceKey builds a storage key for an account: "n/" + address(20).
func nonceKey(addr types.Address) []byte {
	key := make([]byte, len(prefixNonce)+types.AddressSize)
	copy(key, prefixNonce)
	copy(key[len(prefixNonce):], addr[:])
	return key
}

// Tracker tracks the next expected nonce for every account known to the
// chain. Confirmed transactions advance an account's nonce; the mempool
// consults NextNonce to admit transactions without mutating confirmed
// state.
type Tracker struct {
	mu  sync.RWMutex
	db  storage.DB
	// cache mirrors persisted values to avoid a DB round trip on every
	// lookup; it is populated lazily and kept in sync with writes.
	cache map[types.Address]uint64
}

// NewTracker creates a nonce tracker backed by db.
func NewTracker(db storage.DB) *Tracker {
	return &Tracker{db: db, cache: make(map[types.Address]uint64)}
}

// NextNonce returns the next nonce an account is expected to use,
// i.e. one past the last confirmed nonce. Implements pkg/tx.NonceProvider.
func (t *Tracker) NextNonce(addr types.Address) uint64 {
	t.mu.RLock()
	if n, ok := t.cache[addr]; ok {
		t.mu.RUnlock()
		return n
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.cache[addr]; ok {
		return n
	}
	n := t.load(addr)
	t.cache[addr] = n
	return n
}

// load reads the persisted nonce for addr, defaulting to 0 when absent.
func (t *Tracker) load(addr types.Address) uint64 {
	data, err := t.db.Get(nonceKey(addr))
	if err != nil {
		return 0
	}
	var n uint64
	if err := json.Unmarshal(data, &n); err != nil {
		return 0
	}
	return n
}

// Confirm advances addr's nonce to used+1 once a transaction carrying
// nonce used has been committed to the chain. It is an error to confirm
// a nonce other than the account's current expected nonce; callers must
// validate against NextNonce before applying a block.
func (t *Tracker) Confirm(addr types.Address, used uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.cache[addr]
	if !ok {
		current = t.load(addr)
	}
	if used != current {
		return fmt.Errorf("nonce: confirm %d for %s, expected %d", used, addr, current)
	}

	next := used + 1
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("nonce: marshal: %w", err)
	}
	if err := t.db.Put(nonceKey(addr), data); err != nil {
		return fmt.Errorf("nonce: persist: %w", err)
	}
	t.cache[addr] = next
	return nil
}

// Rollback reverts addr's nonce back to the given value, undoing a
// Confirm. Used when a reorg unwinds blocks whose transactions had
// advanced the nonce.
func (t *Tracker) Rollback(addr types.Address, to uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := json.Marshal(to)
	if err != nil {
		return fmt.Errorf("nonce: marshal: %w", err)
	}
	if err := t.db.Put(nonceKey(addr), data); err != nil {
		return fmt.Errorf("nonce: persist: %w", err)
	}
	t.cache[addr] = to
	return nil
}

// Snapshot returns a point-in-time copy of every cached nonce. Accounts
// whose nonce has not been read or written since the Tracker was created
// are not included.
func (t *Tracker) Snapshot() map[types.Address]uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[types.Address]uint64, len(t.cache))
	for k, v := range t.cache {
		out[k] = v
	}
	return out
}
