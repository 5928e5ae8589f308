package utxo

import (
	"fmt"
	"sync"

	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Locker is an optimistic in-memory reservation table over outpoints. It
// prevents two concurrent coin-selection calls from picking the same
// unspent output before either has broadcast a spending transaction.
// A lock is purely advisory and local to this process: it is never
// persisted, never consulted by block validation, and carries no effect
// on the UTXO set itself. A crash drops every outstanding lock, which is
// safe since nothing durable depends on them.
type Locker struct {
	mu     sync.Mutex
	locked map[types.Outpoint]struct{}
}

// NewLocker creates an empty lock table.
func NewLocker() *Locker {
	return &Locker{locked: make(map[types.Outpoint]struct{})}
}

// Lock reserves every outpoint in ins, all-or-nothing: if any is already
// locked, none are locked and the first conflicting outpoint is reported.
func (l *Locker) Lock(ins []types.Outpoint) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, op := range ins {
		if _, ok := l.locked[op]; ok {
			return fmt.Errorf("utxo: outpoint already locked: %s", op)
		}
	}
	for _, op := range ins {
		l.locked[op] = struct{}{}
	}
	return nil
}

// Unlock releases every outpoint in ins. Unlocking an outpoint that was
// never locked, or already unlocked, is a no-op.
func (l *Locker) Unlock(ins []types.Outpoint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, op := range ins {
		delete(l.locked, op)
	}
}

// IsLocked reports whether outpoint is currently reserved.
func (l *Locker) IsLocked(op types.Outpoint) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.locked[op]
	return ok
}

// Len returns the number of outpoints currently locked.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locked)
}
