// Package mempool manages pending transactions waiting for block inclusion.
package mempool

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-chain/internal/utxo"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Mempool errors.
var (
	ErrAlreadyExists     = errors.New("transaction already in mempool")
	ErrConflict          = errors.New("transaction conflicts with existing mempool entry")
	ErrPoolFull          = errors.New("mempool is full")
	ErrValidation        = errors.New("transaction failed validation")
	ErrFeeTooLow         = errors.New("transaction fee below minimum")
	ErrCoinbaseNotMature = errors.New("coinbase output not mature")
	ErrSenderCapExceeded = errors.New("sender has too many pending transactions")
	ErrSenderBanned      = errors.New("sender is temporarily banned from the mempool")
	ErrRBFNotHigherFee   = errors.New("replacement transaction does not pay a sufficiently higher fee")
	ErrRBFNotEnabled     = errors.New("conflicting transaction did not opt in to replace-by-fee")
	ErrRBFWrongReplaces  = errors.New("replacement transaction's replaces_txid does not match the conflicting transaction")
	ErrRBFSenderMismatch = errors.New("replacement transaction has a different sender than the transaction it replaces")
	ErrRBFNotSuperset    = errors.New("replacement transaction does not spend a superset of the replaced transaction's inputs")
)

// entry wraps a transaction with its fee and admission metadata.
type entry struct {
	tx          *tx.Transaction
	txHash      types.Hash
	fee         uint64
	feeRate     float64
	sender      types.Address
	admittedAt  time.Time
}

// Pool holds unconfirmed transactions, ordered for block assembly by fee
// rate with replace-by-fee support, per-sender admission caps, ban
// tracking for repeatedly misbehaving senders, and TTL-based expiry.
type Pool struct {
	mu         sync.RWMutex
	txs        map[types.Hash]*entry         // txHash -> entry
	spends     map[types.Outpoint]types.Hash // outpoint -> txHash (conflict index)
	bySender   map[types.Address]map[types.Hash]struct{}
	maxSize    int
	minFeeRate uint64 // Minimum fee rate in base units per byte (0 = no minimum).
	rbfMinBump uint64 // Minimum absolute fee bump required to replace a tx (0 = any bump).
	utxos      tx.UTXOProvider
	nonces     tx.NonceProvider

	// Coinbase maturity checking.
	utxoSet          utxo.Set      // For maturity checks (nil = disabled).
	heightFn         func() uint64 // Current chain height.
	coinbaseMaturity uint64        // Required confirmations (0 = disabled).

	senderCap int           // Max pending transactions per sender (0 = no cap).
	ttl       time.Duration // Entries older than this are evicted by Expire (0 = no TTL).

	ban *BanList
}

// New creates a new mempool with the given UTXO/nonce providers and max size.
func New(utxos tx.UTXOProvider, nonces tx.NonceProvider, maxSize int) *Pool {
	if maxSize <= 0 {
		maxSize = 5000
	}
	return &Pool{
		txs:      make(map[types.Hash]*entry),
		spends:   make(map[types.Outpoint]types.Hash),
		bySender: make(map[types.Address]map[types.Hash]struct{}),
		maxSize:  maxSize,
		utxos:    utxos,
		nonces:   nonces,
		ban:      NewBanList(),
	}
}

// SetMinFeeRate sets the minimum fee rate (base units per byte) for transaction acceptance.
func (p *Pool) SetMinFeeRate(rate uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.minFeeRate = rate
}

// MinFeeRate returns the current minimum fee rate (base units per byte).
func (p *Pool) MinFeeRate() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.minFeeRate
}

// SetRBFMinBump sets the minimum absolute fee (in base units) a
// replacement transaction must pay above the transaction it replaces.
func (p *Pool) SetRBFMinBump(bump uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rbfMinBump = bump
}

// SetSenderCap limits how many pending transactions a single sender may
// have admitted at once. A cap of 0 disables the limit.
func (p *Pool) SetSenderCap(cap int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.senderCap = cap
}

// SetTTL sets how long an entry may sit in the pool before Expire removes
// it. A TTL of 0 disables expiry.
func (p *Pool) SetTTL(ttl time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ttl = ttl
}

// StrikeSender records one misbehavior strike against sender, banning it
// once the configured threshold is reached. The facade calls this for
// submissions that indicate intentional misbehavior (bad signature,
// losing double-spend attempt) rather than ordinary, honest rejections
// (insufficient fee, pool full).
func (p *Pool) StrikeSender(sender types.Address) {
	p.ban.Strike(sender)
}

// BanList exposes the pool's ban list for inspection (e.g. an RPC
// endpoint reporting a sender's ban status).
func (p *Pool) BanList() *BanList {
	return p.ban
}

// SetCoinbaseMaturity enables coinbase maturity checking.
func (p *Pool) SetCoinbaseMaturity(maturity uint64, heightFn func() uint64, set utxo.Set) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.coinbaseMaturity = maturity
	p.heightFn = heightFn
	p.utxoSet = set
}

// Add validates and adds a transaction to the mempool.
// Returns the computed fee. Rejects duplicates, banned senders, and
// double-spend conflicts unless the conflicting transaction opted in to
// replace-by-fee and this transaction satisfies the full eligibility
// rule (see the conflict check below).
func (p *Pool) Add(transaction *tx.Transaction) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	txHash := transaction.Hash()
	sender := transaction.Sender

	if p.ban.IsBanned(sender) {
		return 0, ErrSenderBanned
	}

	// Reject duplicates.
	if _, exists := p.txs[txHash]; exists {
		return 0, ErrAlreadyExists
	}

	// Coinbase maturity / time-lock check.
	if p.coinbaseMaturity > 0 && p.utxoSet != nil {
		currentHeight := p.heightFn()
		for _, in := range transaction.Inputs {
			if in.PrevOut.IsZero() {
				continue
			}
			u, uErr := p.utxoSet.Get(in.PrevOut)
			if uErr == nil && u.Coinbase && currentHeight-u.Height < p.coinbaseMaturity {
				return 0, fmt.Errorf("%w: need %d confirmations, have %d",
					ErrCoinbaseNotMature, p.coinbaseMaturity, currentHeight-u.Height)
			}
			if uErr == nil && u.LockedUntil > 0 && currentHeight < u.LockedUntil {
				return 0, fmt.Errorf("output locked until block %d, current %d", u.LockedUntil, currentHeight)
			}
		}
	}

	// Full structural + state validation (UTXO ownership, nonce, fee).
	fee, err := transaction.ValidateWithState(p.utxos, p.nonces)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	feeRate := transaction.FeeRate()
	if p.minFeeRate > 0 {
		requiredFee := p.minFeeRate * uint64(transaction.SizeBytes())
		if fee < requiredFee {
			return 0, fmt.Errorf("%w: got %d, need %d", ErrFeeTooLow, fee, requiredFee)
		}
	}

	// Conflict / replace-by-fee check: every input must either be free or
	// belong to the single transaction this one replaces. Per spec §4.4,
	// replacement requires the conflicting transaction to have opted in
	// with rbf_enabled, this transaction's replaces_txid to name it, a
	// matching sender, a superset of its inputs, and a fee that clears
	// the configured minimum bump above the old fee.
	var conflictHash types.Hash
	hasConflict := false
	for _, in := range transaction.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		h, exists := p.spends[in.PrevOut]
		if !exists || h == txHash {
			continue
		}
		if hasConflict && h != conflictHash {
			return 0, fmt.Errorf("input %s: %w (spends outputs held by two distinct mempool transactions)",
				in.PrevOut, ErrConflict)
		}
		conflictHash, hasConflict = h, true
	}

	if hasConflict {
		conflictEntry := p.txs[conflictHash]
		if conflictEntry == nil {
			hasConflict = false
		} else {
			if !conflictEntry.tx.RBFEnabled {
				return 0, fmt.Errorf("%w: %s", ErrRBFNotEnabled, conflictHash)
			}
			if transaction.ReplacesTxID != conflictHash {
				return 0, fmt.Errorf("%w: replaces_txid %s, conflicting tx %s",
					ErrRBFWrongReplaces, transaction.ReplacesTxID, conflictHash)
			}
			if sender != conflictEntry.sender {
				return 0, fmt.Errorf("%w: replacement sender %s, original sender %s",
					ErrRBFSenderMismatch, sender, conflictEntry.sender)
			}
			if !supersetInputs(transaction.Inputs, conflictEntry.tx.Inputs) {
				return 0, ErrRBFNotSuperset
			}
			minRequired := conflictEntry.fee + p.rbfMinBump
			if fee <= minRequired {
				return 0, fmt.Errorf("%w: existing pays %d, new pays %d, need > %d",
					ErrRBFNotHigherFee, conflictEntry.fee, fee, minRequired)
			}
			p.removeLocked(conflictHash)
		}
	}

	// Per-sender admission cap (after accounting for any RBF eviction above).
	if p.senderCap > 0 && !transaction.IsCoinbase() {
		if len(p.bySender[sender]) >= p.senderCap {
			return 0, fmt.Errorf("%w: cap is %d", ErrSenderCapExceeded, p.senderCap)
		}
	}

	// Check pool capacity — evict lowest fee-rate if new tx pays more.
	if len(p.txs) >= p.maxSize {
		lowestHash, lowestRate := p.findLowestFeeRate()
		if feeRate <= lowestRate {
			return 0, ErrPoolFull
		}
		p.removeLocked(lowestHash)
	}

	e := &entry{
		tx:         transaction,
		txHash:     txHash,
		fee:        fee,
		feeRate:    feeRate,
		sender:     sender,
		admittedAt: time.Now(),
	}

	p.txs[txHash] = e
	for _, in := range transaction.Inputs {
		if !in.PrevOut.IsZero() {
			p.spends[in.PrevOut] = txHash
		}
	}
	if p.bySender[sender] == nil {
		p.bySender[sender] = make(map[types.Hash]struct{})
	}
	p.bySender[sender][txHash] = struct{}{}

	return fee, nil
}

// supersetInputs reports whether newInputs spends every outpoint that
// oldInputs spends (equal inputs count as a superset).
func supersetInputs(newInputs, oldInputs []tx.Input) bool {
	have := make(map[types.Outpoint]bool, len(newInputs))
	for _, in := range newInputs {
		have[in.PrevOut] = true
	}
	for _, in := range oldInputs {
		if !have[in.PrevOut] {
			return false
		}
	}
	return true
}

// Remove removes a transaction from the mempool by hash.
func (p *Pool) Remove(txHash types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(txHash)
}

func (p *Pool) removeLocked(txHash types.Hash) {
	e, exists := p.txs[txHash]
	if !exists {
		return
	}
	for _, in := range e.tx.Inputs {
		if !in.PrevOut.IsZero() {
			delete(p.spends, in.PrevOut)
		}
	}
	if set := p.bySender[e.sender]; set != nil {
		delete(set, txHash)
		if len(set) == 0 {
			delete(p.bySender, e.sender)
		}
	}
	delete(p.txs, txHash)
}

// RemoveConfirmed removes all transactions that were included in a block.
func (p *Pool) RemoveConfirmed(transactions []*tx.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range transactions {
		p.removeLocked(t.Hash())
	}
}

// Expire removes entries that have been pending longer than the
// configured TTL. Returns the number of entries removed.
func (p *Pool) Expire() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ttl <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-p.ttl)
	var stale []types.Hash
	for h, e := range p.txs {
		if e.admittedAt.Before(cutoff) {
			stale = append(stale, h)
		}
	}
	for _, h := range stale {
		p.removeLocked(h)
	}
	return len(stale)
}

// Has checks if a transaction exists in the mempool.
func (p *Pool) Has(txHash types.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, exists := p.txs[txHash]
	return exists
}

// Get retrieves a transaction from the mempool.
func (p *Pool) Get(txHash types.Hash) *tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, exists := p.txs[txHash]
	if !exists {
		return nil
	}
	return e.tx
}

// GetFee returns the fee for a transaction in the mempool (0 if not found).
func (p *Pool) GetFee(txHash types.Hash) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, exists := p.txs[txHash]
	if !exists {
		return 0
	}
	return e.fee
}

// Count returns the number of transactions in the mempool.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.txs)
}

// Hashes returns the hashes of all transactions in the mempool.
func (p *Pool) Hashes() []types.Hash {
	p.mu.RLock()
	defer p.mu.RUnlock()
	hashes := make([]types.Hash, 0, len(p.txs))
	for h := range p.txs {
		hashes = append(hashes, h)
	}
	return hashes
}

// findLowestFeeRate returns the hash and fee rate of the lowest fee-rate entry.
// Must be called with p.mu held.
func (p *Pool) findLowestFeeRate() (types.Hash, float64) {
	var lowestHash types.Hash
	lowestRate := -1.0
	first := true
	for h, e := range p.txs {
		if first || e.feeRate < lowestRate {
			lowestRate = e.feeRate
			lowestHash = h
			first = false
		}
	}
	return lowestHash, lowestRate
}

// order reports whether a sorts before b under the pool's canonical
// ordering: fee rate descending, then admission time ascending, then
// transaction hash lexicographically ascending. The lexical tie-break
// keeps SelectForBlock deterministic when two transactions are admitted
// in the same instant.
func order(a, b *entry) bool {
	if a.feeRate != b.feeRate {
		return a.feeRate > b.feeRate
	}
	if !a.admittedAt.Equal(b.admittedAt) {
		return a.admittedAt.Before(b.admittedAt)
	}
	return bytes.Compare(a.txHash[:], b.txHash[:]) < 0
}

// SelectForBlock returns transactions ordered by the pool's canonical
// ordering (fee rate desc, admission time asc, hash asc), up to limit.
func (p *Pool) SelectForBlock(limit int) []*tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entries := make([]*entry, 0, len(p.txs))
	for _, e := range p.txs {
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		return order(entries[i], entries[j])
	})

	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}

	result := make([]*tx.Transaction, limit)
	for i := 0; i < limit; i++ {
		result[i] = entries[i].tx
	}
	return result
}
