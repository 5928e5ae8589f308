// Package addrindex maintains the secondary "transactions by address"
// index used to answer get_transaction_history without a full chain
// scan. It is updated transactionally alongside block application and
// rolled back symmetrically when a reorg unwinds blocks, mirroring the
// key-prefix-plus-scan technique internal/utxo/store.go uses for its
// own "UTXOs by address" index, generalized from outputs to full tx
// history entries (both sides of a transfer, sender and recipient).
package addrindex

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// prefixHistory keys one entry per (address, height, tx index) so that
// ForEach with a per-address prefix yields entries in ascending
// chain order, which is also insertion order for a given address.
var prefixHistory = []byte("h/") // h/<address><height_be><txindex_be> -> Entry JSON

// Entry records one appearance of an address in a confirmed transaction.
type Entry struct {
	Height    uint64     `json:"height"`
	TxIndex   uint32     `json:"tx_index"`
	TxID      types.Hash `json:"txid"`
	IsSender  bool       `json:"is_sender"`
	Amount    uint64     `json:"amount"`
	Timestamp uint64     `json:"timestamp"`
}

// Index is the address -> transaction history secondary KV store.
// It is exclusively mutated by the Blockchain facade under the chain
// lock, so it carries no internal locking of its own (matching
// internal/utxo.Store, which relies on the same caller discipline).
type Index struct {
	db storage.DB
}

// New creates an address index backed by db.
func New(db storage.DB) *Index {
	return &Index{db: db}
}

func historyKey(addr types.Address, height uint64, txIndex uint32) []byte {
	key := make([]byte, len(prefixHistory)+types.AddressSize+8+4)
	off := copy(key, prefixHistory)
	off += copy(key[off:], addr[:])
	binary.BigEndian.PutUint64(key[off:], height)
	binary.BigEndian.PutUint32(key[off+8:], txIndex)
	return key
}

func addrPrefix(addr types.Address) []byte {
	prefix := make([]byte, len(prefixHistory)+types.AddressSize)
	off := copy(prefix, prefixHistory)
	copy(prefix[off:], addr[:])
	return prefix
}

// Put records one address's appearance in a confirmed transaction.
func (idx *Index) Put(addr types.Address, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("addrindex: marshal entry: %w", err)
	}
	if err := idx.db.Put(historyKey(addr, e.Height, e.TxIndex), data); err != nil {
		return fmt.Errorf("addrindex: put: %w", err)
	}
	return nil
}

// Delete removes one address's history entry, used to roll back an
// applied block during a reorg.
func (idx *Index) Delete(addr types.Address, height uint64, txIndex uint32) error {
	if err := idx.db.Delete(historyKey(addr, height, txIndex)); err != nil {
		return fmt.Errorf("addrindex: delete: %w", err)
	}
	return nil
}

// TxView is the projection of one confirmed transaction that ApplyTx and
// RevertTx index: an entry for the sender (if non-coinbase) and one entry
// per distinct recipient address, amount summed across that recipient's
// outputs.
type TxView struct {
	Hash      types.Hash
	Sender    types.Address
	IsCoinbase bool
	Timestamp uint64
	Outputs   []Output
}

// Output is the subset of a transaction output addrindex needs.
type Output struct {
	Address types.Address
	Amount  uint64
}

// ApplyTx writes history entries for a confirmed transaction.
func (idx *Index) ApplyTx(height uint64, txIndex uint32, tv TxView) error {
	if !tv.IsCoinbase {
		var senderAmount uint64
		for _, out := range tv.Outputs {
			if out.Address == tv.Sender {
				senderAmount += out.Amount
			}
		}
		if err := idx.Put(tv.Sender, Entry{
			Height: height, TxIndex: txIndex, TxID: tv.Hash,
			IsSender: true, Amount: senderAmount, Timestamp: tv.Timestamp,
		}); err != nil {
			return err
		}
	}

	seen := make(map[types.Address]uint64, len(tv.Outputs))
	order := make([]types.Address, 0, len(tv.Outputs))
	for _, out := range tv.Outputs {
		if out.Address == tv.Sender {
			continue // Already recorded as a sender-side entry above.
		}
		if _, ok := seen[out.Address]; !ok {
			order = append(order, out.Address)
		}
		seen[out.Address] += out.Amount
	}
	for _, addr := range order {
		if err := idx.Put(addr, Entry{
			Height: height, TxIndex: txIndex, TxID: tv.Hash,
			IsSender: false, Amount: seen[addr], Timestamp: tv.Timestamp,
		}); err != nil {
			return err
		}
	}
	return nil
}

// RevertTx removes the history entries ApplyTx would have written for
// the same transaction, used when a reorg unwinds a block.
func (idx *Index) RevertTx(height uint64, txIndex uint32, tv TxView) error {
	if !tv.IsCoinbase {
		if err := idx.Delete(tv.Sender, height, txIndex); err != nil {
			return err
		}
	}
	seen := make(map[types.Address]bool, len(tv.Outputs))
	for _, out := range tv.Outputs {
		if out.Address == tv.Sender || seen[out.Address] {
			continue
		}
		seen[out.Address] = true
		if err := idx.Delete(out.Address, height, txIndex); err != nil {
			return err
		}
	}
	return nil
}

// History returns up to limit entries for addr starting after offset
// entries have been skipped, most recent first (descending height,
// then descending tx index).
func (idx *Index) History(addr types.Address, limit, offset int) ([]Entry, error) {
	var all []Entry
	err := idx.db.ForEach(addrPrefix(addr), func(_, value []byte) error {
		var e Entry
		if err := json.Unmarshal(value, &e); err != nil {
			return fmt.Errorf("addrindex: unmarshal entry: %w", err)
		}
		all = append(all, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("addrindex: scan history: %w", err)
	}

	// ForEach yields ascending key order (ascending height, tx index);
	// reverse for most-recent-first pagination.
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

// Count returns the number of history entries recorded for addr.
func (idx *Index) Count(addr types.Address) (int, error) {
	n := 0
	err := idx.db.ForEach(addrPrefix(addr), func(_, _ []byte) error {
		n++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("addrindex: count: %w", err)
	}
	return n, nil
}

// Clear removes every history entry from the index. It does not rescan
// the chain: the secondary index has no dependency beyond the block
// store, so rebuilding means calling Clear and then replaying ApplyTx for every
// transaction in every block from genesis, which the Blockchain facade
// drives directly rather than this package reaching back into chain
// storage.
func (idx *Index) Clear() error {
	var keys [][]byte
	if err := idx.db.ForEach(prefixHistory, func(key, _ []byte) error {
		k := make([]byte, len(key))
		copy(k, key)
		keys = append(keys, k)
		return nil
	}); err != nil {
		return fmt.Errorf("addrindex: scan for clear: %w", err)
	}
	for _, k := range keys {
		if err := idx.db.Delete(k); err != nil {
			return fmt.Errorf("addrindex: delete during clear: %w", err)
		}
	}
	return nil
}
