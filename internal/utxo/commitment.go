package utxo

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// iterable is satisfied by any UTXO source that can walk its full
// contents, such as Store or MemSet.
type iterable interface {
	ForEach(fn func(*UTXO) error) error
}

// Commitment computes a merkle root over all UTXOs in the given set.
// Each UTXO is hashed deterministically, the hashes are sorted, and
// a merkle tree is built from them. Returns a zero hash for an empty set.
func Commitment(store iterable) (types.Hash, error) {
	var hashes []types.Hash

	err := store.ForEach(func(u *UTXO) error {
		hashes = append(hashes, hashUTXO(u))
		return nil
	})
	if err != nil {
		return types.Hash{}, fmt.Errorf("utxo commitment: %w", err)
	}

	if len(hashes) == 0 {
		return types.Hash{}, nil
	}

	// Sort for deterministic ordering (map iteration order varies).
	sort.Slice(hashes, func(i, j int) bool {
		return hashLess(hashes[i], hashes[j])
	})

	return block.ComputeMerkleRoot(hashes), nil
}

// hashUTXO produces a deterministic hash of a UTXO.
// Format: txid(32) | index(4) | address(20) | amount(8)
func hashUTXO(u *UTXO) types.Hash {
	var buf []byte
	buf = append(buf, u.Outpoint.TxID[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, u.Outpoint.Index)
	buf = append(buf, u.Address[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, u.Amount)
	return crypto.Hash(buf)
}

func hashLess(a, b types.Hash) bool {
	for i := 0; i < types.HashSize; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
