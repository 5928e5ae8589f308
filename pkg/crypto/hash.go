// Package crypto provides cryptographic primitives for the node core.
package crypto

import (
	"crypto/sha256"

	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Hash computes a SHA-256 hash of the input data.
func Hash(data []byte) types.Hash {
	return sha256.Sum256(data)
}

// DoubleHash computes Hash(Hash(data)).
func DoubleHash(data []byte) types.Hash {
	first := Hash(data)
	return Hash(first[:])
}

// DeriveAddress derives an address from a compressed public key.
// Address = SHA256(compressed_pubkey)[:20].
func DeriveAddress(pubKey []byte) types.Address {
	h := Hash(pubKey)
	var addr types.Address
	copy(addr[:], h[:types.AddressSize])
	return addr
}

// HashConcat hashes the concatenation of two hashes.
// Used for building merkle trees.
func HashConcat(a, b types.Hash) types.Hash {
	var buf [64]byte
	copy(buf[:32], a[:])
	copy(buf[32:], b[:])
	return Hash(buf[:])
}
