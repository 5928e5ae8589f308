package crypto

import (
	"bytes"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// secp256k1HalfOrder is floor(N/2) for the secp256k1 group order N, the
// threshold used to reject malleable high-S signatures.
var secp256k1HalfOrder = [32]byte{
	0x7f, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0x5d, 0x57, 0x6e, 0x73, 0x57, 0xa4, 0x50, 0x1d,
	0xdf, 0xe9, 0x2f, 0x46, 0x68, 0x1b, 0x20, 0xa0,
}

// Signer signs messages with a private key using ECDSA/secp256k1.
type Signer interface {
	// Sign produces a low-S ECDSA signature over a 32-byte hash.
	Sign(hash []byte) ([]byte, error)
	// PublicKey returns the compressed 33-byte public key.
	PublicKey() []byte
}

// Verifier verifies ECDSA/secp256k1 signatures.
type Verifier interface {
	// Verify checks an ECDSA signature against a hash and compressed public key.
	Verify(hash, signature, publicKey []byte) bool
}

// PrivateKey wraps a secp256k1 private key for ECDSA signing.
type PrivateKey struct {
	key *secp256k1.PrivateKey
}

// GenerateKey creates a new random secp256k1 private key.
func GenerateKey() (*PrivateKey, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &PrivateKey{key: key}, nil
}

// PrivateKeyFromBytes creates a PrivateKey from a 32-byte secret.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(b))
	}
	key := secp256k1.PrivKeyFromBytes(b)
	return &PrivateKey{key: key}, nil
}

// Sign produces a deterministic (RFC6979) low-S ECDSA signature over a
// 32-byte hash. ecdsa.Sign already normalizes S to the lower half of the
// curve order, so the signature is always in canonical low-S form.
func (pk *PrivateKey) Sign(hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("hash must be 32 bytes, got %d", len(hash))
	}
	sig := ecdsa.Sign(pk.key, hash)
	return sig.Serialize(), nil
}

// PublicKey returns the compressed 33-byte public key.
func (pk *PrivateKey) PublicKey() []byte {
	return pk.key.PubKey().SerializeCompressed()
}

// Serialize returns the 32-byte private key scalar.
func (pk *PrivateKey) Serialize() []byte {
	return pk.key.Serialize()
}

// Zero securely zeroes the private key memory.
func (pk *PrivateKey) Zero() {
	pk.key.Zero()
}

// VerifySignature checks an ECDSA signature against a 32-byte hash and a
// compressed public key. Rejects high-S signatures (malleability). Returns
// false on any parse or verification failure.
func VerifySignature(hash, signature, publicKey []byte) bool {
	pubKey, err := secp256k1.ParsePubKey(publicKey)
	if err != nil {
		return false
	}
	sig, err := ecdsa.ParseDERSignature(signature)
	if err != nil {
		return false
	}
	if !isLowS(sig) {
		return false
	}
	return sig.Verify(hash, pubKey)
}

// isLowS reports whether sig's S value is in the lower half of the curve
// order, the canonical form this node requires for every signature it
// accepts into consensus state.
func isLowS(sig *ecdsa.Signature) bool {
	s := sig.S()
	sBytes := s.Bytes()
	return bytes.Compare(sBytes[:], secp256k1HalfOrder[:]) <= 0
}

// ECDSAVerifier implements the Verifier interface.
type ECDSAVerifier struct{}

// Verify checks an ECDSA signature against a hash and compressed public key.
func (v ECDSAVerifier) Verify(hash, signature, publicKey []byte) bool {
	return VerifySignature(hash, signature, publicKey)
}
