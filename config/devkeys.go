package config

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"
)

// purposeBIP44 and coinTypeDev mirror the HD path a production wallet
// would use (m/44'/8888'/account'/change/index), kept here only so
// deterministic dev keys are derived along a real BIP-44 path rather
// than an ad hoc one. Matches the path documented above TestnetMnemonic.
const (
	purposeBIP44 = bip32.FirstHardenedChild + 44
	coinTypeDev  = bip32.FirstHardenedChild + 8888
)

// DeriveDevKey returns the deterministic secp256k1 private key at
// m/44'/8888'/0'/0/index under the given BIP-39 mnemonic. Used by
// genesis fixtures and tests that need stable, reproducible addresses
// across runs instead of crypto.GenerateKey's fresh random key every
// call — e.g. deriving a reproducible validator or premine key from
// TestnetMnemonic.
func DeriveDevKey(mnemonic string, index uint32) (*crypto.PrivateKey, error) {
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, "")
	if err != nil {
		return nil, fmt.Errorf("derive seed from mnemonic: %w", err)
	}
	master, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("derive master key: %w", err)
	}
	path := []uint32{purposeBIP44, coinTypeDev, bip32.FirstHardenedChild, 0, index}
	key := master
	for _, idx := range path {
		key, err = key.NewChildKey(idx)
		if err != nil {
			return nil, fmt.Errorf("derive child %d: %w", idx, err)
		}
	}
	raw := key.Key
	if len(raw) == 33 && raw[0] == 0 {
		raw = raw[1:]
	}
	return crypto.PrivateKeyFromBytes(raw)
}
