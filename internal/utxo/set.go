// Package utxo manages the UTXO set: the pool of unspent transaction
// outputs that backs balance and spend validation.
package utxo

import "github.com/Klingon-tech/klingnet-chain/pkg/types"

// UTXO represents an unspent transaction output.
type UTXO struct {
	Outpoint    types.Outpoint `json:"outpoint"`
	Address     types.Address  `json:"address"`
	Amount      uint64         `json:"amount"`
	Height      uint64         `json:"height"`
	Coinbase    bool           `json:"coinbase"`
	LockedUntil uint64         `json:"locked_until,omitempty"`
}

// Set is the interface for UTXO storage.
type Set interface {
	Get(outpoint types.Outpoint) (*UTXO, error)
	Put(utxo *UTXO) error
	Delete(outpoint types.Outpoint) error
	Has(outpoint types.Outpoint) (bool, error)
}

// GetUTXO and HasUTXO let a Set satisfy pkg/tx.UTXOProvider without every
// implementation repeating the adapter logic; both Store and MemSet
// forward to their own Get/Has.

// GetUTXO adapts a Set lookup to the (amount, owner, error) shape
// pkg/tx.UTXOProvider expects.
func GetUTXO(s Set, outpoint types.Outpoint) (uint64, types.Address, error) {
	u, err := s.Get(outpoint)
	if err != nil {
		return 0, types.Address{}, err
	}
	return u.Amount, u.Address, nil
}

// HasUTXO adapts a Set existence check, swallowing lookup errors as "not
// found" since pkg/tx.UTXOProvider.HasUTXO has no error return.
func HasUTXO(s Set, outpoint types.Outpoint) bool {
	ok, err := s.Has(outpoint)
	return err == nil && ok
}
