package tx

import (
	"errors"
	"fmt"
	"math"

	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// UTXO/nonce-aware validation errors.
var (
	ErrInputNotFound   = errors.New("input UTXO not found")
	ErrInsufficientFee = errors.New("insufficient fee")
	ErrInputOverflow   = errors.New("input values overflow")
	ErrNonceMismatch   = errors.New("nonce does not match expected sender nonce")
)

// UTXOProvider provides read-only access to the UTXO set for validation.
type UTXOProvider interface {
	GetUTXO(outpoint types.Outpoint) (amount uint64, owner types.Address, err error)
	HasUTXO(outpoint types.Outpoint) bool
}

// NonceProvider provides the next expected nonce for a sender's account.
type NonceProvider interface {
	NextNonce(sender types.Address) uint64
}

// ValidateWithState performs full validation of a transaction against the
// UTXO set and the sender's nonce tracker. It checks that every input
// exists, is owned by the sender, that the signature is valid, that
// inputs >= outputs + fee, and that the nonce matches. Returns the
// computed fee (inputs - outputs).
func (t *Transaction) ValidateWithState(utxos UTXOProvider, nonces NonceProvider) (uint64, error) {
	if err := t.Validate(); err != nil {
		return 0, err
	}

	if !t.IsCoinbase() {
		expected := nonces.NextNonce(t.Sender)
		if t.Nonce != expected {
			return 0, fmt.Errorf("%w: got %d, want %d", ErrNonceMismatch, t.Nonce, expected)
		}
	}

	var totalInput uint64
	for i, in := range t.Inputs {
		if in.PrevOut.IsZero() {
			continue // Coinbase input.
		}
		if !utxos.HasUTXO(in.PrevOut) {
			return 0, fmt.Errorf("input %d (%s): %w", i, in.PrevOut, ErrInputNotFound)
		}
		amount, owner, err := utxos.GetUTXO(in.PrevOut)
		if err != nil {
			return 0, fmt.Errorf("input %d: %w", i, err)
		}
		if owner != t.Sender {
			return 0, fmt.Errorf("input %d (%s): %w: owned by %s, sender is %s",
				i, in.PrevOut, ErrSenderMismatch, owner, t.Sender)
		}
		if totalInput > math.MaxUint64-amount {
			return 0, fmt.Errorf("input %d: %w", i, ErrInputOverflow)
		}
		totalInput += amount
	}

	if err := t.VerifySignature(); err != nil {
		return 0, err
	}

	if t.IsCoinbase() {
		return 0, nil
	}

	totalOutput, ovfErr := t.TotalOutputValue()
	if ovfErr != nil {
		return 0, fmt.Errorf("output overflow: %w", ovfErr)
	}
	if totalInput < totalOutput {
		return 0, fmt.Errorf("%w: inputs=%d outputs=%d", ErrInsufficientFee, totalInput, totalOutput)
	}

	fee := totalInput - totalOutput
	if t.Fee != fee {
		return 0, fmt.Errorf("%w: declared fee %d does not match computed fee %d", ErrInsufficientFee, t.Fee, fee)
	}
	return fee, nil
}
