package tx

import (
	"errors"
	"fmt"
	"math"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Validation errors.
var (
	ErrNoOutputs          = errors.New("transaction has no outputs")
	ErrDuplicateInput     = errors.New("duplicate input")
	ErrOutputOverflow     = errors.New("output values overflow")
	ErrZeroOutput         = errors.New("output value is zero")
	ErrMissingPubKey      = errors.New("transaction missing public key")
	ErrMissingSig         = errors.New("transaction missing signature")
	ErrInvalidSig         = errors.New("invalid signature")
	ErrTooManyInputs      = errors.New("too many inputs")
	ErrTooManyOutputs     = errors.New("too many outputs")
	ErrMetadataTooLarge   = errors.New("metadata too large")
	ErrInvalidTxType      = errors.New("invalid transaction type")
	ErrSenderMismatch     = errors.New("sender does not match public key")
	ErrCoinbaseHasSender  = errors.New("coinbase transaction must not have a sender")
	ErrNonCoinbaseNoInput = errors.New("non-coinbase transaction has no inputs")
)

// Validate checks transaction structure and basic rules. It does NOT check
// UTXO existence or nonce continuity (those require chain state).
func (t *Transaction) Validate() error {
	if !t.Type.IsValid() {
		return fmt.Errorf("%w: %d", ErrInvalidTxType, t.Type)
	}
	if len(t.Outputs) == 0 {
		return ErrNoOutputs
	}
	if len(t.Inputs) > config.MaxTxInputs {
		return fmt.Errorf("%w: %d inputs, max %d", ErrTooManyInputs, len(t.Inputs), config.MaxTxInputs)
	}
	if len(t.Outputs) > config.MaxTxOutputs {
		return fmt.Errorf("%w: %d outputs, max %d", ErrTooManyOutputs, len(t.Outputs), config.MaxTxOutputs)
	}
	if len(t.Metadata) > config.MaxScriptData {
		return fmt.Errorf("%w: %d bytes, max %d", ErrMetadataTooLarge, len(t.Metadata), config.MaxScriptData)
	}

	if t.IsCoinbase() {
		if !t.Sender.IsZero() {
			return ErrCoinbaseHasSender
		}
	} else {
		if len(t.Inputs) == 0 {
			return ErrNonCoinbaseNoInput
		}
		if len(t.PubKey) == 0 {
			return ErrMissingPubKey
		}
		if len(t.Signature) == 0 {
			return ErrMissingSig
		}
		if crypto.DeriveAddress(t.PubKey) != t.Sender {
			return ErrSenderMismatch
		}
	}

	seen := make(map[types.Outpoint]bool, len(t.Inputs))
	for i, in := range t.Inputs {
		if seen[in.PrevOut] {
			return fmt.Errorf("input %d: %w", i, ErrDuplicateInput)
		}
		seen[in.PrevOut] = true
	}

	var totalOutput uint64
	for i, out := range t.Outputs {
		if out.Amount == 0 {
			return fmt.Errorf("output %d: %w", i, ErrZeroOutput)
		}
		if totalOutput > math.MaxUint64-out.Amount {
			return fmt.Errorf("output %d: %w", i, ErrOutputOverflow)
		}
		totalOutput += out.Amount
	}

	return nil
}

// VerifySignature checks that the transaction's signature is valid for its
// sender's public key. Coinbase transactions carry no signature.
func (t *Transaction) VerifySignature() error {
	if t.IsCoinbase() {
		return nil
	}
	hash := t.Hash()
	if !crypto.VerifySignature(hash[:], t.Signature, t.PubKey) {
		return ErrInvalidSig
	}
	return nil
}
