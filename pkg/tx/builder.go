package tx

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Builder constructs transactions incrementally.
type Builder struct {
	tx *Transaction
}

// NewBuilder creates a new transaction builder for the given sender and
// account nonce.
func NewBuilder(txType types.TxType, sender types.Address, nonce uint64) *Builder {
	return &Builder{
		tx: &Transaction{
			Version: 1,
			Type:    txType,
			Sender:  sender,
			Nonce:   nonce,
		},
	}
}

// AddInput adds an input referencing a previous output.
func (b *Builder) AddInput(prevOut types.Outpoint) *Builder {
	b.tx.Inputs = append(b.tx.Inputs, Input{PrevOut: prevOut})
	return b
}

// AddOutput adds an output paying amount to address.
func (b *Builder) AddOutput(address types.Address, amount uint64) *Builder {
	b.tx.Outputs = append(b.tx.Outputs, Output{Address: address, Amount: amount})
	return b
}

// SetFee sets the declared transaction fee.
func (b *Builder) SetFee(fee uint64) *Builder {
	b.tx.Fee = fee
	return b
}

// SetLockTime sets the transaction lock time.
func (b *Builder) SetLockTime(lockTime uint64) *Builder {
	b.tx.LockTime = lockTime
	return b
}

// SetRBFEnabled opts this transaction in to being replaced by a
// higher-fee transaction that sets ReplacesTxID to its hash. Replacement
// is only possible when the original carries this opt-in.
func (b *Builder) SetRBFEnabled(enabled bool) *Builder {
	b.tx.RBFEnabled = enabled
	return b
}

// SetReplacesTxID marks this transaction as a replace-by-fee replacement
// for the transaction identified by txid.
func (b *Builder) SetReplacesTxID(txid types.Hash) *Builder {
	b.tx.ReplacesTxID = txid
	return b
}

// SetMetadata attaches an opaque payload (governance proposal, contract
// call data). Only meaningful for Governance/ContractCall transaction types.
func (b *Builder) SetMetadata(data []byte) *Builder {
	b.tx.Metadata = data
	return b
}

// Sign signs the transaction with the sender's private key.
func (b *Builder) Sign(key *crypto.PrivateKey) error {
	b.tx.PubKey = key.PublicKey()
	hash := b.tx.Hash()
	sig, err := key.Sign(hash[:])
	if err != nil {
		return fmt.Errorf("sign tx: %w", err)
	}
	b.tx.Signature = sig
	return nil
}

// Build returns the constructed transaction.
// Does NOT validate — call tx.Validate() separately.
func (b *Builder) Build() *Transaction {
	return b.tx
}
