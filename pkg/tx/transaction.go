// Package tx defines transaction types and validation.
package tx

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"

	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Transaction represents a node transaction. It carries a hybrid model:
// UTXO inputs/outputs for value transfer, plus a per-sender monotonic
// Nonce for account-style replay protection. Only Transfer and Coinbase
// transactions affect chain balances; the remaining TxTypes carry an
// opaque Metadata payload the node core stores and orders but never
// interprets.
type Transaction struct {
	Version      uint32        `json:"version"`
	Type         types.TxType  `json:"type"`
	Sender       types.Address `json:"sender"` // zero address for coinbase
	Nonce        uint64        `json:"nonce"`  // sender's account nonce; 0 for coinbase
	Inputs       []Input       `json:"inputs,omitempty"`
	Outputs      []Output      `json:"outputs"`
	Fee          uint64        `json:"fee"`
	LockTime     uint64        `json:"locktime"`
	RBFEnabled   bool          `json:"rbf_enabled,omitempty"`
	ReplacesTxID types.Hash    `json:"replaces_txid,omitempty"` // zero if this tx does not replace another
	Metadata     []byte        `json:"metadata,omitempty"`
	PubKey       []byte        `json:"pubkey,omitempty"`
	Signature    []byte        `json:"signature,omitempty"`
}

// Input references a UTXO being spent.
type Input struct {
	PrevOut types.Outpoint `json:"prevout"`
}

// Output pays an amount to an address.
type Output struct {
	Address types.Address `json:"address"`
	Amount  uint64        `json:"amount"`
}

// txIDPayload is the canonical, signature-excluding projection of a
// Transaction used to derive its identity hash. Field order is fixed by
// struct declaration, which is what makes the JSON encoding canonical.
type txIDPayload struct {
	Version      uint32        `json:"version"`
	Type         types.TxType  `json:"type"`
	Sender       types.Address `json:"sender"`
	Nonce        uint64        `json:"nonce"`
	Inputs       []Input       `json:"inputs,omitempty"`
	Outputs      []Output      `json:"outputs"`
	Fee          uint64        `json:"fee"`
	LockTime     uint64        `json:"locktime"`
	RBFEnabled   bool          `json:"rbf_enabled,omitempty"`
	ReplacesTxID types.Hash    `json:"replaces_txid,omitempty"`
	Metadata     []byte        `json:"metadata,omitempty"`
	PubKey       []byte        `json:"pubkey,omitempty"`
}

// transactionJSON is the wire representation with hex-encoded byte fields.
type transactionJSON struct {
	Version      uint32        `json:"version"`
	Type         types.TxType  `json:"type"`
	Sender       types.Address `json:"sender"`
	Nonce        uint64        `json:"nonce"`
	Inputs       []Input       `json:"inputs,omitempty"`
	Outputs      []Output      `json:"outputs"`
	Fee          uint64        `json:"fee"`
	LockTime     uint64        `json:"locktime"`
	RBFEnabled   bool          `json:"rbf_enabled,omitempty"`
	ReplacesTxID types.Hash    `json:"replaces_txid,omitempty"`
	Metadata     string        `json:"metadata,omitempty"`
	PubKey       string        `json:"pubkey,omitempty"`
	Signature    string        `json:"signature,omitempty"`
}

// MarshalJSON encodes the transaction with hex-encoded byte fields.
func (t *Transaction) MarshalJSON() ([]byte, error) {
	j := transactionJSON{
		Version:      t.Version,
		Type:         t.Type,
		Sender:       t.Sender,
		Nonce:        t.Nonce,
		Inputs:       t.Inputs,
		Outputs:      t.Outputs,
		Fee:          t.Fee,
		LockTime:     t.LockTime,
		RBFEnabled:   t.RBFEnabled,
		ReplacesTxID: t.ReplacesTxID,
	}
	if t.Metadata != nil {
		j.Metadata = hex.EncodeToString(t.Metadata)
	}
	if t.PubKey != nil {
		j.PubKey = hex.EncodeToString(t.PubKey)
	}
	if t.Signature != nil {
		j.Signature = hex.EncodeToString(t.Signature)
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes a transaction with hex-encoded byte fields.
func (t *Transaction) UnmarshalJSON(data []byte) error {
	var j transactionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	t.Version = j.Version
	t.Type = j.Type
	t.Sender = j.Sender
	t.Nonce = j.Nonce
	t.Inputs = j.Inputs
	t.Outputs = j.Outputs
	t.Fee = j.Fee
	t.LockTime = j.LockTime
	t.RBFEnabled = j.RBFEnabled
	t.ReplacesTxID = j.ReplacesTxID
	if j.Metadata != "" {
		b, err := hex.DecodeString(j.Metadata)
		if err != nil {
			return err
		}
		t.Metadata = b
	}
	if j.PubKey != "" {
		b, err := hex.DecodeString(j.PubKey)
		if err != nil {
			return err
		}
		t.PubKey = b
	}
	if j.Signature != "" {
		b, err := hex.DecodeString(j.Signature)
		if err != nil {
			return err
		}
		t.Signature = b
	}
	return nil
}

// Hash computes the transaction ID: SHA-256 of the canonical JSON encoding
// of every field except the signature.
func (t *Transaction) Hash() types.Hash {
	payload := txIDPayload{
		Version:      t.Version,
		Type:         t.Type,
		Sender:       t.Sender,
		Nonce:        t.Nonce,
		Inputs:       t.Inputs,
		Outputs:      t.Outputs,
		Fee:          t.Fee,
		LockTime:     t.LockTime,
		RBFEnabled:   t.RBFEnabled,
		ReplacesTxID: t.ReplacesTxID,
		Metadata:     t.Metadata,
		PubKey:       t.PubKey,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		// json.Marshal only fails on unsupported types (channels, funcs);
		// txIDPayload contains none, so this is unreachable in practice.
		panic(fmt.Sprintf("tx: marshal id payload: %v", err))
	}
	return crypto.Hash(b)
}

// sizeBytes returns a binary, signature-excluding encoding of the
// transaction used only to estimate wire size for fee-rate calculations.
// It is not a consensus-critical identity hash.
func (t *Transaction) sizeBytes() []byte {
	buf := make([]byte, 0, 64)
	buf = binary.LittleEndian.AppendUint32(buf, t.Version)
	buf = append(buf, byte(t.Type))
	buf = append(buf, t.Sender[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, t.Nonce)

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(t.Inputs)))
	for _, in := range t.Inputs {
		buf = append(buf, in.PrevOut.TxID[:]...)
		buf = binary.LittleEndian.AppendUint32(buf, in.PrevOut.Index)
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(t.Outputs)))
	for _, out := range t.Outputs {
		buf = append(buf, out.Address[:]...)
		buf = binary.LittleEndian.AppendUint64(buf, out.Amount)
	}

	buf = binary.LittleEndian.AppendUint64(buf, t.Fee)
	buf = binary.LittleEndian.AppendUint64(buf, t.LockTime)
	if t.RBFEnabled {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, t.ReplacesTxID[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(t.Metadata)))
	buf = append(buf, t.Metadata...)
	return buf
}

// SizeBytes returns the number of bytes used to estimate this
// transaction's wire size for fee-rate calculations.
func (t *Transaction) SizeBytes() int {
	return len(t.sizeBytes())
}

// TotalOutputValue returns the sum of all output amounts.
// Returns an error if the sum overflows uint64.
func (t *Transaction) TotalOutputValue() (uint64, error) {
	var total uint64
	for _, out := range t.Outputs {
		if total > math.MaxUint64-out.Amount {
			return 0, fmt.Errorf("output value overflow")
		}
		total += out.Amount
	}
	return total, nil
}

// IsCoinbase reports whether this is a block-reward transaction: a
// Coinbase-typed transaction with the single zero-outpoint input every
// coinbase in this tree carries (see internal/miner.BuildCoinbase and
// internal/chain.CreateGenesisBlock).
func (t *Transaction) IsCoinbase() bool {
	return t.Type == types.TxCoinbase && len(t.Inputs) == 1 && t.Inputs[0].PrevOut.IsZero()
}
