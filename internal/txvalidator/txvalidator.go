// Package txvalidator performs stateful transaction validation: the
// checks that need UTXO set and nonce tracker state rather than just the
// transaction's own bytes. Structural validation stays on
// pkg/tx.Transaction (Validate, VerifySignature); this package is the
// thin seam the rest of the node core calls through instead of reaching
// into pkg/tx directly, so the admission path (mempool, block replay)
// and RPC-facing preflight checks share one entry point.
package txvalidator

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Validator checks a transaction against UTXO and nonce state.
type Validator struct {
	utxos  tx.UTXOProvider
	nonces tx.NonceProvider
}

// New creates a stateful validator over the given UTXO and nonce views.
func New(utxos tx.UTXOProvider, nonces tx.NonceProvider) *Validator {
	return &Validator{utxos: utxos, nonces: nonces}
}

// Check runs full stateful validation (ownership, signature, nonce
// continuity, fee conservation) and returns the transaction's fee.
func (v *Validator) Check(transaction *tx.Transaction) (uint64, error) {
	return transaction.ValidateWithState(v.utxos, v.nonces)
}

// CanReplace reports whether replacement is eligible to evict existing
// under the replace-by-fee rule, matching internal/mempool.Pool.Add's
// eligibility check: existing must have opted in with rbf_enabled,
// replacement must name existing in replaces_txid, both must share a
// sender, replacement must spend a superset of existing's inputs, and
// replacement's fee must exceed existing's fee by more than minBump.
func CanReplace(existing, replacement *tx.Transaction, existingFee, replacementFee, minBump uint64) bool {
	if !existing.RBFEnabled {
		return false
	}
	if replacement.ReplacesTxID != existing.Hash() {
		return false
	}
	if replacement.Sender != existing.Sender {
		return false
	}
	have := make(map[types.Outpoint]bool, len(replacement.Inputs))
	for _, in := range replacement.Inputs {
		have[in.PrevOut] = true
	}
	for _, in := range existing.Inputs {
		if !have[in.PrevOut] {
			return false
		}
	}
	return replacementFee > existingFee+minBump
}

// ErrNotEligible is returned by a caller-side RBF preflight when a
// proposed replacement does not clear CanReplace; kept here so callers
// outside internal/mempool can report the same failure without
// depending on mempool's internal error variable.
var ErrNotEligible = fmt.Errorf("replacement transaction is not eligible to replace the conflicting transaction")
