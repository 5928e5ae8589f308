package tx

// EstimateTxFee returns the minimum fee for a transaction with the given
// number of inputs and outputs at the given fee rate (base units per byte).
//
// The estimate is based on the sizeBytes layout:
//
//	version(4) + type(1) + sender(20) + nonce(8) +
//	inputCount(4) + inputs(36*n) + outputCount(4) + outputs(28*n) +
//	fee(8) + locktime(8) + rbf(1) + replacesTxID(32) + metadataLen(4)
func EstimateTxFee(numInputs, numOutputs int, feeRate uint64) uint64 {
	const overhead = 4 + 1 + 20 + 8 + 4 + 4 + 8 + 8 + 1 + 32 + 4
	const perInput = 32 + 4  // txID + index
	const perOutput = 20 + 8 // address + amount

	size := overhead + perInput*numInputs + perOutput*numOutputs
	return uint64(size) * feeRate
}

// RequiredFee returns the exact minimum fee for a fully built transaction
// at the given fee rate (base units per byte of its size encoding).
func RequiredFee(transaction *Transaction, feeRate uint64) uint64 {
	return uint64(transaction.SizeBytes()) * feeRate
}

// FeeRate returns the transaction's fee per byte, using its declared Fee
// and size. Used by the mempool to prioritize transactions. Returns 0 for
// zero-size (should not happen for a valid transaction).
func (t *Transaction) FeeRate() float64 {
	size := t.SizeBytes()
	if size == 0 {
		return 0
	}
	return float64(t.Fee) / float64(size)
}
