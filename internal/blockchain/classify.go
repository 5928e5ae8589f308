package blockchain

import (
	"errors"

	"github.com/Klingon-tech/klingnet-chain/internal/chain"
	"github.com/Klingon-tech/klingnet-chain/internal/consensus"
	"github.com/Klingon-tech/klingnet-chain/internal/errkind"
	"github.com/Klingon-tech/klingnet-chain/internal/finality"
	"github.com/Klingon-tech/klingnet-chain/internal/mempool"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
)

// classifyTxRejection maps a SubmitTransaction failure to one of the
// node's error kinds (spec kinds: Structural, Crypto, Economic, State,
// Policy) and reports whether the rejection indicates the sender
// attempted fraud rather than an honest, transient admission failure —
// the signal the facade uses to decide whether to strike the sender.
func classifyTxRejection(err error) (errkind.Kind, bool) {
	switch {
	case errors.Is(err, mempool.ErrSenderBanned):
		return errkind.Policy, false
	case errors.Is(err, mempool.ErrAlreadyExists):
		return errkind.Policy, false
	case errors.Is(err, mempool.ErrPoolFull):
		return errkind.Policy, false
	case errors.Is(err, mempool.ErrSenderCapExceeded):
		return errkind.Policy, false
	case errors.Is(err, mempool.ErrFeeTooLow):
		return errkind.Policy, false
	case errors.Is(err, mempool.ErrRBFNotHigherFee):
		return errkind.Policy, false
	case errors.Is(err, mempool.ErrCoinbaseNotMature):
		return errkind.Economic, false
	case errors.Is(err, tx.ErrInvalidSig), errors.Is(err, tx.ErrMissingSig), errors.Is(err, tx.ErrMissingPubKey):
		return errkind.Crypto, true
	case errors.Is(err, tx.ErrSenderMismatch), errors.Is(err, tx.ErrCoinbaseHasSender):
		return errkind.Crypto, true
	case errors.Is(err, tx.ErrNonceMismatch):
		return errkind.State, false
	case errors.Is(err, tx.ErrInputNotFound):
		return errkind.State, true
	case errors.Is(err, tx.ErrInsufficientFee), errors.Is(err, tx.ErrInputOverflow), errors.Is(err, tx.ErrOutputOverflow):
		return errkind.Economic, true
	case errors.Is(err, mempool.ErrValidation):
		return errkind.Structural, false
	default:
		return errkind.Structural, false
	}
}

// classifyVoteRejection maps a SubmitFinalityVote failure to one of the
// node's error kinds.
func classifyVoteRejection(err error) errkind.Kind {
	switch {
	case errors.Is(err, finality.ErrUnknownValidator):
		return errkind.Policy
	case errors.Is(err, finality.ErrInvalidVoteSig):
		return errkind.Crypto
	case errors.Is(err, finality.ErrDuplicateVote):
		return errkind.Policy
	case errors.Is(err, finality.ErrNoValidators):
		return errkind.Configuration
	default:
		return errkind.Structural
	}
}

// classifyBlockRejection maps an AddBlock failure to one of the node's
// error kinds.
func classifyBlockRejection(err error) errkind.Kind {
	switch {
	case errors.Is(err, chain.ErrReorgTooDeep), errors.Is(err, chain.ErrGenesisReorg),
		errors.Is(err, chain.ErrReorgBelowFinalized), errors.Is(err, chain.ErrReorgBelowCheckpoint),
		errors.Is(err, chain.ErrForkDetected):
		return errkind.Fork
	case errors.Is(err, consensus.ErrInsufficientWork), errors.Is(err, consensus.ErrBadDifficulty),
		errors.Is(err, consensus.ErrZeroDifficulty):
		return errkind.Crypto
	case errors.Is(err, chain.ErrCoinbaseRewardExceeded):
		return errkind.Economic
	case errors.Is(err, chain.ErrCoinbaseNotMature):
		return errkind.Economic
	case errors.Is(err, chain.ErrBadHeight), errors.Is(err, chain.ErrBadPrevHash), errors.Is(err, chain.ErrBadCoinbaseTx):
		return errkind.Structural
	case errors.Is(err, block.ErrBadMerkleRoot), errors.Is(err, block.ErrBadTxOrder):
		return errkind.Structural
	case errors.Is(err, finality.ErrUnknownValidator):
		return errkind.Configuration
	default:
		return errkind.Structural
	}
}
