package blockchain

import "github.com/Klingon-tech/klingnet-chain/pkg/types"

// AddBlockStatus classifies the outcome of AddBlock beyond a plain
// error: internal/chain.ProcessBlock folds "stashed as orphan" and
// "stored as a non-adopted fork" into a nil error, so AddBlock derives
// the precise outcome by diffing chain state across the call.
type AddBlockStatus int

const (
	// StatusRejected means the block failed validation; the
	// accompanying error carries the reason and no state changed.
	StatusRejected AddBlockStatus = iota
	// StatusExtended means the block became the new tip by directly
	// extending the previous one.
	StatusExtended
	// StatusForked means the block was accepted onto a side branch:
	// either it became the new tip via a reorg, or it is stored
	// awaiting more work before its branch can overtake the active one.
	StatusForked
	// StatusOrphaned means the block's parent is not yet known; it is
	// held until the parent arrives.
	StatusOrphaned
	// StatusAlreadyHave means the block (by hash) was already known.
	StatusAlreadyHave
)

func (s AddBlockStatus) String() string {
	switch s {
	case StatusExtended:
		return "extended"
	case StatusForked:
		return "forked"
	case StatusOrphaned:
		return "orphaned"
	case StatusAlreadyHave:
		return "already_have"
	default:
		return "rejected"
	}
}

// Stats is the get_stats() snapshot: a point-in-time view of chain and
// mempool health.
type Stats struct {
	Height          uint64
	Difficulty      uint64
	MempoolSize     int
	Supply          uint64
	FinalizedHeight uint64
}

// Snapshot is the get_state_snapshot() view: enough to let a peer or
// auditor verify this node's state without replaying the whole chain.
type Snapshot struct {
	Height       uint64
	Tip          types.Hash
	UTXODigest   types.Hash
	PendingCount int
	Timestamp    uint64
}
