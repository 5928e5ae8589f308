// Package events defines the node's outward notification contracts: the
// interfaces the blockchain facade invokes after a block is mined,
// finalized, rejected from the mempool, or a reorg commits. Consumers
// (RPC servers, telemetry exporters, slashing enforcement) register a
// Listener rather than polling chain state.
package events

import (
	"github.com/Klingon-tech/klingnet-chain/internal/finality"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// BlockMinedEvent reports a block that newly extends the active tip,
// whether produced locally or accepted from a peer.
type BlockMinedEvent struct {
	Block  *block.Block
	Height uint64
}

// BlockFinalizedEvent reports a block whose header reached a finality
// quorum certificate.
type BlockFinalizedEvent struct {
	Hash   types.Hash
	Height uint64
}

// MempoolRejectedEvent reports a transaction the mempool refused to admit.
type MempoolRejectedEvent struct {
	Tx     *tx.Transaction
	Reason error
}

// ReorgCommittedEvent reports a completed chain reorganization.
type ReorgCommittedEvent struct {
	OldTip     types.Hash
	NewTip     types.Hash
	ForkHeight uint64
	Depth      uint64
}

// Listener receives node lifecycle notifications. Implementations must
// not block: the chain and mempool invoke these synchronously on their
// own critical paths, mirroring the handler-callback idiom used
// elsewhere in the node core rather than an async event bus.
type Listener interface {
	OnBlockMined(evt BlockMinedEvent)
	OnBlockFinalized(evt BlockFinalizedEvent)
	OnMempoolRejected(evt MempoolRejectedEvent)
	OnReorgCommitted(evt ReorgCommittedEvent)
}

// TelemetrySink receives lightweight operational counters and gauges
// for export to an external metrics collector.
type TelemetrySink interface {
	IncCounter(name string, delta int64)
	ObserveValue(name string, value float64)
}

// SlashingSink is re-exported from internal/finality so code that only
// needs the events package can wire misbehavior handling without a
// direct import of internal/finality.
type SlashingSink = finality.SlashingSink
