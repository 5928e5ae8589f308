// Package blockchain provides the facade that owns every node-core
// component (storage, UTXO set, nonce tracker, mempool, consensus
// engine, fork/reorg manager, finality manager, checkpoint manager,
// address index) and exposes the small set of operations external
// collaborators — RPC servers, P2P block/tx relays, wallets — drive the
// core through. It is the single entry point a binary embeds; it does
// not itself speak any wire protocol.
package blockchain

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/internal/addrindex"
	"github.com/Klingon-tech/klingnet-chain/internal/chain"
	"github.com/Klingon-tech/klingnet-chain/internal/checkpoint"
	"github.com/Klingon-tech/klingnet-chain/internal/consensus"
	"github.com/Klingon-tech/klingnet-chain/internal/errkind"
	"github.com/Klingon-tech/klingnet-chain/internal/events"
	"github.com/Klingon-tech/klingnet-chain/internal/finality"
	klog "github.com/Klingon-tech/klingnet-chain/internal/log"
	"github.com/Klingon-tech/klingnet-chain/internal/mempool"
	"github.com/Klingon-tech/klingnet-chain/internal/nonce"
	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/internal/txvalidator"
	"github.com/Klingon-tech/klingnet-chain/internal/utxo"
	"github.com/Klingon-tech/klingnet-chain/internal/walfile"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
	"github.com/rs/zerolog"
)

// addressedSet is satisfied by any UTXO set that also indexes by owner,
// i.e. *utxo.Store and *utxo.MemSet. It is not part of utxo.Set itself
// since an in-memory snapshot used only for validation need not carry
// the address secondary index.
type addressedSet interface {
	GetByAddress(addr types.Address) ([]*utxo.UTXO, error)
}

// Blockchain owns every node-core component and is the sole entry point
// external collaborators drive the core through. Construct with New and
// release resources with Close.
type Blockchain struct {
	cfg     *config.Config
	genesis *config.Genesis
	logger  zerolog.Logger

	blocksDB storage.DB
	utxoDB   storage.DB
	indexDB  storage.DB // Backs both nonceDB and addrDB via storage.PrefixDB.
	nonceDB  storage.DB
	addrDB   storage.DB

	utxoStore *utxo.Store
	nonces    *nonce.Tracker
	locker    *utxo.Locker
	addrIndex *addrindex.Index
	wal       *walfile.File
	engine    *consensus.PoW

	chain       *chain.Chain
	pool        *mempool.Pool
	validator   *txvalidator.Validator
	checkpoints *checkpoint.Manager
	finalityMgr *finality.Manager

	listener  events.Listener
	telemetry events.TelemetrySink
}

// New wires every node-core component from cfg and genesis and returns a
// ready-to-use facade. If the underlying chain is empty, it is
// initialized from genesis. Grounded on the teacher's
// internal/node.Node.New wiring order (storage, stores, consensus
// engine, chain, mempool), trimmed of the P2P/RPC/mining steps that lie
// outside this repository's scope.
func New(cfg *config.Config, genesis *config.Genesis) (*Blockchain, error) {
	logFile := cfg.Log.File
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0o755); err != nil {
			return nil, errkind.Wrap(errkind.Configuration, fmt.Errorf("creating logs dir: %w", err))
		}
		logFile = logsDir + "/klingnet.log"
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, errkind.Wrap(errkind.Configuration, fmt.Errorf("initializing logger: %w", err))
	}
	logger := klog.Blockchain

	if err := genesis.Validate(); err != nil {
		return nil, errkind.Wrap(errkind.Configuration, fmt.Errorf("invalid genesis: %w", err))
	}

	blocksDB, err := storage.NewBadger(cfg.BlocksDir())
	if err != nil {
		return nil, errkind.Wrap(errkind.Storage, fmt.Errorf("open block store: %w", err))
	}
	utxoDB, err := storage.NewBadger(cfg.UTXODir())
	if err != nil {
		blocksDB.Close()
		return nil, errkind.Wrap(errkind.Storage, fmt.Errorf("open utxo store: %w", err))
	}
	// Nonce tracking and the address index are both small, low-volume
	// secondary indexes, so they share one underlying Badger store
	// instead of each paying for their own directory; storage.PrefixDB
	// namespaces them within it.
	indexDB, err := storage.NewBadger(cfg.NonceDir())
	if err != nil {
		blocksDB.Close()
		utxoDB.Close()
		return nil, errkind.Wrap(errkind.Storage, fmt.Errorf("open index store: %w", err))
	}
	nonceDB := storage.NewPrefixDB(indexDB, []byte("nonce/"))
	addrDB := storage.NewPrefixDB(indexDB, []byte("addr/"))

	closeAll := func() {
		blocksDB.Close()
		utxoDB.Close()
		indexDB.Close()
	}

	utxoStore := utxo.NewStore(utxoDB)
	nonces := nonce.NewTracker(nonceDB)
	addrIdx := addrindex.New(addrDB)
	locker := utxo.NewLocker()
	wal := walfile.New(cfg.WALPath())

	rules := genesis.Protocol.Consensus
	engine, err := consensus.NewPoW(rules.InitialDifficulty, rules.DifficultyAdjust, rules.BlockTime)
	if err != nil {
		closeAll()
		return nil, errkind.Wrap(errkind.Configuration, fmt.Errorf("create consensus engine: %w", err))
	}
	engine.MaxDifficultyChange = rules.MaxDifficultyChange

	ch, err := chain.New(types.ChainID{}, blocksDB, utxoStore, nonces, wal, engine)
	if err != nil {
		closeAll()
		return nil, errkind.Wrap(errkind.Storage, fmt.Errorf("create chain: %w", err))
	}
	ch.SetConsensusRules(rules)

	// DifficultyFn closes over the chain to answer "what difficulty
	// should height H carry" from confirmed block history, the same
	// computation ExpectedDifficulty/VerifyDifficulty perform on the
	// admission path.
	engine.DifficultyFn = func(height uint64) uint64 {
		var prevDifficulty uint64
		if height > 1 {
			if prevBlk, err := ch.GetBlockByHeight(height - 1); err == nil {
				prevDifficulty = prevBlk.Header.Difficulty
			}
		}
		return engine.ExpectedDifficulty(height, prevDifficulty, func(h uint64) (uint64, error) {
			blk, err := ch.GetBlockByHeight(h)
			if err != nil {
				return 0, err
			}
			return blk.Header.Timestamp, nil
		})
	}

	ch.SetAddressIndex(addrIdx)
	if ch.RecoveredFromWAL() {
		if err := addrIdx.Clear(); err != nil {
			closeAll()
			return nil, errkind.Wrap(errkind.Storage, fmt.Errorf("clear address index after wal recovery: %w", err))
		}
		if err := ch.RebuildAddressIndex(); err != nil {
			closeAll()
			return nil, errkind.Wrap(errkind.Storage, fmt.Errorf("rebuild address index after wal recovery: %w", err))
		}
		logger.Warn().Msg("recovered from an interrupted reorg; UTXO and address index rebuilt")
	}

	checkpoints := checkpoint.NewManager(cfg.CheckpointDir(), rules.CheckpointInterval, rules.MaxCheckpoints)
	ch.SetCheckpointManager(checkpoints)

	var finalityMgr *finality.Manager
	if len(rules.Validators) > 0 {
		validators := make([]finality.Validator, 0, len(rules.Validators))
		for _, vg := range rules.Validators {
			addr, err := types.ParseAddress(vg.Address)
			if err != nil {
				closeAll()
				return nil, errkind.Wrap(errkind.Configuration, fmt.Errorf("validator address %q: %w", vg.Address, err))
			}
			pub, err := hex.DecodeString(vg.PublicKey)
			if err != nil {
				closeAll()
				return nil, errkind.Wrap(errkind.Configuration, fmt.Errorf("validator pubkey %q: %w", vg.PublicKey, err))
			}
			validators = append(validators, finality.Validator{
				Address: addr, PubKey: pub, VotingPower: vg.VotingPower,
			})
		}
		quorum := rules.FinalityQuorumThreshold
		if quorum <= 0 {
			quorum = finality.DefaultQuorumThreshold
		}
		finalityMgr, err = finality.NewManager(validators, quorum)
		if err != nil {
			closeAll()
			return nil, errkind.Wrap(errkind.Configuration, fmt.Errorf("create finality manager: %w", err))
		}
		ch.SetFinalityManager(finalityMgr)
	}

	if ch.State().IsGenesis() {
		if err := ch.InitFromGenesis(genesis); err != nil {
			closeAll()
			return nil, errkind.Wrap(errkind.Storage, fmt.Errorf("init from genesis: %w", err))
		}
		logger.Info().Str("chain_id", genesis.ChainID).Msg("chain initialized from genesis")
	} else {
		logger.Info().
			Uint64("height", ch.Height()).
			Str("tip", ch.TipHash().String()).
			Msg("chain resumed from database")
	}

	pool := mempool.New(utxoStore, nonces, cfg.Mempool.MaxSize)
	pool.SetMinFeeRate(rules.MinFeeRate)
	pool.SetCoinbaseMaturity(config.CoinbaseMaturity, ch.Height, utxoStore)
	if cfg.Mempool.SenderCap > 0 {
		pool.SetSenderCap(cfg.Mempool.SenderCap)
	}
	if cfg.Mempool.TTLSecs > 0 {
		pool.SetTTL(time.Duration(cfg.Mempool.TTLSecs) * time.Second)
	}
	pool.SetRBFMinBump(cfg.Mempool.RBFMinBump)

	bc := &Blockchain{
		cfg:         cfg,
		genesis:     genesis,
		logger:      logger,
		blocksDB:    blocksDB,
		utxoDB:      utxoDB,
		indexDB:     indexDB,
		nonceDB:     nonceDB,
		addrDB:      addrDB,
		utxoStore:   utxoStore,
		nonces:      nonces,
		locker:      locker,
		addrIndex:   addrIdx,
		wal:         wal,
		engine:      engine,
		chain:       ch,
		pool:        pool,
		validator:   txvalidator.New(utxoStore, nonces),
		checkpoints: checkpoints,
		finalityMgr: finalityMgr,
	}

	ch.SetRevertedTxHandler(bc.onRevertedTxs)

	return bc, nil
}

// Close releases every database the facade opened. Safe to call once,
// after which the Blockchain must not be used.
func (bc *Blockchain) Close() error {
	var firstErr error
	// nonceDB and addrDB are storage.PrefixDB views over indexDB; their
	// Close is a no-op, so only the underlying stores need closing.
	for _, d := range []storage.DB{bc.blocksDB, bc.utxoDB, bc.indexDB} {
		if err := d.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SetListener registers the callback invoked for block_mined,
// block_finalized, mempool_rejected, and reorg_committed. Pass nil to
// disable (the default).
func (bc *Blockchain) SetListener(l events.Listener) {
	bc.listener = l
	bc.chain.SetListener(l)
}

// SetTelemetrySink registers the counters/gauges sink. Pass nil to
// disable (the default).
func (bc *Blockchain) SetTelemetrySink(s events.TelemetrySink) {
	bc.telemetry = s
}

// onRevertedTxs is the chain's RevertedTxHandler: transactions from
// blocks undone by a reorg are re-offered to the mempool since they may
// still be valid against the new tip.
func (bc *Blockchain) onRevertedTxs(txs []*tx.Transaction) {
	for _, t := range txs {
		if _, err := bc.pool.Add(t); err != nil {
			bc.logger.Debug().Err(err).Str("tx", t.Hash().String()).Msg("reverted transaction not re-admitted")
		}
	}
}

// incCounter is a nil-safe telemetry helper.
func (bc *Blockchain) incCounter(name string, delta int64) {
	if bc.telemetry != nil {
		bc.telemetry.IncCounter(name, delta)
	}
}
