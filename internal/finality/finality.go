// Package finality implements BFT-style finality on top of a PoW chain:
// validators cast weighted votes for block headers, and once a block's
// aggregated voting power crosses a quorum threshold it is sealed with a
// finality certificate that bounds how deep a future reorg may go.
package finality

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// DefaultQuorumThreshold is the fraction of total voting power required
// to finalize a block when the manager is not configured with one
// explicitly.
const DefaultQuorumThreshold = 0.67

// Finality errors.
var (
	ErrUnknownValidator = errors.New("validator is not in the finality set")
	ErrInvalidVoteSig   = errors.New("vote signature does not verify against validator's key")
	ErrNoValidators     = errors.New("no validators configured")
	ErrDuplicateVote    = errors.New("validator already voted for this block at this height")
)

// Validator is a finality participant: an address/pubkey pair with a
// weighted vote.
type Validator struct {
	Address     types.Address
	PubKey      []byte
	VotingPower uint64
}

// SlashingEvent describes detected misbehavior: a validator that signed
// two conflicting headers at the same height.
type SlashingEvent struct {
	Validator types.Address
	Height    uint64
	Evidence  [2]*block.Header
}

// SlashingSink receives misbehavior evidence for external enforcement
// (e.g. removing the validator's stake). Mirrors the teacher's
// callback-handle idiom rather than introducing an event-bus dependency.
type SlashingSink interface {
	OnMisbehavior(evt SlashingEvent)
}

// Certificate attests that a block reached quorum: enough validators, by
// weighted power, signed its header.
type Certificate struct {
	BlockHash  types.Hash
	Height     uint64
	Power      uint64
	TotalPower uint64
	Signatures map[types.Address][]byte
}

// recordedVote is a validator's vote together with the header it signed,
// kept for double-vote evidence.
type recordedVote struct {
	header    *block.Header
	signature []byte
}

// Manager aggregates validator votes into finality certificates.
type Manager struct {
	mu sync.RWMutex

	validators map[types.Address]Validator
	totalPower uint64
	quorum     float64

	// votes[blockHash][validatorAddr] = recordedVote
	votes map[types.Hash]map[types.Address]recordedVote

	// votedHeight[validatorAddr][height] = blockHash the validator voted
	// for at that height, used to detect double-voting.
	votedHeight map[types.Address]map[uint64]types.Hash
	// votedHeader mirrors votedHeight but keeps the header, for evidence.
	votedHeader map[types.Address]map[uint64]*block.Header

	certByHash   map[types.Hash]*Certificate
	certByHeight map[uint64]*Certificate

	finalizedHeight uint64

	sink SlashingSink
}

// NewManager creates a finality manager over the given validator set.
// quorum of 0 defaults to DefaultQuorumThreshold.
func NewManager(validators []Validator, quorum float64) (*Manager, error) {
	if len(validators) == 0 {
		return nil, ErrNoValidators
	}
	if quorum <= 0 {
		quorum = DefaultQuorumThreshold
	}
	m := &Manager{
		validators:   make(map[types.Address]Validator, len(validators)),
		quorum:       quorum,
		votes:        make(map[types.Hash]map[types.Address]recordedVote),
		votedHeight:  make(map[types.Address]map[uint64]types.Hash),
		votedHeader:  make(map[types.Address]map[uint64]*block.Header),
		certByHash:   make(map[types.Hash]*Certificate),
		certByHeight: make(map[uint64]*Certificate),
	}
	for _, v := range validators {
		m.validators[v.Address] = v
		m.totalPower += v.VotingPower
	}
	return m, nil
}

// SetSlashingSink registers the callback invoked on detected misbehavior.
func (m *Manager) SetSlashingSink(sink SlashingSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = sink
}

// AddValidator adds or updates a validator's entry and recomputes total power.
func (m *Manager) AddValidator(v Validator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.validators[v.Address]; ok {
		m.totalPower -= existing.VotingPower
	}
	m.validators[v.Address] = v
	m.totalPower += v.VotingPower
}

// RemoveValidator drops a validator from the set.
func (m *Manager) RemoveValidator(addr types.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.validators[addr]; ok {
		m.totalPower -= existing.VotingPower
		delete(m.validators, addr)
	}
}

// Validators returns the current validator set, sorted by address for
// deterministic iteration.
func (m *Manager) Validators() []Validator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Validator, 0, len(m.validators))
	for _, v := range m.validators {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Address[:], out[j].Address[:]) < 0
	})
	return out
}

// RecordVote verifies and stores a validator's vote for header, issuing a
// finality certificate once the block's aggregated power reaches quorum.
// Double-voting (same validator, same height, a different block hash) is
// reported to the configured SlashingSink and rejected.
func (m *Manager) RecordVote(validatorAddr types.Address, header *block.Header, signature []byte) (*Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.validators[validatorAddr]
	if !ok {
		return nil, ErrUnknownValidator
	}

	hash := header.Hash()
	if !crypto.VerifySignature(hash[:], signature, v.PubKey) {
		return nil, ErrInvalidVoteSig
	}

	if byHeight, ok := m.votedHeight[validatorAddr]; ok {
		if priorHash, voted := byHeight[header.Height]; voted {
			if priorHash == hash {
				return m.certByHash[hash], nil // Already recorded; idempotent.
			}
			priorHeader := m.votedHeader[validatorAddr][header.Height]
			if m.sink != nil {
				m.sink.OnMisbehavior(SlashingEvent{
					Validator: validatorAddr,
					Height:    header.Height,
					Evidence:  [2]*block.Header{priorHeader, header},
				})
			}
			return nil, fmt.Errorf("%w: validator %s height %d", ErrDuplicateVote, validatorAddr, header.Height)
		}
	}

	if m.votes[hash] == nil {
		m.votes[hash] = make(map[types.Address]recordedVote)
	}
	m.votes[hash][validatorAddr] = recordedVote{header: header, signature: signature}

	if m.votedHeight[validatorAddr] == nil {
		m.votedHeight[validatorAddr] = make(map[uint64]types.Hash)
		m.votedHeader[validatorAddr] = make(map[uint64]*block.Header)
	}
	m.votedHeight[validatorAddr][header.Height] = hash
	m.votedHeader[validatorAddr][header.Height] = header

	var power uint64
	sigs := make(map[types.Address][]byte, len(m.votes[hash]))
	for addr, rv := range m.votes[hash] {
		power += m.validators[addr].VotingPower
		sigs[addr] = rv.signature
	}

	if existing := m.certByHash[hash]; existing != nil {
		existing.Power = power
		existing.Signatures = sigs
		return existing, nil
	}

	if m.totalPower > 0 && float64(power) >= m.quorum*float64(m.totalPower) {
		cert := &Certificate{
			BlockHash:  hash,
			Height:     header.Height,
			Power:      power,
			TotalPower: m.totalPower,
			Signatures: sigs,
		}
		m.certByHash[hash] = cert
		m.certByHeight[header.Height] = cert
		if header.Height > m.finalizedHeight {
			m.finalizedHeight = header.Height
		}
		return cert, nil
	}

	return nil, nil
}

// IsFinalizedHash reports whether the given block hash has a finality certificate.
func (m *Manager) IsFinalizedHash(hash types.Hash) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.certByHash[hash]
	return ok
}

// IsFinalizedHeight reports whether the given height is at or below the
// highest finalized height.
func (m *Manager) IsFinalizedHeight(height uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return height <= m.finalizedHeight && m.finalizedHeight > 0
}

// HighestFinalizedHeight returns the highest height with a finality certificate.
func (m *Manager) HighestFinalizedHeight() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.finalizedHeight
}

// CanReorgToHeight reports whether a reorg whose fork point is h is
// permitted: finality never moves backward, so h must exceed the
// highest finalized height.
func (m *Manager) CanReorgToHeight(h uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return h > m.finalizedHeight
}

// CertificateForHeight returns the finality certificate recorded at height, if any.
func (m *Manager) CertificateForHeight(height uint64) (*Certificate, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cert, ok := m.certByHeight[height]
	return cert, ok
}
