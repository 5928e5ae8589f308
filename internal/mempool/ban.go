package mempool

import (
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// DefaultBanDuration is how long a sender is kept out of the mempool
// after crossing the strike threshold.
const DefaultBanDuration = 24 * time.Hour

// DefaultStrikeThreshold is the number of recorded misbehaviors
// (double-spend attempts, repeated invalid submissions) before a sender
// is banned.
const DefaultStrikeThreshold = 5

// BanList tracks misbehaving senders and temporarily excludes them from
// mempool admission. Strikes accumulate with no time window and do not
// decay; they are reset to zero when a ban is imposed and cleared by
// Unban. A ban lifts once its duration has passed, or on Unban.
type BanList struct {
	mu       sync.Mutex
	strikes  map[types.Address]int
	bannedAt map[types.Address]time.Time
	duration time.Duration
	threshold int
}

// NewBanList creates a ban list using the default duration and threshold.
func NewBanList() *BanList {
	return &BanList{
		strikes:   make(map[types.Address]int),
		bannedAt:  make(map[types.Address]time.Time),
		duration:  DefaultBanDuration,
		threshold: DefaultStrikeThreshold,
	}
}

// SetPolicy overrides the ban duration and strike threshold.
func (b *BanList) SetPolicy(duration time.Duration, threshold int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.duration = duration
	b.threshold = threshold
}

// Strike records one misbehavior for addr. Once the strike count reaches
// the configured threshold, addr is banned and its strike count resets.
func (b *BanList) Strike(addr types.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.strikes[addr]++
	if b.strikes[addr] >= b.threshold {
		b.bannedAt[addr] = time.Now()
		b.strikes[addr] = 0
	}
}

// IsBanned reports whether addr is currently serving a ban.
func (b *BanList) IsBanned(addr types.Address) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	since, ok := b.bannedAt[addr]
	if !ok {
		return false
	}
	if time.Since(since) >= b.duration {
		delete(b.bannedAt, addr)
		return false
	}
	return true
}

// Unban immediately lifts any ban on addr and clears its strikes.
func (b *BanList) Unban(addr types.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.bannedAt, addr)
	delete(b.strikes, addr)
}

// Strike records a misbehavior for the given sender against the pool's
// ban list. Exposed so callers (e.g. block validation rejecting a
// double-spend attempt relayed through the mempool) can report
// misbehavior without reaching into the pool's internals.
func (p *Pool) Strike(sender types.Address) {
	p.ban.Strike(sender)
}

// IsBanned reports whether sender is currently banned from this pool.
func (p *Pool) IsBanned(sender types.Address) bool {
	return p.ban.IsBanned(sender)
}
