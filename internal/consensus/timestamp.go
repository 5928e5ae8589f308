package consensus

import (
	"errors"
	"sort"
)

// Timestamp validation errors.
var (
	ErrTimestampNotAfterMTP = errors.New("block timestamp does not exceed median time past")
	ErrTimestampTooFuture   = errors.New("block timestamp too far in the future")
)

// DefaultMedianTimeSpan is the number of preceding block timestamps used
// to compute median time past when the engine is not given one
// explicitly.
const DefaultMedianTimeSpan = 11

// DefaultMaxFutureSeconds is how far beyond the local wall clock a block
// timestamp may be before it is rejected.
const DefaultMaxFutureSeconds = 2 * 60 * 60

// TimestampRules enforces the median-time-past and max-future-time
// timestamp checks. Genesis blocks (height == 0) are exempt from the
// MTP check since no ancestor timestamps exist yet.
type TimestampRules struct {
	MedianTimeSpan   int   // Number of preceding timestamps to median over. 0 defaults to DefaultMedianTimeSpan.
	MaxFutureSeconds int64 // Max allowed drift beyond wall clock. 0 defaults to DefaultMaxFutureSeconds.
}

// medianTimeSpan returns the configured span, defaulting when unset.
func (r TimestampRules) medianTimeSpan() int {
	if r.MedianTimeSpan <= 0 {
		return DefaultMedianTimeSpan
	}
	return r.MedianTimeSpan
}

// maxFutureSeconds returns the configured drift allowance, defaulting when unset.
func (r TimestampRules) maxFutureSeconds() int64 {
	if r.MaxFutureSeconds <= 0 {
		return DefaultMaxFutureSeconds
	}
	return r.MaxFutureSeconds
}

// MedianTimePast computes the median of the given ancestor timestamps —
// the caller supplies up to MedianTimeSpan of the block's nearest
// ancestors, in any order. If the slice holds more than MedianTimeSpan
// entries, only its last MedianTimeSpan entries are used. An empty slice
// returns 0 (the caller should treat height 0 specially).
func (r TimestampRules) MedianTimePast(ancestorTimestamps []uint64) uint64 {
	n := len(ancestorTimestamps)
	if n == 0 {
		return 0
	}
	span := r.medianTimeSpan()
	if n > span {
		ancestorTimestamps = ancestorTimestamps[n-span:]
		n = span
	}
	sorted := make([]uint64, n)
	copy(sorted, ancestorTimestamps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[n/2]
}

// Verify checks a candidate block's timestamp against its ancestors'
// timestamps and the given wall-clock reading. height == 0 (genesis) is
// exempt from the MTP check but still bounded by max-future-time.
func (r TimestampRules) Verify(height uint64, timestamp uint64, ancestorTimestamps []uint64, now uint64) error {
	if height > 0 {
		mtp := r.MedianTimePast(ancestorTimestamps)
		if timestamp <= mtp {
			return ErrTimestampNotAfterMTP
		}
	}
	if int64(timestamp) > int64(now)+r.maxFutureSeconds() {
		return ErrTimestampTooFuture
	}
	return nil
}
