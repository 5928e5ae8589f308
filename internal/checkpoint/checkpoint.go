// Package checkpoint manages periodic UTXO-set snapshots used to bound
// reorg depth (the long-range-attack guard) and to accelerate node
// startup by avoiding a full replay from genesis.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// DefaultInterval is how many applied blocks pass between checkpoints
// when the manager is not configured with one explicitly.
const DefaultInterval = 2016

// DefaultMaxCheckpoints is how many of the most recent checkpoints are
// retained on disk by default.
const DefaultMaxCheckpoints = 10

// ErrNoCheckpoint is returned when no checkpoint exists yet.
var ErrNoCheckpoint = errors.New("checkpoint: no checkpoint available")

// Checkpoint is a point-in-time commitment to chain state at a given height.
type Checkpoint struct {
	Height      uint64     `json:"height"`
	BlockHash   types.Hash `json:"block_hash"`
	UTXODigest  types.Hash `json:"utxo_snapshot_digest"`
	SupplyTotal uint64     `json:"supply_total"`
}

// Manager persists checkpoints to a directory as CP_<height>.bin files
// (JSON-encoded despite the extension, matching the on-disk naming
// convention) and prunes all but the most recent MaxCheckpoints.
type Manager struct {
	dir            string
	interval       uint64
	maxCheckpoints int
}

// NewManager creates a checkpoint manager rooted at dir. interval and
// maxCheckpoints of 0 fall back to DefaultInterval/DefaultMaxCheckpoints.
func NewManager(dir string, interval uint64, maxCheckpoints int) *Manager {
	if interval == 0 {
		interval = DefaultInterval
	}
	if maxCheckpoints <= 0 {
		maxCheckpoints = DefaultMaxCheckpoints
	}
	return &Manager{dir: dir, interval: interval, maxCheckpoints: maxCheckpoints}
}

// Interval returns the configured checkpoint interval, in applied blocks.
func (m *Manager) Interval() uint64 {
	return m.interval
}

// ShouldCheckpoint reports whether a checkpoint should be taken at height.
// Height 0 never checkpoints (nothing has been applied yet).
func (m *Manager) ShouldCheckpoint(height uint64) bool {
	return height > 0 && height%m.interval == 0
}

func (m *Manager) path(height uint64) string {
	return filepath.Join(m.dir, fmt.Sprintf("CP_%d.bin", height))
}

// Record writes a new checkpoint to disk and prunes older ones beyond
// MaxCheckpoints.
func (m *Manager) Record(cp Checkpoint) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint: create directory: %w", err)
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: encode: %w", err)
	}

	path := m.path(cp.Height)
	tmp := path + ".tmp"
	fh, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("checkpoint: open temp file: %w", err)
	}
	if _, err := fh.Write(data); err != nil {
		fh.Close()
		return fmt.Errorf("checkpoint: write: %w", err)
	}
	if err := fh.Sync(); err != nil {
		fh.Close()
		return fmt.Errorf("checkpoint: fsync: %w", err)
	}
	if err := fh.Close(); err != nil {
		return fmt.Errorf("checkpoint: close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("checkpoint: rename into place: %w", err)
	}

	return m.prune()
}

// heights returns every checkpoint height currently on disk, ascending.
func (m *Manager) heights() ([]uint64, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("checkpoint: read directory: %w", err)
	}

	var heights []uint64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "CP_") || !strings.HasSuffix(name, ".bin") {
			continue
		}
		trimmed := strings.TrimSuffix(strings.TrimPrefix(name, "CP_"), ".bin")
		h, err := strconv.ParseUint(trimmed, 10, 64)
		if err != nil {
			continue
		}
		heights = append(heights, h)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
	return heights, nil
}

// prune removes the oldest checkpoints beyond MaxCheckpoints.
func (m *Manager) prune() error {
	heights, err := m.heights()
	if err != nil {
		return err
	}
	if len(heights) <= m.maxCheckpoints {
		return nil
	}
	toRemove := heights[:len(heights)-m.maxCheckpoints]
	for _, h := range toRemove {
		if err := os.Remove(m.path(h)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("checkpoint: prune height %d: %w", h, err)
		}
	}
	return nil
}

// Load reads the checkpoint recorded at the given height.
func (m *Manager) Load(height uint64) (Checkpoint, error) {
	data, err := os.ReadFile(m.path(height))
	if err != nil {
		if os.IsNotExist(err) {
			return Checkpoint{}, ErrNoCheckpoint
		}
		return Checkpoint{}, fmt.Errorf("checkpoint: read: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: decode: %w", err)
	}
	return cp, nil
}

// Latest returns the most recently recorded checkpoint on disk.
func (m *Manager) Latest() (Checkpoint, error) {
	heights, err := m.heights()
	if err != nil {
		return Checkpoint{}, err
	}
	if len(heights) == 0 {
		return Checkpoint{}, ErrNoCheckpoint
	}
	return m.Load(heights[len(heights)-1])
}

// LatestHeight returns the height of the most recent checkpoint, or 0 if
// none exists. Used as the long-range-attack reorg guard: any fork point
// below this height is rejected.
func (m *Manager) LatestHeight() uint64 {
	cp, err := m.Latest()
	if err != nil {
		return 0
	}
	return cp.Height
}
