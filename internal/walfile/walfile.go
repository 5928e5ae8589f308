// Package walfile implements a single-record, fsynced write-ahead log
// used to make chain reorganization crash-safe. Unlike the database's
// own internal WAL (opaque, not meant for application-level records),
// this package exposes an externally visible marker file: its mere
// presence on disk after an unclean shutdown is the crash-recovery
// trigger.
package walfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// DefaultFileName is the conventional WAL file name within a node's data directory.
const DefaultFileName = "reorg_wal.json"

// Status values for a Record.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCommitted  Status = "committed"
	StatusRolledBack Status = "rolled_back"
)

// RecordType identifies what kind of operation the WAL record guards.
// Reorg is currently the only user, but the type field keeps the format
// extensible without a schema break.
type RecordType string

const ReorgBegin RecordType = "REORG_BEGIN"

// Record is the durable representation of an in-flight reorg.
type Record struct {
	Type      RecordType `json:"type"`
	OldTip    types.Hash `json:"old_tip"`
	NewTip    types.Hash `json:"new_tip"`
	ForkPoint uint64     `json:"fork_point"`
	Timestamp uint64     `json:"timestamp"`
	Status    Status     `json:"status"`
}

// ErrNotExist is returned by Read when no WAL file is present.
var ErrNotExist = errors.New("walfile: no WAL file present")

// File manages a single WAL record at a fixed path.
type File struct {
	path string
}

// New creates a File bound to path. The file itself is not created
// until Write is called.
func New(path string) *File {
	return &File{path: path}
}

// Path returns the WAL file's location on disk.
func (f *File) Path() string {
	return f.path
}

// Write serializes rec to JSON and fsyncs it to disk before returning.
// This is the durability boundary: once Write returns nil, the record
// (and whatever status it carries) survives a crash.
func (f *File) Write(rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("walfile: encode record: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("walfile: create directory: %w", err)
	}

	tmp := f.path + ".tmp"
	fh, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("walfile: open temp file: %w", err)
	}
	if _, err := fh.Write(data); err != nil {
		fh.Close()
		return fmt.Errorf("walfile: write record: %w", err)
	}
	if err := fh.Sync(); err != nil {
		fh.Close()
		return fmt.Errorf("walfile: fsync: %w", err)
	}
	if err := fh.Close(); err != nil {
		return fmt.Errorf("walfile: close temp file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("walfile: rename into place: %w", err)
	}
	return nil
}

// Begin writes an in_progress record marking the start of a two-phase
// commit. Callers must follow with Remove once the reorg has committed or
// rolled back, optionally first writing a committed or rolled_back record
// with Write.
func (f *File) Begin(oldTip, newTip types.Hash, forkPoint, timestamp uint64) error {
	return f.Write(Record{
		Type:      ReorgBegin,
		OldTip:    oldTip,
		NewTip:    newTip,
		ForkPoint: forkPoint,
		Timestamp: timestamp,
		Status:    StatusInProgress,
	})
}

// Read loads the current WAL record. Returns ErrNotExist if no file is present.
func (f *File) Read() (Record, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, ErrNotExist
		}
		return Record{}, fmt.Errorf("walfile: read: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("walfile: decode record: %w", err)
	}
	return rec, nil
}

// Exists reports whether a WAL file is currently present, without
// parsing its contents. Used at startup to decide whether crash
// recovery is required.
func (f *File) Exists() bool {
	_, err := os.Stat(f.path)
	return err == nil
}

// Remove deletes the WAL file. Called after a successful commit or a
// completed rollback — the file's absence is itself the "clean" state.
func (f *File) Remove() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("walfile: remove: %w", err)
	}
	return nil
}
