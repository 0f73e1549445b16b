// Package compaction implements the background leveled-compaction
// controller that merges and re-levels SSTables to bound read
// amplification: a periodic loop that ranks levels by size-over-budget and
// merges the most urgent one.
package compaction

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
)

// TableMeta is everything the manifest needs about one SSTable without
// reopening it: its key range, record count, and size.
type TableMeta struct {
	Path        string `msgpack:"path"`
	MinTS       int64  `msgpack:"min_ts"`
	MaxTS       int64  `msgpack:"max_ts"`
	MinSeq      uint64 `msgpack:"min_seq"`
	MaxSeq      uint64 `msgpack:"max_seq"`
	RecordCount uint64 `msgpack:"record_count"`
	SizeBytes   int64  `msgpack:"size_bytes"`
}

// Manifest is the durable record of which tables exist at which level.
// Index 0 of Levels is L0 (unsorted, overlapping); every level after that
// holds non-overlapping tables.
type Manifest struct {
	Levels [][]TableMeta `msgpack:"levels"`
}

const manifestFileName = "MANIFEST"

func manifestPath(dir string) string {
	return filepath.Join(dir, manifestFileName)
}

// LoadManifest reads the manifest from dir. A missing manifest is not an
// error — it means an empty store, or that a prior crash lost it entirely,
// in which case the caller should follow up with ReconcileDir.
func LoadManifest(dir string) (Manifest, error) {
	buf, err := os.ReadFile(manifestPath(dir))
	if os.IsNotExist(err) {
		return Manifest{}, nil
	}
	if err != nil {
		return Manifest{}, fmt.Errorf("compaction: read manifest: %w", err)
	}
	var m Manifest
	if err := msgpack.Unmarshal(buf, &m); err != nil {
		// A corrupt manifest is treated the same as a missing one: recovery
		// reconciles against what's actually on disk.
		return Manifest{}, nil
	}
	return m, nil
}

// Save persists m to dir via a temp-file-then-rename, matching the same
// fsync+atomic-rename discipline internal/sstable uses for table files.
func (m Manifest) Save(dir string) error {
	buf, err := msgpack.Marshal(m)
	if err != nil {
		return fmt.Errorf("compaction: marshal manifest: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".manifest-tmp-*")
	if err != nil {
		return fmt.Errorf("compaction: create temp manifest: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		return fmt.Errorf("compaction: write temp manifest: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("compaction: sync temp manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("compaction: close temp manifest: %w", err)
	}
	return os.Rename(tmpPath, manifestPath(dir))
}

// referenced reports every path m lists, for reconciliation against disk.
func (m Manifest) referenced() map[string]bool {
	out := make(map[string]bool)
	for _, level := range m.Levels {
		for _, t := range level {
			out[t.Path] = true
		}
	}
	return out
}

// ReconcileDir deletes any *.sst file in dir that m does not reference.
// Called at startup after LoadManifest: "If the manifest
// is lost mid-update, recovery reconciles by directory scan: any file not
// referenced by the latest manifest is deleted."
func ReconcileDir(dir string, m Manifest) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("compaction: read dir: %w", err)
	}
	refs := m.referenced()
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".sst" {
			continue
		}
		full := filepath.Join(dir, e.Name())
		if !refs[full] {
			if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("compaction: remove orphan table %s: %w", full, err)
			}
		}
	}
	return nil
}

// overlaps reports whether a's key range intersects b's, on sequence — the
// WAL assigns sequence monotonically, so it alone totally orders records and
// is sufficient to detect range intersection between two tables.
func overlaps(a, b TableMeta) bool {
	return a.MinSeq <= b.MaxSeq && b.MinSeq <= a.MaxSeq
}
