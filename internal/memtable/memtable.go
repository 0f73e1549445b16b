// Package memtable implements the in-memory, time-ordered buffer of recent
// WAL records: an ordered buffer of every record seen since the last
// flush, readable while sealed and draining.
package memtable

import (
	"sort"
	"sync"

	"github.com/exchange-core/matchcore/internal/wal"
)

// Key orders records the same way the WAL does: by (timestamp, sequence).
// Sequence alone would suffice for uniqueness, but keeping both in the key
// lets range scans by time use the same comparator as range scans by
// sequence without a second index.
type Key struct {
	TimestampNs int64
	Sequence    uint64
}

// Less reports whether k sorts before other.
func (k Key) Less(other Key) bool {
	if k.TimestampNs != other.TimestampNs {
		return k.TimestampNs < other.TimestampNs
	}
	return k.Sequence < other.Sequence
}

// Row is the OLTP-path memtable: a sorted slice of records, appended in
// increasing key order (true for WAL sequence assignment, so inserts are
// always at the tail) and binary-searchable for point/range reads.
type Row struct {
	mu       sync.RWMutex
	records  []wal.Record
	sizeB    int
	sealedAt int64 // monotonic "age" marker set when Seal is called; 0 = open
}

// NewRow creates an empty row memtable.
func NewRow() *Row {
	return &Row{}
}

// Put appends rec. Callers must only ever append records in increasing
// (timestamp, sequence) order — true of anything sourced from a single WAL
// writer.
func (m *Row) Put(rec wal.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	m.sizeB += len(rec.Payload) + 22
}

// Get performs a point lookup by exact sequence number.
func (m *Row) Get(seq uint64) (wal.Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i := sort.Search(len(m.records), func(i int) bool { return m.records[i].Sequence >= seq })
	if i < len(m.records) && m.records[i].Sequence == seq {
		return m.records[i], true
	}
	return wal.Record{}, false
}

// RangeByTime returns every record with start <= TimestampNs <= end, in key
// order.
func (m *Row) RangeByTime(start, end int64) []wal.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lo := sort.Search(len(m.records), func(i int) bool { return m.records[i].TimestampNs >= start })
	var out []wal.Record
	for i := lo; i < len(m.records) && m.records[i].TimestampNs <= end; i++ {
		out = append(out, m.records[i])
	}
	return out
}

// All returns every record in key order, for flush to an SSTable.
func (m *Row) All() []wal.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]wal.Record, len(m.records))
	copy(out, m.records)
	return out
}

// SizeBytes is an approximate resident size, used to decide when to seal.
func (m *Row) SizeBytes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sizeB
}

// Sealed reports whether Seal has been called. A sealed memtable remains
// readable while a background flush job drains it to an SSTable.
func (m *Row) Sealed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sealedAt != 0
}

// Seal marks the memtable read-only as of logical time t (a caller-supplied
// monotonic counter, not wall-clock, so tests stay deterministic).
func (m *Row) Seal(t int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sealedAt == 0 {
		m.sealedAt = t
	}
}

// DefaultSealSizeBytes is the default size threshold before a memtable is
// sealed for flush ("e.g. 64 MiB").
const DefaultSealSizeBytes = 64 << 20
