package memtable

import (
	"sync"

	"github.com/exchange-core/matchcore/internal/wal"
)

// Column is the OLAP-path memtable: the same (timestamp, sequence) keyspace
// as Row, but stored as parallel per-field slices so a flush can hand the
// backing arrays straight to a columnar SSTable writer without a
// record-by-record re-encode.
type Column struct {
	mu          sync.RWMutex
	timestamps  []int64
	sequences   []uint64
	kinds       []wal.Kind
	payloads    [][]byte
	sealedAt    int64
}

// NewColumn creates an empty column memtable.
func NewColumn() *Column {
	return &Column{}
}

// Put appends rec's fields to the column arrays.
func (c *Column) Put(rec wal.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timestamps = append(c.timestamps, rec.TimestampNs)
	c.sequences = append(c.sequences, rec.Sequence)
	c.kinds = append(c.kinds, rec.Kind)
	c.payloads = append(c.payloads, rec.Payload)
}

// Columns exposes the backing arrays directly (read-only use only — callers
// must not mutate slice contents, only copy out) for a flush job to stream
// into a columnar SSTable.
func (c *Column) Columns() (timestamps []int64, sequences []uint64, kinds []wal.Kind, payloads [][]byte) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.timestamps, c.sequences, c.kinds, c.payloads
}

// Len returns the number of records held.
func (c *Column) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sequences)
}

func (c *Column) Sealed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sealedAt != 0
}

func (c *Column) Seal(t int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealedAt == 0 {
		c.sealedAt = t
	}
}

// RowKindsForOLAP are the record kinds routed to the column memtable in
// addition to the row memtable — the tick/kline/factor
// stream, which query paths scan in bulk rather than point-look-up.
var RowKindsForOLAP = map[wal.Kind]bool{
	wal.KindTick:              true,
	wal.KindOrderbookSnapshot: true,
	wal.KindKlineFinished:     true,
	wal.KindFactorUpdate:      true,
	wal.KindFactorSnapshot:    true,
}

// Router is the single writer that decides, per record kind, which
// memtable(s) receive a record.
type Router struct {
	Row    *Row
	Column *Column
}

// NewRouter creates a Router over fresh Row/Column memtables.
func NewRouter() *Router {
	return &Router{Row: NewRow(), Column: NewColumn()}
}

// Put routes rec to the row memtable always (it is the OLTP source of
// truth for point/range queries) and additionally to the column memtable
// when its kind is part of the OLAP stream.
func (r *Router) Put(rec wal.Record) {
	r.Row.Put(rec)
	if RowKindsForOLAP[rec.Kind] {
		r.Column.Put(rec)
	}
}
