package compaction

import (
	"encoding/binary"
	"sort"

	"github.com/exchange-core/matchcore/internal/wal"
)

// entityClass groups record kinds that describe evolving state of the same
// logical entity — a later record of any kind in the group makes an
// earlier one of any kind in the group obsolete, so compaction drops the
// superseded one. Kinds
// outside any class (trades, ticks, klines, factor snapshots, transfers) are
// immutable events and are never dropped.
type entityClass uint8

const (
	classNone entityClass = iota
	classOrderState
	classAccountState
	classPositionState
	classInstrumentState
)

func classify(k wal.Kind) entityClass {
	switch k {
	case wal.KindOrderInsert, wal.KindOrderCancel:
		return classOrderState
	case wal.KindAccountUpdate:
		return classAccountState
	case wal.KindPositionUpdate:
		return classPositionState
	case wal.KindInstrumentChange:
		return classInstrumentState
	default:
		return classNone
	}
}

// entityKey is the (class, entity id) a record's supersession group is keyed
// on. By convention, every record whose Kind classifies into a non-zero
// entityClass carries an 8-byte entity key as the first bytes of its
// payload, big-endian — the encoding internal/logrecord applies to these
// kinds: the order id for order records, and an FNV-1a hash of the account
// id, the (account, instrument) pair, or the instrument id for account,
// position, and instrument records. Records too short to carry a key, or
// outside any class, are never superseded.
type entityKey struct {
	class entityClass
	id    uint64
}

func supersedeKey(r wal.Record) (entityKey, bool) {
	class := classify(r.Kind)
	if class == classNone || len(r.Payload) < 8 {
		return entityKey{}, false
	}
	return entityKey{class: class, id: binary.BigEndian.Uint64(r.Payload[:8])}, true
}

// dropSuperseded returns records with every entity superseded by a
// later-sequenced record of the same entityKey removed, plus the count of
// records dropped. records need not be sorted on entry; the result is sorted
// by (TimestampNs, Sequence).
func dropSuperseded(records []wal.Record) (kept []wal.Record, dropped int) {
	latest := make(map[entityKey]wal.Record)
	var immutable []wal.Record

	for _, r := range records {
		key, ok := supersedeKey(r)
		if !ok {
			immutable = append(immutable, r)
			continue
		}
		cur, exists := latest[key]
		if !exists || r.Sequence > cur.Sequence {
			latest[key] = r
		}
	}

	dropped = 0
	for _, r := range records {
		if key, ok := supersedeKey(r); ok {
			if latest[key].Sequence != r.Sequence {
				dropped++
			}
		}
	}

	kept = make([]wal.Record, 0, len(immutable)+len(latest))
	kept = append(kept, immutable...)
	for _, r := range latest {
		kept = append(kept, r)
	}
	sortRecords(kept)
	return kept, dropped
}

func sortRecords(records []wal.Record) {
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.TimestampNs != b.TimestampNs {
			return a.TimestampNs < b.TimestampNs
		}
		return a.Sequence < b.Sequence
	})
}
