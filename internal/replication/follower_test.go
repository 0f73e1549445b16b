package replication

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/exchange-core/matchcore/internal/wal"
)

// memLog fakes the local WAL with in-order sequence assignment.
type memLog struct {
	next uint64
	recs []wal.Record
}

func (m *memLog) Append(kind wal.Kind, tsNs int64, payload []byte) (wal.Record, error) {
	rec := wal.Record{Sequence: m.next, TimestampNs: tsNs, Kind: kind, Payload: payload}
	m.next++
	m.recs = append(m.recs, rec)
	return rec, nil
}

type memApplier struct {
	applied []uint64
	fail    bool
}

func (m *memApplier) Apply(rec wal.Record) error {
	if m.fail {
		return errors.New("apply failed")
	}
	m.applied = append(m.applied, rec.Sequence)
	return nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestApplyAdvancesCommitIndex(t *testing.T) {
	t.Parallel()
	log := &memLog{next: 1}
	app := &memApplier{}
	f := NewFollower("http://primary", log, app, 0, discard())

	batch := PullResponse{
		Entries: []Entry{
			{Sequence: 1, Kind: uint16(wal.KindOrderInsert), Payload: []byte("a")},
			{Sequence: 2, Kind: uint16(wal.KindTrade), Payload: []byte("b")},
			{Sequence: 3, Kind: uint16(wal.KindAccountUpdate), Payload: []byte("c")},
		},
		LeaderCommit: 2,
	}
	if err := f.apply(batch); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if got := f.LastApplied(); got != 3 {
		t.Errorf("last applied = %d, want 3", got)
	}
	// Commit index is capped by the leader's commit, not local progress.
	if got := f.CommitIndex(); got != 2 {
		t.Errorf("commit index = %d, want 2", got)
	}
	if len(app.applied) != 3 {
		t.Errorf("applied %d records, want 3", len(app.applied))
	}
	if len(log.recs) != 3 {
		t.Errorf("local log holds %d records, want 3", len(log.recs))
	}
}

func TestGapTriggersDivergence(t *testing.T) {
	t.Parallel()
	log := &memLog{next: 1}
	app := &memApplier{}
	f := NewFollower("http://primary", log, app, 0, discard())

	err := f.apply(PullResponse{Entries: []Entry{
		{Sequence: 1, Payload: []byte("a")},
		{Sequence: 3, Payload: []byte("gap")},
	}})
	if !errors.Is(err, ErrDivergence) {
		t.Fatalf("apply = %v, want ErrDivergence", err)
	}

	// Entry 1 was applied before the gap; the cursor points there so the
	// next pull re-fetches from 2.
	if got := f.LastApplied(); got != 1 {
		t.Errorf("last applied = %d, want 1", got)
	}
}

func TestStalePrefixRejected(t *testing.T) {
	t.Parallel()
	log := &memLog{next: 6}
	app := &memApplier{}
	f := NewFollower("http://primary", log, app, 5, discard())

	// A batch starting below last-applied would re-apply committed state.
	err := f.apply(PullResponse{Entries: []Entry{{Sequence: 4, Payload: []byte("old")}}})
	if !errors.Is(err, ErrDivergence) {
		t.Fatalf("apply = %v, want ErrDivergence", err)
	}
	if len(app.applied) != 0 {
		t.Error("committed state re-applied")
	}
}

func TestApplierFailureStopsBatch(t *testing.T) {
	t.Parallel()
	log := &memLog{next: 1}
	app := &memApplier{fail: true}
	f := NewFollower("http://primary", log, app, 0, discard())

	err := f.apply(PullResponse{Entries: []Entry{{Sequence: 1, Payload: []byte("a")}}})
	if err == nil {
		t.Fatal("apply succeeded despite applier failure")
	}
	if got := f.LastApplied(); got != 0 {
		t.Errorf("last applied advanced to %d despite failure", got)
	}
}
