package sstable

import (
	"path/filepath"
	"testing"

	"github.com/exchange-core/matchcore/internal/wal"
)

func buildRecords(n int) []wal.Record {
	recs := make([]wal.Record, n)
	for i := 0; i < n; i++ {
		recs[i] = wal.Record{
			Sequence:    uint64(i + 1),
			TimestampNs: int64((i + 1) * 1000),
			Kind:        wal.KindTrade,
			Payload:     []byte{byte(i), byte(i >> 8)},
		}
	}
	return recs
}

func TestWriteAndPointRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "table.sst")
	records := buildRecords(500)

	if err := Write(path, records, 1<<10); err != nil {
		t.Fatalf("Write: %v", err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if r.Header().RecordCount != 500 {
		t.Fatalf("RecordCount = %d, want 500", r.Header().RecordCount)
	}

	rec, ok, err := r.Get(250)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || rec.Sequence != 250 {
		t.Fatalf("Get(250) = %+v, %v", rec, ok)
	}

	if _, ok, err := r.Get(999); err != nil || ok {
		t.Fatalf("Get(999) = %v, %v, want false", ok, err)
	}
}

func TestRangeByTime(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "table.sst")
	records := buildRecords(100)

	if err := Write(path, records, 1<<10); err != nil {
		t.Fatalf("Write: %v", err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	got, err := r.RangeByTime(10000, 20000)
	if err != nil {
		t.Fatalf("RangeByTime: %v", err)
	}
	if len(got) != 11 {
		t.Fatalf("RangeByTime(10000,20000) = %d records, want 11", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].TimestampNs < got[i-1].TimestampNs {
			t.Fatalf("range not sorted at %d", i)
		}
	}
}

func TestAllRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "table.sst")
	records := buildRecords(1000)

	if err := Write(path, records, 4<<10); err != nil {
		t.Fatalf("Write: %v", err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	all, err := r.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != len(records) {
		t.Fatalf("All returned %d records, want %d", len(all), len(records))
	}
	for i, rec := range all {
		if rec.Sequence != records[i].Sequence || rec.TimestampNs != records[i].TimestampNs {
			t.Errorf("record %d = %+v, want %+v", i, rec, records[i])
		}
	}
}

func TestBloomFalsePositiveRate(t *testing.T) {
	b := NewBloom(10000)
	for i := uint64(0); i < 10000; i++ {
		b.Add(i * 2) // only even sequences present
	}

	falsePositives := 0
	const trials = 10000
	for i := uint64(0); i < trials; i++ {
		odd := i*2 + 1
		if b.MayContain(odd) {
			falsePositives++
		}
	}
	rate := float64(falsePositives) / float64(trials)
	if rate > 0.05 {
		t.Fatalf("false positive rate %.4f exceeds tolerance (target %.2f)", rate, targetFPRate)
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		MinTS: 100, MaxTS: 900, MinSeq: 1, MaxSeq: 50,
		RecordCount: 50, BloomOffset: 1000, IndexOffset: 2000,
		Compression: CompressionZstd,
	}
	buf := h.encode()
	if len(buf) != headerSize {
		t.Fatalf("encoded header len = %d, want %d", len(buf), headerSize)
	}
	got, err := decodeHeader(buf)
	if err != nil {
		t.Fatalf("decodeHeader: %v", err)
	}
	if got != h {
		t.Fatalf("decoded header = %+v, want %+v", got, h)
	}
}
