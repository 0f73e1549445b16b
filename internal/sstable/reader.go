package sstable

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/exchange-core/matchcore/internal/wal"
)

// Reader opens a published SSTable for point lookups, time-range scans, and
// full iteration (the last used by compaction merges). Safe for concurrent
// use by multiple goroutines.
type Reader struct {
	file    *os.File
	header  Header
	bloom   *Bloom
	index   []indexEntry
	dataEnd int64

	decMu sync.Mutex
	dec   *zstd.Decoder
}

// Open reads path's header, bloom filter, and block index into memory,
// leaving data blocks on disk to be paged in on demand.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: open %s: %w", path, err)
	}

	headerBuf := make([]byte, headerSize)
	if _, err := io.ReadFull(f, headerBuf); err != nil {
		f.Close()
		return nil, fmt.Errorf("sstable: read header: %w", err)
	}
	header, err := decodeHeader(headerBuf)
	if err != nil {
		f.Close()
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := info.Size()
	if size < footerSize {
		f.Close()
		return nil, fmt.Errorf("sstable: file too short for footer")
	}

	footerBuf := make([]byte, footerSize)
	if _, err := f.ReadAt(footerBuf, size-footerSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("sstable: read footer: %w", err)
	}
	for i := range magic {
		if footerBuf[8+i] != magic[i] {
			f.Close()
			return nil, fmt.Errorf("sstable: bad footer magic")
		}
	}

	bloomBuf := make([]byte, header.IndexOffset-header.BloomOffset)
	if _, err := f.ReadAt(bloomBuf, int64(header.BloomOffset)); err != nil {
		f.Close()
		return nil, fmt.Errorf("sstable: read bloom: %w", err)
	}
	bloom, err := decodeBloom(bloomBuf)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("sstable: decode bloom: %w", err)
	}

	indexLen := size - footerSize - int64(header.IndexOffset)
	indexBuf := make([]byte, indexLen)
	if _, err := f.ReadAt(indexBuf, int64(header.IndexOffset)); err != nil {
		f.Close()
		return nil, fmt.Errorf("sstable: read index: %w", err)
	}
	entries, err := decodeIndex(indexBuf)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("sstable: decode index: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("sstable: new zstd decoder: %w", err)
	}

	return &Reader{
		file:    f,
		header:  header,
		bloom:   bloom,
		index:   entries,
		dataEnd: int64(header.BloomOffset),
		dec:     dec,
	}, nil
}

// Close releases the underlying file handle and decoder.
func (r *Reader) Close() error {
	r.decMu.Lock()
	r.dec.Close()
	r.decMu.Unlock()
	return r.file.Close()
}

// Header returns the table's summary metadata.
func (r *Reader) Header() Header { return r.header }

func (r *Reader) readBlock(e indexEntry) ([]wal.Record, error) {
	frame := make([]byte, blockFrameHeaderSize+e.CompressedSize)
	if _, err := r.file.ReadAt(frame, int64(e.Offset)); err != nil {
		return nil, fmt.Errorf("sstable: read block at %d: %w", e.Offset, err)
	}

	r.decMu.Lock()
	body, err := decodeBlock(r.dec, frame)
	r.decMu.Unlock()
	if err != nil {
		return nil, err
	}
	return decodeBlockBody(body)
}

// Get performs a point lookup by exact sequence number. The bloom filter is
// checked first so a miss on a table that cannot possibly hold seq never
// touches disk.
func (r *Reader) Get(seq uint64) (wal.Record, bool, error) {
	if seq < r.header.MinSeq || seq > r.header.MaxSeq {
		return wal.Record{}, false, nil
	}
	if !r.bloom.MayContain(seq) {
		return wal.Record{}, false, nil
	}

	i := sort.Search(len(r.index), func(i int) bool { return r.index[i].LastSeq >= seq })
	if i >= len(r.index) || r.index[i].FirstSeq > seq {
		return wal.Record{}, false, nil
	}

	records, err := r.readBlock(r.index[i])
	if err != nil {
		return wal.Record{}, false, err
	}
	for _, rec := range records {
		if rec.Sequence == seq {
			return rec, true, nil
		}
	}
	return wal.Record{}, false, nil
}

// RangeByTime returns every record with start <= TimestampNs <= end, in key
// order. Blocks outside the range are never read from disk.
func (r *Reader) RangeByTime(start, end int64) ([]wal.Record, error) {
	var out []wal.Record
	for _, e := range r.index {
		if e.LastTS < start || e.FirstTS > end {
			continue
		}
		records, err := r.readBlock(e)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			if rec.TimestampNs >= start && rec.TimestampNs <= end {
				out = append(out, rec)
			}
		}
	}
	return out, nil
}

// All decodes and returns every record in the table, in key order — used by
// compaction to merge several tables' contents.
func (r *Reader) All() ([]wal.Record, error) {
	out := make([]wal.Record, 0, r.header.RecordCount)
	for _, e := range r.index {
		records, err := r.readBlock(e)
		if err != nil {
			return nil, err
		}
		out = append(out, records...)
	}
	return out, nil
}
