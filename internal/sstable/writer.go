package sstable

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/exchange-core/matchcore/internal/wal"
)

// DefaultBlockSizeBytes is the uncompressed target size for one data block
// before it is closed and a new one started ("~4 KiB blocks").
const DefaultBlockSizeBytes = 4 << 10

// NewTableName derives a filename for a freshly built table. Flush and
// compaction jobs both call this rather than inventing their own naming
// scheme, so a directory listing alone never collides.
func NewTableName() string {
	return uuid.NewString() + ".sst"
}

// Write builds a complete SSTable from records (which must already be sorted
// by (timestamp, sequence), true of anything pulled from a sealed memtable
// or a compaction merge) and atomically publishes it at path: write to a
// temp file in the same directory, fsync, then rename, so a reader never
// observes a partial table ("fsync + atomic rename").
func Write(path string, records []wal.Record, blockSizeBytes int) error {
	if blockSizeBytes <= 0 {
		blockSizeBytes = DefaultBlockSizeBytes
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("sstable: new zstd encoder: %w", err)
	}
	defer enc.Close()

	var data bytes.Buffer
	var entries []indexEntry
	bloom := NewBloom(len(records))

	var batch []wal.Record
	batchSize := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		body := encodeBlockBody(batch)
		frame := encodeBlock(enc, body)
		offset := uint64(headerSize + data.Len()) // file offset: data follows the header
		if _, err := data.Write(frame); err != nil {
			return err
		}
		entries = append(entries, indexEntry{
			Offset:           offset,
			FirstTS:          batch[0].TimestampNs,
			LastTS:           batch[len(batch)-1].TimestampNs,
			FirstSeq:         batch[0].Sequence,
			LastSeq:          batch[len(batch)-1].Sequence,
			RecordCount:      uint32(len(batch)),
			CompressedSize:   uint32(len(frame) - blockFrameHeaderSize),
			UncompressedSize: uint32(len(body)),
		})
		batch = batch[:0]
		batchSize = 0
		return nil
	}

	var minTS, maxTS int64
	var minSeq, maxSeq uint64
	for i, r := range records {
		if i == 0 {
			minTS, maxTS = r.TimestampNs, r.TimestampNs
			minSeq, maxSeq = r.Sequence, r.Sequence
		}
		if r.TimestampNs < minTS {
			minTS = r.TimestampNs
		}
		if r.TimestampNs > maxTS {
			maxTS = r.TimestampNs
		}
		if r.Sequence < minSeq {
			minSeq = r.Sequence
		}
		if r.Sequence > maxSeq {
			maxSeq = r.Sequence
		}
		bloom.Add(r.Sequence)

		batch = append(batch, r)
		batchSize += recordHeaderSize + len(r.Payload)
		if batchSize >= blockSizeBytes {
			if err := flush(); err != nil {
				return fmt.Errorf("sstable: flush block: %w", err)
			}
		}
	}
	if err := flush(); err != nil {
		return fmt.Errorf("sstable: flush final block: %w", err)
	}

	bloomBytes := bloom.encode()
	indexBytes := encodeIndex(entries)

	header := Header{
		MinTS:       minTS,
		MaxTS:       maxTS,
		MinSeq:      minSeq,
		MaxSeq:      maxSeq,
		RecordCount: uint64(len(records)),
		BloomOffset: uint64(headerSize + data.Len()),
		IndexOffset: uint64(headerSize + data.Len() + len(bloomBytes)),
		Compression: CompressionZstd,
	}

	var out bytes.Buffer
	out.Write(header.encode())
	out.Write(data.Bytes())
	out.Write(bloomBytes)
	out.Write(indexBytes)
	out.Write(encodeFooter(header.IndexOffset))

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".sstable-tmp-*")
	if err != nil {
		return fmt.Errorf("sstable: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(out.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("sstable: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sstable: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("sstable: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("sstable: rename into place: %w", err)
	}
	return nil
}
