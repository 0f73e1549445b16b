// Package sstable implements the immutable, sorted, compressed, indexed
// on-disk table produced by flushing a memtable or by compaction. The file
// layout is bit-exact:
//
//	header | data_blocks | bloom_filter | block_index | footer
//
// The writer streams records into size-bounded blocks, compresses each
// one, and keeps a side index mapping block offsets to key ranges.
package sstable

import (
	"encoding/binary"
	"fmt"
)

var magic = [8]byte{'M', 'C', 'S', 'S', 'T', 'A', 'B', '1'}

const formatVersion = uint16(1)

// headerSize is the fixed on-disk size of Header:
// magic(8) version(2) min_ts(8) max_ts(8) min_seq(8) max_seq(8)
// record_count(8) bloom_offset(8) index_offset(8) compression(1).
const headerSize = 8 + 2 + 8 + 8 + 8 + 8 + 8 + 8 + 8 + 1

// footerSize is index_offset(8) + magic(8).
const footerSize = 8 + 8

// Compression identifies the block codec. Zstd is the only one implemented,
// and the writer always records it; None is defined but never written.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZstd
)

// Header is the fixed-size file header.
type Header struct {
	MinTS        int64
	MaxTS        int64
	MinSeq       uint64
	MaxSeq       uint64
	RecordCount  uint64
	BloomOffset  uint64
	IndexOffset  uint64
	Compression  Compression
}

func (h Header) encode() []byte {
	buf := make([]byte, headerSize)
	copy(buf[0:8], magic[:])
	binary.BigEndian.PutUint16(buf[8:10], formatVersion)
	binary.BigEndian.PutUint64(buf[10:18], uint64(h.MinTS))
	binary.BigEndian.PutUint64(buf[18:26], uint64(h.MaxTS))
	binary.BigEndian.PutUint64(buf[26:34], h.MinSeq)
	binary.BigEndian.PutUint64(buf[34:42], h.MaxSeq)
	binary.BigEndian.PutUint64(buf[42:50], h.RecordCount)
	binary.BigEndian.PutUint64(buf[50:58], h.BloomOffset)
	binary.BigEndian.PutUint64(buf[58:66], h.IndexOffset)
	buf[66] = byte(h.Compression)
	return buf
}

func decodeHeader(buf []byte) (Header, error) {
	if len(buf) < headerSize {
		return Header{}, fmt.Errorf("sstable: header too short")
	}
	for i := range magic {
		if buf[i] != magic[i] {
			return Header{}, fmt.Errorf("sstable: bad magic")
		}
	}
	version := binary.BigEndian.Uint16(buf[8:10])
	if version != formatVersion {
		return Header{}, fmt.Errorf("sstable: unsupported version %d", version)
	}
	return Header{
		MinTS:       int64(binary.BigEndian.Uint64(buf[10:18])),
		MaxTS:       int64(binary.BigEndian.Uint64(buf[18:26])),
		MinSeq:      binary.BigEndian.Uint64(buf[26:34]),
		MaxSeq:      binary.BigEndian.Uint64(buf[34:42]),
		RecordCount: binary.BigEndian.Uint64(buf[42:50]),
		BloomOffset: binary.BigEndian.Uint64(buf[50:58]),
		IndexOffset: binary.BigEndian.Uint64(buf[58:66]),
		Compression: Compression(buf[66]),
	}, nil
}

func encodeFooter(indexOffset uint64) []byte {
	buf := make([]byte, footerSize)
	binary.BigEndian.PutUint64(buf[0:8], indexOffset)
	copy(buf[8:16], magic[:])
	return buf
}
