package sstable

import (
	"encoding/binary"
	"fmt"
)

// indexEntrySize is offset(8) first_ts(8) last_ts(8) first_seq(8) last_seq(8)
// record_count(4) compressed_size(4) uncompressed_size(4)
const indexEntrySize = 8 + 8 + 8 + 8 + 8 + 4 + 4 + 4

// indexEntry locates one data block and summarizes its key range, so a
// reader can binary-search for the block spanning a target (timestamp,
// sequence) without touching the block itself.
type indexEntry struct {
	Offset           uint64
	FirstTS          int64
	LastTS           int64
	FirstSeq         uint64
	LastSeq          uint64
	RecordCount      uint32
	CompressedSize   uint32
	UncompressedSize uint32
}

func encodeIndex(entries []indexEntry) []byte {
	buf := make([]byte, len(entries)*indexEntrySize)
	for i, e := range entries {
		off := i * indexEntrySize
		binary.BigEndian.PutUint64(buf[off:off+8], e.Offset)
		binary.BigEndian.PutUint64(buf[off+8:off+16], uint64(e.FirstTS))
		binary.BigEndian.PutUint64(buf[off+16:off+24], uint64(e.LastTS))
		binary.BigEndian.PutUint64(buf[off+24:off+32], e.FirstSeq)
		binary.BigEndian.PutUint64(buf[off+32:off+40], e.LastSeq)
		binary.BigEndian.PutUint32(buf[off+40:off+44], e.RecordCount)
		binary.BigEndian.PutUint32(buf[off+44:off+48], e.CompressedSize)
		binary.BigEndian.PutUint32(buf[off+48:off+52], e.UncompressedSize)
	}
	return buf
}

func decodeIndex(buf []byte) ([]indexEntry, error) {
	if len(buf)%indexEntrySize != 0 {
		return nil, fmt.Errorf("sstable: index size %d not a multiple of entry size %d", len(buf), indexEntrySize)
	}
	n := len(buf) / indexEntrySize
	out := make([]indexEntry, n)
	for i := 0; i < n; i++ {
		off := i * indexEntrySize
		out[i] = indexEntry{
			Offset:           binary.BigEndian.Uint64(buf[off : off+8]),
			FirstTS:          int64(binary.BigEndian.Uint64(buf[off+8 : off+16])),
			LastTS:           int64(binary.BigEndian.Uint64(buf[off+16 : off+24])),
			FirstSeq:         binary.BigEndian.Uint64(buf[off+24 : off+32]),
			LastSeq:          binary.BigEndian.Uint64(buf[off+32 : off+40]),
			RecordCount:      binary.BigEndian.Uint32(buf[off+40 : off+44]),
			CompressedSize:   binary.BigEndian.Uint32(buf[off+44 : off+48]),
			UncompressedSize: binary.BigEndian.Uint32(buf[off+48 : off+52]),
		}
	}
	return out, nil
}
