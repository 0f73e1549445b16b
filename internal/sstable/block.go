package sstable

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/klauspost/compress/zstd"

	"github.com/exchange-core/matchcore/internal/wal"
)

// recordHeaderSize is the per-record encoding inside a block body: ts(8)
// seq(8) kind(2) payload_len(4), followed by the payload itself. This is a
// different, simpler framing than wal.Record's on-disk frame — a table's
// blocks are read back whole and scanned linearly, so there is no need for
// the WAL's per-record CRC or length-prefixed-for-seeking layout.
const recordHeaderSize = 8 + 8 + 2 + 4

// blockFrameHeaderSize is compressed_len(4) uncompressed_len(4) crc32(4)
// preceding each block's compressed bytes
const blockFrameHeaderSize = 4 + 4 + 4

func encodeBlockBody(records []wal.Record) []byte {
	size := 0
	for _, r := range records {
		size += recordHeaderSize + len(r.Payload)
	}
	buf := make([]byte, size)
	off := 0
	for _, r := range records {
		binary.BigEndian.PutUint64(buf[off:off+8], uint64(r.TimestampNs))
		binary.BigEndian.PutUint64(buf[off+8:off+16], r.Sequence)
		binary.BigEndian.PutUint16(buf[off+16:off+18], uint16(r.Kind))
		binary.BigEndian.PutUint32(buf[off+18:off+22], uint32(len(r.Payload)))
		copy(buf[off+22:], r.Payload)
		off += recordHeaderSize + len(r.Payload)
	}
	return buf
}

func decodeBlockBody(buf []byte) ([]wal.Record, error) {
	var out []wal.Record
	off := 0
	for off < len(buf) {
		if off+recordHeaderSize > len(buf) {
			return nil, fmt.Errorf("sstable: truncated record header in block")
		}
		ts := int64(binary.BigEndian.Uint64(buf[off : off+8]))
		seq := binary.BigEndian.Uint64(buf[off+8 : off+16])
		kind := wal.Kind(binary.BigEndian.Uint16(buf[off+16 : off+18]))
		plen := int(binary.BigEndian.Uint32(buf[off+18 : off+22]))
		off += recordHeaderSize
		if off+plen > len(buf) {
			return nil, fmt.Errorf("sstable: truncated payload in block")
		}
		payload := append([]byte(nil), buf[off:off+plen]...)
		off += plen
		out = append(out, wal.Record{TimestampNs: ts, Sequence: seq, Kind: kind, Payload: payload})
	}
	return out, nil
}

// encodeBlock compresses body and frames it as
// compressed_len(4) | uncompressed_len(4) | crc32(4) | compressed_bytes.
// crc32 covers the compressed bytes, matching the WAL's convention of
// checksumming what's actually persisted rather than the logical content.
func encodeBlock(enc *zstd.Encoder, body []byte) []byte {
	compressed := enc.EncodeAll(body, nil)
	frame := make([]byte, blockFrameHeaderSize+len(compressed))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(compressed)))
	binary.BigEndian.PutUint32(frame[4:8], uint32(len(body)))
	binary.BigEndian.PutUint32(frame[8:12], crc32.ChecksumIEEE(compressed))
	copy(frame[blockFrameHeaderSize:], compressed)
	return frame
}

func decodeBlock(dec *zstd.Decoder, frame []byte) ([]byte, error) {
	if len(frame) < blockFrameHeaderSize {
		return nil, fmt.Errorf("sstable: block frame too short")
	}
	compressedLen := binary.BigEndian.Uint32(frame[0:4])
	uncompressedLen := binary.BigEndian.Uint32(frame[4:8])
	wantCRC := binary.BigEndian.Uint32(frame[8:12])
	compressed := frame[blockFrameHeaderSize:]
	if uint32(len(compressed)) != compressedLen {
		return nil, fmt.Errorf("sstable: block length mismatch: have %d want %d", len(compressed), compressedLen)
	}
	if gotCRC := crc32.ChecksumIEEE(compressed); gotCRC != wantCRC {
		return nil, fmt.Errorf("sstable: block checksum mismatch")
	}
	body, err := dec.DecodeAll(compressed, make([]byte, 0, uncompressedLen))
	if err != nil {
		return nil, fmt.Errorf("sstable: decompress block: %w", err)
	}
	return body, nil
}
