// Package wal implements the write-ahead log: the single serialization point
// for every state-changing operation in the exchange core. A record is
// visible to readers only after it has been both appended and flushed with
// its commit-group cohort (see Writer.Append).
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Kind tags the payload carried by a Record. These integer values are part
// of the on-disk format and must never be reused once shipped.
type Kind uint16

const (
	KindOrderInsert Kind = iota + 1
	KindOrderCancel
	KindTrade
	KindAccountUpdate
	KindPositionUpdate
	KindSettlement
	KindInstrumentChange
	KindTick
	KindOrderbookSnapshot
	KindKlineFinished
	KindFactorUpdate
	KindFactorSnapshot
	KindTransfer
)

func (k Kind) String() string {
	switch k {
	case KindOrderInsert:
		return "order-insert"
	case KindOrderCancel:
		return "order-cancel"
	case KindTrade:
		return "trade"
	case KindAccountUpdate:
		return "account-update"
	case KindPositionUpdate:
		return "position-update"
	case KindSettlement:
		return "settlement"
	case KindInstrumentChange:
		return "instrument-change"
	case KindTick:
		return "tick"
	case KindOrderbookSnapshot:
		return "orderbook-snapshot"
	case KindKlineFinished:
		return "kline-finished"
	case KindFactorUpdate:
		return "factor-update"
	case KindFactorSnapshot:
		return "factor-snapshot"
	case KindTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// fixedFieldsSize is the byte size of crc32 + timestamp_ns + sequence + kind,
// i.e. everything the Length field counts besides the payload itself.
//
// The frame layout is
//
//	u32 length | u32 crc32 | i64 timestamp_ns | u64 sequence | u16 kind | payload
//
// with Length counting every byte after itself (fixed fields + payload),
// so payload size = length - fixedFieldsSize, and the CRC covering
// everything after the length field.
const fixedFieldsSize = 4 /*crc32*/ + 8 /*ts*/ + 8 /*seq*/ + 2 /*kind*/

// lengthFieldSize is the byte size of the Length field itself, which is not
// included in the frame's Length value.
const lengthFieldSize = 4

// Record is one WAL frame.
type Record struct {
	Sequence    uint64
	TimestampNs int64
	Kind        Kind
	Payload     []byte
}

// encode serializes r into the on-disk frame format, computing CRC-32 over
// everything after the length field.
func (r *Record) encode() []byte {
	length := fixedFieldsSize + len(r.Payload)
	buf := make([]byte, lengthFieldSize+length)

	binary.BigEndian.PutUint32(buf[0:4], uint32(length))
	binary.BigEndian.PutUint64(buf[8:16], uint64(r.TimestampNs))
	binary.BigEndian.PutUint64(buf[16:24], r.Sequence)
	binary.BigEndian.PutUint16(buf[24:26], uint16(r.Kind))
	copy(buf[26:], r.Payload)

	crc := crc32.ChecksumIEEE(buf[8:])
	binary.BigEndian.PutUint32(buf[4:8], crc)

	return buf
}

// decodeFrame parses a complete frame body (everything after the length
// field, i.e. exactly `length` bytes) into a Record. It validates the CRC.
func decodeFrame(body []byte) (Record, error) {
	if len(body) < fixedFieldsSize {
		return Record{}, fmt.Errorf("wal: frame body too short: %d bytes", len(body))
	}

	wantCRC := binary.BigEndian.Uint32(body[0:4])
	gotCRC := crc32.ChecksumIEEE(body[4:])
	if wantCRC != gotCRC {
		return Record{}, fmt.Errorf("wal: %w", ErrCorrupt)
	}

	return Record{
		TimestampNs: int64(binary.BigEndian.Uint64(body[4:12])),
		Sequence:    binary.BigEndian.Uint64(body[12:20]),
		Kind:        Kind(binary.BigEndian.Uint16(body[20:22])),
		Payload:     append([]byte(nil), body[22:]...),
	}, nil
}
