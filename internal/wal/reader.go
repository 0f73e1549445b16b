package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Visitor is called once per record in sequence order during Replay.
type Visitor func(Record) error

// Replay reads every segment under dir in filename order, calling visit for
// each intact record whose sequence is >= fromSeq. It stops cleanly —
// without error — at the first torn tail: a length prefix present but the
// following bytes short, or a CRC mismatch. Any such truncation is logged,
// never silently discarded.
func Replay(dir string, fromSeq uint64, logger *slog.Logger, visit Visitor) error {
	if logger == nil {
		logger = slog.Default()
	}

	paths, err := listSegments(dir)
	if err != nil {
		return err
	}

	for _, path := range paths {
		if err := replaySegment(path, fromSeq, logger, visit); err != nil {
			return err
		}
	}
	return nil
}

func replaySegment(path string, fromSeq uint64, logger *slog.Logger, visit Visitor) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("wal: open segment %s: %w", path, err)
	}
	defer f.Close()

	lenBuf := make([]byte, lengthFieldSize)
	offset := int64(0)

	for {
		n, err := io.ReadFull(f, lenBuf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil // clean end of segment
			}
			// Length prefix present but short: torn tail.
			logger.Warn("wal: torn tail, truncating replay", "segment", path, "offset", offset, "read", n)
			return nil
		}

		length := binary.BigEndian.Uint32(lenBuf)
		body := make([]byte, length)
		if _, err := io.ReadFull(f, body); err != nil {
			logger.Warn("wal: torn tail reading body, truncating replay", "segment", path, "offset", offset)
			return nil
		}

		rec, err := decodeFrame(body)
		if err != nil {
			if errors.Is(err, ErrCorrupt) {
				logger.Warn("wal: CRC mismatch, truncating replay at last good record", "segment", path, "offset", offset)
				return nil
			}
			return fmt.Errorf("wal: decode frame in %s at %d: %w", path, offset, err)
		}

		offset += int64(lengthFieldSize) + int64(length)

		if rec.Sequence < fromSeq {
			continue
		}
		if err := visit(rec); err != nil {
			return fmt.Errorf("wal: visitor error at seq %d: %w", rec.Sequence, err)
		}
	}
}
