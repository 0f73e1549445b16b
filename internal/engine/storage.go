// Package engine wires the exchange core together: the storage pipeline
// (WAL → memtables → SSTables → compaction), the matching and account
// layers, the snapshot and notification fabrics, market data, and the
// replication role. The orchestrator shape — construct leaves, connect
// them with channels/accessors, run the background loops under one
// errgroup, shut down on context cancel.
package engine

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/exchange-core/matchcore/internal/compaction"
	"github.com/exchange-core/matchcore/internal/memtable"
	"github.com/exchange-core/matchcore/internal/sstable"
	"github.com/exchange-core/matchcore/internal/wal"
)

// Storage is the write path every state-changing record takes: durable WAL
// append first, then the memtables; sealed memtables flush to L0 SSTables
// in the background and the compaction controller takes it from there.
type Storage struct {
	logger    *slog.Logger
	wal       *wal.Writer
	compactor *compaction.Controller
	sstDir    string
	sealBytes int
	blockSize int

	mu       sync.Mutex
	mem      *memtable.Router
	sealSeq  atomic.Int64 // logical seal clock, not wall time
	flushWG  sync.WaitGroup
}

// NewStorage assembles the pipeline over an already-opened WAL writer and
// compaction controller.
func NewStorage(logger *slog.Logger, w *wal.Writer, compactor *compaction.Controller, sstDir string, sealBytes, blockSize int) (*Storage, error) {
	if sealBytes <= 0 {
		sealBytes = memtable.DefaultSealSizeBytes
	}
	if err := os.MkdirAll(sstDir, 0o755); err != nil {
		return nil, fmt.Errorf("engine: create sst dir: %w", err)
	}
	return &Storage{
		logger:    logger.With("component", "storage"),
		wal:       w,
		compactor: compactor,
		sstDir:    sstDir,
		sealBytes: sealBytes,
		blockSize: blockSize,
		mem:       memtable.NewRouter(),
	}, nil
}

// Append writes the record durably and makes it readable: WAL first (group
// commit), then the memtables. Returns after the record's commit group is
// flushed.
func (s *Storage) Append(kind wal.Kind, timestampNs int64, payload []byte) (wal.Record, error) {
	rec, err := s.wal.Append(kind, timestampNs, payload)
	if err != nil {
		return wal.Record{}, err
	}

	s.mu.Lock()
	s.mem.Put(rec)
	if s.mem.Row.SizeBytes() >= s.sealBytes {
		sealed := s.mem
		s.mem = memtable.NewRouter()
		sealed.Row.Seal(s.sealSeq.Add(1))
		sealed.Column.Seal(s.sealSeq.Load())
		s.flushWG.Add(1)
		go s.flush(sealed)
	}
	s.mu.Unlock()

	return rec, nil
}

// flush streams a sealed memtable into one L0 SSTable and registers it
// with the compaction controller. The sealed memtable is held only by this
// goroutine: Memtable() no longer returns it while it flushes, and it is
// released whether or not the write succeeds. A flush failure is logged and
// no table is published; its records then remain only in the WAL segments,
// which a later successful flush may truncate.
func (s *Storage) flush(sealed *memtable.Router) {
	defer s.flushWG.Done()

	records := sealed.Row.All()
	if len(records) == 0 {
		return
	}

	path := filepath.Join(s.sstDir, sstable.NewTableName())
	if err := sstable.Write(path, records, s.blockSize); err != nil {
		s.logger.Error("memtable flush failed", "path", path, "error", err)
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		s.logger.Error("stat flushed table", "path", path, "error", err)
		return
	}

	meta := compaction.TableMeta{
		Path:        path,
		MinTS:       records[0].TimestampNs,
		MaxTS:       records[len(records)-1].TimestampNs,
		MinSeq:      records[0].Sequence,
		MaxSeq:      records[len(records)-1].Sequence,
		RecordCount: uint64(len(records)),
		SizeBytes:   info.Size(),
	}
	if err := s.compactor.Publish(meta); err != nil {
		s.logger.Error("publish flushed table", "path", path, "error", err)
		return
	}

	// The flushed range is durable in an SSTable; older WAL segments below
	// it are no longer needed for recovery.
	if err := s.wal.TruncateBefore(meta.MaxSeq); err != nil {
		s.logger.Warn("wal truncate after flush", "error", err)
	}
	s.logger.Info("memtable flushed", "records", len(records), "path", path)
}

// Drain waits for in-flight flushes, for shutdown.
func (s *Storage) Drain() {
	s.flushWG.Wait()
}

// Memtable exposes the live memtable router for read paths.
func (s *Storage) Memtable() *memtable.Router {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mem
}
