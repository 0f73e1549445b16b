package compaction

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/exchange-core/matchcore/internal/sstable"
	"github.com/exchange-core/matchcore/internal/wal"
)

// DefaultLevelSizeRatio is the target size multiple between adjacent levels
// ("size ratio ≈ 10").
const DefaultLevelSizeRatio = 10

// DefaultL0CompactionTrigger is the number of L0 tables that makes L0 the
// most urgent level regardless of byte size ("typically 4").
const DefaultL0CompactionTrigger = 4

// DefaultL1BudgetBytes bounds L1 before its size-over-budget ratio starts
// competing with L0's table-count trigger.
const DefaultL1BudgetBytes = 64 << 20

// Result summarizes one completed compaction, for logging and the metrics
// report as compaction efficiency.
type Result struct {
	Level          int
	InputTables    int
	OutputTables   int
	RecordsIn      int
	RecordsOut     int
	DroppedRecords int
}

// Controller is the background leveled-compaction scheduler. One Controller
// owns one directory's worth of SSTables and manifest; a store with several
// instruments sharded onto separate directories runs one Controller each.
type Controller struct {
	dir            string
	blockSizeBytes int
	maxTableBytes  int64
	levelSizeRatio int64
	l0Trigger      int

	logger *slog.Logger

	mu       sync.Mutex
	manifest Manifest

	levelSems []*semaphore.Weighted // one per level, weight 1: "at most one compaction per level at a time"

	resultsCh chan Result
}

// Option configures a Controller at construction.
type Option func(*Controller)

func WithBlockSize(n int) Option        { return func(c *Controller) { c.blockSizeBytes = n } }
func WithMaxTableBytes(n int64) Option  { return func(c *Controller) { c.maxTableBytes = n } }
func WithLevelSizeRatio(n int64) Option { return func(c *Controller) { c.levelSizeRatio = n } }
func WithL0Trigger(n int) Option        { return func(c *Controller) { c.l0Trigger = n } }

// New opens dir's manifest (reconciling against disk if it was lost) and
// returns a ready Controller.
func New(dir string, logger *slog.Logger, opts ...Option) (*Controller, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("compaction: mkdir %s: %w", dir, err)
	}
	manifest, err := LoadManifest(dir)
	if err != nil {
		return nil, err
	}
	if err := ReconcileDir(dir, manifest); err != nil {
		return nil, err
	}

	c := &Controller{
		dir:            dir,
		blockSizeBytes: sstable.DefaultBlockSizeBytes,
		maxTableBytes:  DefaultL1BudgetBytes,
		levelSizeRatio: DefaultLevelSizeRatio,
		l0Trigger:      DefaultL0CompactionTrigger,
		logger:         logger.With("component", "compaction", "dir", dir),
		manifest:       manifest,
		resultsCh:      make(chan Result, 16),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Results returns the channel completed compactions are reported on.
func (c *Controller) Results() <-chan Result {
	return c.resultsCh
}

// Publish registers a freshly flushed table at L0. Called by the memtable
// flush path, not by compaction itself.
func (c *Controller) Publish(meta TableMeta) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.manifest.Levels) == 0 {
		c.manifest.Levels = [][]TableMeta{nil}
	}
	c.manifest.Levels[0] = append(c.manifest.Levels[0], meta)
	return c.manifest.Save(c.dir)
}

// Run polls for the most urgent level and compacts it, until ctx is
// cancelled: an immediate first pass, then a ticker loop.
func (c *Controller) Run(ctx context.Context, interval time.Duration) {
	c.tick(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Controller) tick(ctx context.Context) {
	level, ok := c.mostUrgentLevel()
	if !ok {
		return
	}
	sem := c.levelSem(level)
	if !sem.TryAcquire(1) {
		return // a compaction is already running at this level
	}
	go func() {
		defer sem.Release(1)
		res, err := c.compactLevel(ctx, level)
		if err != nil {
			c.logger.Error("compaction failed", "level", level, "error", err)
			return
		}
		c.logger.Info("compaction complete", "level", level, "dropped", res.DroppedRecords,
			"tables_in", res.InputTables, "tables_out", res.OutputTables)
		select {
		case c.resultsCh <- res:
		default:
		}
	}()
}

func (c *Controller) levelSem(level int) *semaphore.Weighted {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.levelSems) <= level {
		c.levelSems = append(c.levelSems, semaphore.NewWeighted(1))
	}
	return c.levelSems[level]
}

// mostUrgentLevel ranks levels by size-over-budget ratio (table count for
// L0, bytes for everything else) and returns the worst offender, if any
// level exceeds its budget at all.
func (c *Controller) mostUrgentLevel() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bestLevel := -1
	bestRatio := 1.0

	if len(c.manifest.Levels) > 0 {
		ratio := float64(len(c.manifest.Levels[0])) / float64(c.l0Trigger)
		if ratio >= bestRatio {
			bestLevel, bestRatio = 0, ratio
		}
	}

	budget := c.maxTableBytes
	for lvl := 1; lvl < len(c.manifest.Levels); lvl++ {
		var size int64
		for _, t := range c.manifest.Levels[lvl] {
			size += t.SizeBytes
		}
		ratio := float64(size) / float64(budget)
		if ratio >= bestRatio {
			bestLevel, bestRatio = lvl, ratio
		}
		budget *= c.levelSizeRatio
	}

	if bestLevel < 0 {
		return 0, false
	}
	return bestLevel, true
}

// compactLevel merges level's input tables (all of L0, or one table from a
// higher level) with every overlapping table at level+1, drops superseded
// records, and publishes the merged output at level+1.
func (c *Controller) compactLevel(ctx context.Context, level int) (Result, error) {
	c.mu.Lock()
	var inputs []TableMeta
	if level == 0 {
		inputs = append(inputs, c.manifest.Levels[0]...)
	} else if len(c.manifest.Levels[level]) > 0 {
		inputs = append(inputs, c.manifest.Levels[level][0])
	}
	var nextLevel []TableMeta
	if level+1 < len(c.manifest.Levels) {
		nextLevel = c.manifest.Levels[level+1]
	}
	var overlapping []TableMeta
	for _, next := range nextLevel {
		for _, in := range inputs {
			if overlaps(in, next) {
				overlapping = append(overlapping, next)
				break
			}
		}
	}
	c.mu.Unlock()

	if len(inputs) == 0 {
		return Result{Level: level}, nil
	}

	all := append(append([]TableMeta{}, inputs...), overlapping...)

	var records []wal.Record
	for _, meta := range all {
		r, err := sstable.Open(meta.Path)
		if err != nil {
			return Result{}, fmt.Errorf("compaction: open %s: %w", meta.Path, err)
		}
		recs, err := r.All()
		r.Close()
		if err != nil {
			return Result{}, fmt.Errorf("compaction: read %s: %w", meta.Path, err)
		}
		records = append(records, recs...)
	}
	recordsIn := len(records)

	kept, dropped := dropSuperseded(records)

	outputs, err := c.writeLeveledTables(kept)
	if err != nil {
		return Result{}, err
	}

	if err := ctx.Err(); err != nil {
		for _, o := range outputs {
			os.Remove(o.Path)
		}
		return Result{}, err
	}

	c.mu.Lock()
	for len(c.manifest.Levels) <= level+1 {
		c.manifest.Levels = append(c.manifest.Levels, nil)
	}
	replaced := make(map[string]bool)
	for _, t := range all {
		replaced[t.Path] = true
	}
	if level == 0 {
		c.manifest.Levels[0] = nil
	} else {
		c.manifest.Levels[level] = removeTable(c.manifest.Levels[level], inputs[0].Path)
	}
	kept2 := c.manifest.Levels[level+1][:0]
	for _, t := range c.manifest.Levels[level+1] {
		if !replaced[t.Path] {
			kept2 = append(kept2, t)
		}
	}
	c.manifest.Levels[level+1] = append(kept2, outputs...)
	manifestErr := c.manifest.Save(c.dir)
	manifestCopy := c.manifest
	c.mu.Unlock()

	if manifestErr != nil {
		return Result{}, manifestErr
	}

	for path := range replaced {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("failed to unlink compacted table", "path", path, "error", err)
		}
	}
	_ = manifestCopy

	return Result{
		Level:          level,
		InputTables:    len(all),
		OutputTables:   len(outputs),
		RecordsIn:      recordsIn,
		RecordsOut:     len(kept),
		DroppedRecords: dropped,
	}, nil
}

func removeTable(level []TableMeta, path string) []TableMeta {
	out := level[:0]
	for _, t := range level {
		if t.Path != path {
			out = append(out, t)
		}
	}
	return out
}

// writeLeveledTables splits kept (already sorted) into chunks no larger than
// maxTableBytes (approximated by record count, since block compression
// ratio varies) and writes one SSTable per chunk via internal/sstable's
// write path.
func (c *Controller) writeLeveledTables(kept []wal.Record) ([]TableMeta, error) {
	if len(kept) == 0 {
		return nil, nil
	}

	avgRecordBytes := int64(64)
	maxRecordsPerTable := c.maxTableBytes / avgRecordBytes
	if maxRecordsPerTable < 1 {
		maxRecordsPerTable = 1
	}

	var outputs []TableMeta
	for start := 0; start < len(kept); {
		end := start + int(maxRecordsPerTable)
		if end > len(kept) {
			end = len(kept)
		}
		chunk := kept[start:end]

		name := sstable.NewTableName()
		path := filepath.Join(c.dir, name)
		if err := sstable.Write(path, chunk, c.blockSizeBytes); err != nil {
			return nil, fmt.Errorf("compaction: write %s: %w", path, err)
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}

		outputs = append(outputs, TableMeta{
			Path:        path,
			MinTS:       chunk[0].TimestampNs,
			MaxTS:       chunk[len(chunk)-1].TimestampNs,
			MinSeq:      chunk[0].Sequence,
			MaxSeq:      chunk[len(chunk)-1].Sequence,
			RecordCount: uint64(len(chunk)),
			SizeBytes:   info.Size(),
		})
		start = end
	}
	return outputs, nil
}
