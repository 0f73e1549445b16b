package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/exchange-core/matchcore/internal/wal"
)

// DefaultPollInterval paces the follower's pull loop; it doubles as the
// heartbeat observation interval.
const DefaultPollInterval = 100 * time.Millisecond

// ErrDivergence marks a gap or sequence mismatch between the primary's
// stream and local state. The follower truncates its view at the
// divergence point and re-syncs; committed state is never mutated.
var ErrDivergence = errors.New("replication: log divergence")

// Applier re-runs one record's state transition locally — the same code
// path the primary ran. The engine's replay applier implements this.
type Applier interface {
	Apply(rec wal.Record) error
}

// Log is the slice of the local WAL writer the follower appends to.
type Log interface {
	Append(kind wal.Kind, timestampNs int64, payload []byte) (wal.Record, error)
}

// Follower pulls records from the primary and applies them. A follower
// never accepts client writes.
type Follower struct {
	http     *resty.Client
	log      Log
	applier  Applier
	logger   *slog.Logger
	interval time.Duration

	lastApplied atomic.Uint64
	commitIndex atomic.Uint64
}

// NewFollower creates a follower pulling from primaryURL. lastApplied is
// the highest sequence already present locally (from recovery replay).
func NewFollower(primaryURL string, log Log, applier Applier, lastApplied uint64, logger *slog.Logger) *Follower {
	httpClient := resty.New().
		SetBaseURL(primaryURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	f := &Follower{
		http:     httpClient,
		log:      log,
		applier:  applier,
		logger:   logger.With("component", "replication"),
		interval: DefaultPollInterval,
	}
	f.lastApplied.Store(lastApplied)
	return f
}

// CommitIndex is the highest sequence known committed on the primary and
// applied locally.
func (f *Follower) CommitIndex() uint64 { return f.commitIndex.Load() }

// LastApplied is the highest sequence applied locally.
func (f *Follower) LastApplied() uint64 { return f.lastApplied.Load() }

// Run polls the primary until ctx is cancelled. Pull errors are logged and
// retried on the next tick; divergence resets the pull cursor.
func (f *Follower) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.pullOnce(ctx); err != nil {
				f.logger.Warn("pull failed", "error", err, "last_applied", f.lastApplied.Load())
			}
		}
	}
}

// pullOnce fetches and applies the next batch of entries.
func (f *Follower) pullOnce(ctx context.Context) error {
	from := f.lastApplied.Load() + 1

	var result PullResponse
	resp, err := f.http.R().
		SetContext(ctx).
		SetQueryParam("from_seq", strconv.FormatUint(from, 10)).
		SetResult(&result).
		Get("/replication/entries")
	if err != nil {
		return fmt.Errorf("replication: pull: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("replication: pull: status %d: %s", resp.StatusCode(), resp.String())
	}

	return f.apply(result)
}

func (f *Follower) apply(batch PullResponse) error {
	for _, e := range batch.Entries {
		expect := f.lastApplied.Load() + 1
		if e.Sequence != expect {
			// Gap or replayed prefix: drop the batch and re-pull from the
			// divergence point next tick.
			f.logger.Warn("sequence divergence, re-syncing",
				"got", e.Sequence, "want", expect)
			return fmt.Errorf("%w: got %d want %d", ErrDivergence, e.Sequence, expect)
		}

		rec, err := f.log.Append(wal.Kind(e.Kind), e.TimestampNs, e.Payload)
		if err != nil {
			return fmt.Errorf("replication: local append: %w", err)
		}
		if rec.Sequence != e.Sequence {
			// The local log disagrees with the primary about the next
			// sequence; corruption-class, never silently continue.
			return fmt.Errorf("%w: local log assigned %d for primary seq %d",
				ErrDivergence, rec.Sequence, e.Sequence)
		}

		if err := f.applier.Apply(rec); err != nil {
			return fmt.Errorf("replication: apply seq %d: %w", e.Sequence, err)
		}
		f.lastApplied.Store(e.Sequence)
	}

	if commit := min(batch.LeaderCommit, f.lastApplied.Load()); commit > f.commitIndex.Load() {
		f.commitIndex.Store(commit)
	}
	return nil
}
