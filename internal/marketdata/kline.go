// Package marketdata derives the public data products from the book and
// trade stream: a periodic top-of-book snapshot per instrument, and K-line
// bars rolled up at the standard durations. The snapshot job is a
// ticker-driven poll loop; bar-boundary timing runs on a cron scheduler.
package marketdata

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/exchange-core/matchcore/internal/logrecord"
	"github.com/exchange-core/matchcore/internal/snapshot"
	"github.com/exchange-core/matchcore/internal/wal"
	"github.com/exchange-core/matchcore/pkg/types"
)

// Durations of the standard K-line ladder.
var Durations = []Duration{
	{"3s", 3 * time.Second},
	{"1min", time.Minute},
	{"5min", 5 * time.Minute},
	{"15min", 15 * time.Minute},
	{"30min", 30 * time.Minute},
	{"60min", time.Hour},
	{"daily", 24 * time.Hour},
}

// Duration is one bar granularity.
type Duration struct {
	Name string
	Span time.Duration
}

// CronSpec is the seconds-enabled cron expression that fires at this
// duration's bar boundaries.
func (d Duration) CronSpec() string {
	switch d.Name {
	case "3s":
		return "*/3 * * * * *"
	case "1min":
		return "0 * * * * *"
	case "5min":
		return "0 */5 * * * *"
	case "15min":
		return "0 */15 * * * *"
	case "30min":
		return "0 */30 * * * *"
	case "60min":
		return "0 0 * * * *"
	default: // daily
		return "0 0 0 * * *"
	}
}

// bar accumulates one window's OHLCV.
type bar struct {
	startNs int64
	open    decimal.Decimal
	high    decimal.Decimal
	low     decimal.Decimal
	close_  decimal.Decimal
	volume  decimal.Decimal
	openOI  decimal.Decimal
	closeOI decimal.Decimal
}

type barKey struct {
	instrument types.InstrumentID
	duration   string
}

// Aggregator rolls the trade stream into bars. Bars close either when a
// trade arrives in a later window or when the duration's boundary cron
// fires; empty windows emit a bar that carries the previous close forward
// and repeats the prior close_oi in both OI fields.
type Aggregator struct {
	log   Log
	snaps *snapshot.Manager

	mu      sync.Mutex
	current map[barKey]*bar
	lastOI  map[types.InstrumentID]decimal.Decimal
	// prevClose remembers the last emitted close per key, seeding empty
	// carry-forward bars.
	prevClose map[barKey]decimal.Decimal
	prevOI    map[barKey]decimal.Decimal
}

// NewAggregator creates an empty aggregator. snaps may be nil to skip
// patch emission (replay mode).
func NewAggregator(log Log, snaps *snapshot.Manager) *Aggregator {
	return &Aggregator{
		log:       log,
		snaps:     snaps,
		current:   make(map[barKey]*bar),
		lastOI:    make(map[types.InstrumentID]decimal.Decimal),
		prevClose: make(map[barKey]decimal.Decimal),
		prevOI:    make(map[barKey]decimal.Decimal),
	}
}

// SetOpenInterest records the instrument's current open interest; bars
// sample it when they open and close.
func (a *Aggregator) SetOpenInterest(ins types.InstrumentID, oi decimal.Decimal) {
	a.mu.Lock()
	a.lastOI[ins] = oi
	a.mu.Unlock()
}

// OnTrade feeds one fill into every duration's current bar.
func (a *Aggregator) OnTrade(ins types.InstrumentID, price, volume decimal.Decimal, tsNs int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	oi := a.lastOI[ins]
	for _, d := range Durations {
		key := barKey{ins, d.Name}
		start := windowStart(tsNs, d.Span)

		cur := a.current[key]
		if cur != nil && cur.startNs != start {
			a.emitLocked(key, d, cur)
			cur = nil
		}
		if cur == nil {
			cur = &bar{
				startNs: start,
				open:    price, high: price, low: price, close_: price,
				openOI: oi, closeOI: oi,
			}
			a.current[key] = cur
		}
		if price.GreaterThan(cur.high) {
			cur.high = price
		}
		if price.LessThan(cur.low) {
			cur.low = price
		}
		cur.close_ = price
		cur.volume = cur.volume.Add(volume)
		cur.closeOI = oi
	}
}

// CloseDue closes every bar of duration d whose window ended at or before
// now, emitting an empty carry-forward bar when the window saw no trades.
func (a *Aggregator) CloseDue(d Duration, now time.Time) {
	nowNs := now.UnixNano()
	closedStart := windowStart(nowNs, d.Span) - int64(d.Span) // the window that just ended

	a.mu.Lock()
	defer a.mu.Unlock()

	emitted := make(map[barKey]bool)
	for key, cur := range a.current {
		if key.duration != d.Name {
			continue
		}
		if cur.startNs <= closedStart {
			a.emitLocked(key, d, cur)
			delete(a.current, key)
			emitted[key] = true
		}
	}

	// Empty carry-forward: a key with an emitted history but no bar for the
	// closed window repeats its previous close and close_oi.
	for key, close_ := range a.prevClose {
		if key.duration != d.Name || emitted[key] {
			continue
		}
		if _, live := a.current[key]; live {
			continue
		}
		oi := a.prevOI[key]
		a.emitLocked(key, d, &bar{
			startNs: closedStart,
			open:    close_, high: close_, low: close_, close_: close_,
			openOI: oi, closeOI: oi,
		})
	}
}

// emitLocked writes the kline-finished record and the global patch.
// Callers hold a.mu.
func (a *Aggregator) emitLocked(key barKey, d Duration, b *bar) {
	endNs := b.startNs + int64(d.Span)
	payload := logrecord.KlineFinishedPayload{
		Instrument: key.instrument,
		Duration:   d.Name,
		Open:       b.open,
		High:       b.high,
		Low:        b.low,
		Close:      b.close_,
		Volume:     b.volume,
		OpenOI:     b.openOI,
		CloseOI:    b.closeOI,
		StartNs:    b.startNs,
		EndNs:      endNs,
	}
	if buf, err := logrecord.EncodeKlineFinished(payload); err == nil {
		a.log.Append(wal.KindKlineFinished, endNs, buf)
	}

	a.prevClose[key] = b.close_
	a.prevOI[key] = b.closeOI

	if a.snaps != nil {
		barID := strconv.FormatInt(b.startNs, 10)
		a.snaps.PushGlobal(snapshot.KlinePatch(key.instrument, d.Name, barID, map[string]any{
			"datetime": b.startNs,
			"open":     b.open.String(),
			"high":     b.high.String(),
			"low":      b.low.String(),
			"close":    b.close_.String(),
			"volume":   b.volume.String(),
			"open_oi":  b.openOI.String(),
			"close_oi": b.closeOI.String(),
		}))
	}
}

// windowStart truncates a nanosecond timestamp to its bar window.
func windowStart(tsNs int64, span time.Duration) int64 {
	s := int64(span)
	return tsNs - (tsNs % s)
}

// durationByName resolves one of the ladder's names.
func durationByName(name string) (Duration, error) {
	for _, d := range Durations {
		if d.Name == name {
			return d, nil
		}
	}
	return Duration{}, fmt.Errorf("marketdata: unknown duration %q", name)
}
