package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/exchange-core/matchcore/internal/book"
	"github.com/exchange-core/matchcore/internal/logrecord"
	"github.com/exchange-core/matchcore/internal/snapshot"
	"github.com/exchange-core/matchcore/internal/wal"
	"github.com/exchange-core/matchcore/pkg/types"
)

// DefaultSnapshotInterval paces the top-of-book snapshot job.
const DefaultSnapshotInterval = time.Second

// DefaultDepthLevels is how many levels per side a snapshot carries.
const DefaultDepthLevels = 5

// Log is the slice of the WAL writer market data appends to.
type Log interface {
	Append(kind wal.Kind, timestampNs int64, payload []byte) (wal.Record, error)
}

// TopOfBook is the read-only slice of an order book the generator needs.
type TopOfBook interface {
	BestBid() (decimal.Decimal, decimal.Decimal, bool)
	BestAsk() (decimal.Decimal, decimal.Decimal, bool)
	Depth(k int) (bids, asks []book.DepthLevel)
}

// InstrumentSource resolves instruments for reference prices.
type InstrumentSource interface {
	Get(id types.InstrumentID) (types.Instrument, error)
}

// dayCounters is one instrument's running session OHLCV.
type dayCounters struct {
	open   decimal.Decimal
	high   decimal.Decimal
	low    decimal.Decimal
	last   decimal.Decimal
	volume decimal.Decimal
	seen   bool
}

// Generator runs the periodic snapshot job and owns the K-line aggregator.
type Generator struct {
	logger      *slog.Logger
	log         Log
	snaps       *snapshot.Manager
	instruments InstrumentSource
	bookOf      func(types.InstrumentID) TopOfBook
	interval    time.Duration
	depthLevels int

	mu         sync.Mutex
	subscribed map[types.InstrumentID]bool
	day        map[types.InstrumentID]*dayCounters

	Klines *Aggregator
}

// NewGenerator wires a generator. bookOf resolves an instrument's live
// book (the router's accessor).
func NewGenerator(logger *slog.Logger, log Log, snaps *snapshot.Manager, instruments InstrumentSource, bookOf func(types.InstrumentID) TopOfBook) *Generator {
	return &Generator{
		logger:      logger.With("component", "marketdata"),
		log:         log,
		snaps:       snaps,
		instruments: instruments,
		bookOf:      bookOf,
		interval:    DefaultSnapshotInterval,
		depthLevels: DefaultDepthLevels,
		subscribed:  make(map[types.InstrumentID]bool),
		day:         make(map[types.InstrumentID]*dayCounters),
		Klines:      NewAggregator(log, snaps),
	}
}

// Subscribe adds an instrument to the snapshot rotation.
func (g *Generator) Subscribe(ins types.InstrumentID) {
	g.mu.Lock()
	g.subscribed[ins] = true
	g.mu.Unlock()
}

// Unsubscribe removes an instrument from the rotation.
func (g *Generator) Unsubscribe(ins types.InstrumentID) {
	g.mu.Lock()
	delete(g.subscribed, ins)
	g.mu.Unlock()
}

// OnTrade feeds a fill into the day counters and the K-line ladder.
func (g *Generator) OnTrade(ins types.InstrumentID, price, volume decimal.Decimal, tsNs int64) {
	g.mu.Lock()
	dc, ok := g.day[ins]
	if !ok {
		dc = &dayCounters{}
		g.day[ins] = dc
	}
	if !dc.seen {
		dc.open, dc.high, dc.low = price, price, price
		dc.seen = true
	}
	if price.GreaterThan(dc.high) {
		dc.high = price
	}
	if price.LessThan(dc.low) {
		dc.low = price
	}
	dc.last = price
	dc.volume = dc.volume.Add(volume)
	g.mu.Unlock()

	g.Klines.OnTrade(ins, price, volume, tsNs)
}

// Run starts the snapshot ticker and the bar-boundary cron, blocking until
// ctx is cancelled.
func (g *Generator) Run(ctx context.Context) error {
	c := cron.New(cron.WithSeconds())
	for _, d := range Durations {
		d := d
		if _, err := c.AddFunc(d.CronSpec(), func() { g.Klines.CloseDue(d, time.Now()) }); err != nil {
			return fmt.Errorf("marketdata: schedule %s bars: %w", d.Name, err)
		}
	}
	c.Start()
	defer c.Stop()

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			g.snapshotAll(time.Now().UnixNano())
		}
	}
}

// snapshotAll emits one tick + depth record and one global quote patch per
// subscribed instrument.
func (g *Generator) snapshotAll(nowNs int64) {
	g.mu.Lock()
	subs := make([]types.InstrumentID, 0, len(g.subscribed))
	for ins := range g.subscribed {
		subs = append(subs, ins)
	}
	g.mu.Unlock()

	for _, ins := range subs {
		if err := g.snapshotOne(ins, nowNs); err != nil {
			g.logger.Warn("snapshot failed", "instrument", ins, "error", err)
		}
	}
}

func (g *Generator) snapshotOne(id types.InstrumentID, nowNs int64) error {
	bk := g.bookOf(id)
	ins, err := g.instruments.Get(id)
	if err != nil {
		return err
	}

	bidPrice, bidVol, _ := bk.BestBid()
	askPrice, askVol, _ := bk.BestAsk()
	bids, asks := bk.Depth(g.depthLevels)

	g.mu.Lock()
	dc := g.day[id]
	var last, high, low, open, volume decimal.Decimal
	if dc != nil && dc.seen {
		last, high, low, open, volume = dc.last, dc.high, dc.low, dc.open, dc.volume
	}
	g.mu.Unlock()

	tick := logrecord.TickPayload{
		Instrument:  id,
		BidPrice:    bidPrice,
		BidVolume:   bidVol,
		AskPrice:    askPrice,
		AskVolume:   askVol,
		Last:        last,
		TimestampNs: nowNs,
	}
	if buf, err := logrecord.EncodeTick(tick); err == nil {
		if _, err := g.log.Append(wal.KindTick, nowNs, buf); err != nil {
			return fmt.Errorf("append tick: %w", err)
		}
	}

	depth := logrecord.OrderbookSnapshotPayload{Instrument: id, TimestampNs: nowNs}
	for _, l := range bids {
		depth.Bids = append(depth.Bids, logrecord.DepthLevel{Price: l.Price, Volume: l.Volume})
	}
	for _, l := range asks {
		depth.Asks = append(depth.Asks, logrecord.DepthLevel{Price: l.Price, Volume: l.Volume})
	}
	if buf, err := logrecord.EncodeOrderbookSnapshot(depth); err == nil {
		if _, err := g.log.Append(wal.KindOrderbookSnapshot, nowNs, buf); err != nil {
			return fmt.Errorf("append depth: %w", err)
		}
	}

	if g.snaps != nil {
		change := decimal.Zero
		if !ins.PreClose.IsZero() && !last.IsZero() {
			change = last.Sub(ins.PreClose)
		}
		g.snaps.PushGlobal(snapshot.QuotePatch(id, map[string]any{
			"instrument_id": string(id),
			"last_price":    last.String(),
			"bid_price1":    bidPrice.String(),
			"bid_volume1":   bidVol.String(),
			"ask_price1":    askPrice.String(),
			"ask_volume1":   askVol.String(),
			"highest":       high.String(),
			"lowest":        low.String(),
			"open":          open.String(),
			"volume":        volume.String(),
			"pre_close":     ins.PreClose.String(),
			"change":        change.String(),
			"datetime_ns":   nowNs,
		}))
	}
	return nil
}
