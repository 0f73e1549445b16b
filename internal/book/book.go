// Package book implements the per-instrument, price-time-priority matching
// engine: insert, cancel, best-bid/ask, and depth. One mutex guards one
// instrument's book; the read-mostly accessors (BestBid/BestAsk/Depth) take
// the read lock only.
package book

import (
	"errors"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/exchange-core/matchcore/pkg/types"
)

var (
	// ErrNonPositiveVolume is returned by Insert for an order whose Remaining
	// is zero or negative.
	ErrNonPositiveVolume = errors.New("book: order volume must be positive")
	// ErrOrderNotFound is returned by Cancel for an unknown or already
	// terminal order id.
	ErrOrderNotFound = errors.New("book: order not found")
)

// DepthLevel is one side's price/volume pair, as returned by Depth.
type DepthLevel struct {
	Price  decimal.Decimal
	Volume decimal.Decimal
}

// Book is one instrument's live order book.
type Book struct {
	mu         sync.RWMutex
	instrument types.InstrumentID
	bids       []*level // ascending price; best bid is the last element
	asks       []*level // ascending price; best ask is the first element
	orders     map[types.OrderID]orderLocation
}

// New creates an empty book for instrument.
func New(instrument types.InstrumentID) *Book {
	return &Book{
		instrument: instrument,
		orders:     make(map[types.OrderID]orderLocation),
	}
}

// InsertResult is the outcome of Insert.
type InsertResult struct {
	Trades  []types.Trade
	Resting bool
}

// Insert matches order against the opposite side, then rests any remaining
// limit quantity on order's own side.
// order.Remaining, order.Status, and order.RejectReason are mutated in
// place; Trade.Sequence and Trade.Commission are left zero for the caller
// (the WAL writer and account manager, respectively) to fill in.
func (b *Book) Insert(order *types.Order, tradeSeq Sequencer) (InsertResult, error) {
	if !order.Remaining.IsPositive() {
		return InsertResult{}, ErrNonPositiveVolume
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if order.VolumeCond == types.VolumeAll && !b.canFillAll(order) {
		order.RejectReason = "no liquidity"
		order.Status = types.Cancelled
		return InsertResult{}, nil
	}

	var trades []types.Trade
	opposite := b.levelsFor(order.Side.Opposite())

	for order.Remaining.IsPositive() {
		lvl, ok := bestOf(*opposite, order.Side.Opposite())
		if !ok || !crosses(order, lvl.price) {
			break
		}

		for order.Remaining.IsPositive() && !lvl.empty() {
			front := lvl.orders.Front()
			maker := front.Value.(*types.Order)

			fillQty := decimal.Min(order.Remaining, maker.Remaining)
			order.Remaining = order.Remaining.Sub(fillQty)
			maker.Remaining = maker.Remaining.Sub(fillQty)
			lvl.volume = lvl.volume.Sub(fillQty)

			trades = append(trades, types.Trade{
				ID:         types.TradeID(tradeSeq.Next()),
				MakerOrder: maker.ID,
				TakerOrder: order.ID,
				Instrument: b.instrument,
				Price:      lvl.price,
				Volume:     fillQty,
				TakerSide:  order.Side,
				Offset:     order.Offset,
			})

			if maker.Remaining.IsZero() {
				maker.Status = types.FullyFilled
				lvl.orders.Remove(front)
				delete(b.orders, maker.ID)
			} else {
				maker.Status = types.PartiallyFilled
			}
		}

		if lvl.empty() {
			b.removeLevel(order.Side.Opposite(), lvl.price)
		}
	}

	return b.finalize(order, trades), nil
}

// finalize sets order's terminal/resting status once matching has run its
// course, and rests the remainder if the order is a resting limit order.
func (b *Book) finalize(order *types.Order, trades []types.Trade) InsertResult {
	if order.Remaining.IsZero() {
		order.Status = types.FullyFilled
		return InsertResult{Trades: trades}
	}

	canRest := order.PriceType == types.Limit && order.TimeInForce != types.IOC
	if canRest {
		b.rest(order)
		if order.Filled().IsPositive() {
			order.Status = types.PartiallyFilled
		} else {
			order.Status = types.Submitted
		}
		return InsertResult{Trades: trades, Resting: true}
	}

	// Market/Any orders, and IOC limit orders, never rest: any remainder is
	// cancelled for lack of liquidity.
	order.RejectReason = "no liquidity"
	if order.Filled().IsPositive() {
		order.Status = types.PartiallyFilled
	} else {
		order.Status = types.Cancelled
	}
	return InsertResult{Trades: trades}
}

// canFillAll reports whether the book currently holds enough crossable
// opposite-side volume to fill order completely, without mutating any
// state — the all-or-none pre-check for types.VolumeAll.
func (b *Book) canFillAll(order *types.Order) bool {
	levels := *b.levelsFor(order.Side.Opposite())
	available := decimal.Zero
	for _, lvl := range iterFrom(levels, order.Side.Opposite()) {
		if !crosses(order, lvl.price) {
			break
		}
		available = available.Add(lvl.volume)
		if available.GreaterThanOrEqual(order.Remaining) {
			return true
		}
	}
	return false
}

// Cancel removes a resting order. Cancellation is idempotent at the book
// level in the sense that an unknown or already-removed id returns
// ErrOrderNotFound rather than panicking — callers (the router) decide
// whether a second cancel of the same id is itself an error.
func (b *Book) Cancel(id types.OrderID) (*types.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	loc, ok := b.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	order := loc.elem.Value.(*types.Order)

	lvl := b.findLevel(loc.side, loc.price)
	if lvl != nil {
		lvl.remove(loc.elem)
		if lvl.empty() {
			b.removeLevel(loc.side, loc.price)
		}
	}
	delete(b.orders, id)

	order.Status = types.Cancelled
	return order, nil
}

// Reduce shrinks a resting order's remaining quantity in place, keeping
// its queue position. by must leave the order with positive remaining —
// reducing to zero is a cancel, not a reduce.
func (b *Book) Reduce(id types.OrderID, by decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	loc, ok := b.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	order := loc.elem.Value.(*types.Order)
	if !by.IsPositive() || by.GreaterThanOrEqual(order.Remaining) {
		return ErrNonPositiveVolume
	}

	order.Remaining = order.Remaining.Sub(by)
	order.Original = order.Original.Sub(by)
	if lvl := b.findLevel(loc.side, loc.price); lvl != nil {
		lvl.volume = lvl.volume.Sub(by)
	}
	return nil
}

// BestBid returns the highest resting bid price and its level volume.
func (b *Book) BestBid() (decimal.Decimal, decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.bids) == 0 {
		return decimal.Zero, decimal.Zero, false
	}
	top := b.bids[len(b.bids)-1]
	return top.price, top.volume, true
}

// BestAsk returns the lowest resting ask price and its level volume.
func (b *Book) BestAsk() (decimal.Decimal, decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.asks) == 0 {
		return decimal.Zero, decimal.Zero, false
	}
	top := b.asks[0]
	return top.price, top.volume, true
}

// Depth returns up to k price levels per side, best-first.
func (b *Book) Depth(k int) (bids, asks []DepthLevel) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for i := len(b.bids) - 1; i >= 0 && len(bids) < k; i-- {
		bids = append(bids, DepthLevel{Price: b.bids[i].price, Volume: b.bids[i].volume})
	}
	for i := 0; i < len(b.asks) && len(asks) < k; i++ {
		asks = append(asks, DepthLevel{Price: b.asks[i].price, Volume: b.asks[i].volume})
	}
	return bids, asks
}

// rest appends order to the back of its own price level — "price-level
// order preserves ascending arrival sequence".
func (b *Book) rest(order *types.Order) {
	lvl := b.getOrCreateLevel(order.Side, order.LimitPrice)
	elem := lvl.pushBack(order)
	b.orders[order.ID] = orderLocation{side: order.Side, price: order.LimitPrice, elem: elem}
}

func (b *Book) levelsFor(side types.Side) *[]*level {
	if side == types.Buy {
		return &b.bids
	}
	return &b.asks
}

func (b *Book) getOrCreateLevel(side types.Side, price decimal.Decimal) *level {
	levels := b.levelsFor(side)
	i := sort.Search(len(*levels), func(i int) bool { return !(*levels)[i].price.LessThan(price) })
	if i < len(*levels) && (*levels)[i].price.Equal(price) {
		return (*levels)[i]
	}
	lvl := newLevel(price)
	*levels = append(*levels, nil)
	copy((*levels)[i+1:], (*levels)[i:])
	(*levels)[i] = lvl
	return lvl
}

func (b *Book) findLevel(side types.Side, price decimal.Decimal) *level {
	levels := b.levelsFor(side)
	i := sort.Search(len(*levels), func(i int) bool { return !(*levels)[i].price.LessThan(price) })
	if i < len(*levels) && (*levels)[i].price.Equal(price) {
		return (*levels)[i]
	}
	return nil
}

func (b *Book) removeLevel(side types.Side, price decimal.Decimal) {
	levels := b.levelsFor(side)
	i := sort.Search(len(*levels), func(i int) bool { return !(*levels)[i].price.LessThan(price) })
	if i < len(*levels) && (*levels)[i].price.Equal(price) {
		*levels = append((*levels)[:i], (*levels)[i+1:]...)
	}
}

// bestOf returns the top (best-priced) level of levels, which is ascending
// for both sides: the last element for bids (highest price wins), the first
// for asks (lowest price wins).
func bestOf(levels []*level, side types.Side) (*level, bool) {
	if len(levels) == 0 {
		return nil, false
	}
	if side == types.Buy {
		return levels[len(levels)-1], true
	}
	return levels[0], true
}

// iterFrom walks levels in best-to-worst order for side.
func iterFrom(levels []*level, side types.Side) []*level {
	if side != types.Buy {
		return levels
	}
	out := make([]*level, len(levels))
	for i, l := range levels {
		out[len(levels)-1-i] = l
	}
	return out
}

// crosses reports whether an order at price (the opposite side's top level)
// is marketable against taker. Market/Any orders always cross.
func crosses(taker *types.Order, price decimal.Decimal) bool {
	if taker.PriceType != types.Limit {
		return true
	}
	if taker.Side == types.Buy {
		return taker.LimitPrice.GreaterThanOrEqual(price)
	}
	return taker.LimitPrice.LessThanOrEqual(price)
}
