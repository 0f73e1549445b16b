// Package router is the matching coordinator: it accepts order intents,
// runs pre-trade risk, appends the order-insert record, drives the book,
// and hands matcher output to the trade gateway. Each instrument's shard
// lock covers the WAL append and the book operation together, so the WAL
// sequence of insert/cancel records equals the order the book observed
// them.
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/exchange-core/matchcore/internal/account"
	"github.com/exchange-core/matchcore/internal/book"
	"github.com/exchange-core/matchcore/internal/gateway"
	"github.com/exchange-core/matchcore/internal/instrument"
	"github.com/exchange-core/matchcore/internal/logrecord"
	"github.com/exchange-core/matchcore/internal/wal"
	"github.com/exchange-core/matchcore/pkg/types"
)

// Log is the slice of the WAL writer the router needs.
type Log interface {
	Append(kind wal.Kind, timestampNs int64, payload []byte) (wal.Record, error)
}

// SubmitIntent is a client's order request, pre-validation.
type SubmitIntent struct {
	Account     types.AccountID
	ClientID    types.ClientOrderID
	Instrument  types.InstrumentID
	Side        types.Side
	Offset      types.Offset
	Volume      decimal.Decimal
	PriceType   types.PriceType
	LimitPrice  decimal.Decimal
	TimeInForce types.TimeInForce
	VolumeCond  types.VolumeCondition
}

// liveOrder pairs a resting order with the reservation backing it.
type liveOrder struct {
	order *types.Order
	res   *account.Reservation
}

// shard is one instrument's serialization domain: its book plus the lock
// under which WAL appends and book mutations for that instrument happen.
type shard struct {
	mu   sync.Mutex
	book *book.Book
}

// Router coordinates submit/cancel across risk, WAL, book, and gateway.
type Router struct {
	logger   *slog.Logger
	registry *instrument.Registry
	accounts *account.Manager
	log      Log
	gateway  *gateway.Gateway
	idSeq    book.Sequencer // order ids double as arrival sequence
	tradeSeq book.Sequencer
	breaker  *breaker

	mu       sync.RWMutex
	shards   map[types.InstrumentID]*shard
	live     map[types.OrderID]*liveOrder
	archived map[types.OrderID]types.AccountID // terminal orders, for cancel idempotence

	condMu      sync.Mutex
	conditional map[types.OrderID]*ConditionalOrder
	lastPrice   map[types.InstrumentID]decimal.Decimal

	now func() int64
}

// New wires a router. idSeq and tradeSeq usually share one sequencer so
// order and trade ids interleave monotonically.
func New(logger *slog.Logger, registry *instrument.Registry, accounts *account.Manager, log Log, gw *gateway.Gateway, idSeq, tradeSeq book.Sequencer) *Router {
	return &Router{
		logger:      logger.With("component", "router"),
		registry:    registry,
		accounts:    accounts,
		log:         log,
		gateway:     gw,
		idSeq:       idSeq,
		tradeSeq:    tradeSeq,
		breaker:     newBreaker(DefaultBreakerThreshold),
		shards:      make(map[types.InstrumentID]*shard),
		live:        make(map[types.OrderID]*liveOrder),
		archived:    make(map[types.OrderID]types.AccountID),
		conditional: make(map[types.OrderID]*ConditionalOrder),
		lastPrice:   make(map[types.InstrumentID]decimal.Decimal),
		now:         func() int64 { return time.Now().UnixNano() },
	}
}

func (r *Router) shardFor(id types.InstrumentID) *shard {
	r.mu.RLock()
	sh, ok := r.shards[id]
	r.mu.RUnlock()
	if ok {
		return sh
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if sh, ok := r.shards[id]; ok {
		return sh
	}
	sh = &shard{book: book.New(id)}
	r.shards[id] = sh
	return sh
}

// Book exposes an instrument's book for read-only depth/top queries (the
// market data job). Never mutate through it.
func (r *Router) Book(id types.InstrumentID) *book.Book {
	return r.shardFor(id).book
}

// ResetBreaker closes the storage circuit breaker after an operator has
// cleared the underlying fault.
func (r *Router) ResetBreaker() { r.breaker.Reset() }

// SetBreakerThreshold replaces the trip threshold. Call during wiring,
// before any submits.
func (r *Router) SetBreakerThreshold(n int64) { r.breaker = newBreaker(n) }

// Submit runs the full submit path: resolve, pre-trade risk, WAL append,
// match, settle trades, events. It returns the exchange order id, or a
// *Rejection. A successful submit returns only after the order-insert
// record is durable.
func (r *Router) Submit(intent SubmitIntent) (types.OrderID, error) {
	if r.breaker.Open() {
		return 0, reject(CodeStorage, "storage unavailable, rejecting all orders", ErrRejectAll)
	}

	ins, err := r.registry.Get(intent.Instrument)
	if err != nil {
		return 0, reject(CodeValidation, fmt.Sprintf("unknown instrument %s", intent.Instrument), err)
	}
	if intent.PriceType == types.Limit && !intent.LimitPrice.IsPositive() {
		return 0, reject(CodeValidation, "limit order requires a positive price", nil)
	}

	sh := r.shardFor(intent.Instrument)
	checkPrice := r.riskPrice(sh, &ins, intent)

	res, err := r.accounts.PreTradeCheck(intent.Account, &ins, intent.Side, intent.Offset, checkPrice, intent.Volume)
	if err != nil {
		return 0, r.rejectPreTrade(intent.Account, err)
	}

	order := &types.Order{
		ID:          types.OrderID(r.idSeq.Next()),
		ClientID:    intent.ClientID,
		Account:     intent.Account,
		Instrument:  intent.Instrument,
		Side:        intent.Side,
		Offset:      intent.Offset,
		Original:    intent.Volume,
		Remaining:   intent.Volume,
		PriceType:   intent.PriceType,
		LimitPrice:  intent.LimitPrice,
		TimeInForce: intent.TimeInForce,
		VolumeCond:  intent.VolumeCond,
		SubmittedAt: time.Now(),
		Status:      types.PendingRoute,
	}

	sh.mu.Lock()

	rec, err := r.appendOrderInsert(order)
	if err != nil {
		sh.mu.Unlock()
		if relErr := r.accounts.ReleaseReservation(res); relErr != nil {
			r.logger.Error("release after WAL failure", "order", order.ID, "error", relErr)
		}
		return 0, reject(CodeStorage, "write-ahead log append failed", err)
	}
	order.Sequence = types.Sequence(rec.Sequence)
	r.appendAccountState(order.Account)

	result, err := sh.book.Insert(order, r.tradeSeq)
	if err != nil {
		// Unreachable for a validated order; matching is pure computation.
		sh.mu.Unlock()
		r.logger.Error("book insert failed", "order", order.ID, "error", err)
		if relErr := r.accounts.ReleaseReservation(res); relErr != nil {
			r.logger.Error("release after book failure", "order", order.ID, "error", relErr)
		}
		return 0, reject(CodeValidation, err.Error(), err)
	}

	r.gateway.OrderAccepted(order)
	lastPrice := r.settleTrades(order, res, &ins, result.Trades)

	if result.Resting {
		r.mu.Lock()
		r.live[order.ID] = &liveOrder{order: order, res: res}
		r.mu.Unlock()
	} else {
		r.finishTaker(order, res)
	}
	sh.mu.Unlock()

	// Conditional triggers fire outside the shard lock: a fired submit
	// re-enters the same shard.
	if lastPrice.IsPositive() {
		r.recordLastPrice(order.Instrument, lastPrice)
	}
	return order.ID, nil
}

// riskPrice is the price the pre-trade margin and daily-limit checks use:
// the limit price for limit orders, the opposite touch for market orders,
// falling back to the previous settlement when the book is empty.
func (r *Router) riskPrice(sh *shard, ins *types.Instrument, intent SubmitIntent) decimal.Decimal {
	if intent.PriceType == types.Limit {
		return intent.LimitPrice
	}
	if intent.Side == types.Buy {
		if price, _, ok := sh.book.BestAsk(); ok {
			return price
		}
	} else {
		if price, _, ok := sh.book.BestBid(); ok {
			return price
		}
	}
	return ins.PreSettlement
}

// rejectPreTrade classifies a pre-trade failure: bad parameters are
// validation (silent), funds/position/suspension are risk (P0 alert).
func (r *Router) rejectPreTrade(accountID types.AccountID, err error) error {
	switch {
	case errors.Is(err, account.ErrNonPositiveVolume),
		errors.Is(err, account.ErrPriceOutsideLimit):
		return reject(CodeValidation, err.Error(), err)
	default:
		r.gateway.RiskAlert(accountID, err.Error())
		return reject(CodeRisk, err.Error(), err)
	}
}

func (r *Router) appendOrderInsert(order *types.Order) (wal.Record, error) {
	payload, err := logrecord.EncodeOrderInsert(logrecord.OrderInsertPayload{Order: *order})
	if err != nil {
		return wal.Record{}, err
	}
	rec, err := r.log.Append(wal.KindOrderInsert, r.now(), payload)
	if err != nil {
		r.breaker.RecordFailure()
		return wal.Record{}, err
	}
	r.breaker.RecordSuccess()
	return rec, nil
}

// appendAccountState snapshots an account's cash state into the log. The
// pre-trade freeze and the cancel-path release both mutate balances
// without a trade record, so each logs the resulting state itself — replay
// after a hard kill must see the frozen margin a resting order holds.
func (r *Router) appendAccountState(id types.AccountID) {
	acc, ok := r.accounts.Account(id)
	if !ok {
		return
	}
	payload, err := logrecord.EncodeAccountUpdate(logrecord.AccountUpdatePayload{Account: acc})
	if err != nil {
		r.logger.Error("encode account state", "account", id, "error", err)
		return
	}
	if _, err := r.log.Append(wal.KindAccountUpdate, r.now(), payload); err != nil {
		r.logger.Error("append account state", "account", id, "error", err)
	}
}

func (r *Router) appendOrderCancel(order *types.Order, reason string) {
	payload, err := logrecord.EncodeOrderCancel(logrecord.OrderCancelPayload{
		OrderID: order.ID,
		Account: order.Account,
		Reason:  reason,
	})
	if err != nil {
		r.logger.Error("encode cancel", "order", order.ID, "error", err)
		return
	}
	if _, err := r.log.Append(wal.KindOrderCancel, r.now(), payload); err != nil {
		r.breaker.RecordFailure()
		r.logger.Error("append cancel", "order", order.ID, "error", err)
		return
	}
	r.breaker.RecordSuccess()
}

// settleTrades commits each trade through the gateway, pairing the taker's
// reservation with each maker's, and retires fully-filled makers. It
// returns the last traded price (zero when no trades) for the caller to
// feed the conditional-order watcher after the shard lock is released.
func (r *Router) settleTrades(taker *types.Order, takerRes *account.Reservation, ins *types.Instrument, trades []types.Trade) decimal.Decimal {
	last := decimal.Zero
	for i := range trades {
		trade := &trades[i]
		trade.TimestampNs = r.now()

		r.mu.RLock()
		maker, ok := r.live[trade.MakerOrder]
		r.mu.RUnlock()
		if !ok {
			// A maker without a live entry means book and router state have
			// diverged; corruption-class, surface loudly and skip the fill.
			r.logger.Error("maker order missing from live table", "maker", trade.MakerOrder, "trade", trade.ID)
			continue
		}

		err := r.gateway.HandleTrade(trade, gateway.Side{Order: maker.order, Res: maker.res}, gateway.Side{Order: taker, Res: takerRes}, ins)
		if err != nil {
			r.logger.Error("trade commit failed", "trade", trade.ID, "error", err)
			continue
		}

		if maker.order.Status.Terminal() {
			r.retire(maker.order)
		}
		last = trade.Price
	}
	return last
}

// finishTaker handles a taker order that did not rest: fully filled, or
// remainder cancelled for lack of liquidity.
func (r *Router) finishTaker(order *types.Order, res *account.Reservation) {
	if order.Status == types.Cancelled || (order.Status == types.PartiallyFilled && order.Remaining.IsPositive()) {
		// Market/IOC remainder cancelled "no liquidity": release what never
		// filled and log the cancel. A partially-filled non-resting order is
		// terminal here.
		r.appendOrderCancel(order, order.RejectReason)
		if err := r.accounts.ReleaseReservation(res); err != nil {
			r.logger.Error("release remainder", "order", order.ID, "error", err)
		}
		r.appendAccountState(order.Account)
		if order.Remaining.IsPositive() && order.Status == types.PartiallyFilled {
			order.Status = types.Cancelled
		}
		r.gateway.OrderTerminal(order)
	}
	r.mu.Lock()
	r.archived[order.ID] = order.Account
	r.mu.Unlock()
}

// retire moves a terminal order out of the live table.
func (r *Router) retire(order *types.Order) {
	r.mu.Lock()
	delete(r.live, order.ID)
	r.archived[order.ID] = order.Account
	r.mu.Unlock()
}

// Cancel removes a live order. It is idempotent by order id: the first call
// cancels and logs; any repeat returns already-terminal without a second
// WAL record.
func (r *Router) Cancel(id types.OrderID, accountID types.AccountID) error {
	r.mu.RLock()
	lo, ok := r.live[id]
	var wasMine bool
	if !ok {
		owner, archived := r.archived[id]
		wasMine = archived && owner == accountID
		r.mu.RUnlock()
		if archived {
			if !wasMine {
				return reject(CodeNotYours, "order belongs to another account", ErrNotYours)
			}
			return reject(CodeTerminal, "order already terminal", ErrAlreadyTerminal)
		}
		return reject(CodeNotFound, "order not found", ErrOrderNotFound)
	}
	r.mu.RUnlock()

	if lo.order.Account != accountID {
		return reject(CodeNotYours, "order belongs to another account", ErrNotYours)
	}

	sh := r.shardFor(lo.order.Instrument)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cancelled, err := sh.book.Cancel(id)
	if err != nil {
		// Lost the race with a fill that completed the order.
		return reject(CodeTerminal, "order already terminal", ErrAlreadyTerminal)
	}
	cancelled.RejectReason = "cancelled by client"

	r.appendOrderCancel(cancelled, cancelled.RejectReason)
	if err := r.accounts.ReleaseReservation(lo.res); err != nil {
		r.logger.Error("release on cancel", "order", id, "error", err)
	}
	r.appendAccountState(cancelled.Account)
	r.retire(cancelled)
	r.gateway.OrderTerminal(cancelled)
	return nil
}

// Order returns a copy of a live order's current state. Terminal (archived)
// orders are not returned: only their owner is kept, for cancel replies.
func (r *Router) Order(id types.OrderID) (types.Order, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if lo, ok := r.live[id]; ok {
		return *lo.order, true
	}
	return types.Order{}, false
}

// RestoreResting re-rests an order recovered from the WAL without
// re-matching, re-logging, or re-reserving: the reservation handed in was
// rebuilt from recovered account state. Recovery-only.
func (r *Router) RestoreResting(order *types.Order, res *account.Reservation) error {
	sh := r.shardFor(order.Instrument)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if order.PriceType != types.Limit {
		return fmt.Errorf("router: only limit orders can be restored resting")
	}
	restored := *order
	result, err := sh.book.Insert(&restored, noopSequencer{})
	if err != nil {
		return fmt.Errorf("router: restore order %d: %w", order.ID, err)
	}
	if len(result.Trades) != 0 || !result.Resting {
		return fmt.Errorf("router: restored order %d would have matched; recovery order corrupt", order.ID)
	}
	r.mu.Lock()
	r.live[restored.ID] = &liveOrder{order: &restored, res: res}
	r.mu.Unlock()
	return nil
}

// MarkArchived records a terminal order id seen during recovery replay so
// post-restart cancels still answer already-terminal.
func (r *Router) MarkArchived(id types.OrderID, owner types.AccountID) {
	r.mu.Lock()
	r.archived[id] = owner
	r.mu.Unlock()
}

type noopSequencer struct{}

func (noopSequencer) Next() uint64 { return 0 }
