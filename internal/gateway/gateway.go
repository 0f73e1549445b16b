// Package gateway turns matcher output into durable, observable state: for
// each trade it applies the account mutations, appends the trade and
// account/position records to the WAL, pushes merge patches to the snapshot
// manager, and emits notifications. Notifications are best-effort after
// durability and never roll a trade back.
package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/exchange-core/matchcore/internal/account"
	"github.com/exchange-core/matchcore/internal/logrecord"
	"github.com/exchange-core/matchcore/internal/notify"
	"github.com/exchange-core/matchcore/internal/snapshot"
	"github.com/exchange-core/matchcore/internal/wal"
	"github.com/exchange-core/matchcore/pkg/types"
)

// Log is the slice of the WAL writer the gateway needs.
type Log interface {
	Append(kind wal.Kind, timestampNs int64, payload []byte) (wal.Record, error)
}

// UserResolver maps an account to the user whose snapshot stream and
// sessions receive its private events. The default deployment runs the
// one-account-per-user compatibility mode, where the mapping is identity.
type UserResolver func(types.AccountID) string

// IdentityUsers is the one-account-per-user mapping.
func IdentityUsers(id types.AccountID) string { return string(id) }

// Side is one party to a trade: the order that matched and the pre-trade
// reservation backing it.
type Side struct {
	Order *types.Order
	Res   *account.Reservation
}

// Gateway orchestrates the per-trade commit across account shards, WAL,
// snapshot, and notifications.
type Gateway struct {
	logger    *slog.Logger
	accounts  *account.Manager
	log       Log
	snapshots *snapshot.Manager
	broker    *notify.Broker
	userOf    UserResolver
	now       func() int64

	// tradeObserver, when set, receives every committed trade — the market
	// data layer's feed.
	tradeObserver func(ins types.InstrumentID, price, volume decimal.Decimal, tsNs int64)
}

// New wires a gateway. broker and snapshots may be nil in replay mode
// (recovery re-applies state without re-notifying clients).
func New(logger *slog.Logger, accounts *account.Manager, log Log, snapshots *snapshot.Manager, broker *notify.Broker, userOf UserResolver) *Gateway {
	if userOf == nil {
		userOf = IdentityUsers
	}
	return &Gateway{
		logger:    logger.With("component", "gateway"),
		accounts:  accounts,
		log:       log,
		snapshots: snapshots,
		broker:    broker,
		userOf:    userOf,
		now:       func() int64 { return time.Now().UnixNano() },
	}
}

// Commission returns the per-side charge for one trade. The contract's
// commission term is a flat amount per trade side; a proportional schedule
// would instead scale by price*volume*multiplier, which the scenario
// arithmetic in the acceptance suite rules out.
func Commission(ins *types.Instrument) decimal.Decimal {
	return ins.CommissionRate
}

// HandleTrade commits one trade: account mutations on both sides, the
// trade + account + position WAL records, snapshot patches, and order/trade
// notifications. The account mutations and WAL append are the atomic part;
// everything after the append is best-effort and never rolls back.
func (g *Gateway) HandleTrade(trade *types.Trade, maker, taker Side, ins *types.Instrument) error {
	commission := Commission(ins)
	trade.Commission = commission
	if trade.TimestampNs == 0 {
		trade.TimestampNs = g.now()
	}

	if err := g.accounts.ApplyTrade(maker.Res, trade.Volume, trade.Price, commission); err != nil {
		return fmt.Errorf("gateway: apply maker side: %w", err)
	}
	if err := g.accounts.ApplyTrade(taker.Res, trade.Volume, trade.Price, commission); err != nil {
		return fmt.Errorf("gateway: apply taker side: %w", err)
	}

	g.accounts.RecomputeFloatingProfit(maker.Order.Account, trade.Instrument, trade.Price, ins.Multiplier)
	g.accounts.RecomputeFloatingProfit(taker.Order.Account, trade.Instrument, trade.Price, ins.Multiplier)

	payload, err := logrecord.EncodeTrade(logrecord.TradePayload{Trade: *trade})
	if err != nil {
		return fmt.Errorf("gateway: encode trade: %w", err)
	}
	rec, err := g.log.Append(wal.KindTrade, trade.TimestampNs, payload)
	if err != nil {
		return fmt.Errorf("gateway: append trade: %w", err)
	}
	trade.Sequence = types.Sequence(rec.Sequence)

	g.appendSideState(maker)
	g.appendSideState(taker)

	g.emitTradeEvents(trade, maker, taker)
	if g.tradeObserver != nil {
		g.tradeObserver(trade.Instrument, trade.Price, trade.Volume, trade.TimestampNs)
	}
	return nil
}

// OnTrade registers the single trade observer. Wire before trading starts;
// not safe to call concurrently with HandleTrade.
func (g *Gateway) OnTrade(fn func(ins types.InstrumentID, price, volume decimal.Decimal, tsNs int64)) {
	g.tradeObserver = fn
}

// appendSideState appends the post-trade account and position snapshots for
// one side, so WAL replay alone reproduces account state.
func (g *Gateway) appendSideState(s Side) {
	acc, ok := g.accounts.Account(s.Order.Account)
	if ok {
		if payload, err := logrecord.EncodeAccountUpdate(logrecord.AccountUpdatePayload{Account: acc}); err == nil {
			if _, err := g.log.Append(wal.KindAccountUpdate, g.now(), payload); err != nil {
				g.logger.Error("append account update", "account", s.Order.Account, "error", err)
			}
		}
	}
	pos, ok := g.accounts.Position(s.Order.Account, s.Order.Instrument)
	if ok {
		pos.Account = s.Order.Account
		if payload, err := logrecord.EncodePositionUpdate(logrecord.PositionUpdatePayload{Position: pos}); err == nil {
			if _, err := g.log.Append(wal.KindPositionUpdate, g.now(), payload); err != nil {
				g.logger.Error("append position update", "account", s.Order.Account, "error", err)
			}
		}
	}
}

// emitTradeEvents pushes the snapshot patches and notifications for one
// committed trade: both orders' new status, both sides' fills, and both
// accounts' cash/position state.
func (g *Gateway) emitTradeEvents(trade *types.Trade, maker, taker Side) {
	makerSide := trade.TakerSide.Opposite()
	g.emitSide(trade, maker, makerSide)
	g.emitSide(trade, taker, trade.TakerSide)
}

func (g *Gateway) emitSide(trade *types.Trade, s Side, side types.Side) {
	user := g.userOf(s.Order.Account)

	if g.snapshots != nil {
		g.snapshots.Push(user, snapshot.OrderPatch(user, s.Order))
		g.snapshots.Push(user, snapshot.TradePatch(user, trade, side))
		if acc, ok := g.accounts.Account(s.Order.Account); ok {
			g.snapshots.Push(user, snapshot.AccountPatch(user, &acc))
		}
		if pos, ok := g.accounts.Position(s.Order.Account, trade.Instrument); ok {
			pos.Account = s.Order.Account
			g.snapshots.Push(user, snapshot.PositionPatch(user, &pos))
		}
	}

	if g.broker != nil {
		kind := notify.KindOrderFilled
		if s.Order.Status != types.FullyFilled {
			kind = notify.KindTrade
		}
		g.publish(user, kind, map[string]any{
			"order_id": strconv.FormatUint(uint64(s.Order.ID), 10),
			"trade_id": strconv.FormatUint(uint64(trade.ID), 10),
			"price":    trade.Price.String(),
			"volume":   trade.Volume.String(),
			"status":   s.Order.Status.String(),
		}, fmt.Sprintf("trade-%d-%d", trade.ID, s.Order.ID))
		g.publish(user, notify.KindAccountUpdate, map[string]any{
			"account": string(s.Order.Account),
		}, fmt.Sprintf("acct-%d-%s", trade.ID, s.Order.Account))
	}
}

// OrderAccepted emits the snapshot patch and notification for an order the
// router has durably accepted (resting or about to match).
func (g *Gateway) OrderAccepted(order *types.Order) {
	user := g.userOf(order.Account)
	if g.snapshots != nil {
		g.snapshots.Push(user, snapshot.OrderPatch(user, order))
	}
	g.publish(user, notify.KindOrderAccepted, map[string]any{
		"order_id": strconv.FormatUint(uint64(order.ID), 10),
		"status":   order.Status.String(),
	}, fmt.Sprintf("accept-%d", order.ID))
}

// OrderTerminal emits the events for an order that left the book without a
// fill completing it: cancelled, rejected, or expired.
func (g *Gateway) OrderTerminal(order *types.Order) {
	user := g.userOf(order.Account)
	if g.snapshots != nil {
		g.snapshots.Push(user, snapshot.OrderPatch(user, order))
	}
	kind := notify.KindOrderCancelled
	if order.Status == types.Rejected {
		kind = notify.KindOrderRejected
	}
	g.publish(user, kind, map[string]any{
		"order_id": strconv.FormatUint(uint64(order.ID), 10),
		"status":   order.Status.String(),
		"reason":   order.RejectReason,
	}, fmt.Sprintf("term-%d", order.ID))
}

// RiskAlert emits the P0 notification for a pre-trade risk rejection or an
// invariant breach.
func (g *Gateway) RiskAlert(accountID types.AccountID, reason string) {
	user := g.userOf(accountID)
	g.publish(user, notify.KindRiskAlert, map[string]any{
		"account": string(accountID),
		"reason":  reason,
	}, "")
}

func (g *Gateway) publish(user string, kind notify.Kind, fields map[string]any, id string) {
	if g.broker == nil {
		return
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		g.logger.Error("marshal notification", "kind", kind, "error", err)
		return
	}
	g.broker.Publish(notify.Notification{
		ID:          id,
		UserID:      user,
		Kind:        kind,
		Payload:     payload,
		TimestampNs: g.now(),
	})
}
