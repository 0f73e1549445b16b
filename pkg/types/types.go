// Package types defines the shared vocabulary of the exchange core: ids,
// enums, and the Instrument/Order/Trade/Account/Position records from the
// data model. It has no dependencies on internal packages, so it can be
// imported by any layer — storage, matching, bookkeeping, or the wire
// protocol.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Ids
// ————————————————————————————————————————————————————————————————————————

// InstrumentID is an opaque short identifier, e.g. "IF2509". Instruments are
// immutable in identifier once created.
type InstrumentID string

// AccountID identifies an account for the lifetime of the process.
type AccountID string

// OrderID is exchange-generated and unique across the life of the log.
type OrderID uint64

// ClientOrderID is optionally supplied by the submitter; echoed back but
// never used for matching or ownership checks.
type ClientOrderID string

// TradeID is exchange-generated and unique; trades are immutable once written.
type TradeID uint64

// Sequence is the monotonically increasing WAL sequence number that also
// orders memtable keys.
type Sequence uint64

// ————————————————————————————————————————————————————————————————————————
// Enums
// ————————————————————————————————————————————————————————————————————————

// Side is the direction of an order or trade.
type Side uint8

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Buy {
		return "BUY"
	}
	return "SELL"
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Offset distinguishes opening a position from closing part of one.
type Offset uint8

const (
	Open Offset = iota
	Close
	CloseToday
	CloseYesterday
)

func (o Offset) String() string {
	switch o {
	case Open:
		return "OPEN"
	case Close:
		return "CLOSE"
	case CloseToday:
		return "CLOSETODAY"
	case CloseYesterday:
		return "CLOSEYESTERDAY"
	default:
		return "UNKNOWN"
	}
}

// PriceType selects how the limit price field is interpreted.
type PriceType uint8

const (
	Limit PriceType = iota
	Market
	Any
)

// TimeInForce controls how long an order may rest before it is cancelled.
type TimeInForce uint8

const (
	IOC TimeInForce = iota // immediate-or-cancel
	GFD                    // good-for-day
	GTC                    // good-till-cancel
	GFA                    // good-for-auction (call-auction opening only)
)

// VolumeCondition controls whether a partial fill is acceptable.
type VolumeCondition uint8

const (
	VolumeAny VolumeCondition = iota
	VolumeMin
	VolumeAll
)

// OrderStatus tracks an order from risk check to a terminal state:
// Cancelled, Rejected, Expired, or FullyFilled.
type OrderStatus uint8

const (
	PendingRisk OrderStatus = iota
	PendingRoute
	Submitted
	PartiallyFilled
	FullyFilled
	Cancelled
	Rejected
	Expired
)

// Terminal reports whether the status is a terminal one; order status
// transitions are monotonic toward a terminal state and never leave it.
func (s OrderStatus) Terminal() bool {
	switch s {
	case Cancelled, Rejected, Expired, FullyFilled:
		return true
	default:
		return false
	}
}

func (s OrderStatus) String() string {
	switch s {
	case PendingRisk:
		return "pending-risk"
	case PendingRoute:
		return "pending-route"
	case Submitted:
		return "submitted"
	case PartiallyFilled:
		return "partially-filled"
	case FullyFilled:
		return "fully-filled"
	case Cancelled:
		return "cancelled"
	case Rejected:
		return "rejected"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// InstrumentStatus is the mutable lifecycle state of an Instrument.
type InstrumentStatus uint8

const (
	Listed InstrumentStatus = iota
	Suspended
	Delisted
)

// ————————————————————————————————————————————————————————————————————————
// Data model
// ————————————————————————————————————————————————————————————————————————

// Instrument carries contract terms. Identifier and ExchangeTag are immutable
// once created; Status and the remaining contract terms and reference prices
// can be changed through the instrument registry.
type Instrument struct {
	ID                 InstrumentID
	ExchangeTag        string
	Multiplier         decimal.Decimal // contract multiplier
	PriceTick          decimal.Decimal // minimum price increment
	LotSize            decimal.Decimal // minimum volume increment
	MarginRate         decimal.Decimal
	CommissionRate     decimal.Decimal
	DailyLimitUpRate   decimal.Decimal
	DailyLimitDownRate decimal.Decimal
	Status             InstrumentStatus
	PreSettlement      decimal.Decimal
	PreClose           decimal.Decimal
}

// Order is mutated only by the router and the trade gateway. Remaining is
// always <= Original, and Status only moves toward a terminal state.
type Order struct {
	ID           OrderID
	ClientID     ClientOrderID
	Account      AccountID
	Instrument   InstrumentID
	Side         Side
	Offset       Offset
	Original     decimal.Decimal
	Remaining    decimal.Decimal
	PriceType    PriceType
	LimitPrice   decimal.Decimal
	TimeInForce  TimeInForce
	VolumeCond   VolumeCondition
	SubmittedAt  time.Time
	Status       OrderStatus
	Sequence     Sequence
	RejectReason string
}

// Filled reports how much of the order has traded.
func (o *Order) Filled() decimal.Decimal {
	return o.Original.Sub(o.Remaining)
}

// Trade is immutable once written.
type Trade struct {
	ID          TradeID
	MakerOrder  OrderID
	TakerOrder  OrderID
	Instrument  InstrumentID
	Price       decimal.Decimal
	Volume      decimal.Decimal
	TakerSide   Side
	Offset      Offset
	Commission  decimal.Decimal
	TimestampNs int64
	Sequence    Sequence
}

// Account holds cash and margin state. RiskRatio = UsedMargin / Equity.
type Account struct {
	ID                   AccountID
	Currency             string
	PreviousEquity       decimal.Decimal
	Equity               decimal.Decimal
	Available            decimal.Decimal
	FrozenCash           decimal.Decimal
	UsedMargin           decimal.Decimal
	FrozenMargin         decimal.Decimal
	RealizedCloseProfit  decimal.Decimal
	FloatingProfit       decimal.Decimal
	CumulativeCommission decimal.Decimal
	DepositTotal         decimal.Decimal
	WithdrawTotal        decimal.Decimal
}

// RiskRatio returns UsedMargin / Equity, or zero if Equity is zero.
func (a *Account) RiskRatio() decimal.Decimal {
	if a.Equity.IsZero() {
		return decimal.Zero
	}
	return a.UsedMargin.Div(a.Equity)
}

// PositionLeg is one side (long or short) of a Position.
type PositionLeg struct {
	Volume       decimal.Decimal
	TodayVolume  decimal.Decimal
	HistVolume   decimal.Decimal
	FrozenClose  decimal.Decimal
	OpenCost     decimal.Decimal // volume-weighted
	FloatProfit  decimal.Decimal
	Margin       decimal.Decimal
}

// Position is keyed by (Account, Instrument) and created lazily on first open.
type Position struct {
	Account    AccountID
	Instrument InstrumentID
	Long       PositionLeg
	Short      PositionLeg
}

// Leg returns the leg for the given side: Buy opens/closes the long leg in
// the conventional (non-hedged-short) sense used throughout this core —
// Side here means "the side whose position leg we are asking about", not
// the order side.
func (p *Position) Leg(side Side) *PositionLeg {
	if side == Buy {
		return &p.Long
	}
	return &p.Short
}
