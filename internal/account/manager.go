// Package account implements the account/position manager: pre-trade
// reservation, trade application, invariant checks, and end-of-day
// settlement. Positions track volume-weighted open cost and realize PnL on
// reduction; one mutex guards one account's state.
package account

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/exchange-core/matchcore/pkg/types"
)

// accountState bundles one account with its positions behind a single
// mutex: all mutations for a single trade happen under a per-account lock,
// and cross-account effects stay independent — no global lock serializing
// unrelated accounts.
type accountState struct {
	mu        sync.Mutex
	account   *types.Account
	positions map[types.InstrumentID]*types.Position
}

// Manager owns every account and position in the exchange.
type Manager struct {
	logger *slog.Logger

	mu       sync.RWMutex
	accounts map[types.AccountID]*accountState

	nextReservation atomic.Uint64
}

// New creates an empty account manager.
func New(logger *slog.Logger) *Manager {
	return &Manager{
		logger:   logger.With("component", "account"),
		accounts: make(map[types.AccountID]*accountState),
	}
}

func (m *Manager) state(id types.AccountID) *accountState {
	m.mu.RLock()
	st, ok := m.accounts[id]
	m.mu.RUnlock()
	if ok {
		return st
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.accounts[id]; ok {
		return st
	}
	st = &accountState{
		account:   &types.Account{ID: id},
		positions: make(map[types.InstrumentID]*types.Position),
	}
	m.accounts[id] = st
	return st
}

// Account returns a copy of the account's current state. The zero value is
// returned (with ok=false) for an account never referenced by a reservation.
func (m *Manager) Account(id types.AccountID) (types.Account, bool) {
	m.mu.RLock()
	st, ok := m.accounts[id]
	m.mu.RUnlock()
	if !ok {
		return types.Account{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return *st.account, true
}

// Position returns a copy of the position for (account, instrument).
func (m *Manager) Position(account types.AccountID, instrument types.InstrumentID) (types.Position, bool) {
	m.mu.RLock()
	st, ok := m.accounts[account]
	m.mu.RUnlock()
	if !ok {
		return types.Position{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	pos, ok := st.positions[instrument]
	if !ok {
		return types.Position{}, false
	}
	return *pos, true
}

// AllAccounts returns a copy of every account, in no particular order.
func (m *Manager) AllAccounts() []types.Account {
	m.mu.RLock()
	states := make([]*accountState, 0, len(m.accounts))
	for _, st := range m.accounts {
		states = append(states, st)
	}
	m.mu.RUnlock()

	out := make([]types.Account, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		out = append(out, *st.account)
		st.mu.Unlock()
	}
	return out
}

// AllPositions returns copies of one account's positions.
func (m *Manager) AllPositions(id types.AccountID) []types.Position {
	m.mu.RLock()
	st, ok := m.accounts[id]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]types.Position, 0, len(st.positions))
	for _, pos := range st.positions {
		p := *pos
		p.Account = id
		out = append(out, p)
	}
	return out
}

func (st *accountState) position(instrument types.InstrumentID) *types.Position {
	pos, ok := st.positions[instrument]
	if !ok {
		pos = &types.Position{Instrument: instrument}
		st.positions[instrument] = pos
	}
	return pos
}

// withinDailyLimit reports whether price falls inside instrument's daily
// limit band around its pre-settlement price.
func withinDailyLimit(instrument *types.Instrument, price decimal.Decimal) bool {
	if instrument.PreSettlement.IsZero() {
		return true // no settlement history yet (e.g. first session) — no band to enforce
	}
	up := instrument.PreSettlement.Mul(decimal.NewFromInt(1).Add(instrument.DailyLimitUpRate))
	down := instrument.PreSettlement.Mul(decimal.NewFromInt(1).Sub(instrument.DailyLimitDownRate))
	return price.LessThanOrEqual(up) && price.GreaterThanOrEqual(down)
}

// PreTradeCheck validates an order intent and, on approval, reserves the
// required margin (Open) or close volume (Close/CloseToday/CloseYesterday).
// Market orders should pass their worst-tolerable price (e.g. the opposite
// touch) for the daily-limit and margin-sizing checks.
func (m *Manager) PreTradeCheck(accountID types.AccountID, instrument *types.Instrument, side types.Side, offset types.Offset, price, volume decimal.Decimal) (*Reservation, error) {
	if !volume.IsPositive() {
		return nil, ErrNonPositiveVolume
	}
	if instrument.Status != types.Listed {
		return nil, ErrInstrumentSuspended
	}
	if !withinDailyLimit(instrument, price) {
		return nil, ErrPriceOutsideLimit
	}

	st := m.state(accountID)
	st.mu.Lock()
	defer st.mu.Unlock()

	res := &Reservation{
		ID:             m.nextReservation.Add(1),
		Account:        accountID,
		Instrument:     instrument.ID,
		Side:           side,
		Offset:         offset,
		Multiplier:     instrument.Multiplier,
		MarginRate:     instrument.MarginRate,
		OriginalVolume: volume,
	}

	if offset == types.Open {
		requiredMargin := volume.Mul(price).Mul(instrument.Multiplier).Mul(instrument.MarginRate)
		if st.account.Available.LessThan(requiredMargin) {
			return nil, ErrInsufficientFunds
		}
		res.PerUnitMargin = requiredMargin.Div(volume)
		st.account.FrozenMargin = st.account.FrozenMargin.Add(requiredMargin)
		st.account.Available = st.account.Available.Sub(requiredMargin)
		return res, nil
	}

	leg := st.position(instrument.ID).Leg(res.legSide())
	closeable := leg.Volume.Sub(leg.FrozenClose)
	if closeable.LessThan(volume) {
		return nil, ErrInsufficientPosition
	}
	leg.FrozenClose = leg.FrozenClose.Add(volume)
	return res, nil
}

// ApplyTrade books a fill of qty at price against res. commission is
// debited from available regardless of side.
func (m *Manager) ApplyTrade(res *Reservation, qty, price, commission decimal.Decimal) error {
	if qty.GreaterThan(res.remaining()) {
		return ErrReservationOverfill
	}

	st := m.state(res.Account)
	st.mu.Lock()
	defer st.mu.Unlock()

	leg := st.position(res.Instrument).Leg(res.legSide())

	if res.Offset == types.Open {
		applyOpenFill(st.account, leg, res, qty, price)
	} else {
		applyCloseFill(st.account, leg, res, qty, price, res.Offset)
	}

	st.account.CumulativeCommission = st.account.CumulativeCommission.Add(commission)
	st.account.Available = st.account.Available.Sub(commission)
	st.account.Equity = st.account.Equity.Sub(commission)

	res.FilledVolume = res.FilledVolume.Add(qty)

	return checkInvariants(st.account, leg)
}

func applyOpenFill(acc *types.Account, leg *types.PositionLeg, res *Reservation, qty, price decimal.Decimal) {
	oldVolume := leg.Volume
	newVolume := oldVolume.Add(qty)
	if newVolume.IsPositive() {
		totalCost := leg.OpenCost.Mul(oldVolume).Add(price.Mul(qty))
		leg.OpenCost = totalCost.Div(newVolume)
	}
	leg.Volume = newVolume
	leg.TodayVolume = leg.TodayVolume.Add(qty)

	usedMarginDelta := qty.Mul(price).Mul(res.Multiplier).Mul(res.MarginRate)
	leg.Margin = leg.Margin.Add(usedMarginDelta)
	acc.UsedMargin = acc.UsedMargin.Add(usedMarginDelta)

	released := res.PerUnitMargin.Mul(qty)
	acc.FrozenMargin = acc.FrozenMargin.Sub(released)
	acc.Available = acc.Available.Add(released.Sub(usedMarginDelta))
}

// applyCloseFill reduces leg by qty, preferring the sub-pool the offset
// asks for (today-only for CloseToday, history-only for CloseYesterday); a
// generic Close consumes history before today. No exchange-specific
// same-day discount is modeled.
func applyCloseFill(acc *types.Account, leg *types.PositionLeg, res *Reservation, qty, price decimal.Decimal, offset types.Offset) {
	switch offset {
	case types.CloseToday:
		leg.TodayVolume = leg.TodayVolume.Sub(qty)
	case types.CloseYesterday:
		leg.HistVolume = leg.HistVolume.Sub(qty)
	default:
		fromHist := decimal.Min(qty, leg.HistVolume)
		leg.HistVolume = leg.HistVolume.Sub(fromHist)
		leg.TodayVolume = leg.TodayVolume.Sub(qty.Sub(fromHist))
	}

	if leg.Volume.IsPositive() {
		perUnitMargin := leg.Margin.Div(leg.Volume)
		releasedMargin := perUnitMargin.Mul(qty)
		leg.Margin = leg.Margin.Sub(releasedMargin)
		acc.UsedMargin = acc.UsedMargin.Sub(releasedMargin)
		acc.Available = acc.Available.Add(releasedMargin)
	}

	var profit decimal.Decimal
	if res.legSide() == types.Buy { // closing a long leg
		profit = price.Sub(leg.OpenCost).Mul(qty).Mul(res.Multiplier)
	} else { // closing a short leg
		profit = leg.OpenCost.Sub(price).Mul(qty).Mul(res.Multiplier)
	}
	acc.RealizedCloseProfit = acc.RealizedCloseProfit.Add(profit)
	acc.Available = acc.Available.Add(profit)
	acc.Equity = acc.Equity.Add(profit)

	leg.Volume = leg.Volume.Sub(qty)
	leg.FrozenClose = leg.FrozenClose.Sub(qty)
	if !leg.Volume.IsPositive() {
		leg.Volume = decimal.Zero
		leg.OpenCost = decimal.Zero
	}
}

// ReleaseReservation returns whatever res never filled back to available
// cash (Open) or open position (Close). Called when an order reaches a
// terminal state with volume left unfilled — cancel, reject, or expiry.
func (m *Manager) ReleaseReservation(res *Reservation) error {
	remaining := res.remaining()
	if !remaining.IsPositive() {
		return nil
	}

	st := m.state(res.Account)
	st.mu.Lock()
	defer st.mu.Unlock()

	if res.Offset == types.Open {
		released := res.PerUnitMargin.Mul(remaining)
		st.account.FrozenMargin = st.account.FrozenMargin.Sub(released)
		st.account.Available = st.account.Available.Add(released)
	} else {
		leg := st.position(res.Instrument).Leg(res.legSide())
		leg.FrozenClose = leg.FrozenClose.Sub(remaining)
	}

	res.FilledVolume = res.OriginalVolume
	return checkInvariants(st.account, nil)
}

// ReleasePartial returns volume's worth of res to available cash (Open) or
// open position (Close) while the order stays live — the in-place
// order-reduce path. volume must not exceed the unfilled remainder.
func (m *Manager) ReleasePartial(res *Reservation, volume decimal.Decimal) error {
	if !volume.IsPositive() {
		return ErrNonPositiveVolume
	}
	if volume.GreaterThan(res.remaining()) {
		return ErrReservationOverfill
	}

	st := m.state(res.Account)
	st.mu.Lock()
	defer st.mu.Unlock()

	if res.Offset == types.Open {
		released := res.PerUnitMargin.Mul(volume)
		st.account.FrozenMargin = st.account.FrozenMargin.Sub(released)
		st.account.Available = st.account.Available.Add(released)
	} else {
		leg := st.position(res.Instrument).Leg(res.legSide())
		leg.FrozenClose = leg.FrozenClose.Sub(volume)
	}

	res.OriginalVolume = res.OriginalVolume.Sub(volume)
	return checkInvariants(st.account, nil)
}

// RecomputeFloatingProfit marks open legs to lastPrice
// "Recompute floating profit over the remaining leg using last price."
func (m *Manager) RecomputeFloatingProfit(account types.AccountID, instrument types.InstrumentID, lastPrice, multiplier decimal.Decimal) {
	st := m.state(account)
	st.mu.Lock()
	defer st.mu.Unlock()

	pos := st.position(instrument)
	pos.Long.FloatProfit = decimal.Zero
	pos.Short.FloatProfit = decimal.Zero
	if pos.Long.Volume.IsPositive() {
		pos.Long.FloatProfit = lastPrice.Sub(pos.Long.OpenCost).Mul(pos.Long.Volume).Mul(multiplier)
	}
	if pos.Short.Volume.IsPositive() {
		pos.Short.FloatProfit = pos.Short.OpenCost.Sub(lastPrice).Mul(pos.Short.Volume).Mul(multiplier)
	}

	var total decimal.Decimal
	for _, p := range st.positions {
		total = total.Add(p.Long.FloatProfit).Add(p.Short.FloatProfit)
	}
	st.account.Equity = st.account.Equity.Sub(st.account.FloatingProfit).Add(total)
	st.account.FloatingProfit = total
}

// checkInvariants enforces the post-mutation invariants. leg may
// be nil when the caller has no single leg in scope (e.g. ReleaseReservation
// on an Open reservation).
func checkInvariants(acc *types.Account, leg *types.PositionLeg) error {
	if acc.Available.IsNegative() {
		return fmt.Errorf("%w: account %s available = %s", ErrInvariantViolation, acc.ID, acc.Available)
	}
	if acc.FrozenMargin.IsNegative() {
		return fmt.Errorf("%w: account %s frozen_margin = %s", ErrInvariantViolation, acc.ID, acc.FrozenMargin)
	}
	if leg != nil && leg.FrozenClose.GreaterThan(leg.Volume) {
		return fmt.Errorf("%w: leg frozen_close %s > volume %s", ErrInvariantViolation, leg.FrozenClose, leg.Volume)
	}
	return nil
}
