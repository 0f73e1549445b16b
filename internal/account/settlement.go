package account

import (
	"github.com/shopspring/decimal"

	"github.com/exchange-core/matchcore/pkg/types"
)

// Settle marks every account's position in instrument to settlePrice:
// realize (settle - cost) * volume *
// multiplier (sign by side) into close profit, then reset the leg's cost
// basis to settle and its floating profit to zero. It returns the accounts
// whose post-settlement equity falls below maintenanceMarginRate * used
// margin, which the caller (the risk/router layer) enqueues for forced
// liquidation.
func (m *Manager) Settle(instrument types.InstrumentID, settlePrice, multiplier, maintenanceMarginRate decimal.Decimal) []types.AccountID {
	m.mu.RLock()
	ids := make([]types.AccountID, 0, len(m.accounts))
	states := make([]*accountState, 0, len(m.accounts))
	for id, st := range m.accounts {
		ids = append(ids, id)
		states = append(states, st)
	}
	m.mu.RUnlock()

	var atRisk []types.AccountID
	for i, st := range states {
		st.mu.Lock()
		pos, ok := st.positions[instrument]
		if ok {
			settleLeg(st.account, &pos.Long, types.Buy, settlePrice, multiplier)
			settleLeg(st.account, &pos.Short, types.Sell, settlePrice, multiplier)
		}

		st.account.PreviousEquity = st.account.Equity
		st.account.Equity = st.account.Available.
			Add(st.account.UsedMargin).
			Add(st.account.FrozenMargin).
			Add(st.account.FrozenCash)

		maintenance := st.account.UsedMargin.Mul(maintenanceMarginRate)
		breach := st.account.Equity.LessThan(maintenance)
		st.mu.Unlock()

		if breach {
			atRisk = append(atRisk, ids[i])
		}
	}
	return atRisk
}

// settleLeg realizes leg's mark-to-market move into close profit and resets
// its cost basis to settlePrice. side is Buy for the long leg, Sell for the
// short leg — a long leg profits when price rises above cost, a short leg
// profits when price falls below cost.
func settleLeg(acc *types.Account, leg *types.PositionLeg, side types.Side, settlePrice, multiplier decimal.Decimal) {
	if !leg.Volume.IsPositive() {
		return
	}

	var profit decimal.Decimal
	if side == types.Buy {
		profit = settlePrice.Sub(leg.OpenCost).Mul(leg.Volume).Mul(multiplier)
	} else {
		profit = leg.OpenCost.Sub(settlePrice).Mul(leg.Volume).Mul(multiplier)
	}

	acc.RealizedCloseProfit = acc.RealizedCloseProfit.Add(profit)
	acc.Available = acc.Available.Add(profit)

	leg.OpenCost = settlePrice
	leg.FloatProfit = decimal.Zero
	leg.TodayVolume = decimal.Zero
	leg.HistVolume = leg.Volume
}
