package snapshot

import (
	"strconv"

	"github.com/exchange-core/matchcore/pkg/types"
)

// Builders for the business-tree patches the trade gateway and market data
// jobs emit. The tree shape is fixed by the wire contract: top-level keys
// quotes / klines / trade / notify, with trade keyed by user then
// accounts / positions / orders / trades / banks / transfers.

func orderIDKey(id types.OrderID) string { return strconv.FormatUint(uint64(id), 10) }
func tradeIDKey(id types.TradeID) string { return strconv.FormatUint(uint64(id), 10) }

// OrderPatch builds the private patch for one order's current state.
func OrderPatch(user string, o *types.Order) Patch {
	return Patch{
		"trade": map[string]any{
			user: map[string]any{
				"orders": map[string]any{
					orderIDKey(o.ID): map[string]any{
						"order_id":      orderIDKey(o.ID),
						"client_id":     string(o.ClientID),
						"instrument_id": string(o.Instrument),
						"direction":     o.Side.String(),
						"offset":        o.Offset.String(),
						"volume_orign":  o.Original.String(),
						"volume_left":   o.Remaining.String(),
						"limit_price":   o.LimitPrice.String(),
						"status":        o.Status.String(),
						"last_msg":      o.RejectReason,
					},
				},
			},
		},
	}
}

// TradePatch builds the private patch for one fill as seen by user's side
// of the trade.
func TradePatch(user string, t *types.Trade, side types.Side) Patch {
	return Patch{
		"trade": map[string]any{
			user: map[string]any{
				"trades": map[string]any{
					tradeIDKey(t.ID): map[string]any{
						"trade_id":      tradeIDKey(t.ID),
						"instrument_id": string(t.Instrument),
						"direction":     side.String(),
						"price":         t.Price.String(),
						"volume":        t.Volume.String(),
						"commission":    t.Commission.String(),
						"trade_time_ns": t.TimestampNs,
					},
				},
			},
		},
	}
}

// AccountPatch builds the private patch for one account's cash state.
func AccountPatch(user string, a *types.Account) Patch {
	return Patch{
		"trade": map[string]any{
			user: map[string]any{
				"accounts": map[string]any{
					a.Currency: map[string]any{
						"account_id":    string(a.ID),
						"currency":      a.Currency,
						"pre_balance":   a.PreviousEquity.String(),
						"balance":       a.Equity.String(),
						"available":     a.Available.String(),
						"frozen_margin": a.FrozenMargin.String(),
						"margin":        a.UsedMargin.String(),
						"close_profit":  a.RealizedCloseProfit.String(),
						"float_profit":  a.FloatingProfit.String(),
						"commission":    a.CumulativeCommission.String(),
						"risk_ratio":    a.RiskRatio().String(),
					},
				},
			},
		},
	}
}

// PositionPatch builds the private patch for one (account, instrument)
// position.
func PositionPatch(user string, p *types.Position) Patch {
	return Patch{
		"trade": map[string]any{
			user: map[string]any{
				"positions": map[string]any{
					string(p.Instrument): map[string]any{
						"instrument_id":     string(p.Instrument),
						"volume_long":       p.Long.Volume.String(),
						"volume_long_today": p.Long.TodayVolume.String(),
						"volume_long_his":   p.Long.HistVolume.String(),
						"volume_long_frozen": p.Long.FrozenClose.String(),
						"open_cost_long":    p.Long.OpenCost.String(),
						"float_profit_long": p.Long.FloatProfit.String(),
						"margin_long":       p.Long.Margin.String(),
						"volume_short":       p.Short.Volume.String(),
						"volume_short_today": p.Short.TodayVolume.String(),
						"volume_short_his":   p.Short.HistVolume.String(),
						"volume_short_frozen": p.Short.FrozenClose.String(),
						"open_cost_short":    p.Short.OpenCost.String(),
						"float_profit_short": p.Short.FloatProfit.String(),
						"margin_short":       p.Short.Margin.String(),
					},
				},
			},
		},
	}
}

// TransferPatch builds the private patch for one cash transfer record.
func TransferPatch(user, transferID string, kind string, amount string, tsNs int64) Patch {
	return Patch{
		"trade": map[string]any{
			user: map[string]any{
				"transfers": map[string]any{
					transferID: map[string]any{
						"kind":          kind,
						"amount":        amount,
						"datetime_ns":   tsNs,
					},
				},
			},
		},
	}
}

// QuotePatch builds the global patch for one instrument's top-of-book quote.
func QuotePatch(instrument types.InstrumentID, fields map[string]any) Patch {
	return Patch{
		"quotes": map[string]any{
			string(instrument): fields,
		},
	}
}

// KlinePatch builds the global patch for one finished bar.
func KlinePatch(instrument types.InstrumentID, duration string, barID string, fields map[string]any) Patch {
	return Patch{
		"klines": map[string]any{
			string(instrument): map[string]any{
				duration: map[string]any{
					"data": map[string]any{
						barID: fields,
					},
				},
			},
		},
	}
}

// NotifyPatch builds the global patch for one broadcast notice.
func NotifyPatch(notifyID, level, content string) Patch {
	return Patch{
		"notify": map[string]any{
			notifyID: map[string]any{
				"level":   level,
				"content": content,
			},
		},
	}
}
