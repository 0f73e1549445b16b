package account

import (
	"github.com/shopspring/decimal"

	"github.com/exchange-core/matchcore/pkg/types"
)

// Reservation is the opaque handle a pre-trade check returns: it has
// already moved the required margin (or close volume) out of
// "available" and holds the instrument terms locked in at check time, so
// later fills at the matched trade price still release exactly what was
// reserved regardless of any instrument-term change in between.
type Reservation struct {
	ID         uint64
	Account    types.AccountID
	Instrument types.InstrumentID
	Side       types.Side
	Offset     types.Offset

	Multiplier decimal.Decimal
	MarginRate decimal.Decimal

	OriginalVolume decimal.Decimal
	PerUnitMargin  decimal.Decimal // Open only: margin reserved per unit volume
	FilledVolume   decimal.Decimal
}

// remaining is the reserved-but-not-yet-applied volume.
func (r *Reservation) remaining() decimal.Decimal {
	return r.OriginalVolume.Sub(r.FilledVolume)
}

// legSide is the PositionLeg this reservation's Offset acts on: Open moves
// the leg matching the order's own side, Close variants move the opposite
// leg (a sell-to-close reduces the long leg; a buy-to-close reduces the
// short leg).
func (r *Reservation) legSide() types.Side {
	if r.Offset == types.Open {
		return r.Side
	}
	return r.Side.Opposite()
}
