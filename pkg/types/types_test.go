package types

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestOrderStatusTerminal(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status OrderStatus
		want   bool
	}{
		{PendingRisk, false},
		{PendingRoute, false},
		{Submitted, false},
		{PartiallyFilled, false},
		{FullyFilled, true},
		{Cancelled, true},
		{Rejected, true},
		{Expired, true},
	}

	for _, c := range cases {
		if got := c.status.Terminal(); got != c.want {
			t.Errorf("%s.Terminal() = %v, want %v", c.status, got, c.want)
		}
	}
}

func TestSideOpposite(t *testing.T) {
	t.Parallel()

	if Buy.Opposite() != Sell {
		t.Errorf("Buy.Opposite() = %v, want Sell", Buy.Opposite())
	}
	if Sell.Opposite() != Buy {
		t.Errorf("Sell.Opposite() = %v, want Buy", Sell.Opposite())
	}
}

func TestAccountRiskRatio(t *testing.T) {
	t.Parallel()

	a := &Account{
		Equity:     decimal.NewFromInt(100000),
		UsedMargin: decimal.NewFromInt(25000),
	}
	want := decimal.NewFromFloat(0.25)
	if got := a.RiskRatio(); !got.Equal(want) {
		t.Errorf("RiskRatio() = %v, want %v", got, want)
	}

	zero := &Account{}
	if !zero.RiskRatio().IsZero() {
		t.Errorf("RiskRatio() with zero equity = %v, want 0", zero.RiskRatio())
	}
}

func TestOrderFilled(t *testing.T) {
	t.Parallel()

	o := &Order{Original: decimal.NewFromInt(10), Remaining: decimal.NewFromInt(4)}
	want := decimal.NewFromInt(6)
	if got := o.Filled(); !got.Equal(want) {
		t.Errorf("Filled() = %v, want %v", got, want)
	}
}

func TestPositionLeg(t *testing.T) {
	t.Parallel()

	p := &Position{}
	p.Long.Volume = decimal.NewFromInt(5)
	p.Short.Volume = decimal.NewFromInt(3)

	if got := p.Leg(Buy).Volume; !got.Equal(decimal.NewFromInt(5)) {
		t.Errorf("Leg(Buy).Volume = %v, want 5", got)
	}
	if got := p.Leg(Sell).Volume; !got.Equal(decimal.NewFromInt(3)) {
		t.Errorf("Leg(Sell).Volume = %v, want 3", got)
	}
}
