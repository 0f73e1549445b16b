package account

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/exchange-core/matchcore/pkg/types"
)

func dec(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

func testInstrument() *types.Instrument {
	return &types.Instrument{
		ID: "X", ExchangeTag: "SIM",
		Multiplier: dec(300), PriceTick: decimal.NewFromFloat(0.2),
		MarginRate:         decimal.NewFromFloat(0.12),
		DailyLimitUpRate:   decimal.NewFromFloat(0.1),
		DailyLimitDownRate: decimal.NewFromFloat(0.1),
		Status:             types.Listed,
	}
}

func newManager(t *testing.T) *Manager {
	t.Helper()
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPreTradeCheckOpenFreezesMargin(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	if err := m.Deposit("A", dec(2_000_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	res, err := m.PreTradeCheck("A", testInstrument(), types.Buy, types.Open, dec(3800), dec(10))
	if err != nil {
		t.Fatalf("pre-trade: %v", err)
	}

	acc, _ := m.Account("A")
	if !acc.FrozenMargin.Equal(dec(1_368_000)) {
		t.Errorf("frozen = %s, want 1368000", acc.FrozenMargin)
	}
	if !acc.Available.Equal(dec(632_000)) {
		t.Errorf("available = %s, want 632000", acc.Available)
	}
	if !res.PerUnitMargin.Equal(dec(136_800)) {
		t.Errorf("per-unit margin = %s, want 136800", res.PerUnitMargin)
	}
}

func TestPreTradeCheckRejections(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	if err := m.Deposit("A", dec(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	ins := testInstrument()
	if _, err := m.PreTradeCheck("A", ins, types.Buy, types.Open, dec(3800), dec(10)); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("funds: got %v", err)
	}
	if _, err := m.PreTradeCheck("A", ins, types.Buy, types.Open, dec(3800), dec(0)); !errors.Is(err, ErrNonPositiveVolume) {
		t.Errorf("volume: got %v", err)
	}
	if _, err := m.PreTradeCheck("A", ins, types.Sell, types.Close, dec(3800), dec(1)); !errors.Is(err, ErrInsufficientPosition) {
		t.Errorf("position: got %v", err)
	}

	suspended := testInstrument()
	suspended.Status = types.Suspended
	if _, err := m.PreTradeCheck("A", suspended, types.Buy, types.Open, dec(3800), dec(1)); !errors.Is(err, ErrInstrumentSuspended) {
		t.Errorf("suspended: got %v", err)
	}

	banded := testInstrument()
	banded.PreSettlement = dec(3800)
	if _, err := m.PreTradeCheck("A", banded, types.Buy, types.Open, dec(4500), dec(1)); !errors.Is(err, ErrPriceOutsideLimit) {
		t.Errorf("daily limit: got %v", err)
	}

	// A rejection must leave no frozen residue.
	acc, _ := m.Account("A")
	if !acc.FrozenMargin.IsZero() || !acc.Available.Equal(dec(1000)) {
		t.Errorf("rejection left residue: frozen %s available %s", acc.FrozenMargin, acc.Available)
	}
}

func TestOpenThenCloseRealizesProfit(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	ins := testInstrument()
	if err := m.Deposit("A", dec(10_000_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	open, err := m.PreTradeCheck("A", ins, types.Buy, types.Open, dec(3800), dec(10))
	if err != nil {
		t.Fatalf("open check: %v", err)
	}
	if err := m.ApplyTrade(open, dec(10), dec(3800), dec(5)); err != nil {
		t.Fatalf("open apply: %v", err)
	}

	pos, _ := m.Position("A", "X")
	if !pos.Long.Volume.Equal(dec(10)) || !pos.Long.OpenCost.Equal(dec(3800)) {
		t.Fatalf("position = %s @ %s, want 10 @ 3800", pos.Long.Volume, pos.Long.OpenCost)
	}

	clos, err := m.PreTradeCheck("A", ins, types.Sell, types.Close, dec(3900), dec(4))
	if err != nil {
		t.Fatalf("close check: %v", err)
	}
	if err := m.ApplyTrade(clos, dec(4), dec(3900), dec(5)); err != nil {
		t.Fatalf("close apply: %v", err)
	}

	acc, _ := m.Account("A")
	// (3900-3800) * 4 * 300 = 120,000 realized.
	if !acc.RealizedCloseProfit.Equal(dec(120_000)) {
		t.Errorf("realized = %s, want 120000", acc.RealizedCloseProfit)
	}
	pos, _ = m.Position("A", "X")
	if !pos.Long.Volume.Equal(dec(6)) {
		t.Errorf("remaining volume = %s, want 6", pos.Long.Volume)
	}
	if !pos.Long.FrozenClose.IsZero() {
		t.Errorf("frozen close = %s, want 0", pos.Long.FrozenClose)
	}
	// Margin on the closed 4 lots released: used margin now 6 lots' worth.
	wantUsed := dec(6).Mul(dec(3800)).Mul(dec(300)).Mul(decimal.NewFromFloat(0.12))
	if !acc.UsedMargin.Equal(wantUsed) {
		t.Errorf("used margin = %s, want %s", acc.UsedMargin, wantUsed)
	}
}

func TestReleaseReservationRestoresAvailable(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	if err := m.Deposit("A", dec(2_000_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	res, err := m.PreTradeCheck("A", testInstrument(), types.Buy, types.Open, dec(3800), dec(10))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	// Partial fill, then cancel the rest.
	if err := m.ApplyTrade(res, dec(3), dec(3800), dec(5)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := m.ReleaseReservation(res); err != nil {
		t.Fatalf("release: %v", err)
	}

	acc, _ := m.Account("A")
	if !acc.FrozenMargin.IsZero() {
		t.Errorf("frozen = %s, want 0 after release", acc.FrozenMargin)
	}
	wantUsed := dec(3).Mul(dec(3800)).Mul(dec(300)).Mul(decimal.NewFromFloat(0.12))
	if !acc.UsedMargin.Equal(wantUsed) {
		t.Errorf("used = %s, want %s (3 filled lots)", acc.UsedMargin, wantUsed)
	}
	wantAvailable := dec(2_000_000).Sub(wantUsed).Sub(dec(5))
	if !acc.Available.Equal(wantAvailable) {
		t.Errorf("available = %s, want %s", acc.Available, wantAvailable)
	}
}

func TestReservationOverfillRejected(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	if err := m.Deposit("A", dec(10_000_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	res, err := m.PreTradeCheck("A", testInstrument(), types.Buy, types.Open, dec(3800), dec(5))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if err := m.ApplyTrade(res, dec(6), dec(3800), dec(0)); !errors.Is(err, ErrReservationOverfill) {
		t.Errorf("overfill: got %v", err)
	}
}

func TestSettlementMarksToMarketAndFlagsRisk(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	ins := testInstrument()

	if err := m.Deposit("A", dec(2_000_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	res, err := m.PreTradeCheck("A", ins, types.Buy, types.Open, dec(3800), dec(10))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if err := m.ApplyTrade(res, dec(10), dec(3800), dec(0)); err != nil {
		t.Fatalf("apply: %v", err)
	}

	// Settle far below cost: (3300-3800)*10*300 = -1,500,000 wipes most of
	// the equity; maintenance at 100% of used margin flags the account.
	atRisk := m.Settle("X", dec(3300), dec(300), decimal.NewFromInt(1))
	if len(atRisk) != 1 || atRisk[0] != "A" {
		t.Errorf("at risk = %v, want [A]", atRisk)
	}

	pos, _ := m.Position("A", "X")
	if !pos.Long.OpenCost.Equal(dec(3300)) {
		t.Errorf("cost after settle = %s, want 3300", pos.Long.OpenCost)
	}
	acc, _ := m.Account("A")
	if !acc.RealizedCloseProfit.Equal(dec(-1_500_000)) {
		t.Errorf("realized = %s, want -1500000", acc.RealizedCloseProfit)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	if err := m.Deposit("A", dec(5000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	res, err := m.PreTradeCheck("A", testInstrument(), types.Buy, types.Open, dec(1), dec(1))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if err := m.ApplyTrade(res, dec(1), dec(1), dec(1)); err != nil {
		t.Fatalf("apply: %v", err)
	}

	buf, err := m.Checkpoint()
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	restored := newManager(t)
	if err := restored.Restore(buf); err != nil {
		t.Fatalf("restore: %v", err)
	}

	want, _ := m.Account("A")
	got, ok := restored.Account("A")
	if !ok {
		t.Fatal("restored manager missing account A")
	}
	if !got.Available.Equal(want.Available) || !got.UsedMargin.Equal(want.UsedMargin) {
		t.Errorf("restored %s/%s, want %s/%s", got.Available, got.UsedMargin, want.Available, want.UsedMargin)
	}
	gotPos, ok := restored.Position("A", "X")
	if !ok || !gotPos.Long.Volume.Equal(dec(1)) {
		t.Errorf("restored position = %v, want volume 1", gotPos.Long.Volume)
	}
}

func TestFloatingProfitRecompute(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	if err := m.Deposit("A", dec(10_000_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	res, err := m.PreTradeCheck("A", testInstrument(), types.Buy, types.Open, dec(3800), dec(10))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if err := m.ApplyTrade(res, dec(10), dec(3800), dec(0)); err != nil {
		t.Fatalf("apply: %v", err)
	}

	m.RecomputeFloatingProfit("A", "X", dec(3850), dec(300))
	acc, _ := m.Account("A")
	// (3850-3800)*10*300 = 150,000 floating, reflected in equity too.
	if !acc.FloatingProfit.Equal(dec(150_000)) {
		t.Errorf("floating = %s, want 150000", acc.FloatingProfit)
	}
	if !acc.Equity.Equal(dec(10_150_000)) {
		t.Errorf("equity = %s, want 10150000", acc.Equity)
	}
}

func TestTransferRejectsOverdraftAndSelf(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	if err := m.Deposit("A", dec(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := m.Transfer("A", "B", dec(200)); !errors.Is(err, ErrInsufficientAvailable) {
		t.Errorf("overdraft: got %v", err)
	}
	if err := m.Transfer("A", "A", dec(10)); err == nil {
		t.Error("self transfer accepted")
	}
	if err := m.Transfer("A", "B", dec(40)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	accB, _ := m.Account("B")
	if !accB.Available.Equal(dec(40)) || !accB.DepositTotal.Equal(dec(40)) {
		t.Errorf("B = %s/%s, want 40/40", accB.Available, accB.DepositTotal)
	}
}
