package gateway

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/exchange-core/matchcore/internal/account"
	"github.com/exchange-core/matchcore/internal/logrecord"
	"github.com/exchange-core/matchcore/internal/snapshot"
	"github.com/exchange-core/matchcore/internal/wal"
	"github.com/exchange-core/matchcore/pkg/types"
)

type memLog struct {
	mu   sync.Mutex
	next uint64
	recs []wal.Record
}

func (m *memLog) Append(kind wal.Kind, tsNs int64, payload []byte) (wal.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	rec := wal.Record{Sequence: m.next, TimestampNs: tsNs, Kind: kind, Payload: payload}
	m.recs = append(m.recs, rec)
	return rec, nil
}

func (m *memLog) kinds() []wal.Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]wal.Kind, len(m.recs))
	for i, r := range m.recs {
		out[i] = r.Kind
	}
	return out
}

func dec(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

func instrumentX() *types.Instrument {
	return &types.Instrument{
		ID: "X", Multiplier: dec(300), PriceTick: decimal.NewFromFloat(0.2),
		MarginRate: decimal.NewFromFloat(0.12), CommissionRate: dec(5),
	}
}

func TestHandleTradeCommitsBothSides(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	accounts := account.New(logger)
	log := &memLog{}
	snaps := snapshot.NewManager(logger, 0)
	snaps.Attach("A")
	snaps.Attach("B")
	g := New(logger, accounts, log, snaps, nil, nil)

	ins := instrumentX()
	if err := accounts.Deposit("A", dec(2_000_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := accounts.Deposit("B", dec(2_000_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	makerRes, err := accounts.PreTradeCheck("A", ins, types.Buy, types.Open, dec(3800), dec(10))
	if err != nil {
		t.Fatalf("maker check: %v", err)
	}
	takerRes, err := accounts.PreTradeCheck("B", ins, types.Sell, types.Open, dec(3800), dec(10))
	if err != nil {
		t.Fatalf("taker check: %v", err)
	}

	makerOrder := &types.Order{ID: 1, Account: "A", Instrument: "X", Side: types.Buy,
		Offset: types.Open, Original: dec(10), Remaining: decimal.Zero, Status: types.FullyFilled}
	takerOrder := &types.Order{ID: 2, Account: "B", Instrument: "X", Side: types.Sell,
		Offset: types.Open, Original: dec(10), Remaining: decimal.Zero, Status: types.FullyFilled}
	trade := &types.Trade{ID: 3, MakerOrder: 1, TakerOrder: 2, Instrument: "X",
		Price: dec(3800), Volume: dec(10), TakerSide: types.Sell}

	if err := g.HandleTrade(trade, Side{makerOrder, makerRes}, Side{takerOrder, takerRes}, ins); err != nil {
		t.Fatalf("handle trade: %v", err)
	}

	if !trade.Commission.Equal(dec(5)) {
		t.Errorf("commission = %s, want flat 5 per side", trade.Commission)
	}
	if trade.Sequence == 0 {
		t.Error("trade sequence not assigned from the log")
	}

	// One trade record, then account+position state for each side.
	want := map[wal.Kind]int{wal.KindTrade: 1, wal.KindAccountUpdate: 2, wal.KindPositionUpdate: 2}
	got := map[wal.Kind]int{}
	for _, k := range log.kinds() {
		got[k]++
	}
	for k, n := range want {
		if got[k] != n {
			t.Errorf("%s records = %d, want %d", k, got[k], n)
		}
	}

	accA, _ := accounts.Account("A")
	wantAvailable := dec(2_000_000 - 1_368_000 - 5)
	if !accA.Available.Equal(wantAvailable) {
		t.Errorf("A.available = %s, want %s", accA.Available, wantAvailable)
	}

	// The logged trade decodes back intact.
	for _, rec := range log.recs {
		if rec.Kind != wal.KindTrade {
			continue
		}
		p, err := logrecord.DecodeTrade(rec.Payload)
		if err != nil {
			t.Fatalf("decode trade: %v", err)
		}
		if p.Trade.ID != 3 || !p.Trade.Price.Equal(dec(3800)) {
			t.Errorf("logged trade = %+v", p.Trade)
		}
	}

	// Both users' snapshot trees carry their own private subtrees only.
	treeA, _ := snaps.Tree("A")
	tradeSub, _ := treeA["trade"].(map[string]any)
	if tradeSub["A"] == nil {
		t.Error("A's tree missing trade.A")
	}
	if tradeSub["B"] != nil {
		t.Error("cross-user leak: A's tree contains trade.B")
	}
}
