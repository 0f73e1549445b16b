package logrecord

import (
	"encoding/binary"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/exchange-core/matchcore/pkg/types"
)

func TestOrderInsertRoundTrip(t *testing.T) {
	t.Parallel()

	order := types.Order{
		ID:         42,
		Account:    "ACC1",
		Instrument: "IF2509",
		Side:       types.Buy,
		Original:   decimal.NewFromInt(10),
		Remaining:  decimal.NewFromInt(10),
		LimitPrice: decimal.NewFromFloat(3800.0),
	}

	buf, err := EncodeOrderInsert(OrderInsertPayload{Order: order})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if got := binary.BigEndian.Uint64(buf[:8]); got != uint64(order.ID) {
		t.Errorf("leading id = %d, want %d", got, order.ID)
	}

	got, err := DecodeOrderInsert(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Order.Remaining.Equal(order.Remaining) || got.Order.Account != order.Account {
		t.Errorf("round trip mismatch: got %+v, want %+v", got.Order, order)
	}
}

func TestAccountUpdateKeyStable(t *testing.T) {
	t.Parallel()

	a := types.Account{ID: "ACC1", Equity: decimal.NewFromInt(100)}
	buf, err := EncodeAccountUpdate(AccountUpdatePayload{Account: a})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if binary.BigEndian.Uint64(buf[:8]) != AccountKey("ACC1") {
		t.Errorf("leading id does not match AccountKey")
	}

	got, err := DecodeAccountUpdate(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Account.Equity.Equal(a.Equity) {
		t.Errorf("equity mismatch: got %s want %s", got.Account.Equity, a.Equity)
	}
}

func TestTradeRoundTripNoLeadingID(t *testing.T) {
	t.Parallel()

	tr := types.Trade{ID: 7, Price: decimal.NewFromInt(3800), Volume: decimal.NewFromInt(5)}
	buf, err := EncodeTrade(TradePayload{Trade: tr})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeTrade(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Trade.ID != tr.ID || !got.Trade.Price.Equal(tr.Price) {
		t.Errorf("round trip mismatch: got %+v want %+v", got.Trade, tr)
	}
}

func TestPositionKeyDeterministic(t *testing.T) {
	t.Parallel()
	k1 := PositionKey("ACC1", "IF2509")
	k2 := PositionKey("ACC1", "IF2509")
	k3 := PositionKey("ACC1", "IF2510")
	if k1 != k2 {
		t.Errorf("PositionKey not deterministic")
	}
	if k1 == k3 {
		t.Errorf("PositionKey collided across distinct instruments")
	}
}
