package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/exchange-core/matchcore/internal/account"
	"github.com/exchange-core/matchcore/internal/book"
	"github.com/exchange-core/matchcore/internal/gateway"
	"github.com/exchange-core/matchcore/internal/instrument"
	"github.com/exchange-core/matchcore/internal/notify"
	"github.com/exchange-core/matchcore/internal/snapshot"
	"github.com/exchange-core/matchcore/internal/wal"
	"github.com/exchange-core/matchcore/pkg/types"
)

type rig struct {
	router   *Router
	accounts *account.Manager
	snaps    *snapshot.Manager
	registry *instrument.Registry
	walDir   string
}

func newRig(t *testing.T) *rig {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	dir := t.TempDir()
	w, err := wal.Open(dir, 1, 1<<20)
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	t.Cleanup(func() { w.Close() })

	accounts := account.New(logger)
	snaps := snapshot.NewManager(logger, 0)
	broker := notify.NewBroker(logger, 256)
	gw := gateway.New(logger, accounts, w, snaps, broker, nil)
	registry := instrument.NewRegistry(logger)

	seq := book.NewAtomicSequencer(1)
	r := New(logger, registry, accounts, w, gw, seq, seq)

	if err := registry.Create(types.Instrument{
		ID:             "X",
		ExchangeTag:    "SIM",
		Multiplier:     decimal.NewFromInt(300),
		PriceTick:      decimal.NewFromFloat(0.2),
		MarginRate:     decimal.NewFromFloat(0.12),
		CommissionRate: decimal.NewFromInt(5),
	}); err != nil {
		t.Fatalf("create instrument: %v", err)
	}
	return &rig{router: r, accounts: accounts, snaps: snaps, registry: registry, walDir: dir}
}

func (rg *rig) fund(t *testing.T, id types.AccountID, amount int64) {
	t.Helper()
	if err := rg.accounts.Deposit(id, decimal.NewFromInt(amount)); err != nil {
		t.Fatalf("deposit %s: %v", id, err)
	}
}

func limitIntent(acct types.AccountID, side types.Side, volume, price int64) SubmitIntent {
	return SubmitIntent{
		Account:     acct,
		Instrument:  "X",
		Side:        side,
		Offset:      types.Open,
		Volume:      decimal.NewFromInt(volume),
		PriceType:   types.Limit,
		LimitPrice:  decimal.NewFromInt(price),
		TimeInForce: types.GFD,
	}
}

// Scenario: limit cross, single fill, with the account arithmetic checked
// to the unit: margin 10*3800*300*0.12 = 1,368,000, commission 5 per side.
func TestLimitCrossSingleFill(t *testing.T) {
	rg := newRig(t)
	rg.fund(t, "A", 2_000_000)
	rg.fund(t, "B", 2_000_000)

	if _, err := rg.router.Submit(limitIntent("A", types.Buy, 10, 3800)); err != nil {
		t.Fatalf("submit A: %v", err)
	}
	if _, err := rg.router.Submit(limitIntent("B", types.Sell, 10, 3800)); err != nil {
		t.Fatalf("submit B: %v", err)
	}

	accA, _ := rg.accounts.Account("A")
	wantAvailable := decimal.NewFromInt(2_000_000 - 1_368_000 - 5)
	if !accA.Available.Equal(wantAvailable) {
		t.Errorf("A.available = %s, want %s", accA.Available, wantAvailable)
	}
	if !accA.UsedMargin.Equal(decimal.NewFromInt(1_368_000)) {
		t.Errorf("A.used_margin = %s, want 1368000", accA.UsedMargin)
	}
	if !accA.FrozenMargin.IsZero() {
		t.Errorf("A.frozen_margin = %s, want 0", accA.FrozenMargin)
	}
	if !accA.CumulativeCommission.Equal(decimal.NewFromInt(5)) {
		t.Errorf("A.commission = %s, want 5", accA.CumulativeCommission)
	}

	posA, ok := rg.accounts.Position("A", "X")
	if !ok || !posA.Long.Volume.Equal(decimal.NewFromInt(10)) {
		t.Errorf("A.position.long = %v, want volume 10", posA.Long.Volume)
	}
	if !posA.Long.OpenCost.Equal(decimal.NewFromInt(3800)) {
		t.Errorf("A.position.long cost = %s, want 3800", posA.Long.OpenCost)
	}

	posB, ok := rg.accounts.Position("B", "X")
	if !ok || !posB.Short.Volume.Equal(decimal.NewFromInt(10)) {
		t.Errorf("B.position.short = %v, want volume 10", posB.Short.Volume)
	}
	accB, _ := rg.accounts.Account("B")
	if !accB.Available.Equal(wantAvailable) {
		t.Errorf("B.available = %s, want %s (short mirrors long)", accB.Available, wantAvailable)
	}

	bk := rg.router.Book("X")
	if _, _, ok := bk.BestBid(); ok {
		t.Error("book not empty after full cross: bid remains")
	}
	if _, _, ok := bk.BestAsk(); ok {
		t.Error("book not empty after full cross: ask remains")
	}
}

// Scenario: with equity 100,000 the buy's 1,368,000 margin requirement is
// rejected at submit as a risk error.
func TestInsufficientFundsRejectedAtSubmit(t *testing.T) {
	rg := newRig(t)
	rg.fund(t, "A", 100_000)

	_, err := rg.router.Submit(limitIntent("A", types.Buy, 10, 3800))
	var rej *Rejection
	if !errors.As(err, &rej) {
		t.Fatalf("submit = %v, want *Rejection", err)
	}
	if rej.Code != CodeRisk {
		t.Errorf("code = %s, want %s", rej.Code, CodeRisk)
	}
	if !errors.Is(err, account.ErrInsufficientFunds) {
		t.Errorf("cause = %v, want ErrInsufficientFunds", err)
	}

	// Rejection leaves no trace: no frozen margin, no WAL order record.
	accA, _ := rg.accounts.Account("A")
	if !accA.FrozenMargin.IsZero() {
		t.Errorf("frozen margin leaked: %s", accA.FrozenMargin)
	}
	if n := countRecords(t, rg.walDir, wal.KindOrderInsert); n != 0 {
		t.Errorf("order-insert records = %d, want 0", n)
	}
}

// Scenario: price-time priority tie. A then C bid 3800; B's 7-lot sell
// fills A fully (first in) and C partially.
func TestPriceTimePriorityTie(t *testing.T) {
	rg := newRig(t)
	for _, id := range []types.AccountID{"A", "B", "C"} {
		rg.fund(t, id, 100_000_000)
	}

	if _, err := rg.router.Submit(limitIntent("A", types.Buy, 5, 3800)); err != nil {
		t.Fatalf("submit A: %v", err)
	}
	cID, err := rg.router.Submit(limitIntent("C", types.Buy, 5, 3800))
	if err != nil {
		t.Fatalf("submit C: %v", err)
	}
	if _, err := rg.router.Submit(limitIntent("B", types.Sell, 7, 3800)); err != nil {
		t.Fatalf("submit B: %v", err)
	}

	posA, _ := rg.accounts.Position("A", "X")
	if !posA.Long.Volume.Equal(decimal.NewFromInt(5)) {
		t.Errorf("A filled %s, want 5 (A was first at the level)", posA.Long.Volume)
	}
	posC, _ := rg.accounts.Position("C", "X")
	if !posC.Long.Volume.Equal(decimal.NewFromInt(2)) {
		t.Errorf("C filled %s, want 2", posC.Long.Volume)
	}
	posB, _ := rg.accounts.Position("B", "X")
	if !posB.Short.Volume.Equal(decimal.NewFromInt(7)) {
		t.Errorf("B filled %s, want 7 (fully filled)", posB.Short.Volume)
	}

	cOrder, ok := rg.router.Order(cID)
	if !ok {
		t.Fatal("C's order no longer live")
	}
	if !cOrder.Remaining.Equal(decimal.NewFromInt(3)) {
		t.Errorf("C remaining = %s, want 3", cOrder.Remaining)
	}
	if price, volume, ok := rg.router.Book("X").BestBid(); !ok ||
		!price.Equal(decimal.NewFromInt(3800)) || !volume.Equal(decimal.NewFromInt(3)) {
		t.Errorf("best bid = %s x %s, want 3800 x 3", price, volume)
	}
}

// Scenario: cancel idempotence. First cancel ok, second already-terminal,
// and the WAL holds exactly one insert and one cancel record.
func TestCancelIdempotence(t *testing.T) {
	rg := newRig(t)
	rg.fund(t, "A", 100_000_000)

	id, err := rg.router.Submit(limitIntent("A", types.Buy, 10, 3800))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := rg.router.Cancel(id, "A"); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	err = rg.router.Cancel(id, "A")
	if !errors.Is(err, ErrAlreadyTerminal) {
		t.Errorf("second cancel = %v, want ErrAlreadyTerminal", err)
	}

	if _, _, ok := rg.router.Book("X").BestBid(); ok {
		t.Error("book not empty after cancel")
	}
	if n := countRecords(t, rg.walDir, wal.KindOrderInsert); n != 1 {
		t.Errorf("order-insert records = %d, want 1", n)
	}
	if n := countRecords(t, rg.walDir, wal.KindOrderCancel); n != 1 {
		t.Errorf("order-cancel records = %d, want 1 (no second cancel record)", n)
	}

	// Cancel releases the full reservation.
	accA, _ := rg.accounts.Account("A")
	if !accA.FrozenMargin.IsZero() {
		t.Errorf("frozen margin after cancel = %s, want 0", accA.FrozenMargin)
	}
	if !accA.Available.Equal(decimal.NewFromInt(100_000_000)) {
		t.Errorf("available after cancel = %s, want all restored", accA.Available)
	}
}

func TestCancelOwnershipAndNotFound(t *testing.T) {
	rg := newRig(t)
	rg.fund(t, "A", 100_000_000)

	id, err := rg.router.Submit(limitIntent("A", types.Buy, 1, 3800))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := rg.router.Cancel(id, "B"); !errors.Is(err, ErrNotYours) {
		t.Errorf("cancel by B = %v, want ErrNotYours", err)
	}
	if err := rg.router.Cancel(types.OrderID(999999), "A"); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("cancel unknown = %v, want ErrOrderNotFound", err)
	}
}

// Market order remainder after exhausting the book cancels with reason
// "no liquidity"; the filled part stays filled.
func TestMarketRemainderCancelled(t *testing.T) {
	rg := newRig(t)
	rg.fund(t, "A", 100_000_000)
	rg.fund(t, "B", 100_000_000)

	if _, err := rg.router.Submit(limitIntent("A", types.Sell, 3, 3800)); err != nil {
		t.Fatalf("submit A: %v", err)
	}
	intent := limitIntent("B", types.Buy, 10, 0)
	intent.PriceType = types.Market
	intent.LimitPrice = decimal.Zero
	if _, err := rg.router.Submit(intent); err != nil {
		t.Fatalf("submit market: %v", err)
	}

	posB, _ := rg.accounts.Position("B", "X")
	if !posB.Long.Volume.Equal(decimal.NewFromInt(3)) {
		t.Errorf("B filled %s, want 3", posB.Long.Volume)
	}
	if n := countRecords(t, rg.walDir, wal.KindOrderCancel); n != 1 {
		t.Errorf("cancel records = %d, want 1 (market remainder)", n)
	}
	accB, _ := rg.accounts.Account("B")
	if !accB.FrozenMargin.IsZero() {
		t.Errorf("market remainder left frozen margin %s", accB.FrozenMargin)
	}
}

// Scenario: snapshot convergence. A peek issued before any data blocks;
// after the cross it yields a tree carrying A's account, position, order,
// and trade.
func TestSnapshotConvergence(t *testing.T) {
	rg := newRig(t)
	rg.fund(t, "A", 2_000_000)
	rg.fund(t, "B", 2_000_000)
	rg.snaps.Attach("A")

	type peekResult struct {
		batch []snapshot.Patch
		err   error
	}
	first := make(chan peekResult, 1)
	go func() {
		batch, err := rg.snaps.Peek(context.Background(), "A")
		first <- peekResult{batch, err}
	}()

	select {
	case <-first:
		t.Fatal("peek returned before any data existed")
	case <-time.After(20 * time.Millisecond):
	}

	if _, err := rg.router.Submit(limitIntent("A", types.Buy, 10, 3800)); err != nil {
		t.Fatalf("submit A: %v", err)
	}
	if _, err := rg.router.Submit(limitIntent("B", types.Sell, 10, 3800)); err != nil {
		t.Fatalf("submit B: %v", err)
	}

	var got peekResult
	select {
	case got = <-first:
	case <-time.After(time.Second):
		t.Fatal("peek did not unblock after the trade")
	}
	if got.err != nil {
		t.Fatalf("peek: %v", got.err)
	}

	client := map[string]any{}
	for _, p := range got.batch {
		client = snapshot.MergePatch(client, p)
	}
	userA, ok := client["trade"].(map[string]any)["A"].(map[string]any)
	if !ok {
		t.Fatalf("no trade.A subtree: %v", client)
	}
	for _, key := range []string{"accounts", "positions", "orders", "trades"} {
		if userA[key] == nil {
			t.Errorf("trade.A.%s missing", key)
		}
	}

	// A second immediate peek blocks: no further changes.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := rg.snaps.Peek(ctx, "A"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("second peek = %v, want deadline exceeded", err)
	}
}

func TestConditionalOrderFiresOnTrigger(t *testing.T) {
	rg := newRig(t)
	for _, id := range []types.AccountID{"A", "B", "C"} {
		rg.fund(t, id, 100_000_000)
	}

	// C parks a stop-buy at 3800: fires when last price >= 3800.
	condID, err := rg.router.SubmitConditional(limitIntent("C", types.Buy, 1, 3810), TriggerGTE, decimal.NewFromInt(3800))
	if err != nil {
		t.Fatalf("submit conditional: %v", err)
	}
	if _, ok := rg.router.Order(condID); ok {
		t.Error("conditional order entered the live table before its trigger")
	}

	// A/B trade at 3800, satisfying the trigger.
	if _, err := rg.router.Submit(limitIntent("A", types.Buy, 1, 3800)); err != nil {
		t.Fatalf("submit A: %v", err)
	}
	if _, err := rg.router.Submit(limitIntent("B", types.Sell, 1, 3800)); err != nil {
		t.Fatalf("submit B: %v", err)
	}

	// The fired order (BUY 1 @ 3810) found an empty book and rests.
	price, volume, ok := rg.router.Book("X").BestBid()
	if !ok || !price.Equal(decimal.NewFromInt(3810)) || !volume.Equal(decimal.NewFromInt(1)) {
		t.Errorf("fired order not resting: bid %s x %s", price, volume)
	}
}

func TestModifyReducePreservesQueuePosition(t *testing.T) {
	rg := newRig(t)
	rg.fund(t, "A", 100_000_000)
	rg.fund(t, "B", 100_000_000)
	rg.fund(t, "C", 100_000_000)

	aID, err := rg.router.Submit(limitIntent("A", types.Buy, 10, 3800))
	if err != nil {
		t.Fatalf("submit A: %v", err)
	}
	if _, err := rg.router.Submit(limitIntent("C", types.Buy, 5, 3800)); err != nil {
		t.Fatalf("submit C: %v", err)
	}

	// Reduce A from 10 to 4 at the same price: A keeps front-of-queue.
	gotID, err := rg.router.Modify(aID, "A", decimal.NewFromInt(3800), decimal.NewFromInt(4))
	if err != nil {
		t.Fatalf("modify: %v", err)
	}
	if gotID != aID {
		t.Errorf("reduce assigned a new id %d, want %d", gotID, aID)
	}

	// A 4-lot sell must fill A (still first), not C.
	if _, err := rg.router.Submit(limitIntent("B", types.Sell, 4, 3800)); err != nil {
		t.Fatalf("submit B: %v", err)
	}
	posA, _ := rg.accounts.Position("A", "X")
	if !posA.Long.Volume.Equal(decimal.NewFromInt(4)) {
		t.Errorf("A filled %s, want 4", posA.Long.Volume)
	}
	posC, _ := rg.accounts.Position("C", "X")
	if !posC.Long.Volume.IsZero() {
		t.Errorf("C filled %s, want 0 (queue position lost)", posC.Long.Volume)
	}
}

func TestBatchSubmitAndCancel(t *testing.T) {
	rg := newRig(t)
	rg.fund(t, "A", 100_000_000)

	results := rg.router.SubmitBatch([]SubmitIntent{
		limitIntent("A", types.Buy, 1, 3800),
		limitIntent("A", types.Buy, 1, 3798),
		{Account: "A", Instrument: "NOPE", Side: types.Buy, Offset: types.Open,
			Volume: decimal.NewFromInt(1), PriceType: types.Limit, LimitPrice: decimal.NewFromInt(1)},
	})
	if results[0].Err != nil || results[1].Err != nil {
		t.Fatalf("valid batch items failed: %v %v", results[0].Err, results[1].Err)
	}
	if results[2].Err == nil {
		t.Error("unknown-instrument batch item succeeded")
	}

	ids := []types.OrderID{results[0].OrderID, results[1].OrderID}
	for i, res := range rg.router.CancelBatch(ids, "A") {
		if res.Err != nil {
			t.Errorf("batch cancel %d: %v", i, res.Err)
		}
	}
}

// countRecords replays the WAL and counts records of one kind.
func countRecords(t *testing.T, dir string, kind wal.Kind) int {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	n := 0
	err := wal.Replay(dir, 0, logger, func(rec wal.Record) error {
		if rec.Kind == kind {
			n++
		}
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	return n
}
