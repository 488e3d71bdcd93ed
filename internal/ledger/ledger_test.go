package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/ashare-arena/settlement/internal/ledger"
	"github.com/ashare-arena/settlement/internal/model"
	"github.com/ashare-arena/settlement/internal/rules"
	"github.com/ashare-arena/settlement/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// tb is the subset of testing.TB that *rapid.T also provides.
type tb interface {
	Helper()
	Fatalf(format string, args ...any)
}

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(dur time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(dur)
}

type testEnv struct {
	store  *store.MemoryStore
	rules  *rules.Engine
	ledger *ledger.Ledger
	clock  *clock
}

func newTestEnv(t tb, cash string) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	re := rules.New(rules.DefaultConfig())
	clk := &clock{now: time.Date(2025, 6, 16, 10, 0, 0, 0, re.Location())}

	now := clk.Now()
	err := ms.CreateTrader(context.Background(), &model.Trader{
		ID:          "t1",
		Name:        "alpha",
		Cash:        d(cash),
		TotalAssets: d(cash),
		InitialCash: d(cash),
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		t.Fatalf("seed trader: %v", err)
	}
	return &testEnv{
		store:  ms,
		rules:  re,
		ledger: ledger.New(ms, re, ledger.WithClock(clk.Now)),
		clock:  clk,
	}
}

func (e *testEnv) buy(t tb, security, price string, qty int64) {
	t.Helper()
	fee, _ := e.rules.CalculateFees(d(price), qty, model.Buy)
	if err := e.ledger.ApplyBuy(context.Background(), "t1", security, d(price), qty, fee); err != nil {
		t.Fatalf("ApplyBuy: %v", err)
	}
}

func assertTotals(t tb, view *model.Portfolio) {
	t.Helper()
	want := view.Trader.Cash.Add(view.MarketValue())
	if !view.Trader.TotalAssets.Equal(want) {
		t.Fatalf("totalAssets %s != cash %s + market value %s",
			view.Trader.TotalAssets, view.Trader.Cash, view.MarketValue())
	}
	for _, p := range view.Positions {
		if p.AvailableQuantity < 0 || p.AvailableQuantity > p.Quantity {
			t.Fatalf("position %s: available %d outside [0, %d]", p.Security, p.AvailableQuantity, p.Quantity)
		}
	}
}

// --- End-to-end ---

func TestLedger_BuyUnlockSellScenario(t *testing.T) {
	env := newTestEnv(t, "100000")
	ctx := context.Background()

	// Buy 100 @ 50: commission floor 5.00, transfer 0.05.
	env.buy(t, "600703", "50", 100)

	view, err := env.ledger.GetPortfolio(ctx, "t1")
	if err != nil {
		t.Fatalf("GetPortfolio: %v", err)
	}
	assertTotals(t, view)
	if !view.Trader.Cash.Equal(d("94994.95")) {
		t.Errorf("cash after buy = %s, want 94994.95", view.Trader.Cash)
	}
	if len(view.Positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(view.Positions))
	}
	pos := view.Positions[0]
	if pos.Quantity != 100 || pos.AvailableQuantity != 0 {
		t.Errorf("same-day position qty=%d available=%d, want 100/0", pos.Quantity, pos.AvailableQuantity)
	}
	if !pos.AvgCost.Equal(d("50.0505")) {
		t.Errorf("avg cost = %s, want 50.0505 (fees included)", pos.AvgCost)
	}

	// Selling today is refused.
	if err := env.ledger.ApplySell(ctx, "t1", "600703", d("55"), 100, decimal.Zero); !errors.Is(err, ledger.ErrInsufficientSellable) {
		t.Errorf("same-day sell: got %v, want ErrInsufficientSellable", err)
	}

	// Next calendar day, a read unlocks the shares.
	env.clock.Advance(24 * time.Hour)
	view, _ = env.ledger.GetPortfolio(ctx, "t1")
	if view.Positions[0].AvailableQuantity != 100 {
		t.Fatalf("next-day available = %d, want 100", view.Positions[0].AvailableQuantity)
	}

	// Sell 100 @ 55: commission 5.00, stamp 5.50, transfer 0.06.
	fee, _ := env.rules.CalculateFees(d("55"), 100, model.Sell)
	if !fee.Equal(d("10.56")) {
		t.Fatalf("sell fee = %s, want 10.56", fee)
	}
	if err := env.ledger.ApplySell(ctx, "t1", "600703", d("55"), 100, fee); err != nil {
		t.Fatalf("ApplySell: %v", err)
	}

	view, _ = env.ledger.GetPortfolio(ctx, "t1")
	assertTotals(t, view)
	if len(view.Positions) != 0 {
		t.Errorf("position should be deleted, got %+v", view.Positions)
	}
	if !view.Trader.Cash.Equal(d("100484.39")) {
		t.Errorf("cash after sell = %s, want 100484.39", view.Trader.Cash)
	}
}

// --- Buy ---

func TestLedger_ApplyBuyAveragesCost(t *testing.T) {
	env := newTestEnv(t, "100000")
	ctx := context.Background()

	if err := env.ledger.ApplyBuy(ctx, "t1", "600703", d("10"), 100, d("5")); err != nil {
		t.Fatal(err)
	}
	if err := env.ledger.ApplyBuy(ctx, "t1", "600703", d("12"), 100, d("5")); err != nil {
		t.Fatal(err)
	}

	pos, _ := env.store.GetPosition(ctx, "t1", "600703")
	// (1000+5 + 1200+5) / 200
	if !pos.AvgCost.Equal(d("11.05")) {
		t.Errorf("avg cost = %s, want 11.05", pos.AvgCost)
	}
	if !pos.CurrentPrice.Equal(d("12")) {
		t.Errorf("current price = %s, want 12", pos.CurrentPrice)
	}
	if !pos.MarketValue.Equal(d("2400")) {
		t.Errorf("market value = %s, want 2400", pos.MarketValue)
	}
	if pos.AvailableQuantity != 0 {
		t.Errorf("buy must not unlock shares, available = %d", pos.AvailableQuantity)
	}
}

func TestLedger_ApplyBuyInsufficientFunds(t *testing.T) {
	env := newTestEnv(t, "1000")
	ctx := context.Background()

	err := env.ledger.ApplyBuy(ctx, "t1", "600703", d("10"), 100, d("5"))
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("got %v, want ErrInsufficientFunds", err)
	}
	tr, _ := env.store.GetTrader(ctx, "t1")
	if !tr.Cash.Equal(d("1000")) {
		t.Errorf("cash changed on failed buy: %s", tr.Cash)
	}
	if _, err := env.store.GetPosition(ctx, "t1", "600703"); !errors.Is(err, store.ErrNotFound) {
		t.Error("failed buy must not create a position")
	}
}

func TestLedger_TraderNotFound(t *testing.T) {
	env := newTestEnv(t, "1000")
	ctx := context.Background()

	if err := env.ledger.ApplyBuy(ctx, "ghost", "600703", d("10"), 100, d("5")); !errors.Is(err, ledger.ErrTraderNotFound) {
		t.Errorf("ApplyBuy: got %v, want ErrTraderNotFound", err)
	}
	if _, err := env.ledger.GetPortfolio(ctx, "ghost"); !errors.Is(err, ledger.ErrTraderNotFound) {
		t.Errorf("GetPortfolio: got %v, want ErrTraderNotFound", err)
	}
}

// --- Sell ---

func TestLedger_ApplySellPositionNotFound(t *testing.T) {
	env := newTestEnv(t, "1000")
	err := env.ledger.ApplySell(context.Background(), "t1", "600703", d("10"), 100, d("5"))
	if !errors.Is(err, ledger.ErrPositionNotFound) {
		t.Fatalf("got %v, want ErrPositionNotFound", err)
	}
}

func TestLedger_PartialSellKeepsPosition(t *testing.T) {
	env := newTestEnv(t, "100000")
	ctx := context.Background()
	env.buy(t, "600703", "10", 300)
	env.clock.Advance(24 * time.Hour)

	if _, err := env.ledger.UnlockT1(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if err := env.ledger.ApplySell(ctx, "t1", "600703", d("11"), 100, d("5")); err != nil {
		t.Fatal(err)
	}

	pos, err := env.store.GetPosition(ctx, "t1", "600703")
	if err != nil {
		t.Fatal(err)
	}
	if pos.Quantity != 200 || pos.AvailableQuantity != 200 {
		t.Errorf("qty=%d available=%d, want 200/200", pos.Quantity, pos.AvailableQuantity)
	}
	view, _ := env.ledger.GetPortfolio(ctx, "t1")
	assertTotals(t, view)
}

// --- T+1 ---

func TestLedger_UnlockT1Idempotent(t *testing.T) {
	env := newTestEnv(t, "100000")
	ctx := context.Background()
	env.buy(t, "600703", "10", 100)

	n, _ := env.ledger.UnlockT1(ctx, "t1")
	if n != 0 {
		t.Errorf("same-day unlock changed %d positions", n)
	}

	// Late the same calendar day is still locked.
	env.clock.Advance(5 * time.Hour)
	if n, _ := env.ledger.UnlockT1(ctx, "t1"); n != 0 {
		t.Errorf("same-day evening unlock changed %d positions", n)
	}

	env.clock.Advance(12 * time.Hour)
	if n, _ := env.ledger.UnlockT1(ctx, "t1"); n != 1 {
		t.Errorf("next-day unlock changed %d positions, want 1", n)
	}
	if n, _ := env.ledger.UnlockT1(ctx, "t1"); n != 0 {
		t.Errorf("second unlock changed %d positions, want 0", n)
	}
}

func TestLedger_NextDayRebuyKeepsEarlierSharesSellable(t *testing.T) {
	env := newTestEnv(t, "100000")
	ctx := context.Background()
	env.buy(t, "600703", "10", 200)

	env.clock.Advance(24 * time.Hour)
	env.buy(t, "600703", "10", 100)

	pos, err := env.store.GetPosition(ctx, "t1", "600703")
	if err != nil {
		t.Fatal(err)
	}
	if pos.Quantity != 300 || pos.AvailableQuantity != 200 {
		t.Fatalf("after rebuy qty=%d available=%d, want 300/200", pos.Quantity, pos.AvailableQuantity)
	}

	// Today's shares stay locked.
	fee, _ := env.rules.CalculateFees(d("10"), 300, model.Sell)
	err = env.ledger.ApplySell(ctx, "t1", "600703", d("10"), 300, fee)
	if !errors.Is(err, ledger.ErrInsufficientSellable) {
		t.Errorf("selling today's shares: err = %v, want ErrInsufficientSellable", err)
	}
}

func TestLedger_ApplySellUnlocksEligibleShares(t *testing.T) {
	env := newTestEnv(t, "100000")
	ctx := context.Background()
	env.buy(t, "600703", "10", 200)
	env.clock.Advance(24 * time.Hour)

	fee, _ := env.rules.CalculateFees(d("10"), 200, model.Sell)
	if err := env.ledger.ApplySell(ctx, "t1", "600703", d("10"), 200, fee); err != nil {
		t.Fatalf("ApplySell without prior unlock: %v", err)
	}
	if _, err := env.store.GetPosition(ctx, "t1", "600703"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("position after full sell: err = %v, want ErrNotFound", err)
	}
}

func TestLedger_UnlockT1LegacyPositionWithoutDate(t *testing.T) {
	env := newTestEnv(t, "100000")
	ctx := context.Background()

	_ = env.store.RunInTx(ctx, "t1", func(tx store.Tx) error {
		return tx.UpsertPosition(ctx, &model.Position{
			TraderID: "t1", Security: "000063", Quantity: 200, AvailableQuantity: 0,
			AvgCost: d("30"), CurrentPrice: d("30"), MarketValue: d("6000"),
		})
	})

	if n, _ := env.ledger.UnlockT1(ctx, "t1"); n != 1 {
		t.Fatalf("legacy position should unlock, changed %d", n)
	}
	pos, _ := env.store.GetPosition(ctx, "t1", "000063")
	if pos.AvailableQuantity != 200 {
		t.Errorf("available = %d, want 200", pos.AvailableQuantity)
	}
}

// --- Mark to market ---

func TestLedger_MarkToMarketLeavesTradeDateAlone(t *testing.T) {
	env := newTestEnv(t, "100000")
	ctx := context.Background()
	env.buy(t, "600703", "10", 100)
	before, _ := env.store.GetPosition(ctx, "t1", "600703")

	env.clock.Advance(24 * time.Hour)
	view, err := env.ledger.MarkToMarket(ctx, "t1", map[string]decimal.Decimal{
		"600703": d("12.5"),
		"000063": d("99"),
	})
	if err != nil {
		t.Fatalf("MarkToMarket: %v", err)
	}
	assertTotals(t, view)

	after, _ := env.store.GetPosition(ctx, "t1", "600703")
	if !after.CurrentPrice.Equal(d("12.5")) || !after.MarketValue.Equal(d("1250")) {
		t.Errorf("price=%s value=%s, want 12.5/1250", after.CurrentPrice, after.MarketValue)
	}
	if !after.LastTradeDate.Equal(*before.LastTradeDate) {
		t.Error("mark-to-market changed lastTradeDate")
	}
	if after.AvailableQuantity != before.AvailableQuantity {
		t.Error("mark-to-market changed availableQuantity")
	}
}

func TestLedger_Snapshot(t *testing.T) {
	env := newTestEnv(t, "100000")
	view := &model.Portfolio{
		Trader: model.Trader{ID: "t1", Cash: d("90000"), InitialCash: d("100000")},
		Positions: []model.Position{
			{Security: "600703", MarketValue: d("15000")},
		},
	}
	snap := env.ledger.Snapshot(view)
	if !snap.TotalAssets.Equal(d("105000")) {
		t.Errorf("total = %s", snap.TotalAssets)
	}
	if !snap.TotalProfit.Equal(d("5000")) {
		t.Errorf("profit = %s", snap.TotalProfit)
	}
	if !snap.TotalReturn.Equal(d("5")) {
		t.Errorf("return = %s, want 5", snap.TotalReturn)
	}
}

// --- Checks ---

func TestLedger_Checks(t *testing.T) {
	env := newTestEnv(t, "1000")
	ctx := context.Background()

	ok, cash, err := env.ledger.CheckAvailableCash(ctx, "t1", d("1000"))
	if err != nil || !ok || !cash.Equal(d("1000")) {
		t.Errorf("CheckAvailableCash = %v %s %v", ok, cash, err)
	}
	ok, _, _ = env.ledger.CheckAvailableCash(ctx, "t1", d("1000.01"))
	if ok {
		t.Error("expected insufficient cash")
	}

	ok, avail, err := env.ledger.CheckSellableQuantity(ctx, "t1", "600703", 100)
	if err != nil || ok || avail != 0 {
		t.Errorf("CheckSellableQuantity without position = %v %d %v", ok, avail, err)
	}
}

// --- Properties ---

func TestLedger_TotalAssetsInvariantProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		env := newTestEnv(rt, "200000")
		ctx := context.Background()
		securities := []string{"600703", "000063", "300750"}

		steps := rapid.IntRange(1, 30).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			sec := rapid.SampledFrom(securities).Draw(rt, "security")
			cents := rapid.Int64Range(100, 20000).Draw(rt, "cents")
			price := decimal.New(cents, -2)
			lots := rapid.Int64Range(1, 5).Draw(rt, "lots")
			qty := lots * env.rules.LotSize()

			switch rapid.IntRange(0, 3).Draw(rt, "op") {
			case 0:
				fee, _ := env.rules.CalculateFees(price, qty, model.Buy)
				err := env.ledger.ApplyBuy(ctx, "t1", sec, price, qty, fee)
				if err != nil && !errors.Is(err, ledger.ErrInsufficientFunds) {
					rt.Fatalf("buy: %v", err)
				}
			case 1:
				fee, _ := env.rules.CalculateFees(price, qty, model.Sell)
				err := env.ledger.ApplySell(ctx, "t1", sec, price, qty, fee)
				if err != nil && !errors.Is(err, ledger.ErrPositionNotFound) && !errors.Is(err, ledger.ErrInsufficientSellable) {
					rt.Fatalf("sell: %v", err)
				}
			case 2:
				if _, err := env.ledger.MarkToMarket(ctx, "t1", map[string]decimal.Decimal{sec: price}); err != nil {
					rt.Fatalf("mark: %v", err)
				}
			case 3:
				env.clock.Advance(time.Duration(rapid.IntRange(1, 30).Draw(rt, "hours")) * time.Hour)
			}

			view, err := env.ledger.GetPortfolio(ctx, "t1")
			if err != nil {
				rt.Fatalf("GetPortfolio: %v", err)
			}
			assertTotals(rt, view)
			if view.Trader.Cash.IsNegative() {
				rt.Fatalf("cash went negative: %s", view.Trader.Cash)
			}
		}
	})
}
