package settlement_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/ashare-arena/settlement/internal/broadcast"
	"github.com/ashare-arena/settlement/internal/decision"
	"github.com/ashare-arena/settlement/internal/ledger"
	"github.com/ashare-arena/settlement/internal/marketdata"
	"github.com/ashare-arena/settlement/internal/model"
	"github.com/ashare-arena/settlement/internal/order"
	"github.com/ashare-arena/settlement/internal/rules"
	"github.com/ashare-arena/settlement/internal/settlement"
	"github.com/ashare-arena/settlement/internal/store"
)

const sec = "600703"

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func ptr(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

type tb interface {
	Helper()
	Fatalf(format string, args ...any)
}

type recorder struct {
	mu     sync.Mutex
	events []broadcast.Event
}

func (r *recorder) Publish(_ context.Context, ev broadcast.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

// failingTx fails every trade insert.
type failingTx struct {
	store.Tx
}

func (failingTx) InsertTrade(context.Context, *model.Trade) error {
	return errors.New("disk full")
}

// failingStore hands settlement a transaction that cannot record trades.
type failingStore struct {
	*store.MemoryStore
}

func (s failingStore) RunInTx(ctx context.Context, traderID string, fn func(tx store.Tx) error) error {
	return s.MemoryStore.RunInTx(ctx, traderID, func(tx store.Tx) error {
		return fn(failingTx{tx})
	})
}

type testEnv struct {
	store   *store.MemoryStore
	rules   *rules.Engine
	ledger  *ledger.Ledger
	orders  *order.Lifecycle
	market  *marketdata.Static
	sink    *recorder
	engine  *settlement.Engine
	now     time.Time
	initial decimal.Decimal
}

func newTestEnv(t tb, cash string) *testEnv {
	t.Helper()
	return newTestEnvWithUniverse(t, cash, rules.DefaultSecurities)
}

func newTestEnvWithUniverse(t tb, cash string, securities map[string]string) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	re := rules.New(rules.DefaultConfig())
	now := time.Date(2025, 6, 16, 10, 0, 0, 0, re.Location())
	clock := func() time.Time { return now }

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

	u, err := rules.NewUniverse(securities)
	if err != nil {
		t.Fatalf("universe: %v", err)
	}
	md := marketdata.NewStatic()
	md.SetQuote(model.Quote{Security: sec, Price: d("10"), YesterdayClose: d("10")})

	env := &testEnv{
		store:   ms,
		rules:   re,
		ledger:  ledger.New(ms, re, ledger.WithClock(clock)),
		orders:  order.NewLifecycle(ms, re, u, clock),
		market:  md,
		sink:    &recorder{},
		now:     now,
		initial: d(cash),
	}
	env.engine = settlement.New(ms, re, env.ledger, env.orders, md, u, env.sink)
	return env
}

func (e *testEnv) place(t tb, in decision.Instruction) *model.Order {
	t.Helper()
	o, err := e.orders.CreateFromInstruction(context.Background(), "t1", in)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return o
}

// hold seeds a position traded today, so T+1 unlocking leaves available
// as given.
func (e *testEnv) hold(t tb, qty, available int64) {
	t.Helper()
	today := e.now
	err := e.store.RunInTx(context.Background(), "t1", func(tx store.Tx) error {
		return tx.UpsertPosition(context.Background(), &model.Position{
			TraderID:          "t1",
			Security:          sec,
			Quantity:          qty,
			AvailableQuantity: available,
			AvgCost:           d("9"),
			CurrentPrice:      d("10"),
			MarketValue:       d("10").Mul(decimal.NewFromInt(qty)),
			LastTradeDate:     &today,
			UpdatedAt:         e.now,
		})
	})
	if err != nil {
		t.Fatalf("seed position: %v", err)
	}
}

func (e *testEnv) book(ask, bid string) {
	e.market.SetOrderBook(model.OrderBook{
		Security:   sec,
		AskPrices:  [5]decimal.Decimal{d(ask), d(ask).Add(d("0.01"))},
		BidPrices:  [5]decimal.Decimal{d(bid), d(bid).Sub(d("0.01"))},
		AskVolumes: [5]int64{1000, 1000},
		BidVolumes: [5]int64{1000, 1000},
	})
}

func (e *testEnv) cash(t tb) decimal.Decimal {
	t.Helper()
	tr, err := e.store.GetTrader(context.Background(), "t1")
	if err != nil {
		t.Fatalf("get trader: %v", err)
	}
	return tr.Cash
}

func (e *testEnv) trades(t tb) []model.Trade {
	t.Helper()
	trades, err := e.store.ListTrades(context.Background(), "t1")
	if err != nil {
		t.Fatalf("list trades: %v", err)
	}
	return trades
}

func (e *testEnv) status(t tb, id string) model.OrderStatus {
	t.Helper()
	o, err := e.store.GetOrder(context.Background(), id)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	return o.Status
}

// --- Filling ---

func TestSettle_MarketBuyFillsAtBestAsk(t *testing.T) {
	env := newTestEnv(t, "100000")
	env.book("10.01", "9.99")
	o := env.place(t, decision.Buy{Security: sec, Quantity: 100, Type: model.Market})

	out, err := env.engine.Settle(context.Background(), o)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if out.Kind != settlement.Filled {
		t.Fatalf("kind = %s (%s), want filled", out.Kind, out.Reason)
	}
	if !out.Price.Equal(d("10.01")) {
		t.Errorf("price = %s, want 10.01", out.Price)
	}

	// 1001 + commission 5.00 + transfer 0.01
	if got := env.cash(t); !got.Equal(d("98993.99")) {
		t.Errorf("cash = %s, want 98993.99", got)
	}
	trades := env.trades(t)
	if len(trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(trades))
	}
	tr := trades[0]
	if tr.OrderID != o.ID || !tr.Amount.Equal(d("1001")) || !tr.Fees.Total.Equal(d("5.01")) {
		t.Errorf("unexpected trade: %+v", tr)
	}
	stored, _ := env.store.GetOrder(context.Background(), o.ID)
	if stored.Status != model.StatusFilled || !stored.FilledPrice.Equal(d("10.01")) || stored.FilledQuantity != 100 {
		t.Errorf("unexpected order: %+v", stored)
	}
	pos, err := env.store.GetPosition(context.Background(), "t1", sec)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if pos.Quantity != 100 || pos.AvailableQuantity != 0 {
		t.Errorf("position qty %d available %d, want 100/0", pos.Quantity, pos.AvailableQuantity)
	}
	if got := env.sink.types(); len(got) != 1 || got[0] != broadcast.TypeTradeExecuted {
		t.Errorf("events = %v", got)
	}
}

func TestSettle_Pricing(t *testing.T) {
	tests := []struct {
		name  string
		in    decision.Instruction
		ask   string // empty: no order book
		bid   string
		want  settlement.Kind
		price string
	}{
		{"market buy last price", decision.Buy{Security: sec, Quantity: 100, Type: model.Market}, "", "", settlement.Filled, "10"},
		{"limit buy crosses ask", decision.Buy{Security: sec, Quantity: 100, Type: model.Limit, LimitPrice: ptr("10.05")}, "10.01", "9.99", settlement.Filled, "10.01"},
		{"limit buy equals ask", decision.Buy{Security: sec, Quantity: 100, Type: model.Limit, LimitPrice: ptr("10.01")}, "10.01", "9.99", settlement.Filled, "10.01"},
		{"limit buy below ask", decision.Buy{Security: sec, Quantity: 100, Type: model.Limit, LimitPrice: ptr("10.00")}, "10.01", "9.99", settlement.StillPending, ""},
		{"limit buy last price crossed", decision.Buy{Security: sec, Quantity: 100, Type: model.Limit, LimitPrice: ptr("10")}, "", "", settlement.Filled, "10"},
		{"limit buy last price not crossed", decision.Buy{Security: sec, Quantity: 100, Type: model.Limit, LimitPrice: ptr("9.5")}, "", "", settlement.StillPending, ""},
		{"market sell best bid", decision.Sell{Security: sec, Quantity: 100, Type: model.Market}, "10.01", "9.99", settlement.Filled, "9.99"},
		{"limit sell crosses bid", decision.Sell{Security: sec, Quantity: 100, Type: model.Limit, LimitPrice: ptr("9.90")}, "10.01", "9.99", settlement.Filled, "9.99"},
		{"limit sell above bid", decision.Sell{Security: sec, Quantity: 100, Type: model.Limit, LimitPrice: ptr("10.00")}, "10.01", "9.99", settlement.StillPending, ""},
		{"limit sell last price", decision.Sell{Security: sec, Quantity: 100, Type: model.Limit, LimitPrice: ptr("10")}, "", "", settlement.Filled, "10"},
		{"empty bid side degrades", decision.Sell{Security: sec, Quantity: 100, Type: model.Market}, "10.01", "0", settlement.Filled, "10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, "100000")
			env.hold(t, 500, 500)
			if tt.ask != "" {
				env.book(tt.ask, tt.bid)
			}
			o := env.place(t, tt.in)

			out, err := env.engine.Settle(context.Background(), o)
			if err != nil {
				t.Fatalf("Settle: %v", err)
			}
			if out.Kind != tt.want {
				t.Fatalf("kind = %s (%s), want %s", out.Kind, out.Reason, tt.want)
			}
			if tt.want == settlement.StillPending {
				if !errors.Is(out.Cause, settlement.ErrNotCrossed) {
					t.Errorf("cause = %v, want ErrNotCrossed", out.Cause)
				}
				if env.status(t, o.ID) != model.StatusPending {
					t.Error("order left the pending state")
				}
				return
			}
			if !out.Price.Equal(d(tt.price)) {
				t.Errorf("price = %s, want %s", out.Price, tt.price)
			}
		})
	}
}

func TestSettle_SellCreditsProceeds(t *testing.T) {
	env := newTestEnv(t, "0")
	env.hold(t, 100, 100)
	o := env.place(t, decision.Sell{Security: sec, Quantity: 100, Type: model.Market})

	out, err := env.engine.Settle(context.Background(), o)
	if err != nil || out.Kind != settlement.Filled {
		t.Fatalf("Settle: %v %+v", err, out)
	}
	// 1000 - commission 5.00 - stamp 1.00 - transfer 0.01
	if got := env.cash(t); !got.Equal(d("993.99")) {
		t.Errorf("cash = %s, want 993.99", got)
	}
	if _, err := env.store.GetPosition(context.Background(), "t1", sec); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("position should be removed at zero, got err %v", err)
	}
}

func TestSettle_NextDayBuyThenSellOfEarlierShares(t *testing.T) {
	env := newTestEnv(t, "100000")
	ctx := context.Background()
	yesterday := env.now.AddDate(0, 0, -1)
	err := env.store.RunInTx(ctx, "t1", func(tx store.Tx) error {
		return tx.UpsertPosition(ctx, &model.Position{
			TraderID:      "t1",
			Security:      sec,
			Quantity:      200,
			AvgCost:       d("9"),
			CurrentPrice:  d("10"),
			MarketValue:   d("2000"),
			LastTradeDate: &yesterday,
			UpdatedAt:     yesterday,
		})
	})
	if err != nil {
		t.Fatalf("seed position: %v", err)
	}

	buy := env.place(t, decision.Buy{Security: sec, Quantity: 100, Type: model.Market})
	if out, err := env.engine.Settle(ctx, buy); err != nil || out.Kind != settlement.Filled {
		t.Fatalf("buy: %v %+v", err, out)
	}
	pos, err := env.store.GetPosition(ctx, "t1", sec)
	if err != nil {
		t.Fatal(err)
	}
	if pos.Quantity != 300 || pos.AvailableQuantity != 200 {
		t.Fatalf("after buy qty=%d available=%d, want 300/200", pos.Quantity, pos.AvailableQuantity)
	}

	sell := env.place(t, decision.Sell{Security: sec, Quantity: 200, Type: model.Market})
	if out, err := env.engine.Settle(ctx, sell); err != nil || out.Kind != settlement.Filled {
		t.Fatalf("sell of yesterday's shares: %v %+v", err, out)
	}
}

// --- Rejection ---

func TestSettle_STSecurityUsesNarrowBand(t *testing.T) {
	tests := []struct {
		name  string
		in    decision.Instruction
		price string
	}{
		{"buy at 5% upper limit", decision.Buy{Security: sec, Quantity: 100, Type: model.Market}, "10.50"},
		{"sell at 5% lower limit", decision.Sell{Security: sec, Quantity: 100, Type: model.Market}, "9.50"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newTestEnvWithUniverse(t, "100000", map[string]string{sec: "*ST三安"})
			st.hold(t, 100, 100)
			st.market.SetQuote(model.Quote{Security: sec, Price: d(tt.price), YesterdayClose: d("10")})
			out, err := st.engine.Settle(context.Background(), st.place(t, tt.in))
			if err != nil {
				t.Fatalf("Settle: %v", err)
			}
			if out.Kind != settlement.Rejected || !errors.Is(out.Cause, rules.ErrPriceLimitBreach) {
				t.Errorf("ST outcome = %s (%v), want rejected by price limit", out.Kind, out.Cause)
			}

			plain := newTestEnv(t, "100000")
			plain.hold(t, 100, 100)
			plain.market.SetQuote(model.Quote{Security: sec, Price: d(tt.price), YesterdayClose: d("10")})
			out, err = plain.engine.Settle(context.Background(), plain.place(t, tt.in))
			if err != nil || out.Kind != settlement.Filled {
				t.Errorf("regular security outcome = %s (%v), want filled", out.Kind, err)
			}
		})
	}
}

func TestSettle_PriceLimitRejects(t *testing.T) {
	tests := []struct {
		name  string
		in    decision.Instruction
		price string
	}{
		{"buy at upper limit", decision.Buy{Security: sec, Quantity: 100, Type: model.Market}, "11"},
		{"sell at lower limit", decision.Sell{Security: sec, Quantity: 100, Type: model.Market}, "9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, "100000")
			env.hold(t, 100, 100)
			env.market.SetQuote(model.Quote{Security: sec, Price: d(tt.price), YesterdayClose: d("10")})
			o := env.place(t, tt.in)

			out, err := env.engine.Settle(context.Background(), o)
			if err != nil {
				t.Fatalf("Settle: %v", err)
			}
			if out.Kind != settlement.Rejected || !errors.Is(out.Cause, rules.ErrPriceLimitBreach) {
				t.Fatalf("outcome = %s %v, want rejected price limit", out.Kind, out.Cause)
			}
			if env.status(t, o.ID) != model.StatusRejected {
				t.Error("order not rejected in store")
			}
			if !env.cash(t).Equal(d("100000")) || len(env.trades(t)) != 0 {
				t.Error("rejected order touched the ledger")
			}
			if got := env.sink.types(); len(got) != 1 || got[0] != broadcast.TypeOrderRejected {
				t.Errorf("events = %v", got)
			}
		})
	}
}

func TestSettle_SkipsBandWithoutPreviousClose(t *testing.T) {
	env := newTestEnv(t, "100000")
	env.market.SetQuote(model.Quote{Security: sec, Price: d("50")})
	o := env.place(t, decision.Buy{Security: sec, Quantity: 100, Type: model.Market})

	out, err := env.engine.Settle(context.Background(), o)
	if err != nil || out.Kind != settlement.Filled {
		t.Fatalf("outcome = %+v, err %v", out, err)
	}
}

func TestSettle_InsufficientFundsRejects(t *testing.T) {
	env := newTestEnv(t, "500")
	o := env.place(t, decision.Buy{Security: sec, Quantity: 100, Type: model.Market})

	out, err := env.engine.Settle(context.Background(), o)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if out.Kind != settlement.Rejected || !errors.Is(out.Cause, ledger.ErrInsufficientFunds) {
		t.Fatalf("outcome = %s %v", out.Kind, out.Cause)
	}
	stored, _ := env.store.GetOrder(context.Background(), o.ID)
	if stored.Status != model.StatusRejected || stored.Reason == "" {
		t.Errorf("order = %+v, want rejected with reason", stored)
	}
	if !env.cash(t).Equal(d("500")) {
		t.Errorf("cash = %s, want untouched 500", env.cash(t))
	}
}

// --- Retryable ---

func TestSettle_SellWithoutSharesStaysPending(t *testing.T) {
	tests := []struct {
		name      string
		qty, free int64
	}{
		{"no position", 0, 0},
		{"bought today", 300, 0},
		{"partly locked", 300, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, "100000")
			if tt.qty > 0 {
				env.hold(t, tt.qty, tt.free)
			}
			o := env.place(t, decision.Sell{Security: sec, Quantity: 200, Type: model.Market})

			out, err := env.engine.Settle(context.Background(), o)
			if err != nil {
				t.Fatalf("Settle: %v", err)
			}
			if out.Kind != settlement.StillPending || !errors.Is(out.Cause, ledger.ErrInsufficientSellable) {
				t.Fatalf("outcome = %s %v", out.Kind, out.Cause)
			}
			if env.status(t, o.ID) != model.StatusPending {
				t.Error("order left the pending state")
			}
		})
	}
}

func TestSettle_MarketDataProblemsStayPending(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*marketdata.Static)
		want  error
	}{
		{"provider error", func(s *marketdata.Static) { s.SetError(marketdata.ErrUnavailable) }, settlement.ErrMarketDataUnavailable},
		{"zero price", func(s *marketdata.Static) { s.SetQuote(model.Quote{Security: sec, YesterdayClose: d("10")}) }, settlement.ErrInvalidPrice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, "100000")
			tt.setup(env.market)
			o := env.place(t, decision.Buy{Security: sec, Quantity: 100, Type: model.Market})

			out, err := env.engine.Settle(context.Background(), o)
			if err != nil {
				t.Fatalf("Settle: %v", err)
			}
			if out.Kind != settlement.StillPending || !errors.Is(out.Cause, tt.want) {
				t.Fatalf("outcome = %s %v, want pending %v", out.Kind, out.Cause, tt.want)
			}
			if env.status(t, o.ID) != model.StatusPending {
				t.Error("order left the pending state")
			}
		})
	}
}

func TestSettle_MissingQuoteStaysPending(t *testing.T) {
	env := newTestEnv(t, "100000")
	o := env.place(t, decision.Buy{Security: "000063", Quantity: 100, Type: model.Market})

	out, err := env.engine.Settle(context.Background(), o)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if out.Kind != settlement.StillPending || !errors.Is(out.Cause, settlement.ErrMarketDataUnavailable) {
		t.Fatalf("outcome = %s %v", out.Kind, out.Cause)
	}
}

func TestSettle_RollbackLeavesNoTrace(t *testing.T) {
	env := newTestEnv(t, "100000")
	u, _ := rules.NewUniverse(rules.DefaultSecurities)
	fs := failingStore{env.store}
	engine := settlement.New(fs, env.rules, env.ledger, env.orders, env.market, u, nil)
	o := env.place(t, decision.Buy{Security: sec, Quantity: 100, Type: model.Market})

	out, err := engine.Settle(context.Background(), o)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if out.Kind != settlement.StillPending || !errors.Is(out.Cause, settlement.ErrExecutionFailed) {
		t.Fatalf("outcome = %s %v", out.Kind, out.Cause)
	}
	if !env.cash(t).Equal(d("100000")) {
		t.Errorf("cash = %s, want 100000", env.cash(t))
	}
	if _, err := env.store.GetPosition(context.Background(), "t1", sec); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("position created despite rollback: %v", err)
	}
	if env.status(t, o.ID) != model.StatusPending {
		t.Error("order left the pending state")
	}

	// The next attempt on a healthy store succeeds.
	out, err = env.engine.Settle(context.Background(), o)
	if err != nil || out.Kind != settlement.Filled {
		t.Fatalf("retry: %+v %v", out, err)
	}
}

// --- Idempotence and concurrency ---

func TestSettle_TerminalOrderIsNotSettledTwice(t *testing.T) {
	env := newTestEnv(t, "100000")
	o := env.place(t, decision.Buy{Security: sec, Quantity: 100, Type: model.Market})
	stale := *o

	if _, err := env.engine.Settle(context.Background(), o); err != nil {
		t.Fatalf("first Settle: %v", err)
	}
	if _, err := env.engine.Settle(context.Background(), o); !errors.Is(err, order.ErrNotPending) {
		t.Errorf("second Settle err = %v, want ErrNotPending", err)
	}
	if _, err := env.engine.Settle(context.Background(), &stale); !errors.Is(err, order.ErrNotPending) {
		t.Errorf("stale Settle err = %v, want ErrNotPending", err)
	}
	if n := len(env.trades(t)); n != 1 {
		t.Errorf("trades = %d, want 1", n)
	}
}

func TestSettle_ConcurrentBuysNeverOverdraw(t *testing.T) {
	env := newTestEnv(t, "10000")
	var orders []*model.Order
	for i := 0; i < 10; i++ {
		orders = append(orders, env.place(t, decision.Buy{Security: sec, Quantity: 100, Type: model.Market}))
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		filled   int
		rejected int
	)
	for _, o := range orders {
		wg.Add(1)
		go func(o *model.Order) {
			defer wg.Done()
			out, err := env.engine.Settle(context.Background(), o)
			if err != nil {
				t.Errorf("Settle: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			switch out.Kind {
			case settlement.Filled:
				filled++
			case settlement.Rejected:
				rejected++
			}
		}(o)
	}
	wg.Wait()

	// Each fill costs 1000 + 5.01 in fees.
	if filled != 9 || rejected != 1 {
		t.Errorf("filled %d rejected %d, want 9/1", filled, rejected)
	}
	if got := env.cash(t); !got.Equal(d("954.91")) {
		t.Errorf("cash = %s, want 954.91", got)
	}
}

// --- Sweep ---

func TestSweep_CountsOutcomesOldestFirst(t *testing.T) {
	env := newTestEnv(t, "100000")
	env.place(t, decision.Buy{Security: sec, Quantity: 100, Type: model.Market})
	env.place(t, decision.Buy{Security: sec, Quantity: 100, Type: model.Limit, LimitPrice: ptr("9")})
	env.place(t, decision.Sell{Security: sec, Quantity: 100, Type: model.Market})

	res, err := env.engine.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	want := settlement.SweepResult{Attempted: 3, Filled: 1, Pending: 2}
	if res != want {
		t.Errorf("result = %+v, want %+v", res, want)
	}

	// A second sweep retries only what is still pending.
	res, err = env.engine.Sweep(context.Background())
	if err != nil {
		t.Fatalf("second Sweep: %v", err)
	}
	if res.Attempted != 2 || res.Filled != 0 {
		t.Errorf("second sweep = %+v", res)
	}
	if n := len(env.trades(t)); n != 1 {
		t.Errorf("trades = %d, want 1", n)
	}
}

func TestSweep_StopsOnCancelledContext(t *testing.T) {
	env := newTestEnv(t, "100000")
	env.place(t, decision.Buy{Security: sec, Quantity: 100, Type: model.Market})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := env.engine.Sweep(ctx); err == nil {
		t.Fatal("expected an error from a cancelled sweep")
	}
}

func TestProperty_SweepKeepsCashConsistent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cash := rapid.IntRange(0, 20000).Draw(t, "cash")
		env := newTestEnv(t, decimal.NewFromInt(int64(cash)).String())

		price := decimal.NewFromInt(int64(rapid.IntRange(950, 1080).Draw(t, "cents"))).Shift(-2)
		env.market.SetQuote(model.Quote{Security: sec, Price: price, YesterdayClose: d("10")})

		n := rapid.IntRange(1, 8).Draw(t, "orders")
		for i := 0; i < n; i++ {
			lots := rapid.Int64Range(1, 5).Draw(t, "lots")
			env.place(t, decision.Buy{Security: sec, Quantity: lots * 100, Type: model.Market})
		}

		if _, err := env.engine.Sweep(context.Background()); err != nil {
			t.Fatalf("Sweep: %v", err)
		}

		spent := decimal.Zero
		for _, tr := range env.trades(t) {
			spent = spent.Add(tr.Amount).Add(tr.Fees.Total)
		}
		got := env.cash(t)
		if got.IsNegative() {
			t.Fatalf("cash went negative: %s", got)
		}
		if !got.Equal(env.initial.Sub(spent)) {
			t.Fatalf("cash %s != initial %s - spent %s", got, env.initial, spent)
		}
		pending, err := env.orders.ListPending(context.Background(), "t1")
		if err != nil {
			t.Fatalf("ListPending: %v", err)
		}
		if len(pending) != 0 {
			t.Fatalf("%d market orders left pending with a valid quote", len(pending))
		}
	})
}
