package marketdata

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ashare-arena/settlement/internal/model"
	"github.com/ashare-arena/settlement/internal/rules"
)

// DefaultBasePrices seeds the simulator for the default universe.
var DefaultBasePrices = map[string]decimal.Decimal{
	"000063": decimal.RequireFromString("35.20"),
	"002594": decimal.RequireFromString("285.00"),
	"300750": decimal.RequireFromString("248.50"),
	"600276": decimal.RequireFromString("52.30"),
	"600703": decimal.RequireFromString("13.10"),
	"688256": decimal.RequireFromString("612.00"),
}

var tick = decimal.RequireFromString("0.01")

// RandomWalk simulates intraday prices. Each Quotes call moves every
// requested security by at most MaxStep (a fraction of the price), always
// staying strictly inside the daily band of its own previous close. A new
// calendar day rolls the last price into the previous close.
type RandomWalk struct {
	MaxStep decimal.Decimal

	mu       sync.Mutex
	rules    *rules.Engine
	universe *rules.Universe
	rng      *rand.Rand
	now      func() time.Time
	states   map[string]*walkState
	base     map[string]decimal.Decimal
}

type walkState struct {
	day       string
	prevClose decimal.Decimal
	open      decimal.Decimal
	high      decimal.Decimal
	low       decimal.Decimal
	price     decimal.Decimal
	volume    int64
	amount    decimal.Decimal
}

// NewRandomWalk creates a simulator over the universe. Securities missing
// from base start at 10.00.
func NewRandomWalk(u *rules.Universe, re *rules.Engine, base map[string]decimal.Decimal, seed uint64) *RandomWalk {
	return &RandomWalk{
		MaxStep:  decimal.RequireFromString("0.005"),
		rules:    re,
		universe: u,
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		now:      time.Now,
		states:   make(map[string]*walkState),
		base:     base,
	}
}

func (w *RandomWalk) Quotes(ctx context.Context, securities []string) ([]model.Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	out := make([]model.Quote, 0, len(securities))
	for _, code := range securities {
		if !w.universe.Contains(code) {
			continue
		}
		st := w.advance(code, now)
		change := decimal.Zero
		if st.prevClose.IsPositive() {
			change = st.price.Sub(st.prevClose).Div(st.prevClose).Mul(decimal.NewFromInt(100)).Round(2)
		}
		out = append(out, model.Quote{
			Security:       code,
			Name:           w.universe.Name(code),
			Price:          st.price,
			Open:           st.open,
			High:           st.high,
			Low:            st.low,
			YesterdayClose: st.prevClose,
			ChangePct:      change,
			Volume:         st.volume,
			Amount:         st.amount,
			Timestamp:      now,
		})
	}
	return out, nil
}

// OrderBook quotes five levels a tick apart around the last price.
func (w *RandomWalk) OrderBook(ctx context.Context, security string) (*model.OrderBook, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	st, ok := w.states[security]
	if !ok {
		return nil, nil
	}
	book := &model.OrderBook{Security: security}
	for i := 0; i < 5; i++ {
		offset := tick.Mul(decimal.NewFromInt(int64(i)))
		book.AskPrices[i] = st.price.Add(tick).Add(offset)
		bid := st.price.Sub(offset)
		if bid.LessThan(tick) {
			bid = tick
		}
		book.BidPrices[i] = bid
		book.AskVolumes[i] = (w.rng.Int64N(50) + 1) * 100
		book.BidVolumes[i] = (w.rng.Int64N(50) + 1) * 100
	}
	return book, nil
}

// HistoricalBars returns synthetic daily bars ending at the previous close.
func (w *RandomWalk) HistoricalBars(ctx context.Context, security, interval string, days int) ([]model.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if interval != "" && interval != "1d" {
		return nil, fmt.Errorf("%w: interval %q not simulated", ErrUnavailable, interval)
	}
	if !w.universe.Contains(security) {
		return nil, fmt.Errorf("%w: unknown security %s", ErrUnavailable, security)
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	st := w.advance(security, now)
	bars := make([]model.Bar, days)
	closePx := st.prevClose
	for i := days - 1; i >= 0; i-- {
		openPx := w.move(closePx, closePx)
		hi := decimal.Max(openPx, closePx).Add(tick)
		lo := decimal.Min(openPx, closePx).Sub(tick)
		if lo.LessThan(tick) {
			lo = tick
		}
		bars[i] = model.Bar{
			Time:   now.AddDate(0, 0, i-days),
			Open:   openPx,
			High:   hi,
			Low:    lo,
			Close:  closePx,
			Volume: (w.rng.Int64N(100000) + 1) * 100,
		}
		closePx = openPx
	}
	return bars, nil
}

// advance steps one security and returns its state. Callers hold w.mu.
func (w *RandomWalk) advance(code string, now time.Time) *walkState {
	day := now.In(w.rules.Location()).Format("2006-01-02")
	st, ok := w.states[code]
	if !ok {
		start, ok := w.base[code]
		if !ok {
			start = decimal.NewFromInt(10)
		}
		st = &walkState{day: day, prevClose: start, open: start, high: start, low: start, price: start}
		w.states[code] = st
		return st
	}
	if st.day != day {
		st.day = day
		st.prevClose = st.price
		st.open, st.high, st.low = st.price, st.price, st.price
		st.volume = 0
		st.amount = decimal.Zero
	}

	st.price = w.move(st.price, st.prevClose)
	st.high = decimal.Max(st.high, st.price)
	st.low = decimal.Min(st.low, st.price)
	vol := (w.rng.Int64N(500) + 1) * 100
	st.volume += vol
	st.amount = st.amount.Add(st.price.Mul(decimal.NewFromInt(vol)))
	return st
}

// move applies one random step to price, clamped inside the band of
// prevClose.
func (w *RandomWalk) move(price, prevClose decimal.Decimal) decimal.Decimal {
	r := decimal.NewFromFloat(w.rng.Float64()*2 - 1)
	next := price.Mul(decimal.NewFromInt(1).Add(r.Mul(w.MaxStep))).Round(2)

	upper, lower := w.rules.PriceLimitBand("", prevClose)
	if next.GreaterThanOrEqual(upper) {
		next = upper.Sub(tick)
	}
	if next.LessThanOrEqual(lower) {
		next = lower.Add(tick)
	}
	if next.LessThan(tick) {
		next = tick
	}
	return next
}
