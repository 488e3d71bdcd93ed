// Package settlement resolves pending orders against live market data.
//
// A settlement attempt prices the order from the order book when one is
// available and from the last trade otherwise, re-validates the candidate
// price against the daily band and the trader's cash or shares, and then
// applies the ledger change, the trade record and the order transition in
// one store transaction.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ashare-arena/settlement/internal/broadcast"
	"github.com/ashare-arena/settlement/internal/ledger"
	"github.com/ashare-arena/settlement/internal/marketdata"
	"github.com/ashare-arena/settlement/internal/metrics"
	"github.com/ashare-arena/settlement/internal/model"
	"github.com/ashare-arena/settlement/internal/order"
	"github.com/ashare-arena/settlement/internal/rules"
	"github.com/ashare-arena/settlement/internal/store"
)

var (
	// ErrMarketDataUnavailable: no usable quote; retried on the next sweep.
	ErrMarketDataUnavailable = errors.New("settlement: market data unavailable")

	// ErrInvalidPrice: the quote carried a non-positive price; retried.
	ErrInvalidPrice = errors.New("settlement: invalid quote price")

	// ErrExecutionFailed: the atomic unit rolled back; retried.
	ErrExecutionFailed = errors.New("settlement: execution failed")

	// ErrNotCrossed: a limit order has not met the market yet.
	ErrNotCrossed = errors.New("settlement: limit not crossed")
)

// Engine settles orders.
type Engine struct {
	store    store.Store
	rules    *rules.Engine
	ledger   *ledger.Ledger
	orders   *order.Lifecycle
	market   marketdata.Provider
	universe *rules.Universe
	sink     broadcast.Sink
}

// New creates a settlement Engine. A nil sink discards events.
func New(st store.Store, re *rules.Engine, l *ledger.Ledger, lc *order.Lifecycle,
	md marketdata.Provider, u *rules.Universe, sink broadcast.Sink) *Engine {
	if sink == nil {
		sink = broadcast.Nop{}
	}
	return &Engine{
		store:    st,
		rules:    re,
		ledger:   l,
		orders:   lc,
		market:   md,
		universe: u,
		sink:     sink,
	}
}

// Settle attempts to settle one order. The returned error is non-nil only
// when the attempt could not be made at all, for example when the order is
// no longer pending; every business result is reported in the Outcome.
func (e *Engine) Settle(ctx context.Context, o *model.Order) (Outcome, error) {
	start := time.Now()
	out, err := e.settle(ctx, o)
	metrics.SettlementLatency.WithLabelValues(string(o.Direction)).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.SettlementsTotal.WithLabelValues("error").Inc()
		return out, err
	}
	metrics.SettlementsTotal.WithLabelValues(out.Kind.String()).Inc()

	log := slog.With("order_id", o.ID, "trader_id", o.TraderID, "security", o.Security, "direction", o.Direction)
	switch out.Kind {
	case Filled:
		metrics.TradeVolume.WithLabelValues(o.Security, string(o.Direction)).Add(float64(o.Quantity))
		log.Info("order filled", "price", out.Price.String(), "quantity", o.Quantity)
		e.sink.Publish(ctx, broadcast.Event{
			Type:     broadcast.TypeTradeExecuted,
			TraderID: o.TraderID,
			Data:     out.Trade,
			Time:     out.Trade.CreatedAt,
		})
	case Rejected:
		log.Info("order rejected", "reason", out.Reason)
		e.sink.Publish(ctx, broadcast.Event{
			Type:     broadcast.TypeOrderRejected,
			TraderID: o.TraderID,
			Data:     map[string]string{"order_id": o.ID, "reason": out.Reason},
			Time:     e.ledger.Now(),
		})
	case StillPending:
		if out.Cause != nil && !errors.Is(out.Cause, ErrNotCrossed) {
			log.Warn("order left pending", "reason", out.Reason)
		}
	}
	return out, nil
}

func (e *Engine) settle(ctx context.Context, o *model.Order) (Outcome, error) {
	if o.Status != model.StatusPending {
		return Outcome{}, fmt.Errorf("%w: order %s is %s", order.ErrNotPending, o.ID, o.Status)
	}

	// Sells re-check availability: the order may predate a competing sell.
	if o.Direction == model.Sell {
		ok, avail, err := e.ledger.CheckSellableQuantity(ctx, o.TraderID, o.Security, o.Quantity)
		switch {
		case errors.Is(err, ledger.ErrTraderNotFound):
			return e.reject(ctx, o, err)
		case err != nil:
			return pending("", fmt.Errorf("%w: %v", ErrExecutionFailed, err)), nil
		case !ok:
			return pending("", fmt.Errorf("%w: want %d, available %d", ledger.ErrInsufficientSellable, o.Quantity, avail)), nil
		}
	}

	quote, err := e.quote(ctx, o.Security)
	if err != nil {
		return pending("", err), nil
	}

	price, err := e.price(ctx, o, quote)
	if err != nil {
		return pending("", err), nil
	}

	if err := e.checkBand(o, price, quote.YesterdayClose); err != nil {
		return e.reject(ctx, o, err)
	}

	return e.execute(ctx, o, price)
}

func (e *Engine) quote(ctx context.Context, security string) (model.Quote, error) {
	quotes, err := e.market.Quotes(ctx, []string{security})
	if err != nil {
		return model.Quote{}, fmt.Errorf("%w: %v", ErrMarketDataUnavailable, err)
	}
	for _, q := range quotes {
		if q.Security != security {
			continue
		}
		if !q.Price.IsPositive() {
			return model.Quote{}, fmt.Errorf("%w: %s at %s", ErrInvalidPrice, security, q.Price)
		}
		return q, nil
	}
	return model.Quote{}, fmt.Errorf("%w: no quote for %s", ErrMarketDataUnavailable, security)
}

// price determines the candidate fill price, preferring the order book.
// Market orders take the opposite best level; limit orders fill at that
// level only when the limit crosses it.
func (e *Engine) price(ctx context.Context, o *model.Order, q model.Quote) (decimal.Decimal, error) {
	book, err := e.market.OrderBook(ctx, o.Security)
	if err != nil {
		slog.Debug("order book unavailable, using last price", "security", o.Security, "err", err)
		book = nil
	}

	if book != nil {
		level := book.BestAsk()
		if o.Direction == model.Sell {
			level = book.BestBid()
		}
		if level.IsPositive() {
			return crossAt(o, level)
		}
	}
	return crossAt(o, q.Price)
}

func crossAt(o *model.Order, level decimal.Decimal) (decimal.Decimal, error) {
	if o.Type != model.Limit {
		return level, nil
	}
	if o.LimitPrice == nil {
		return decimal.Zero, fmt.Errorf("%w: limit order without price", rules.ErrInvalidPrice)
	}
	limit := *o.LimitPrice
	switch o.Direction {
	case model.Buy:
		if limit.GreaterThanOrEqual(level) {
			return level, nil
		}
	case model.Sell:
		if limit.LessThanOrEqual(level) {
			return level, nil
		}
	}
	return decimal.Zero, fmt.Errorf("%w: limit %s vs market %s", ErrNotCrossed, limit, level)
}

func (e *Engine) checkBand(o *model.Order, price, lastClose decimal.Decimal) error {
	if !lastClose.IsPositive() {
		return nil
	}
	name := e.universe.Name(o.Security)
	if o.Direction == model.Buy {
		return e.rules.CheckBuyBand(name, price, lastClose)
	}
	return e.rules.CheckSellBand(name, price, lastClose)
}

// execute runs the atomic unit. Affordability and availability are checked
// again under the trader lock; a failure there rejects the order in the same
// transaction.
func (e *Engine) execute(ctx context.Context, o *model.Order, price decimal.Decimal) (Outcome, error) {
	fee, fees := e.rules.CalculateFees(price, o.Quantity, o.Direction)
	amount := price.Mul(decimal.NewFromInt(o.Quantity))

	var (
		trade      *model.Trade
		ruleErr    error
		notPending error
	)
	err := e.store.RunInTx(ctx, o.TraderID, func(tx store.Tx) error {
		current, err := tx.GetOrder(ctx, o.ID)
		if err != nil {
			return err
		}
		if current.Status != model.StatusPending {
			notPending = fmt.Errorf("%w: order %s is %s", order.ErrNotPending, o.ID, current.Status)
			return notPending
		}
		if _, err := e.ledger.UnlockT1Tx(ctx, tx, o.TraderID); err != nil {
			return err
		}

		if ruleErr = e.affordable(ctx, tx, o, amount.Add(fee)); ruleErr != nil {
			_, err := e.orders.MarkRejected(ctx, tx, o.ID, ruleErr.Error())
			return err
		}

		switch o.Direction {
		case model.Buy:
			err = e.ledger.ApplyBuyTx(ctx, tx, o.TraderID, o.Security, price, o.Quantity, fee)
		case model.Sell:
			err = e.ledger.ApplySellTx(ctx, tx, o.TraderID, o.Security, price, o.Quantity, fee)
		}
		if err != nil {
			return err
		}

		trade = &model.Trade{
			ID:        uuid.New().String(),
			OrderID:   o.ID,
			TraderID:  o.TraderID,
			Security:  o.Security,
			Direction: o.Direction,
			Price:     price,
			Quantity:  o.Quantity,
			Amount:    amount,
			Fees:      fees,
			CreatedAt: e.ledger.Now(),
		}
		if err := tx.InsertTrade(ctx, trade); err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}
		_, err = e.orders.MarkFilled(ctx, tx, o.ID, price, o.Quantity)
		return err
	})

	switch {
	case notPending != nil:
		return Outcome{}, notPending
	case err != nil:
		return pending("", fmt.Errorf("%w: %v", ErrExecutionFailed, err)), nil
	case ruleErr != nil:
		return rejected(ruleErr), nil
	}
	o.Status = model.StatusFilled
	return filled(price, trade), nil
}

func (e *Engine) affordable(ctx context.Context, tx store.Tx, o *model.Order, cost decimal.Decimal) error {
	if o.Direction == model.Buy {
		trader, err := tx.GetTrader(ctx, o.TraderID)
		if err != nil {
			return fmt.Errorf("%w: %s", ledger.ErrTraderNotFound, o.TraderID)
		}
		if trader.Cash.LessThan(cost) {
			return fmt.Errorf("%w: need %s, have %s", ledger.ErrInsufficientFunds, cost, trader.Cash)
		}
		return nil
	}

	pos, err := tx.GetPosition(ctx, o.TraderID, o.Security)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: no position in %s", ledger.ErrInsufficientSellable, o.Security)
	}
	if err != nil {
		return nil // surfaced by ApplySellTx
	}
	if pos.AvailableQuantity < o.Quantity {
		return fmt.Errorf("%w: want %d, available %d", ledger.ErrInsufficientSellable, o.Quantity, pos.AvailableQuantity)
	}
	return nil
}

func (e *Engine) reject(ctx context.Context, o *model.Order, cause error) (Outcome, error) {
	if _, err := e.orders.Reject(ctx, o.ID, cause.Error()); err != nil {
		if errors.Is(err, order.ErrNotPending) {
			return Outcome{}, err
		}
		return pending("", fmt.Errorf("%w: %v", ErrExecutionFailed, err)), nil
	}
	o.Status = model.StatusRejected
	return rejected(cause), nil
}
