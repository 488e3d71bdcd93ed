// Package ledger owns every mutation of trader cash and positions.
//
// Each mutation runs inside a store transaction scoped to the trader, so the
// cash update and the position update land together or not at all, and
// TotalAssets == Cash + Σ MarketValue holds after every commit.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ashare-arena/settlement/internal/model"
	"github.com/ashare-arena/settlement/internal/rules"
	"github.com/ashare-arena/settlement/internal/store"
)

var (
	ErrTraderNotFound       = errors.New("ledger: trader not found")
	ErrPositionNotFound     = errors.New("ledger: position not found")
	ErrInsufficientFunds    = errors.New("ledger: insufficient funds")
	ErrInsufficientSellable = errors.New("ledger: insufficient sellable quantity")
	ErrInvalidQuantity      = errors.New("ledger: quantity must be positive")
)

// Ledger applies cash and position changes.
type Ledger struct {
	store store.Store
	rules *rules.Engine
	now   func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the wall clock used for trade dates and T+1 checks.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a Ledger backed by st.
func New(st store.Store, re *rules.Engine, opts ...Option) *Ledger {
	l := &Ledger{store: st, rules: re, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Now returns the ledger's current time.
func (l *Ledger) Now() time.Time { return l.now() }

// GetPortfolio returns the trader and all positions as one consistent view.
// Positions eligible under T+1 are unlocked as part of the read.
func (l *Ledger) GetPortfolio(ctx context.Context, traderID string) (*model.Portfolio, error) {
	var view *model.Portfolio
	err := l.runInTx(ctx, traderID, func(tx store.Tx) error {
		if _, err := l.unlockTx(ctx, tx, traderID); err != nil {
			return err
		}
		var err error
		view, err = l.readTx(ctx, tx, traderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// CheckAvailableCash reports whether the trader holds at least amount in
// cash, along with the cash on hand.
func (l *Ledger) CheckAvailableCash(ctx context.Context, traderID string, amount decimal.Decimal) (bool, decimal.Decimal, error) {
	trader, err := l.store.GetTrader(ctx, traderID)
	if err != nil {
		return false, decimal.Zero, traderErr(err, traderID)
	}
	return trader.Cash.GreaterThanOrEqual(amount), trader.Cash, nil
}

// CheckSellableQuantity reports whether qty shares of security can be sold
// now, along with the currently available quantity.
func (l *Ledger) CheckSellableQuantity(ctx context.Context, traderID, security string, qty int64) (bool, int64, error) {
	view, err := l.GetPortfolio(ctx, traderID)
	if err != nil {
		return false, 0, err
	}
	for _, p := range view.Positions {
		if p.Security == security {
			return p.AvailableQuantity >= qty, p.AvailableQuantity, nil
		}
	}
	return false, 0, nil
}

// ApplyBuy debits cash and adds qty shares in its own transaction.
func (l *Ledger) ApplyBuy(ctx context.Context, traderID, security string, price decimal.Decimal, qty int64, fee decimal.Decimal) error {
	return l.runInTx(ctx, traderID, func(tx store.Tx) error {
		return l.ApplyBuyTx(ctx, tx, traderID, security, price, qty, fee)
	})
}

// ApplyBuyTx is ApplyBuy joined to the caller's transaction. Eligible shares
// are unlocked first; the new shares stay locked until a later calendar day.
func (l *Ledger) ApplyBuyTx(ctx context.Context, tx store.Tx, traderID, security string, price decimal.Decimal, qty int64, fee decimal.Decimal) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	if _, err := l.unlockTx(ctx, tx, traderID); err != nil {
		return err
	}
	trader, err := tx.GetTrader(ctx, traderID)
	if err != nil {
		return traderErr(err, traderID)
	}

	qtyDec := decimal.NewFromInt(qty)
	cost := price.Mul(qtyDec).Add(fee)
	if trader.Cash.LessThan(cost) {
		return fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, cost, trader.Cash)
	}

	now := l.now()
	pos, err := tx.GetPosition(ctx, traderID, security)
	switch {
	case errors.Is(err, store.ErrNotFound):
		pos = &model.Position{
			TraderID: traderID,
			Security: security,
			AvgCost:  decimal.Zero,
		}
	case err != nil:
		return err
	}

	newQty := pos.Quantity + qty
	totalCost := pos.AvgCost.Mul(decimal.NewFromInt(pos.Quantity)).Add(cost)
	pos.AvgCost = totalCost.Div(decimal.NewFromInt(newQty)).Round(6)
	pos.Quantity = newQty
	pos.CurrentPrice = price
	pos.LastTradeDate = &now
	pos.UpdatedAt = now
	pos.Revalue()
	if err := tx.UpsertPosition(ctx, pos); err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}

	trader.Cash = trader.Cash.Sub(cost)
	return l.refreshTotalsTx(ctx, tx, trader, now)
}

// ApplySell credits cash and removes qty shares in its own transaction.
func (l *Ledger) ApplySell(ctx context.Context, traderID, security string, price decimal.Decimal, qty int64, fee decimal.Decimal) error {
	return l.runInTx(ctx, traderID, func(tx store.Tx) error {
		return l.ApplySellTx(ctx, tx, traderID, security, price, qty, fee)
	})
}

// ApplySellTx is ApplySell joined to the caller's transaction. Eligible
// shares are unlocked first. The position is deleted when its quantity
// reaches zero.
func (l *Ledger) ApplySellTx(ctx context.Context, tx store.Tx, traderID, security string, price decimal.Decimal, qty int64, fee decimal.Decimal) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	if _, err := l.unlockTx(ctx, tx, traderID); err != nil {
		return err
	}
	trader, err := tx.GetTrader(ctx, traderID)
	if err != nil {
		return traderErr(err, traderID)
	}

	pos, err := tx.GetPosition(ctx, traderID, security)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s/%s", ErrPositionNotFound, traderID, security)
	}
	if err != nil {
		return err
	}
	if pos.AvailableQuantity < qty {
		return fmt.Errorf("%w: want %d, available %d", ErrInsufficientSellable, qty, pos.AvailableQuantity)
	}

	now := l.now()
	pos.Quantity -= qty
	pos.AvailableQuantity -= qty
	if pos.Quantity == 0 {
		if err := tx.DeletePosition(ctx, traderID, security); err != nil {
			return fmt.Errorf("delete position: %w", err)
		}
	} else {
		pos.CurrentPrice = price
		pos.LastTradeDate = &now
		pos.UpdatedAt = now
		pos.Revalue()
		if err := tx.UpsertPosition(ctx, pos); err != nil {
			return fmt.Errorf("upsert position: %w", err)
		}
	}

	proceeds := price.Mul(decimal.NewFromInt(qty)).Sub(fee)
	trader.Cash = trader.Cash.Add(proceeds)
	return l.refreshTotalsTx(ctx, tx, trader, now)
}

// UnlockT1 makes every T+1-eligible position fully sellable and returns the
// number of positions changed. Idempotent.
func (l *Ledger) UnlockT1(ctx context.Context, traderID string) (int, error) {
	var n int
	err := l.runInTx(ctx, traderID, func(tx store.Tx) error {
		var err error
		n, err = l.unlockTx(ctx, tx, traderID)
		return err
	})
	return n, err
}

// UnlockT1Tx is UnlockT1 joined to the caller's transaction.
func (l *Ledger) UnlockT1Tx(ctx context.Context, tx store.Tx, traderID string) (int, error) {
	return l.unlockTx(ctx, tx, traderID)
}

func (l *Ledger) unlockTx(ctx context.Context, tx store.Tx, traderID string) (int, error) {
	positions, err := tx.ListPositions(ctx, traderID)
	if err != nil {
		return 0, err
	}

	now := l.now()
	unlocked := 0
	for i := range positions {
		p := &positions[i]
		if p.Quantity <= 0 || p.AvailableQuantity >= p.Quantity {
			continue
		}
		// A missing trade date predates T+1 tracking and counts as eligible.
		if p.LastTradeDate != nil && !l.rules.IsT1Eligible(*p.LastTradeDate, now) {
			continue
		}
		p.AvailableQuantity = p.Quantity
		p.UpdatedAt = now
		if err := tx.UpsertPosition(ctx, p); err != nil {
			return unlocked, fmt.Errorf("unlock %s: %w", p.Security, err)
		}
		unlocked++
	}
	return unlocked, nil
}

// MarkToMarket revalues every position whose security appears in prices and
// recomputes TotalAssets. Trade dates and availability are left alone.
// Returns the updated portfolio.
func (l *Ledger) MarkToMarket(ctx context.Context, traderID string, prices map[string]decimal.Decimal) (*model.Portfolio, error) {
	var view *model.Portfolio
	err := l.runInTx(ctx, traderID, func(tx store.Tx) error {
		trader, err := tx.GetTrader(ctx, traderID)
		if err != nil {
			return traderErr(err, traderID)
		}
		positions, err := tx.ListPositions(ctx, traderID)
		if err != nil {
			return err
		}

		now := l.now()
		for i := range positions {
			p := &positions[i]
			price, ok := prices[p.Security]
			if !ok || !price.IsPositive() {
				continue
			}
			p.CurrentPrice = price
			p.UpdatedAt = now
			p.Revalue()
			if err := tx.UpsertPosition(ctx, p); err != nil {
				return fmt.Errorf("revalue %s: %w", p.Security, err)
			}
		}
		if err := l.refreshTotalsTx(ctx, tx, trader, now); err != nil {
			return err
		}
		view, err = l.readTx(ctx, tx, traderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// Snapshot builds a performance record from a portfolio view. Profit and
// return are measured against the trader's initial cash.
func (l *Ledger) Snapshot(view *model.Portfolio) *model.PortfolioSnapshot {
	mv := view.MarketValue()
	total := view.Trader.Cash.Add(mv)
	profit := total.Sub(view.Trader.InitialCash)
	ret := decimal.Zero
	if view.Trader.InitialCash.IsPositive() {
		ret = profit.Div(view.Trader.InitialCash).Mul(decimal.NewFromInt(100)).Round(4)
	}
	return &model.PortfolioSnapshot{
		ID:          uuid.New().String(),
		TraderID:    view.Trader.ID,
		Cash:        view.Trader.Cash,
		MarketValue: mv,
		TotalAssets: total,
		TotalProfit: profit,
		TotalReturn: ret,
		CreatedAt:   l.now(),
	}
}

// refreshTotalsTx recomputes TotalAssets from the positions visible in tx
// and writes the trader.
func (l *Ledger) refreshTotalsTx(ctx context.Context, tx store.Tx, trader *model.Trader, now time.Time) error {
	positions, err := tx.ListPositions(ctx, trader.ID)
	if err != nil {
		return err
	}
	total := trader.Cash
	for _, p := range positions {
		total = total.Add(p.MarketValue)
	}
	trader.TotalAssets = total
	trader.UpdatedAt = now
	if err := tx.UpdateTrader(ctx, trader); err != nil {
		return fmt.Errorf("update trader: %w", err)
	}
	return nil
}

func (l *Ledger) readTx(ctx context.Context, tx store.Tx, traderID string) (*model.Portfolio, error) {
	trader, err := tx.GetTrader(ctx, traderID)
	if err != nil {
		return nil, traderErr(err, traderID)
	}
	positions, err := tx.ListPositions(ctx, traderID)
	if err != nil {
		return nil, err
	}
	return &model.Portfolio{Trader: *trader, Positions: positions}, nil
}

func (l *Ledger) runInTx(ctx context.Context, traderID string, fn func(tx store.Tx) error) error {
	err := l.store.RunInTx(ctx, traderID, fn)
	if errors.Is(err, store.ErrNotFound) {
		// The Postgres store reports a missing trader row before fn runs.
		if _, getErr := l.store.GetTrader(ctx, traderID); errors.Is(getErr, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrTraderNotFound, traderID)
		}
	}
	return err
}

func traderErr(err error, traderID string) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrTraderNotFound, traderID)
	}
	return err
}
