// Package order turns decision instructions into pending orders and owns
// their status transitions. Pending is the only state that may change;
// every terminal transition is checked against the stored status.
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ashare-arena/settlement/internal/decision"
	"github.com/ashare-arena/settlement/internal/metrics"
	"github.com/ashare-arena/settlement/internal/model"
	"github.com/ashare-arena/settlement/internal/rules"
	"github.com/ashare-arena/settlement/internal/store"
)

var (
	// ErrNotPending is returned for any transition out of a terminal state.
	ErrNotPending = errors.New("order: not pending")

	// ErrOrderNotFound is returned when the order does not exist.
	ErrOrderNotFound = errors.New("order: not found")
)

// ValidationError reports an instruction that cannot become an order.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("order: invalid %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Lifecycle creates orders and applies status transitions.
type Lifecycle struct {
	store    store.Store
	rules    *rules.Engine
	universe *rules.Universe
	now      func() time.Time
}

// NewLifecycle creates a Lifecycle. now may be nil for the wall clock.
func NewLifecycle(st store.Store, re *rules.Engine, u *rules.Universe, now func() time.Time) *Lifecycle {
	if now == nil {
		now = time.Now
	}
	return &Lifecycle{store: st, rules: re, universe: u, now: now}
}

// Validate checks an instruction's shape against the trading rules and
// returns the normalized security code.
func (l *Lifecycle) Validate(in decision.Instruction) (string, error) {
	p := in.Params()
	if !in.Direction().Valid() {
		return "", &ValidationError{Field: "direction", Err: fmt.Errorf("%q", in.Direction())}
	}
	code, err := l.universe.Resolve(p.Security)
	if err != nil {
		return "", &ValidationError{Field: "security", Err: err}
	}
	if err := l.rules.ValidateLotSize(p.Quantity); err != nil {
		return "", &ValidationError{Field: "quantity", Err: err}
	}
	switch p.Type {
	case model.Market:
		if p.LimitPrice != nil {
			return "", &ValidationError{Field: "price", Err: errors.New("market order must not carry a price")}
		}
	case model.Limit:
		if p.LimitPrice == nil || !p.LimitPrice.IsPositive() {
			return "", &ValidationError{Field: "price", Err: rules.ErrInvalidPrice}
		}
	default:
		return "", &ValidationError{Field: "type", Err: fmt.Errorf("%q", p.Type)}
	}
	return code, nil
}

// CreateFromInstruction validates an instruction and persists it as a
// pending order.
func (l *Lifecycle) CreateFromInstruction(ctx context.Context, traderID string, in decision.Instruction) (*model.Order, error) {
	code, err := l.Validate(in)
	if err != nil {
		return nil, err
	}

	p := in.Params()
	now := l.now()
	o := &model.Order{
		ID:          uuid.New().String(),
		TraderID:    traderID,
		Security:    code,
		Direction:   in.Direction(),
		Type:        p.Type,
		Quantity:    p.Quantity,
		Status:      model.StatusPending,
		FilledPrice: decimal.Zero,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if p.LimitPrice != nil {
		lp := *p.LimitPrice
		o.LimitPrice = &lp
	}
	if err := l.store.CreateOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	metrics.OrdersCreated.WithLabelValues(string(o.Direction)).Inc()
	return o, nil
}

// CreateBatch creates one order per valid instruction. Invalid instructions
// are logged and skipped; their errors are returned alongside the orders.
func (l *Lifecycle) CreateBatch(ctx context.Context, traderID string, ins []decision.Instruction) ([]model.Order, []error) {
	var (
		orders []model.Order
		errs   []error
	)
	for i, in := range ins {
		o, err := l.CreateFromInstruction(ctx, traderID, in)
		if err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				metrics.InstructionsRejected.Inc()
			}
			slog.Warn("instruction skipped",
				"trader_id", traderID,
				"index", i,
				"security", in.Params().Security,
				"direction", in.Direction(),
				"err", err,
			)
			errs = append(errs, err)
			continue
		}
		orders = append(orders, *o)
	}
	return orders, errs
}

// MarkFilled moves a pending order to filled inside tx.
func (l *Lifecycle) MarkFilled(ctx context.Context, tx store.Tx, orderID string, price decimal.Decimal, qty int64) (*model.Order, error) {
	o, err := l.pendingTx(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	now := l.now()
	o.Status = model.StatusFilled
	o.FilledPrice = price
	o.FilledQuantity = qty
	o.FilledAt = &now
	o.UpdatedAt = now
	if err := tx.UpdateOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("mark filled: %w", err)
	}
	return o, nil
}

// MarkRejected moves a pending order to rejected inside tx.
func (l *Lifecycle) MarkRejected(ctx context.Context, tx store.Tx, orderID, reason string) (*model.Order, error) {
	o, err := l.pendingTx(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	o.Status = model.StatusRejected
	o.Reason = reason
	o.UpdatedAt = l.now()
	if err := tx.UpdateOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("mark rejected: %w", err)
	}
	return o, nil
}

// Reject moves a pending order to rejected in its own transaction.
func (l *Lifecycle) Reject(ctx context.Context, orderID, reason string) (*model.Order, error) {
	return l.transition(ctx, orderID, func(tx store.Tx) (*model.Order, error) {
		return l.MarkRejected(ctx, tx, orderID, reason)
	})
}

// Cancel moves a pending order to cancelled.
func (l *Lifecycle) Cancel(ctx context.Context, orderID string) (*model.Order, error) {
	return l.transition(ctx, orderID, func(tx store.Tx) (*model.Order, error) {
		o, err := l.pendingTx(ctx, tx, orderID)
		if err != nil {
			return nil, err
		}
		o.Status = model.StatusCancelled
		o.UpdatedAt = l.now()
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return nil, fmt.Errorf("cancel: %w", err)
		}
		return o, nil
	})
}

// ListPending returns pending orders oldest first. An empty traderID lists
// every trader's orders.
func (l *Lifecycle) ListPending(ctx context.Context, traderID string) ([]model.Order, error) {
	return l.store.ListOrders(ctx, store.OrderFilter{TraderID: traderID, Status: model.StatusPending})
}

// Get returns one order.
func (l *Lifecycle) Get(ctx context.Context, orderID string) (*model.Order, error) {
	o, err := l.store.GetOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return o, err
}

func (l *Lifecycle) transition(ctx context.Context, orderID string, fn func(tx store.Tx) (*model.Order, error)) (*model.Order, error) {
	current, err := l.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	var out *model.Order
	err = l.store.RunInTx(ctx, current.TraderID, func(tx store.Tx) error {
		var err error
		out, err = fn(tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (l *Lifecycle) pendingTx(ctx context.Context, tx store.Tx, orderID string) (*model.Order, error) {
	o, err := tx.GetOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, err
	}
	if o.Status != model.StatusPending {
		return nil, fmt.Errorf("%w: order %s is %s", ErrNotPending, orderID, o.Status)
	}
	return o, nil
}
