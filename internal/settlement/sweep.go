package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashare-arena/settlement/internal/metrics"
	"github.com/ashare-arena/settlement/internal/order"
)

// SweepResult counts the outcomes of one sweep.
type SweepResult struct {
	Attempted int `json:"attempted"`
	Filled    int `json:"filled"`
	Pending   int `json:"pending"`
	Rejected  int `json:"rejected"`
	Errors    int `json:"errors"`
}

// Sweep attempts every pending order once, oldest first. Orders that
// changed state since the listing are counted as errors and skipped; a
// cancelled context stops the sweep between orders.
func (e *Engine) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	orders, err := e.orders.ListPending(ctx, "")
	if err != nil {
		return res, fmt.Errorf("list pending: %w", err)
	}

	for i := range orders {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Attempted++

		out, err := e.Settle(ctx, &orders[i])
		if err != nil {
			res.Errors++
			if !errors.Is(err, order.ErrNotPending) {
				slog.Error("settle failed", "order_id", orders[i].ID, "err", err)
			}
			continue
		}
		switch out.Kind {
		case Filled:
			res.Filled++
		case Rejected:
			res.Rejected++
		default:
			res.Pending++
		}
	}

	metrics.PendingOrders.Set(float64(res.Pending))
	if res.Attempted > 0 {
		slog.Info("settlement sweep",
			"attempted", res.Attempted,
			"filled", res.Filled,
			"pending", res.Pending,
			"rejected", res.Rejected,
			"errors", res.Errors,
		)
	}
	return res, nil
}
