// Package store defines the persistence interface for the settlement engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for append-only history), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/ashare-arena/settlement/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// OrderFilter selects orders for ListOrders. Empty fields match everything.
type OrderFilter struct {
	TraderID string
	Status   model.OrderStatus
	Limit    int
}

// Reader is the non-transactional read side. Each call observes committed
// state only.
type Reader interface {
	GetTrader(ctx context.Context, id string) (*model.Trader, error)
	ListTraders(ctx context.Context) ([]model.Trader, error)

	GetPosition(ctx context.Context, traderID, security string) (*model.Position, error)
	ListPositions(ctx context.Context, traderID string) ([]model.Position, error)

	GetOrder(ctx context.Context, id string) (*model.Order, error)
	// ListOrders returns matching orders oldest first.
	ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, error)

	ListTrades(ctx context.Context, traderID string) ([]model.Trade, error)
	// ListSnapshots returns up to limit snapshots, newest first. limit <= 0
	// returns all.
	ListSnapshots(ctx context.Context, traderID string, limit int) ([]model.PortfolioSnapshot, error)
	ListDecisionAudits(ctx context.Context, traderID string, limit int) ([]model.DecisionAudit, error)
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	Reader

	// CreateTrader persists a new trader.
	CreateTrader(ctx context.Context, t *model.Trader) error

	// CreateOrder persists a new pending order.
	CreateOrder(ctx context.Context, o *model.Order) error

	// InsertSnapshot appends a portfolio snapshot.
	InsertSnapshot(ctx context.Context, s *model.PortfolioSnapshot) error

	// InsertDecisionAudit appends a decision audit record.
	InsertDecisionAudit(ctx context.Context, a *model.DecisionAudit) error

	// RunInTx runs fn in a transaction scoped to one trader. Transactions
	// for the same trader are serialized; fn's writes are committed
	// together if it returns nil and discarded otherwise.
	RunInTx(ctx context.Context, traderID string, fn func(tx Tx) error) error
}

// Tx is the mutation side, only reachable through Store.RunInTx.
type Tx interface {
	GetTrader(ctx context.Context, id string) (*model.Trader, error)
	GetPosition(ctx context.Context, traderID, security string) (*model.Position, error)
	ListPositions(ctx context.Context, traderID string) ([]model.Position, error)
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	UpdateTrader(ctx context.Context, t *model.Trader) error
	UpsertPosition(ctx context.Context, p *model.Position) error
	DeletePosition(ctx context.Context, traderID, security string) error
	UpdateOrder(ctx context.Context, o *model.Order) error
	InsertTrade(ctx context.Context, t *model.Trade) error
}
